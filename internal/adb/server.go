package adb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// 设备状态（adb devices 第二列）
const (
	DeviceOnline       = "device"
	DeviceOffline      = "offline"
	DeviceUnauthorized = "unauthorized"
)

// Server 本机 adb server 与设备池连接维护
type Server struct {
	path   string
	runner Runner
	logger *logrus.Logger

	startMu sync.Mutex
	started bool
}

// NewServer 创建 adb server 管理器
func NewServer(path string, logger *logrus.Logger) *Server {
	if path == "" {
		path = "adb"
	}
	return &Server{
		path:   path,
		runner: execRunner{},
		logger: logger,
	}
}

// WithRunner 替换命令执行器
func (s *Server) WithRunner(r Runner) *Server {
	s.runner = r
	return s
}

// EnsureStarted 启动 adb server，多个 worker 并发调用时只执行一次
func (s *Server) EnsureStarted(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}

	output, err := s.runner.Run(ctx, s.path, "start-server")
	if err != nil {
		return fmt.Errorf("adb start-server failed: %w, output: %s", err, string(output))
	}
	s.started = true
	s.logger.Info("ADB server started")
	return nil
}

// Devices 当前可见设备及其状态
func (s *Server) Devices(ctx context.Context) (map[string]string, error) {
	output, err := s.runner.Run(ctx, s.path, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices failed: %w", err)
	}
	return ParseDevices(string(output)), nil
}

// ParseDevices 解析 adb devices 输出
func ParseDevices(output string) map[string]string {
	devices := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices[fields[0]] = fields[1]
	}
	return devices
}

// IsNetworkSerial host:port 形式的设备需要 adb connect
func IsNetworkSerial(serial string) bool {
	return strings.Contains(serial, ":")
}

// Reconnect 重新连接不在线的网络设备，返回仍不可用的设备
func (s *Server) Reconnect(ctx context.Context, serials []string) []string {
	devices, err := s.Devices(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list devices")
		return serials
	}

	var unavailable []string
	for _, serial := range serials {
		if devices[serial] == DeviceOnline {
			continue
		}
		if !IsNetworkSerial(serial) {
			s.logger.WithFields(logrus.Fields{
				"serial": serial,
				"state":  devices[serial],
			}).Warn("Device not available")
			unavailable = append(unavailable, serial)
			continue
		}

		output, err := s.runner.Run(ctx, s.path, "connect", serial)
		if err != nil || strings.Contains(string(output), "failed") || strings.Contains(string(output), "unable") {
			s.logger.WithFields(logrus.Fields{
				"serial": serial,
				"output": strings.TrimSpace(string(output)),
			}).Error("Failed to reconnect device")
			unavailable = append(unavailable, serial)
			continue
		}
		s.logger.WithField("serial", serial).Info("Device reconnected")
	}
	return unavailable
}

// HealthCheck 定期检查设备池，直到 ctx 取消
func (s *Server) HealthCheck(ctx context.Context, interval time.Duration, serials []string) {
	if len(serials) == 0 {
		return
	}
	s.logger.WithField("interval", interval.String()).Info("Starting device health check")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Device health check stopped")
			return
		case <-ticker.C:
			s.Reconnect(ctx, serials)
		}
	}
}
