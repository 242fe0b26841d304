package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAcquireTimeout 等待空闲设备超时
var ErrAcquireTimeout = errors.New("timeout waiting for available device")

// Slot 设备池中的一台设备
type Slot struct {
	Serial string // adb 序列号或 host:port

	inUse        bool
	currentRunID string

	// 运行计数和冷却控制
	runsCompleted int
	isResting     bool
	lastRestTime  time.Time
}

// Manager 设备池，serve 模式下每个探索任务独占一台设备
type Manager struct {
	slots        []*Slot
	mu           sync.Mutex
	logger       *logrus.Logger
	waitTimeout  time.Duration // 0 表示无限等待
	pollInterval time.Duration
	restInterval int           // 每 N 次运行冷却一次，0 关闭
	restDuration time.Duration // 冷却时长
}

// NewManager 创建设备池
func NewManager(serials []string, logger *logrus.Logger) *Manager {
	m := &Manager{
		logger:       logger,
		pollInterval: 500 * time.Millisecond,
	}
	for _, serial := range serials {
		m.slots = append(m.slots, &Slot{Serial: serial})
	}
	logger.WithField("devices", len(m.slots)).Info("Device pool initialized")
	return m
}

// SetWaitTimeout 设置获取设备的超时
func (m *Manager) SetWaitTimeout(d time.Duration) {
	m.waitTimeout = d
}

// ConfigureRest 配置设备冷却
func (m *Manager) ConfigureRest(interval int, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restInterval = interval
	m.restDuration = duration
}

// Acquire 获取空闲设备（阻塞直到有设备可用、超时或 ctx 取消）
func (m *Manager) Acquire(ctx context.Context, runID string) (*Slot, error) {
	m.logger.WithField("run_id", runID).Info("Acquiring device from pool...")

	if slot := m.tryAcquire(runID); slot != nil {
		return slot, nil
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if m.waitTimeout > 0 {
		timer := time.NewTimer(m.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrAcquireTimeout
		case <-ticker.C:
			if slot := m.tryAcquire(runID); slot != nil {
				return slot, nil
			}
			m.logger.WithField("run_id", runID).Debug("No device available, waiting...")
		}
	}
}

func (m *Manager) tryAcquire(runID string) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, slot := range m.slots {
		if slot.inUse || slot.isResting {
			continue
		}
		slot.inUse = true
		slot.currentRunID = runID
		m.logger.WithFields(logrus.Fields{
			"run_id": runID,
			"serial": slot.Serial,
		}).Info("Device acquired successfully")
		return slot
	}
	return nil
}

// Release 释放设备，达到阈值时进入冷却
func (m *Manager) Release(slot *Slot) {
	if slot == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	runID := slot.currentRunID
	slot.runsCompleted++
	slot.currentRunID = ""
	slot.inUse = false

	m.logger.WithFields(logrus.Fields{
		"run_id":         runID,
		"serial":         slot.Serial,
		"runs_completed": slot.runsCompleted,
	}).Info("Device released")

	if m.restInterval > 0 && slot.runsCompleted >= m.restInterval {
		m.startRest(slot)
	}
}

// startRest 调用方持有 m.mu
func (m *Manager) startRest(slot *Slot) {
	slot.isResting = true
	slot.runsCompleted = 0
	slot.lastRestTime = time.Now()
	duration := m.restDuration

	m.logger.WithFields(logrus.Fields{
		"serial":        slot.Serial,
		"rest_duration": duration.String(),
	}).Info("Device entering rest period")

	time.AfterFunc(duration, func() {
		m.mu.Lock()
		slot.isResting = false
		m.mu.Unlock()
		m.logger.WithField("serial", slot.Serial).Info("Device rest completed")
	})
}

// Count 设备总数
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Available 当前空闲设备数
func (m *Manager) Available() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, slot := range m.slots {
		if !slot.inUse && !slot.isResting {
			n++
		}
	}
	return n
}
