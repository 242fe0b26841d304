package assessment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// CredentialManager 管理评估配置中的凭据、API Key 与应用说明
// 配置文件变化时可通过 Reload 热更新
type CredentialManager struct {
	path   string
	cfg    *Config
	mu     sync.RWMutex
	logger *logrus.Logger
}

// NewCredentialManager 从文件加载；path 为空时使用空配置
func NewCredentialManager(path string, logger *logrus.Logger) (*CredentialManager, error) {
	m := &CredentialManager{path: path, logger: logger}
	if path == "" {
		m.cfg = &Config{}
		m.cfg.normalize()
		return m, nil
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewCredentialManagerFromConfig 使用已加载的配置
func NewCredentialManagerFromConfig(cfg *Config, logger *logrus.Logger) *CredentialManager {
	cfg.normalize()
	return &CredentialManager{cfg: cfg, logger: logger}
}

// Path 配置文件路径
func (m *CredentialManager) Path() string {
	return m.path
}

// Reload 重新读取配置文件
func (m *CredentialManager) Reload() error {
	cfg, err := LoadConfig(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	if len(cfg.Credentials) == 0 {
		m.logger.Warn("Missing 'credentials' section in assessment config")
	}
	m.logger.WithFields(logrus.Fields{
		"path":        m.path,
		"credentials": len(cfg.Credentials),
		"app_notes":   len(cfg.AppNotes),
		"sections":    len(cfg.CriticalSections),
	}).Info("Assessment config loaded")
	return nil
}

// Config 当前配置快照
func (m *CredentialManager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Credentials 指定应用的凭据（过滤 N/A 和 app_name）
func (m *CredentialManager) Credentials(appName string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cred := range m.cfg.Credentials {
		if cred["app_name"] != appName {
			continue
		}
		out := make(map[string]string)
		for k, v := range cred {
			if k == "app_name" || v == NotAvailable || v == "" {
				continue
			}
			out[k] = v
		}
		return out
	}
	return map[string]string{}
}

// AllCredentials 全部凭据，每组过滤 N/A，空组丢弃
func (m *CredentialManager) AllCredentials() []map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []map[string]string
	for _, cred := range m.cfg.Credentials {
		filtered := make(map[string]string)
		for k, v := range cred {
			if v != NotAvailable {
				filtered[k] = v
			}
		}
		if len(filtered) > 0 {
			out = append(out, filtered)
		}
	}
	return out
}

// APIKey 服务的 API Key，不存在时返回空
func (m *CredentialManager) APIKey(service string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.APIKeys[strings.ToLower(service)]
}

// AppNotes 指定应用的说明
func (m *CredentialManager) AppNotes(appName string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.cfg.AppNotes {
		if n.AppName == appName {
			return n.Notes
		}
	}
	return ""
}

// Notes 全部有效说明
func (m *CredentialManager) Notes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Notes()
}

// CriticalSections 功能区定义
func (m *CredentialManager) CriticalSections() []CriticalSection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]CriticalSection(nil), m.cfg.CriticalSections...)
}

// AddCredentials 新增或更新应用的用户名与密码
func (m *CredentialManager) AddCredentials(appName, username, password string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cred := range m.cfg.Credentials {
		if cred["app_name"] == appName {
			cred["username"] = username
			cred["password"] = password
			m.logger.WithField("app", appName).Info("Updated credentials")
			return
		}
	}
	m.cfg.Credentials = append(m.cfg.Credentials, map[string]string{
		"app_name": appName,
		"username": username,
		"password": password,
	})
	m.logger.WithField("app", appName).Info("Added credentials")
}

// AddAPIKey 新增或更新 API Key
func (m *CredentialManager) AddAPIKey(service, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.APIKeys[strings.ToLower(service)] = key
	m.logger.WithField("service", service).Info("Added API key")
}

// Save 写回配置文件，YAML 扩展名写 YAML，其余写 JSON
func (m *CredentialManager) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m.cfg)
	default:
		data, err = json.MarshalIndent(m.cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal assessment config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write assessment config: %w", err)
	}
	m.logger.WithField("path", path).Info("Assessment config saved")
	return nil
}
