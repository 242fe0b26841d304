package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  name: Calm
  package: com.calm.android
  main_activity: .MainActivity
explorer:
  policy: task
  event_count: 42
  event_interval: 0.5
llm:
  enabled: true
  model: gpt-4o
log:
  level: debug
  format: json
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "com.calm.android", cfg.App.Package)
	assert.Equal(t, "task", cfg.Explorer.Policy)
	assert.Equal(t, 42, cfg.Explorer.EventCount)
	assert.Equal(t, 500*time.Millisecond, cfg.Explorer.EventIntervalDuration())
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)

	// 默认值
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 5*time.Second, cfg.Explorer.PollIntervalDuration())
	assert.Equal(t, "exploration_jobs", cfg.RabbitMQ.Queue)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	logger := InitLogger(&LogConfig{Level: "warn", Format: "json"})
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger = InitLogger(&LogConfig{Level: "nonsense"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestInitRunLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	logger, closer, err := InitRunLogger(&LogConfig{Level: "info"}, dir)
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, "explorer.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestADBConfig_DeviceSerials(t *testing.T) {
	assert.Nil(t, ADBConfig{}.DeviceSerials())
	assert.Equal(t, []string{"emulator-5554"}, ADBConfig{Serial: "emulator-5554"}.DeviceSerials())
	assert.Equal(t, []string{"a", "b"}, ADBConfig{Serial: "emulator-5554", Devices: []string{"a", "b"}}.DeviceSerials())
}
