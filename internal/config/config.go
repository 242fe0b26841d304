package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Humanoid  HumanoidConfig  `mapstructure:"humanoid"`
	ADB       ADBConfig       `mapstructure:"adb"`
	App       AppConfig       `mapstructure:"app"`
	Explorer  ExplorerConfig  `mapstructure:"explorer"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Log       LogConfig       `mapstructure:"log"`
	OutputDir string          `mapstructure:"output_dir"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时写接口不鉴权
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
}

type RabbitMQConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	VHost       string `mapstructure:"vhost"`
	Queue       string `mapstructure:"queue"`        // 探索任务队列
	EventsQueue string `mapstructure:"events_queue"` // 状态观察事件队列
}

// LLMConfig 决策模型配置（OpenAI 兼容接口）
type LLMConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	Model          string  `mapstructure:"model"`
	EmbeddingModel string  `mapstructure:"embedding_model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Timeout        int     `mapstructure:"timeout"`       // seconds
	RatePerMinute  int     `mapstructure:"rate_per_minute"`
}

// HumanoidConfig 可选的事件排序服务
type HumanoidConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Timeout int    `mapstructure:"timeout"` // seconds
}

type ADBConfig struct {
	Path    string   `mapstructure:"path"`
	Serial  string   `mapstructure:"serial"`
	Devices []string `mapstructure:"devices"` // serve 模式的设备池
	Timeout int      `mapstructure:"timeout"` // seconds
}

// DeviceSerials serve 模式可用的设备，未配置设备池时退回单台设备
func (c ADBConfig) DeviceSerials() []string {
	if len(c.Devices) > 0 {
		return c.Devices
	}
	if c.Serial != "" {
		return []string{c.Serial}
	}
	return nil
}

// AppConfig 被测应用
type AppConfig struct {
	Name         string `mapstructure:"name"`
	Package      string `mapstructure:"package"`
	MainActivity string `mapstructure:"main_activity"`
}

// ExplorerConfig 探索循环配置
type ExplorerConfig struct {
	Policy           string  `mapstructure:"policy"`      // dfs_greedy, bfs_greedy, dfs_naive, bfs_naive, task, replay, manual, none
	EventCount       int     `mapstructure:"event_count"` // 动作预算
	EventInterval    float64 `mapstructure:"event_interval"`
	PollInterval     float64 `mapstructure:"poll_interval"`
	RandomInput      bool    `mapstructure:"random_input"`
	ReplayDir        string  `mapstructure:"replay_dir"`
	AssessmentConfig string  `mapstructure:"assessment_config"`
	WatchAssessment  bool    `mapstructure:"watch_assessment"`
	UseThoughts      bool    `mapstructure:"use_thoughts"` // 提示中附带每步理由
	KeepApp          bool    `mapstructure:"keep_app"`     // 开始时不强制停止应用，沿用当前界面
}

// EventIntervalDuration 两次动作之间的等待
func (c ExplorerConfig) EventIntervalDuration() time.Duration {
	return time.Duration(c.EventInterval * float64(time.Second))
}

// PollIntervalDuration 回放轮询间隔
func (c ExplorerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval * float64(time.Second))
}

// MemoryConfig 元素记忆库
type MemoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.db_name", "explorer.db")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.queue", "exploration_jobs")
	v.SetDefault("rabbitmq.events_queue", "exploration_events")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.timeout", 60)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("llm.rate_per_minute", 30)
	v.SetDefault("humanoid.timeout", 10)
	v.SetDefault("adb.path", "adb")
	v.SetDefault("adb.timeout", 30)
	v.SetDefault("explorer.policy", "dfs_greedy")
	v.SetDefault("explorer.event_count", 100)
	v.SetDefault("explorer.event_interval", 1.0)
	v.SetDefault("explorer.poll_interval", 5.0)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.queue_size", 16)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("output_dir", "output")
}

func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// 环境变量覆盖（支持嵌套配置）
	v.AutomaticEnv()

	v.BindEnv("llm.api_key", "LLM_API_KEY")
	v.BindEnv("llm.base_url", "LLM_BASE_URL")
	v.BindEnv("adb.serial", "ADB_SERIAL", "ANDROID_SERIAL")
	v.BindEnv("server.api_token", "EXPLORER_API_TOKEN")

	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
