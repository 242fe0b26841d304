package assessment

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// NotAvailable 配置中表示“无”的占位值
const NotAvailable = "N/A"

// AppNote 应用说明（可能包含 PIN、密码、隐藏入口等提示）
type AppNote struct {
	AppName string `mapstructure:"app_name" json:"app_name" yaml:"app_name"`
	Notes   string `mapstructure:"notes" json:"notes" yaml:"notes"`
}

// CriticalSection 需要重点覆盖的功能区
type CriticalSection struct {
	Name     string   `mapstructure:"name" json:"name" yaml:"name"`
	Keywords []string `mapstructure:"keywords" json:"keywords" yaml:"keywords"`
}

// Valid 名称和关键字都存在且不是 N/A
func (s CriticalSection) Valid() bool {
	if s.Name == "" || s.Name == NotAvailable || len(s.Keywords) == 0 {
		return false
	}
	for _, k := range s.Keywords {
		if k == NotAvailable {
			return false
		}
	}
	return true
}

// MemorySettings 记忆相关开关
type MemorySettings struct {
	UseMemory bool `mapstructure:"use_memory" json:"use_memory" yaml:"use_memory"`
}

// Config 单个应用的评估配置
type Config struct {
	Credentials      []map[string]string `mapstructure:"credentials" json:"credentials" yaml:"credentials"`
	APIKeys          map[string]string   `mapstructure:"api_keys" json:"api_keys" yaml:"api_keys"`
	AppNotes         []AppNote           `mapstructure:"app_notes" json:"app_notes" yaml:"app_notes"`
	CriticalSections []CriticalSection   `mapstructure:"critical_sections" json:"critical_sections" yaml:"critical_sections"`
	Task             string              `mapstructure:"task" json:"task,omitempty" yaml:"task,omitempty"`
	UniqueScreens    int                 `mapstructure:"unique_screens" json:"unique_screens,omitempty" yaml:"unique_screens,omitempty"`
	MemorySettings   MemorySettings      `mapstructure:"memory_settings" json:"memory_settings" yaml:"memory_settings"`
}

// LoadConfig 读取评估配置（JSON 或 YAML，由扩展名决定）
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read assessment config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal assessment config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.APIKeys == nil {
		c.APIKeys = make(map[string]string)
	}
	if c.Credentials == nil {
		c.Credentials = []map[string]string{}
	}
}

// Notes 所有有效的应用说明（过滤 N/A）
func (c *Config) Notes() []string {
	var out []string
	for _, n := range c.AppNotes {
		if n.Notes != "" && n.Notes != NotAvailable {
			out = append(out, n.Notes)
		}
	}
	return out
}

// NotesText 应用说明拼成一段文字
func (c *Config) NotesText() string {
	return strings.TrimSpace(strings.Join(c.Notes(), " "))
}

// ValidSections 过滤掉无效的功能区
func (c *Config) ValidSections() []CriticalSection {
	var out []CriticalSection
	for _, s := range c.CriticalSections {
		if s.Valid() {
			out = append(out, s)
		}
	}
	return out
}

// DefaultTask 没有任何可用描述时的任务
const DefaultTask = "Explore the app thoroughly and interact with all UI elements"

// TaskDescription 生成任务描述
//   - 配置了 task: task + 屏幕数量限制
//   - 否则根据有效功能区和应用说明生成
func (c *Config) TaskDescription() string {
	limit := ""
	if c.UniqueScreens > 0 {
		limit = fmt.Sprintf(" Explore exactly %d unique screens, then stop.", c.UniqueScreens)
	}
	if strings.TrimSpace(c.Task) != "" {
		return c.Task + limit
	}

	notes := c.NotesText()
	var desc string
	if sections := c.ValidSections(); len(sections) > 0 {
		names := make([]string, 0, len(sections))
		for _, s := range sections {
			names = append(names, s.Name)
		}
		desc = "Explore the app focusing on these critical sections: " + strings.Join(names, ", ")
	} else {
		desc = "Explore the app and discover unique screens"
	}
	if notes != "" {
		desc += ". " + notes
	}
	if strings.TrimSpace(desc) == "" {
		return DefaultTask
	}
	return desc
}
