package journal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NullInput 非输入类动作的 Input 取值
const NullInput = "null"

// Record 任务策略一步决策
type Record struct {
	State    string   `yaml:"State"`
	Choice   int      `yaml:"Choice"`
	Input    string   `yaml:"Input"`
	StateStr []string `yaml:"state_str"`
}

// Document YAML 文件结构
type Document struct {
	TaskName string   `yaml:"task_name"`
	StepNum  int      `yaml:"step_num"`
	Records  []Record `yaml:"records"`
}

// Sink 追加决策记录
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// FileName 任务描述转成文件名（引号替换为 _）
func FileName(task string) string {
	if task == "" {
		task = "explore_app"
	}
	name := strings.NewReplacer(`"`, "_", "'", "_", "/", "_").Replace(task)
	return name + ".yaml"
}

// TaskJournal 每个任务一个 YAML 文件，每次追加后整体重写
type TaskJournal struct {
	path   string
	doc    Document
	mu     sync.Mutex
	logger *logrus.Logger
}

// Open 打开（或新建）任务日志，已有文件时在其记录之后继续追加
func Open(dir, task string, logger *logrus.Logger) (*TaskJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	j := &TaskJournal{
		path:   filepath.Join(dir, FileName(task)),
		doc:    Document{TaskName: task},
		logger: logger,
	}

	data, err := os.ReadFile(j.path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &j.doc); err != nil {
			return nil, fmt.Errorf("parse journal %s: %w", j.path, err)
		}
		j.doc.TaskName = task
	case os.IsNotExist(err):
		if err := j.flush(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return j, nil
}

// Path 日志文件路径
func (j *TaskJournal) Path() string {
	return j.path
}

// Append 追加一条记录
func (j *TaskJournal) Append(_ context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if rec.Input == "" {
		rec.Input = NullInput
	}
	j.doc.Records = append(j.doc.Records, rec)
	j.doc.StepNum = len(j.doc.Records)
	if err := j.flush(); err != nil {
		return err
	}
	j.logger.WithFields(logrus.Fields{
		"journal": j.path,
		"step":    j.doc.StepNum,
		"choice":  rec.Choice,
	}).Debug("Journal record appended")
	return nil
}

// Records 当前全部记录
func (j *TaskJournal) Records() []Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Record(nil), j.doc.Records...)
}

func (j *TaskJournal) flush() error {
	data, err := yaml.Marshal(&j.doc)
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return os.Rename(tmp, j.path)
}

// MultiSink 依次写入多个 Sink，单个失败只记录日志
type MultiSink struct {
	sinks  []Sink
	logger *logrus.Logger
}

// NewMultiSink 组合多个 Sink
func NewMultiSink(logger *logrus.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger}
}

// Append 写入全部 Sink，返回第一个错误
func (m *MultiSink) Append(ctx context.Context, rec Record) error {
	var first error
	for _, s := range m.sinks {
		if err := s.Append(ctx, rec); err != nil {
			m.logger.WithError(err).Warn("Journal sink failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
