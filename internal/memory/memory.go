package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// ErrNoMemory 该应用没有可用的元素记忆
var ErrNoMemory = errors.New("no element memory for app")

// Embedder 文本向量化
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// StateElements 某个屏幕上记录的关键元素
// Path 为到达该屏幕需要依次点击的控件描述（不带 id）
type StateElements struct {
	Path       []string    `json:"path"`
	Elements   []string    `json:"elements"`
	Functions  []string    `json:"functions"`
	Embeddings [][]float64 `json:"embeddings"`
}

// File 记忆库文件: app -> state_str -> 元素
type File struct {
	Apps map[string]map[string]*StateElements `json:"apps"`
}

// Element 与任务最相关的元素
type Element struct {
	State      string
	Path       []string
	Statement  string
	Function   string
	Similarity float64
}

// PathStep 第 step 步（从 0 开始）应点击的控件描述
func (e *Element) PathStep(step int) (string, bool) {
	if e == nil || step < 0 || step >= len(e.Path) {
		return "", false
	}
	return e.Path[step], true
}

// Store 元素记忆库
type Store struct {
	data     *File
	embedder Embedder
	logger   *logrus.Logger
}

// Load 读取记忆库文件
func Load(path string, embedder Embedder, logger *logrus.Logger) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read memory file: %w", err)
	}
	var data File
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse memory file: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"path": path,
		"apps": len(data.Apps),
	}).Info("Element memory loaded")
	return New(&data, embedder, logger), nil
}

// New 从内存数据创建记忆库
func New(data *File, embedder Embedder, logger *logrus.Logger) *Store {
	if data.Apps == nil {
		data.Apps = make(map[string]map[string]*StateElements)
	}
	return &Store{data: data, embedder: embedder, logger: logger}
}

// Lookup 找出与任务描述最相似的元素，应用不在记忆库中时返回 ErrNoMemory
func (s *Store) Lookup(ctx context.Context, appID, task string) (*Element, error) {
	states, ok := s.data.Apps[appID]
	if !ok || len(states) == 0 {
		return nil, ErrNoMemory
	}

	taskVec, err := s.embedder.Embed(ctx, "task: "+task)
	if err != nil {
		return nil, fmt.Errorf("embed task: %w", err)
	}

	var best *Element
	bestScore := math.Inf(-1)
	for stateStr, se := range states {
		for i, vec := range se.Embeddings {
			score, ok := CosineSimilarity(taskVec, vec)
			if !ok || score <= bestScore {
				continue
			}
			bestScore = score
			best = &Element{
				State:      stateStr,
				Path:       se.Path,
				Statement:  at(se.Elements, i),
				Function:   at(se.Functions, i),
				Similarity: score,
			}
		}
	}
	if best == nil || best.Function == "" {
		return nil, ErrNoMemory
	}

	s.logger.WithFields(logrus.Fields{
		"app":        appID,
		"state":      best.State,
		"element":    best.Statement,
		"function":   best.Function,
		"similarity": best.Similarity,
	}).Info("Found element of interest")
	return best, nil
}

// CosineSimilarity 余弦相似度，长度不同或零向量时返回 false
func CosineSimilarity(a, b []float64) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0, false
	}
	return floats.Dot(a, b) / (na * nb), true
}

func at(list []string, i int) string {
	if i < len(list) {
		return list[i]
	}
	return ""
}
