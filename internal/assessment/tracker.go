package assessment

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/sirupsen/logrus"
)

// Store 探索结果持久化
type Store interface {
	SaveState(ctx context.Context, rec *domain.StateRecord) error
	SaveTransition(ctx context.Context, rec *domain.TransitionRecord) error
}

// sectionState 功能区命中情况
type sectionState struct {
	section  CriticalSection
	visited  bool
	elements []string
}

// Tracker 记录访问过的屏幕、命中的功能区与跳转，并判断屏幕数量上限
type Tracker struct {
	runID       string
	uniqueLimit int
	store       Store
	logger      *logrus.Logger

	mu       sync.Mutex
	visited  map[string]bool
	order    []string
	sections []*sectionState
	lastSeen string
	edges    int
}

// NewTracker 创建追踪器，store 可为 nil
func NewTracker(runID string, cfg *Config, store Store, logger *logrus.Logger) *Tracker {
	t := &Tracker{
		runID:   runID,
		store:   store,
		logger:  logger,
		visited: make(map[string]bool),
	}
	if cfg != nil {
		t.uniqueLimit = cfg.UniqueScreens
		for _, s := range cfg.ValidSections() {
			t.sections = append(t.sections, &sectionState{section: s})
		}
	}
	if t.uniqueLimit > 0 {
		logger.WithField("limit", t.uniqueLimit).Info("Using unique screens limit")
	}
	return t
}

// ObserveState 设备观察回调: 记录新屏幕、匹配功能区、记录屏幕间跳转
func (t *Tracker) ObserveState(state *domain.State) {
	if state == nil {
		return
	}
	t.mu.Lock()
	isNew := !t.visited[state.ID]
	var matched []string
	if isNew {
		t.visited[state.ID] = true
		t.order = append(t.order, state.ID)
		matched = t.matchSections(state)
	}
	from := t.lastSeen
	t.lastSeen = state.ID
	count := len(t.order)
	t.mu.Unlock()

	ctx := context.Background()
	if isNew {
		t.logger.WithFields(logrus.Fields{
			"run_id": t.runID,
			"state":  state.ID,
			"unique": count,
			"limit":  t.uniqueLimit,
		}).Info("New state discovered")

		if t.store != nil {
			rec := &domain.StateRecord{
				RunID:       t.runID,
				StateStr:    state.ID,
				Activity:    state.Activity,
				Depth:       state.Depth,
				ViewCount:   len(state.Views),
				Sections:    strings.Join(matched, ","),
				FirstSeenAt: state.Timestamp,
			}
			if err := t.store.SaveState(ctx, rec); err != nil {
				t.logger.WithError(err).Warn("Failed to persist state")
			}
		}
	}

	if from != "" && from != state.ID {
		t.mu.Lock()
		t.edges++
		t.mu.Unlock()
		if t.store != nil {
			rec := &domain.TransitionRecord{
				RunID:     t.runID,
				FromState: from,
				ToState:   state.ID,
				CreatedAt: time.Now(),
			}
			if err := t.store.SaveTransition(ctx, rec); err != nil {
				t.logger.WithError(err).Warn("Failed to persist transition")
			}
		}
	}
}

// matchSections 调用方持有 t.mu
func (t *Tracker) matchSections(state *domain.State) []string {
	activity := strings.ToLower(state.Activity)
	texts := state.Texts()

	var matched []string
	for _, s := range t.sections {
		if s.visited {
			continue
		}
		for _, kw := range s.section.Keywords {
			kw = strings.ToLower(kw)
			if !strings.Contains(activity, kw) && !containsAny(texts, kw) {
				continue
			}
			s.visited = true
			s.elements = nil
			for _, text := range texts {
				for _, k := range s.section.Keywords {
					if strings.Contains(text, strings.ToLower(k)) {
						s.elements = append(s.elements, text)
						break
					}
				}
			}
			matched = append(matched, s.section.Name)
			t.logger.WithFields(logrus.Fields{
				"run_id":  t.runID,
				"section": s.section.Name,
				"state":   state.ID,
			}).Info("Found critical section")
			break
		}
	}
	return matched
}

func containsAny(texts []string, kw string) bool {
	for _, text := range texts {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// LimitReached 唯一屏幕数是否达到上限
func (t *Tracker) LimitReached() bool {
	if t.uniqueLimit <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order) >= t.uniqueLimit
}

// UniqueStates 已访问的唯一屏幕数
func (t *Tracker) UniqueStates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// VisitedSections 已命中的功能区
func (t *Tracker) VisitedSections() []string {
	return t.sectionNames(true)
}

// UnvisitedSections 未命中的功能区
func (t *Tracker) UnvisitedSections() []string {
	return t.sectionNames(false)
}

// SectionElements 命中功能区时匹配到的文字
func (t *Tracker) SectionElements(name string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.sections {
		if s.section.Name == name {
			return append([]string(nil), s.elements...)
		}
	}
	return nil
}

func (t *Tracker) sectionNames(visited bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, s := range t.sections {
		if s.visited == visited {
			out = append(out, s.section.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Summary 运行摘要
type Summary struct {
	UniqueStates      int                 `json:"unique_states"`
	Transitions       int                 `json:"transitions"`
	VisitedSections   []string            `json:"visited_sections"`
	UnvisitedSections []string            `json:"unvisited_sections"`
	SectionElements   map[string][]string `json:"section_elements,omitempty"` // 已命中功能区匹配到的文字
}

// Summary 当前摘要
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	unique, edges := len(t.order), t.edges
	t.mu.Unlock()
	visited := t.VisitedSections()
	var elements map[string][]string
	for _, name := range visited {
		if elements == nil {
			elements = make(map[string][]string, len(visited))
		}
		elements[name] = t.SectionElements(name)
	}
	return Summary{
		UniqueStates:      unique,
		Transitions:       edges,
		VisitedSections:   visited,
		UnvisitedSections: t.UnvisitedSections(),
		SectionElements:   elements,
	}
}
