package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/sirupsen/logrus"
)

// EventsDir 事件记录子目录
const EventsDir = "events"

// RecordedEvent 一次已发送事件及其前后状态
type RecordedEvent struct {
	Step       int           `json:"step"`
	StartState string        `json:"start_state"`
	StopState  string        `json:"stop_state"`
	EventStr   string        `json:"event_str"`
	Event      *domain.Event `json:"event"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Recorder 每个事件写一个 events/event_<n>.json
type Recorder struct {
	dir    string
	step   int
	mu     sync.Mutex
	logger *logrus.Logger
}

// NewRecorder 创建事件记录器
func NewRecorder(outputDir string, logger *logrus.Logger) (*Recorder, error) {
	dir := filepath.Join(outputDir, EventsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create events dir: %w", err)
	}
	return &Recorder{dir: dir, logger: logger}, nil
}

// Record 写入一条事件记录
func (r *Recorder) Record(event *domain.Event, from, to *domain.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := RecordedEvent{
		Step:      r.step,
		EventStr:  event.Signature(),
		Event:     event,
		Timestamp: time.Now(),
	}
	if from != nil {
		rec.StartState = from.ID
	}
	if to != nil {
		rec.StopState = to.ID
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	path := filepath.Join(r.dir, fmt.Sprintf("event_%06d.json", r.step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write event record: %w", err)
	}
	r.step++
	return nil
}

// ReadEvents 按文件名顺序读取事件记录
func ReadEvents(outputDir string) ([]RecordedEvent, error) {
	files, err := filepath.Glob(filepath.Join(outputDir, EventsDir, "event_*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	events := make([]RecordedEvent, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		var rec RecordedEvent
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		if rec.Event == nil {
			continue
		}
		events = append(events, rec)
	}
	return events, nil
}
