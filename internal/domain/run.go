package domain

import "time"

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// ExplorationRun 一次探索运行
type ExplorationRun struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	AppName      string     `gorm:"type:varchar(255)" json:"app_name"`
	PackageName  string     `gorm:"type:varchar(255);index:idx_package" json:"package_name"`
	DeviceSerial string     `gorm:"type:varchar(128)" json:"device_serial"`
	Policy       string     `gorm:"type:varchar(32)" json:"policy"`
	Task         string     `gorm:"type:text" json:"task,omitempty"`
	Status       RunStatus  `gorm:"type:varchar(20);index:idx_status" json:"status"`
	Steps        int        `gorm:"default:0" json:"steps"`
	UniqueStates int        `gorm:"default:0" json:"unique_states"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (ExplorationRun) TableName() string {
	return "exploration_runs"
}

// StateRecord 运行中观察到的唯一屏幕
type StateRecord struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string    `gorm:"type:varchar(36);not null;uniqueIndex:uk_run_state" json:"run_id"`
	StateStr    string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_run_state" json:"state_str"`
	Activity    string    `gorm:"type:varchar(255)" json:"activity"`
	Depth       int       `json:"depth"`
	ViewCount   int       `json:"view_count"`
	Sections    string    `gorm:"type:varchar(512)" json:"sections,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

func (StateRecord) TableName() string {
	return "exploration_states"
}

// TransitionRecord UTG 中的一条边
type TransitionRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string    `gorm:"type:varchar(36);not null;index:idx_run" json:"run_id"`
	FromState string    `gorm:"type:varchar(64);not null" json:"from_state"`
	ToState   string    `gorm:"type:varchar(64);not null" json:"to_state"`
	EventKind EventKind `gorm:"type:varchar(20)" json:"event_kind"`
	EventSig  string    `gorm:"type:varchar(1024)" json:"event_sig"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (TransitionRecord) TableName() string {
	return "exploration_transitions"
}

// JournalRecord 任务策略每一步的决策记录
type JournalRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID     string    `gorm:"type:varchar(36);not null;index:idx_run_step" json:"run_id"`
	TaskName  string    `gorm:"type:text" json:"task_name"`
	Step      int       `gorm:"index:idx_run_step" json:"step"`
	State     string    `gorm:"type:text" json:"state"`
	Choice    int       `json:"choice"`
	Input     string    `gorm:"type:varchar(255)" json:"input"`
	StateStr  string    `gorm:"type:text" json:"state_str"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (JournalRecord) TableName() string {
	return "task_journal"
}
