package domain

import (
	"errors"
	"time"
)

// RunRequest 一次探索运行的请求（API、队列与 CLI 共用）
type RunRequest struct {
	RunID        string `json:"run_id"`
	App          App    `json:"app"`
	Policy       string `json:"policy"`
	Task         string `json:"task,omitempty"`
	EventCount   int    `json:"event_count,omitempty"`
	ReplayDir    string `json:"replay_dir,omitempty"`
	DeviceSerial string `json:"device_serial,omitempty"` // 为空时由设备池分配
}

// Validate 校验必填字段
func (r *RunRequest) Validate() error {
	if r.App.Package == "" {
		return errors.New("app package is required")
	}
	return nil
}

// StateNotice 屏幕观察通知（队列与 websocket 推送）
type StateNotice struct {
	RunID     string    `json:"run_id"`
	StateStr  string    `json:"state_str"`
	Activity  string    `json:"activity"`
	Depth     int       `json:"depth"`
	ViewCount int       `json:"view_count"`
	Timestamp time.Time `json:"timestamp"`
}

// NewStateNotice 由屏幕构建通知
func NewStateNotice(runID string, s *State) StateNotice {
	return StateNotice{
		RunID:     runID,
		StateStr:  s.ID,
		Activity:  s.Activity,
		Depth:     s.Depth,
		ViewCount: len(s.Views),
		Timestamp: s.Timestamp,
	}
}
