package domain

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// 应用活动深度
// 0: 应用在前台; >0: 应用在栈中但不在前台; <0: 应用未运行
const DepthNotRunning = -1

// State 一次屏幕快照，创建后不可修改
type State struct {
	ID            string    `json:"state_str"`
	Activity      string    `json:"foreground_activity"`
	Package       string    `json:"package"`
	ActivityStack []string  `json:"activity_stack,omitempty"`
	Views         []View    `json:"views"`
	Depth         int       `json:"app_activity_depth"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewState 根据结构签名计算状态标识
func NewState(activity, pkg string, views []View, depth int, ts time.Time) *State {
	return &State{
		ID:        StateID(activity, views),
		Activity:  activity,
		Package:   pkg,
		Views:     views,
		Depth:     depth,
		Timestamp: ts,
	}
}

// StateID 结构去重: Activity + 去重排序后的控件签名
func StateID(activity string, views []View) string {
	seen := make(map[string]struct{}, len(views))
	sigs := make([]string, 0, len(views))
	for i := range views {
		sig := views[i].Signature()
		if _, ok := seen[sig]; ok {
			continue
		}
		seen[sig] = struct{}{}
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	h := md5.New()
	h.Write([]byte(activity))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.Join(sigs, "|")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// ActivityDepth 计算应用在 Activity 栈中的位置（栈顶为 0）
func ActivityDepth(stack []string, pkg string) int {
	for i, activity := range stack {
		if strings.HasPrefix(activity, pkg) {
			return i
		}
	}
	return DepthNotRunning
}

// Tag 以时间戳标记状态
func (s *State) Tag() string {
	return s.Timestamp.Format("2006-01-02_150405")
}

// InForeground 应用是否在前台
func (s *State) InForeground() bool {
	return s.Depth == 0
}

// ScrollableViews 可滚动区域
func (s *State) ScrollableViews() []*View {
	var out []*View
	for i := range s.Views {
		v := &s.Views[i]
		if v.Enabled && v.Scrollable && v.Bounds.Width() > 0 && v.Bounds.Height() > 0 {
			out = append(out, v)
		}
	}
	return out
}

// PossibleEvents 当前状态下可触发的事件（不含 BACK）
func (s *State) PossibleEvents() []*Event {
	var events []*Event
	touched := make(map[int]bool)

	for i := range s.Views {
		v := &s.Views[i]
		if !v.Enabled {
			continue
		}
		if v.Clickable || v.Checkable {
			events = append(events, NewTouchEvent(v))
			touched[i] = true
		}
		if v.Scrollable {
			events = append(events,
				NewScrollEvent(v, ScrollUp),
				NewScrollEvent(v, ScrollDown),
				NewScrollEvent(v, ScrollLeft),
				NewScrollEvent(v, ScrollRight))
		}
		if v.LongClickable {
			events = append(events, NewLongTouchEvent(v))
		}
		if v.Editable {
			events = append(events, NewSetTextEvent(v, "HelloWorld"))
			touched[i] = true
		}
	}

	// 未覆盖的叶子控件也尝试点击
	for i := range s.Views {
		v := &s.Views[i]
		if v.Enabled && v.IsLeaf() && !touched[i] && v.Bounds.Width() > 0 && v.Bounds.Height() > 0 {
			events = append(events, NewTouchEvent(v))
		}
	}
	return events
}

// Texts 状态中的全部可见文字（小写）
func (s *State) Texts() []string {
	var out []string
	for i := range s.Views {
		for _, t := range []string{s.Views[i].Text, s.Views[i].ContentDesc, s.Views[i].ResourceID} {
			if t != "" {
				out = append(out, strings.ToLower(t))
			}
		}
	}
	return out
}
