package domain

import (
	"errors"
	"fmt"
)

// EventKind 事件类型（封闭的 tagged union 判别字段）
type EventKind string

const (
	EventKey       EventKind = "key"
	EventTouch     EventKind = "touch"
	EventLongTouch EventKind = "long_touch"
	EventSetText   EventKind = "set_text"
	EventScroll    EventKind = "scroll"
	EventIntent    EventKind = "intent"
	EventKillApp   EventKind = "kill_app"
	EventManual    EventKind = "manual"
)

// ScrollDirection 滚动方向
type ScrollDirection string

const (
	ScrollUp    ScrollDirection = "UP"
	ScrollDown  ScrollDirection = "DOWN"
	ScrollLeft  ScrollDirection = "LEFT"
	ScrollRight ScrollDirection = "RIGHT"
)

// IntentAction 应用级意图
type IntentAction string

const (
	IntentStart IntentAction = "start"
	IntentStop  IntentAction = "stop"
)

// Intent 启动/停止应用的意图
type Intent struct {
	Action   IntentAction `json:"action"`
	Package  string       `json:"package"`
	Activity string       `json:"activity,omitempty"`
}

// Component 返回 package/activity
func (i Intent) Component() string {
	if i.Activity == "" {
		return i.Package
	}
	return i.Package + "/" + i.Activity
}

func (i Intent) String() string {
	return fmt.Sprintf("%s %s", i.Action, i.Component())
}

// 常用按键
const (
	KeyBack = "BACK"
	KeyHome = "HOME"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event 一次可发送到设备的交互
// 只有与 Kind 对应的字段有意义：
//   - key: Key
//   - touch / long_touch: View
//   - set_text: View + Text
//   - scroll: View + Direction
//   - intent: Intent
//   - kill_app: Intent (停止意图)
//   - manual: 无
type Event struct {
	Kind      EventKind       `json:"kind"`
	Key       string          `json:"key,omitempty"`
	View      *View           `json:"view,omitempty"`
	Text      string          `json:"text,omitempty"`
	Direction ScrollDirection `json:"direction,omitempty"`
	Intent    *Intent         `json:"intent,omitempty"`
}

func NewKeyEvent(name string) *Event {
	return &Event{Kind: EventKey, Key: name}
}

func NewBackEvent() *Event {
	return NewKeyEvent(KeyBack)
}

func NewTouchEvent(v *View) *Event {
	return &Event{Kind: EventTouch, View: v}
}

func NewLongTouchEvent(v *View) *Event {
	return &Event{Kind: EventLongTouch, View: v}
}

func NewSetTextEvent(v *View, text string) *Event {
	return &Event{Kind: EventSetText, View: v, Text: text}
}

func NewScrollEvent(v *View, dir ScrollDirection) *Event {
	return &Event{Kind: EventScroll, View: v, Direction: dir}
}

func NewIntentEvent(intent Intent) *Event {
	return &Event{Kind: EventIntent, Intent: &intent}
}

func NewKillAppEvent(app *App) *Event {
	stop := app.StopIntent()
	return &Event{Kind: EventKillApp, Intent: &stop}
}

func NewManualEvent() *Event {
	return &Event{Kind: EventManual}
}

// Validate 检查判别字段与负载是否一致
func (e *Event) Validate() error {
	switch e.Kind {
	case EventKey:
		if e.Key == "" {
			return fmt.Errorf("%w: key event without key name", ErrInvalidEvent)
		}
	case EventTouch, EventLongTouch, EventSetText:
		if e.View == nil {
			return fmt.Errorf("%w: %s event without view", ErrInvalidEvent, e.Kind)
		}
	case EventScroll:
		if e.View == nil || e.Direction == "" {
			return fmt.Errorf("%w: scroll event needs view and direction", ErrInvalidEvent)
		}
	case EventIntent, EventKillApp:
		if e.Intent == nil || e.Intent.Package == "" {
			return fmt.Errorf("%w: %s event without intent", ErrInvalidEvent, e.Kind)
		}
	case EventManual:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Signature 事件签名，(源状态, 签名) 构成 UTG 中的边标识
// SetText 的输入内容不参与签名
func (e *Event) Signature() string {
	switch e.Kind {
	case EventKey:
		return "KeyEvent(" + e.Key + ")"
	case EventTouch:
		return "TouchEvent(" + e.View.Key() + ")"
	case EventLongTouch:
		return "LongTouchEvent(" + e.View.Key() + ")"
	case EventSetText:
		return "SetTextEvent(" + e.View.Key() + ")"
	case EventScroll:
		return "ScrollEvent(" + e.View.Key() + "," + string(e.Direction) + ")"
	case EventIntent:
		return "IntentEvent(" + e.Intent.String() + ")"
	case EventKillApp:
		return "KillAppEvent(" + e.Intent.Package + ")"
	case EventManual:
		return "ManualEvent()"
	}
	return "UnknownEvent(" + string(e.Kind) + ")"
}

// IsBack 是否为返回键
func (e *Event) IsBack() bool {
	return e.Kind == EventKey && e.Key == KeyBack
}

// Clone 浅拷贝事件，便于修改输入文本而不影响候选列表
func (e *Event) Clone() *Event {
	c := *e
	if e.Intent != nil {
		in := *e.Intent
		c.Intent = &in
	}
	return &c
}

// Describe 面向提示词的动作描述
func (e *Event) Describe() string {
	switch e.Kind {
	case EventKey:
		if e.IsBack() {
			return "- go back"
		}
		return "- press " + e.Key
	case EventTouch:
		return "- TapOn: " + viewLabel(e.View)
	case EventLongTouch:
		return "- LongTapOn: " + viewLabel(e.View)
	case EventSetText:
		return "- TapOn: " + viewLabel(e.View) + " InputText: " + e.Text
	case EventScroll:
		return fmt.Sprintf("- scroll %s: %s", e.Direction, viewLabel(e.View))
	case EventIntent:
		if e.Intent.Action == IntentStart {
			return "- launchApp " + e.Intent.Package
		}
		return "- stop the app"
	case EventKillApp:
		return "- kill the app"
	case EventManual:
		return "- manual"
	}
	return "- " + string(e.Kind)
}

func (e *Event) String() string {
	return e.Signature()
}

func viewLabel(v *View) string {
	if v == nil {
		return ""
	}
	if l := v.Label(); l != "" {
		return l
	}
	return v.Class
}
