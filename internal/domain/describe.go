package domain

import (
	"fmt"
	"strings"
)

// DescribedAction 屏幕序列化中的一行: 控件描述 + 对应的候选事件
// Steps 非空时表示需要先执行的滚动前缀（滚动展开后的控件）
type DescribedAction struct {
	Tag     string   `json:"tag"`
	Attrs   []string `json:"attrs,omitempty"`
	Content string   `json:"content"`
	Title   string   `json:"title,omitempty"`
	View    *View    `json:"-"`
	Event   *Event   `json:"-"`
	Steps   []*Event `json:"-"`
}

// Desc 不带编号的描述，用于结构去重
func (a *DescribedAction) Desc() string {
	return a.render(-1)
}

// Render 带编号的描述
func (a *DescribedAction) Render(id int) string {
	return a.render(id)
}

func (a *DescribedAction) render(id int) string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(a.Tag)
	if id >= 0 {
		fmt.Fprintf(&b, " id=%d", id)
	}
	if a.Title != "" {
		fmt.Fprintf(&b, " title='%s'", a.Title)
	}
	for _, attr := range a.Attrs {
		b.WriteString(" ")
		b.WriteString(attr)
	}
	b.WriteString(">")
	b.WriteString(a.Content)
	b.WriteString("</")
	b.WriteString(a.Tag)
	b.WriteString(">")
	return b.String()
}

// Actions 完整动作序列（滚动前缀 + 终端事件）
func (a *DescribedAction) Actions() []*Event {
	out := make([]*Event, 0, len(a.Steps)+1)
	out = append(out, a.Steps...)
	return append(out, a.Event)
}

// DescribedActions 把状态中的可交互控件序列化为候选动作，末尾固定追加 go back
func (s *State) DescribedActions() []DescribedAction {
	var actions []DescribedAction
	for i := range s.Views {
		v := &s.Views[i]
		if !v.Enabled || v.Scrollable {
			continue
		}
		label := v.Label()
		text := strings.TrimSpace(v.Text)
		desc := strings.TrimSpace(v.ContentDesc)

		switch {
		case v.Editable:
			a := DescribedAction{Tag: "input", Content: text, View: v, Event: NewSetTextEvent(v, "")}
			if desc != "" {
				a.Attrs = append(a.Attrs, fmt.Sprintf("class='%s'", desc))
			} else if text == "" && label != "" {
				a.Attrs = append(a.Attrs, fmt.Sprintf("class='%s'", label))
			}
			actions = append(actions, a)
		case v.Checkable:
			if label == "" {
				continue
			}
			actions = append(actions, DescribedAction{
				Tag:     "checkbox",
				Attrs:   []string{fmt.Sprintf("checked=%s", checkedText(v.Checked))},
				Content: label,
				View:    v,
				Event:   NewTouchEvent(v),
			})
		case v.Clickable || v.LongClickable:
			if label == "" {
				continue
			}
			a := DescribedAction{Tag: "button", Content: label, View: v, Event: NewTouchEvent(v)}
			if text != "" && desc != "" {
				a.Attrs = append(a.Attrs, fmt.Sprintf("class='%s'", desc))
			}
			actions = append(actions, a)
		case v.IsLeaf() && text != "":
			actions = append(actions, DescribedAction{Tag: "p", Content: text, View: v, Event: NewTouchEvent(v)})
		}
	}
	actions = append(actions, DescribedAction{Tag: "button", Content: "go back", Event: NewBackEvent()})
	return actions
}

// RenderActions 生成带编号的屏幕描述，每行一个控件
func RenderActions(actions []DescribedAction) string {
	lines := make([]string, len(actions))
	for i := range actions {
		lines[i] = actions[i].Render(i)
	}
	return strings.Join(lines, "\n")
}

func checkedText(b bool) string {
	if b {
		return "True"
	}
	return "False"
}
