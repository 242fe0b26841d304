package domain

import (
	"fmt"
	"strings"
)

// Bounds 控件在屏幕上的矩形区域
type Bounds struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Center 返回矩形中心点
func (b Bounds) Center() (int, int) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

func (b Bounds) Width() int {
	return b.Right - b.Left
}

func (b Bounds) Height() int {
	return b.Bottom - b.Top
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", b.Left, b.Top, b.Right, b.Bottom)
}

// View 屏幕上的一个 UI 控件（来自 uiautomator 层级）
type View struct {
	Index         int    `json:"index"`
	Parent        int    `json:"parent"`
	Children      []int  `json:"children,omitempty"`
	Class         string `json:"class"`
	Package       string `json:"package,omitempty"`
	Text          string `json:"text,omitempty"`
	ContentDesc   string `json:"content_desc,omitempty"`
	ResourceID    string `json:"resource_id,omitempty"`
	Enabled       bool   `json:"enabled"`
	Clickable     bool   `json:"clickable"`
	LongClickable bool   `json:"long_clickable"`
	Checkable     bool   `json:"checkable"`
	Checked       bool   `json:"checked"`
	Editable      bool   `json:"editable"`
	Scrollable    bool   `json:"scrollable"`
	Selected      bool   `json:"selected"`
	Bounds        Bounds `json:"bounds"`
}

// ChildCount 子控件数量
func (v *View) ChildCount() int {
	return len(v.Children)
}

// IsLeaf 没有子控件
func (v *View) IsLeaf() bool {
	return len(v.Children) == 0
}

// Signature 控件的结构签名（不含坐标）
func (v *View) Signature() string {
	text := v.Text
	if len(text) > 50 {
		text = text[:50]
	}
	return fmt.Sprintf("[class]%s,[resource_id]%s,[text]%s,[%s,%s,%s]",
		v.Class, v.ResourceID, text,
		flag(v.Enabled, "enabled"), flag(v.Checked, "checked"), flag(v.Selected, "selected"))
}

// Key 控件唯一标识: 签名 + 坐标，用于事件去重
func (v *View) Key() string {
	return v.Signature() + "@" + v.Bounds.String()
}

// Label 面向人的控件文字: text > content-desc > resource-id 短名
func (v *View) Label() string {
	if t := strings.TrimSpace(v.Text); t != "" {
		return t
	}
	if d := strings.TrimSpace(v.ContentDesc); d != "" {
		return d
	}
	if v.ResourceID != "" {
		id := v.ResourceID
		if i := strings.LastIndex(id, "/"); i >= 0 {
			id = id[i+1:]
		}
		return strings.ReplaceAll(id, "_", " ")
	}
	return ""
}

// SearchText 用于关键字匹配的小写文本
func (v *View) SearchText() string {
	return strings.ToLower(strings.Join([]string{v.Text, v.ContentDesc, v.ResourceID}, " "))
}

func flag(on bool, name string) string {
	if on {
		return name
	}
	return ""
}
