package adb

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
)

// UINode uiautomator XML 节点
type UINode struct {
	XMLName       xml.Name `xml:"node"`
	Text          string   `xml:"text,attr"`
	ResourceID    string   `xml:"resource-id,attr"`
	Class         string   `xml:"class,attr"`
	Package       string   `xml:"package,attr"`
	ContentDesc   string   `xml:"content-desc,attr"`
	Checkable     string   `xml:"checkable,attr"`
	Checked       string   `xml:"checked,attr"`
	Clickable     string   `xml:"clickable,attr"`
	Enabled       string   `xml:"enabled,attr"`
	Focusable     string   `xml:"focusable,attr"`
	Scrollable    string   `xml:"scrollable,attr"`
	LongClickable string   `xml:"long-clickable,attr"`
	Password      string   `xml:"password,attr"`
	Selected      string   `xml:"selected,attr"`
	Bounds        string   `xml:"bounds,attr"`
	Children      []UINode `xml:"node"`
}

// UIHierarchy UI 层级（<hierarchy> 根元素）
type UIHierarchy struct {
	XMLName  xml.Name `xml:"hierarchy"`
	Rotation string   `xml:"rotation,attr"`
	Nodes    []UINode `xml:"node"`
}

var boundsPattern = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// ParseBounds 解析 "[l,t][r,b]"
func ParseBounds(s string) (domain.Bounds, bool) {
	m := boundsPattern.FindStringSubmatch(s)
	if m == nil {
		return domain.Bounds{}, false
	}
	var v [4]int
	for i := 0; i < 4; i++ {
		v[i], _ = strconv.Atoi(m[i+1])
	}
	return domain.Bounds{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}, true
}

// ParseHierarchy 把 XML 展平为先序遍历的控件列表，Parent/Children 为列表下标
func ParseHierarchy(data string) ([]domain.View, error) {
	var roots []UINode

	var hierarchy UIHierarchy
	if err := xml.Unmarshal([]byte(data), &hierarchy); err == nil && len(hierarchy.Nodes) > 0 {
		roots = hierarchy.Nodes
	} else {
		var root UINode
		if err := xml.Unmarshal([]byte(data), &root); err != nil {
			return nil, fmt.Errorf("failed to parse UI XML (tried both hierarchy and node): %w", err)
		}
		roots = []UINode{root}
	}

	var views []domain.View
	var walk func(node *UINode, parent int) int
	walk = func(node *UINode, parent int) int {
		idx := len(views)
		bounds, _ := ParseBounds(node.Bounds)
		views = append(views, domain.View{
			Index:         idx,
			Parent:        parent,
			Class:         node.Class,
			Package:       node.Package,
			Text:          node.Text,
			ContentDesc:   node.ContentDesc,
			ResourceID:    node.ResourceID,
			Enabled:       attrTrue(node.Enabled),
			Clickable:     attrTrue(node.Clickable),
			LongClickable: attrTrue(node.LongClickable),
			Checkable:     attrTrue(node.Checkable),
			Checked:       attrTrue(node.Checked),
			Editable:      isEditable(node),
			Scrollable:    attrTrue(node.Scrollable),
			Selected:      attrTrue(node.Selected),
			Bounds:        bounds,
		})
		for i := range node.Children {
			child := walk(&node.Children[i], idx)
			views[idx].Children = append(views[idx].Children, child)
		}
		return idx
	}
	for i := range roots {
		walk(&roots[i], -1)
	}
	return views, nil
}

// ForegroundPackage 层级中第一个非系统 UI 的包名
func ForegroundPackage(views []domain.View) string {
	for i := range views {
		if p := views[i].Package; p != "" && p != "com.android.systemui" {
			return p
		}
	}
	return ""
}

func attrTrue(v string) bool {
	return v == "true"
}

func isEditable(node *UINode) bool {
	return strings.Contains(node.Class, "EditText") ||
		strings.Contains(node.Class, "AutoCompleteTextView") ||
		attrTrue(node.Password)
}
