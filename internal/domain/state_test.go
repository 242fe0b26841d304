package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleViews() []View {
	return []View{
		{Index: 0, Parent: -1, Children: []int{1, 2, 3}, Class: "android.widget.FrameLayout", Enabled: true,
			Bounds: Bounds{0, 0, 1080, 1920}},
		{Index: 1, Parent: 0, Class: "android.widget.Button", Text: "OK", Enabled: true, Clickable: true,
			Bounds: Bounds{100, 100, 300, 200}},
		{Index: 2, Parent: 0, Class: "android.widget.EditText", ContentDesc: "Enter PIN", Enabled: true,
			Editable: true, Clickable: true, Bounds: Bounds{100, 300, 900, 400}},
		{Index: 3, Parent: 0, Class: "android.widget.TextView", Text: "Welcome", Enabled: true,
			Bounds: Bounds{100, 500, 900, 600}},
	}
}

// TestStateID_DedupByStructure 相同结构不同时间得到同一标识
func TestStateID_DedupByStructure(t *testing.T) {
	a := NewState("com.demo/.Main", "com.demo", sampleViews(), 0, time.Now())
	b := NewState("com.demo/.Main", "com.demo", sampleViews(), 0, time.Now().Add(time.Hour))
	assert.Equal(t, a.ID, b.ID)

	views := sampleViews()
	views[1].Text = "Cancel"
	c := NewState("com.demo/.Main", "com.demo", views, 0, time.Now())
	assert.NotEqual(t, a.ID, c.ID)

	d := NewState("com.demo/.Other", "com.demo", sampleViews(), 0, time.Now())
	assert.NotEqual(t, a.ID, d.ID)
}

// TestStateID_IgnoresBounds 坐标不影响结构签名
func TestStateID_IgnoresBounds(t *testing.T) {
	views := sampleViews()
	views[1].Bounds = Bounds{0, 0, 10, 10}
	assert.Equal(t, StateID("x", sampleViews()), StateID("x", views))
}

func TestActivityDepth(t *testing.T) {
	stack := []string{"com.android.launcher/.Home", "com.demo/.Main", "com.demo/.Splash"}
	assert.Equal(t, 1, ActivityDepth(stack, "com.demo"))
	assert.Equal(t, 0, ActivityDepth(stack[1:], "com.demo"))
	assert.Equal(t, DepthNotRunning, ActivityDepth(stack[:1], "com.demo"))
}

func TestPossibleEvents(t *testing.T) {
	s := NewState("com.demo/.Main", "com.demo", sampleViews(), 0, time.Now())
	events := s.PossibleEvents()

	kinds := map[EventKind]int{}
	for _, e := range events {
		require.NoError(t, e.Validate())
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[EventSetText])
	// OK 按钮、PIN 输入框、叶子文本
	assert.Equal(t, 3, kinds[EventTouch])
}

func TestDescribedActions(t *testing.T) {
	s := NewState("com.demo/.Main", "com.demo", sampleViews(), 0, time.Now())
	actions := s.DescribedActions()
	require.Len(t, actions, 4)

	rendered := RenderActions(actions)
	lines := strings.Split(rendered, "\n")
	assert.Equal(t, "<button id=0>OK</button>", lines[0])
	assert.Equal(t, "<input id=1 class='Enter PIN'></input>", lines[1])
	assert.Equal(t, "<p id=2>Welcome</p>", lines[2])
	assert.Equal(t, "<button id=3>go back</button>", lines[3])

	assert.Equal(t, "<button>OK</button>", actions[0].Desc())
	assert.True(t, actions[3].Event.IsBack())
	assert.Equal(t, EventSetText, actions[1].Event.Kind)
}

func TestEventSignature(t *testing.T) {
	views := sampleViews()
	tap := NewTouchEvent(&views[1])
	assert.Equal(t, tap.Signature(), NewTouchEvent(&sampleViews()[1]).Signature())

	setA := NewSetTextEvent(&views[2], "1234")
	setB := NewSetTextEvent(&views[2], "abcd")
	assert.Equal(t, setA.Signature(), setB.Signature(), "input text is not part of identity")

	assert.NotEqual(t, NewScrollEvent(&views[0], ScrollUp).Signature(), NewScrollEvent(&views[0], ScrollDown).Signature())
}

func TestEventValidate(t *testing.T) {
	app := &App{Name: "Demo", Package: "com.demo", MainActivity: ".Main"}

	assert.NoError(t, NewBackEvent().Validate())
	assert.NoError(t, NewIntentEvent(app.StartIntent()).Validate())
	assert.NoError(t, NewKillAppEvent(app).Validate())
	assert.NoError(t, NewManualEvent().Validate())

	assert.ErrorIs(t, (&Event{Kind: EventTouch}).Validate(), ErrInvalidEvent)
	assert.ErrorIs(t, (&Event{Kind: "swipe"}).Validate(), ErrInvalidEvent)
	assert.Equal(t, "com.demo/.Main", app.StartIntent().Component())
}
