package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/ai"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/journal"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inputField(desc string, top int) domain.View {
	return domain.View{
		Class:       "android.widget.EditText",
		ContentDesc: desc,
		Enabled:     true,
		Clickable:   true,
		Editable:    true,
		Bounds:      domain.Bounds{Left: 0, Top: top, Right: 800, Bottom: top + 100},
	}
}

func TestTask_TapDecisionIsJournaled(t *testing.T) {
	state := newState("com.calm/.Home", 0, button("Journal", 100), button("Mood", 300))
	oracle := &fakeOracle{decisions: []*ai.Decision{{Index: 1, Action: ai.ActionTap, Reason: "open mood tracker"}}}
	sink := &memorySink{}
	p := NewTaskPolicy(testOptions(staticDevice(state)), TaskOptions{Task: "Log a mood", Oracle: oracle, Journal: sink, UseThoughts: true})

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "Mood", event.View.Text)

	require.Len(t, oracle.requests, 1)
	req := oracle.requests[0]
	assert.Equal(t, 3, req.CandidateCount)
	assert.Contains(t, req.Prompt, "Task: Log a mood")
	assert.Contains(t, req.Prompt, "<button id=1>Mood</button>")
	assert.Contains(t, req.Prompt, "<button id=2>go back</button>")

	require.Len(t, sink.records, 1)
	assert.Equal(t, 1, sink.records[0].Choice)
	assert.Equal(t, journal.NullInput, sink.records[0].Input)
	assert.Equal(t, []string{state.ID}, sink.records[0].StateStr)

	assert.Equal(t, []string{"- TapOn: Mood"}, p.State().ActionHistory)
	assert.Equal(t, []string{"open mood tracker"}, p.State().ThoughtHistory)
}

func TestTask_InputIsSanitizedAndIndexClamped(t *testing.T) {
	state := newState("com.calm/.Note", 0, inputField("Title", 100), button("Save", 300))
	oracle := &fakeOracle{decisions: []*ai.Decision{
		{Index: 0, Action: ai.ActionInput, InputText: `"my first note"`},
		{Index: 42, Action: ai.ActionTap},
	}}
	sink := &memorySink{}
	p := NewTaskPolicy(testOptions(staticDevice(state)), TaskOptions{Task: "Write a note", Oracle: oracle, Journal: sink})
	ctx := context.Background()

	event, err := p.GenerateEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.EventSetText, event.Kind)
	assert.Equal(t, "my-first-note", event.Text)
	assert.Equal(t, "my-first-note", sink.records[0].Input)

	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.EventSetText, event.Kind, "out of range index falls back to the first candidate")
	assert.Equal(t, 0, sink.records[1].Choice)
}

func TestTask_FinishedDecisionEndsRun(t *testing.T) {
	state := newState("com.calm/.Home", 0, button("Journal", 100))
	oracle := &fakeOracle{decisions: []*ai.Decision{{Index: -1}}}
	p := NewTaskPolicy(testOptions(staticDevice(state)), TaskOptions{Task: "Open the journal", Oracle: oracle})

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	assert.Nil(t, event)
}

func TestTask_AuthShortcutUsesDefaultPIN(t *testing.T) {
	state := newState("com.calm/.Lock", 0, inputField("Enter PIN", 100), button("Unlock", 300))
	oracle := &fakeOracle{}
	sink := &memorySink{}
	p := NewTaskPolicy(testOptions(staticDevice(state)), TaskOptions{Task: "Unlock", Oracle: oracle, Journal: sink})

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.EventSetText, event.Kind)
	assert.Equal(t, DefaultPIN, event.Text)
	assert.Empty(t, oracle.requests, "the oracle is not consulted when credentials match")
	assert.Equal(t, "Using pin '1234' from app notes for authentication", p.State().ThoughtHistory[0])

	// 凭据直填的步骤同样写入任务日志
	require.Len(t, sink.records, 1)
	assert.Equal(t, DefaultPIN, sink.records[0].Input)
	assert.Contains(t, sink.records[0].State, "Enter PIN")
}

func TestTask_AuthShortcutUsesNotes(t *testing.T) {
	state := newState("com.calm/.Login", 0, inputField("Username", 100), inputField("Password", 300), button("Sign in", 500))
	notes := staticNotes{notes: []string{"Log in with username: alice and password: s3cret"}}
	p := NewTaskPolicy(testOptions(staticDevice(state)), TaskOptions{Oracle: &fakeOracle{}, Notes: notes})

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.EventSetText, event.Kind)
	assert.Equal(t, "Username", event.View.ContentDesc)
	assert.Equal(t, "alice", event.Text)
	assert.Contains(t, p.State().ThoughtHistory[0], "username 'alice'")
}

func TestTask_ScrollPrefixIsReplayed(t *testing.T) {
	dev := newScrollDevice(4)
	oracle := &fakeOracle{decisions: []*ai.Decision{{Index: 12, Action: ai.ActionTap}}}
	sink := &memorySink{}
	p := NewTaskPolicy(testOptions(dev), TaskOptions{Task: "Open item 12", Oracle: oracle, Journal: sink})

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "Item 12", event.View.Text)
	assert.Equal(t, 3, dev.currentPage(), "scroll prefix brings the item on screen")

	require.Len(t, oracle.requests, 1)
	assert.Equal(t, 15, oracle.requests[0].CandidateCount)
	require.Len(t, sink.records, 1)
	assert.Len(t, sink.records[0].StateStr, 4)
}

func TestFlattenScreen(t *testing.T) {
	dev := newScrollDevice(4)
	p := NewTaskPolicy(testOptions(dev), TaskOptions{Oracle: &fakeOracle{}})
	ctx := context.Background()

	top, err := dev.GetCurrentState(ctx)
	require.NoError(t, err)
	actions, strs, err := p.flattenScreen(ctx, top, top.ScrollableViews())
	require.NoError(t, err)

	descs := make(map[string]bool)
	for i := range actions {
		descs[actions[i].Desc()] = true
	}
	for _, a := range top.DescribedActions() {
		assert.True(t, descs[a.Desc()], "flattened screen keeps %s", a.Desc())
	}
	require.Len(t, actions, 15)
	assert.True(t, actions[len(actions)-1].Event.IsBack())
	assert.Empty(t, actions[0].Steps)
	assert.Len(t, actions[13].Steps, 3)
	assert.Len(t, strs, 4)
	assert.Equal(t, 0, dev.currentPage(), "region is scrolled back to top")

	scrolls := 0
	for _, e := range dev.sentEvents() {
		if e.Kind == domain.EventScroll {
			scrolls++
		}
	}
	assert.LessOrEqual(t, scrolls, 3*MaxScrollNum)
}

func TestFlattenScreen_BoundedByMaxScrollNum(t *testing.T) {
	dev := newScrollDevice(MaxScrollNum * 3)
	p := NewTaskPolicy(testOptions(dev), TaskOptions{Oracle: &fakeOracle{}})
	ctx := context.Background()

	top, err := dev.GetCurrentState(ctx)
	require.NoError(t, err)
	_, strs, err := p.flattenScreen(ctx, top, top.ScrollableViews())
	require.NoError(t, err)
	assert.Len(t, strs, MaxScrollNum)
}

type fakeMemory struct {
	element *memory.Element
	err     error
	calls   int
}

func (m *fakeMemory) Lookup(context.Context, string, string) (*memory.Element, error) {
	m.calls++
	return m.element, m.err
}

func TestTask_MemoryInjectsFunction(t *testing.T) {
	state := newState("com.calm/.Home", 0, button("Journal", 100), button("Mood", 300))
	mem := &fakeMemory{element: &memory.Element{Path: []string{"<button>Mood</button>"}, Function: "track your mood"}}
	oracle := &fakeOracle{decisions: []*ai.Decision{{Index: 1}, {Index: 0}}}
	p := NewTaskPolicy(testOptions(staticDevice(state)), TaskOptions{Oracle: oracle, Memory: mem})
	p.State().ResetHistory("- launchApp Calm", "launch")
	ctx := context.Background()

	_, err := p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.Contains(t, oracle.requests[0].Screen, "<button id=1 onclick='track your mood'>Mood</button>")

	// 历史超过记忆路径长度后不再注入
	_, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.NotContains(t, oracle.requests[1].Screen, "onclick")
	assert.Equal(t, 1, mem.calls)
}

func TestTask_MissingMemoryDisablesLookup(t *testing.T) {
	state := newState("com.calm/.Home", 0, button("Journal", 100))
	mem := &fakeMemory{err: memory.ErrNoMemory}
	oracle := &fakeOracle{decisions: []*ai.Decision{{Index: 0}, {Index: 0}}}
	p := NewTaskPolicy(testOptions(staticDevice(state)), TaskOptions{Oracle: oracle, Memory: mem})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.GenerateEvent(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, mem.calls)
	assert.Nil(t, p.element)
}

func TestTask_RestartResetsHistory(t *testing.T) {
	launcher := newState("com.android.launcher3/.Launcher", domain.DepthNotRunning)
	p := NewTaskPolicy(testOptions(staticDevice(launcher)), TaskOptions{Task: "Open journal", Oracle: &fakeOracle{}})
	p.State().Record("- TapOn: Mood", "old")

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStart, event.Intent.Action)
	assert.Equal(t, []string{"- launchApp Calm"}, p.State().ActionHistory)
	assert.Equal(t, []string{"launch the app Calm to finish the task Open journal"}, p.State().ThoughtHistory)
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "", SanitizeInput("N/A"))
	assert.Equal(t, "hello-world", SanitizeInput(`"hello world"`))
	assert.Equal(t, "", SanitizeInput(strings.Repeat("a", MaxInputTextLen+1)))
	assert.Equal(t, strings.Repeat("a", MaxInputTextLen), SanitizeInput(strings.Repeat("a", MaxInputTextLen)))

	// 长度按字符计算
	assert.Equal(t, "密码密码密码密码密码密码", SanitizeInput("密码密码密码密码密码密码"))
	assert.Equal(t, strings.Repeat("密", MaxInputTextLen), SanitizeInput(strings.Repeat("密", MaxInputTextLen)))
	assert.Equal(t, "", SanitizeInput(strings.Repeat("密", MaxInputTextLen+1)))
}
