package utg

import (
	"fmt"
	"testing"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newState 构造一个只有一个按钮的状态，按钮文字决定状态标识
func newState(name string) *domain.State {
	views := []domain.View{{
		Index: 0, Parent: -1, Class: "android.widget.Button", Text: name,
		Enabled: true, Clickable: true, Bounds: domain.Bounds{Left: 0, Top: 0, Right: 100, Bottom: 100},
	}}
	return domain.NewState("com.demo/.Main", "com.demo", views, 0, time.Now())
}

func tap(s *domain.State) *domain.Event {
	return domain.NewTouchEvent(&s.Views[0])
}

func keyEvent(name string) *domain.Event {
	return domain.NewKeyEvent(name)
}

func TestAddTransition_Idempotent(t *testing.T) {
	g := New(nil)
	a, b := newState("A"), newState("B")

	g.AddTransition(tap(a), a, b)
	g.AddTransition(tap(a), a, b)

	assert.Equal(t, 2, g.NumStates())
	assert.Equal(t, 1, g.NumTransitions())
	assert.Equal(t, a, g.FirstState())
	assert.True(t, g.IsStateReached(a))
	assert.True(t, g.IsStateReached(b))
	assert.False(t, g.IsStateReached(newState("C")))
}

func TestAddTransition_NilEndpoints(t *testing.T) {
	g := New(nil)
	a := newState("A")

	g.AddTransition(nil, nil, a)
	assert.True(t, g.IsStateReached(a))
	assert.Equal(t, 0, g.NumTransitions())

	g.AddTransition(tap(a), nil, a)
	assert.False(t, g.IsEventExplored(tap(a), a))
}

func TestSelfLoop(t *testing.T) {
	g := New(nil)
	a := newState("A")

	g.AddTransition(tap(a), a, a)
	assert.True(t, g.IsEventExplored(tap(a), a))
	assert.Empty(t, g.GetReachableStates(a))
	assert.Empty(t, g.GetNavigationSteps(a, a))
}

// TestIsEventExplored_Monotonic 一旦为真就一直为真
func TestIsEventExplored_Monotonic(t *testing.T) {
	g := New(nil)
	a, b, c := newState("A"), newState("B"), newState("C")

	back := keyEvent(domain.KeyBack)
	assert.False(t, g.IsEventExplored(back, a))
	g.AddTransition(back, a, b)
	assert.True(t, g.IsEventExplored(back, a))

	for i := 0; i < 20; i++ {
		g.AddTransition(keyEvent(fmt.Sprintf("K%d", i)), b, c)
		g.AddTransition(back, a, c)
		assert.True(t, g.IsEventExplored(back, a))
	}
	assert.False(t, g.IsEventExplored(back, b))
}

func TestIsStateExplored(t *testing.T) {
	g := New(nil)
	a, b := newState("A"), newState("B")

	assert.False(t, g.IsStateExplored(a))
	g.AddTransition(tap(a), a, b)
	assert.True(t, g.IsStateExplored(a))
}

func TestIsStateExplored_CustomProvider(t *testing.T) {
	extra := keyEvent("MENU")
	g := New(func(s *domain.State) []*domain.Event {
		return append(s.PossibleEvents(), extra)
	})
	a, b := newState("A"), newState("B")

	g.AddTransition(tap(a), a, b)
	assert.False(t, g.IsStateExplored(a))
	g.AddTransition(extra, a, a)
	assert.True(t, g.IsStateExplored(a))
}

func TestGetReachableStates(t *testing.T) {
	g := New(nil)
	a, b, c, d := newState("A"), newState("B"), newState("C"), newState("D")

	g.AddTransition(tap(a), a, b)
	g.AddTransition(tap(b), b, c)
	g.AddTransition(tap(d), d, a)

	ids := func(states []*domain.State) []string {
		var out []string
		for _, s := range states {
			out = append(out, s.ID)
		}
		return out
	}
	assert.ElementsMatch(t, []string{b.ID, c.ID}, ids(g.GetReachableStates(a)))
	assert.Empty(t, g.GetReachableStates(c))
	assert.Nil(t, g.GetReachableStates(newState("unknown")))
}

// TestGetNavigationSteps_Shortest 路径长度等于最短边数
func TestGetNavigationSteps_Shortest(t *testing.T) {
	g := New(nil)
	s := make([]*domain.State, 6)
	for i := range s {
		s[i] = newState(fmt.Sprintf("S%d", i))
	}
	// 长链 0->1->2->3->4 以及捷径 0->5->4
	for i := 0; i < 4; i++ {
		g.AddTransition(tap(s[i]), s[i], s[i+1])
	}
	g.AddTransition(keyEvent("K05"), s[0], s[5])
	g.AddTransition(keyEvent("K54"), s[5], s[4])

	steps := g.GetNavigationSteps(s[0], s[4])
	require.Len(t, steps, 2)
	assert.Equal(t, s[0].ID, steps[0].State.ID)
	assert.Equal(t, "KeyEvent(K05)", steps[0].Event.Signature())
	assert.Equal(t, s[5].ID, steps[1].State.ID)
	assert.Equal(t, "KeyEvent(K54)", steps[1].Event.Signature())

	// 在别处增加无关边，不会让路径变长
	other := newState("X")
	g.AddTransition(tap(other), other, s[2])
	g.AddTransition(keyEvent("K3X"), s[3], other)
	assert.Len(t, g.GetNavigationSteps(s[0], s[4]), 2)

	assert.Len(t, g.GetNavigationSteps(s[0], s[2]), 2)
}

func TestGetNavigationSteps_NoPath(t *testing.T) {
	g := New(nil)
	a, b, c := newState("A"), newState("B"), newState("C")
	g.AddTransition(tap(a), a, b)
	g.AddTransition(tap(c), c, c)

	assert.Empty(t, g.GetNavigationSteps(b, a))
	assert.Empty(t, g.GetNavigationSteps(a, c))
	assert.Empty(t, g.GetNavigationSteps(a, newState("missing")))
	assert.Empty(t, g.GetNavigationSteps(nil, a))
}

func TestEdges_Snapshot(t *testing.T) {
	g := New(nil)
	a, b := newState("A"), newState("B")
	g.AddTransition(tap(a), a, b)
	g.AddTransition(keyEvent(domain.KeyBack), a, b)

	edges := g.Edges()
	require.Len(t, edges, 1)
	assert.Len(t, edges[0].Events, 2)
	assert.Equal(t, 2, g.NumTransitions())
}

func TestExport(t *testing.T) {
	g := New(nil)
	a, b := newState("A"), newState("B")
	g.AddTransition(tap(a), a, b)
	g.AddTransition(keyEvent(domain.KeyBack), b, a)

	out := g.Export()
	assert.Equal(t, a.ID, out.FirstState)
	assert.Equal(t, 2, out.NumTransitions)
	require.Len(t, out.Nodes, 2)
	assert.Less(t, out.Nodes[0].ID, out.Nodes[1].ID)
	require.Len(t, out.Edges, 2)
	for _, e := range out.Edges {
		require.Len(t, e.Events, 1)
		if e.From == a.ID {
			assert.Equal(t, tap(a).Signature(), e.Events[0])
		}
	}
}
