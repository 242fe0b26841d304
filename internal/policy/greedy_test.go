package policy

import (
	"context"
	"testing"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/ai"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGreedy_PrefersUnexploredEvent(t *testing.T) {
	state := newState("com.calm/.Home", 0, button("Start", 100))
	p := NewGreedyPolicy(testOptions(staticDevice(state)), DFS)

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, domain.EventTouch, event.Kind)
	assert.Equal(t, "Start", event.View.Text)
	assert.True(t, p.State().TraceEndsWith(FlagExplore))
	assert.Equal(t, state, p.CurrentState())
}

func TestGreedy_BFSTriesBackFirst(t *testing.T) {
	state := newState("com.calm/.Home", 0, button("Start", 100))
	p := NewGreedyPolicy(testOptions(staticDevice(state)), BFS)

	event, err := p.GenerateEvent(context.Background())
	require.NoError(t, err)
	assert.True(t, event.IsBack())
	assert.Equal(t, NameBFSGreedy, p.Name())
}

func TestGreedy_NavigatesToUnexploredState(t *testing.T) {
	home := newState("com.calm/.Home", 0, button("Settings", 100))
	settings := newState("com.calm/.Settings", 0, button("Theme", 100), button("Account", 300))

	current := home
	dev := &fakeDevice{foreground: true, stateFn: func() (*domain.State, error) { return current, nil }}
	p := NewGreedyPolicy(testOptions(dev), DFS)
	ctx := context.Background()

	// Home: 点击 Settings 进入设置页
	event, err := p.GenerateEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, "Settings", event.View.Text)
	current = settings

	// Settings: 点击 Theme 后回到首页，Account 仍未尝试
	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, "Theme", event.View.Text)
	current = home

	// 首页的 BACK 还没尝试过
	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	require.True(t, event.IsBack())

	// 首页已全部尝试，设置页仍有未尝试的事件: 沿 UTG 导航过去
	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Settings", event.View.Text)
	assert.True(t, p.State().TraceEndsWith(FlagNavigate))
	assert.Equal(t, settings.ID, p.State().NavTarget.ID)
}

func TestGreedy_RestartsThenEntersRandomMode(t *testing.T) {
	launcher := newState("com.android.launcher3/.Launcher", domain.DepthNotRunning)
	p := NewGreedyPolicy(testOptions(staticDevice(launcher)), DFS)
	ctx := context.Background()

	starts := 0
	for i := 0; i < 4*(MaxNumRestarts+1); i++ {
		event, err := p.GenerateEvent(ctx)
		require.NoError(t, err)
		require.NotNil(t, event, "the run must not finish while the app is down")
		if event.Kind == domain.EventIntent && event.Intent.Action == domain.IntentStart {
			starts++
		}
	}

	assert.True(t, p.State().RandomExplore)
	assert.Greater(t, p.State().NumRestarts, MaxNumRestarts)
	assert.LessOrEqual(t, starts, MaxNumRestarts)
}

func TestGreedy_StopsAppWhenExhausted(t *testing.T) {
	state := newState("com.calm/.Home", 0)
	p := NewGreedyPolicy(testOptions(staticDevice(state)), DFS)
	ctx := context.Background()

	event, err := p.GenerateEvent(ctx)
	require.NoError(t, err)
	require.True(t, event.IsBack())

	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.EventIntent, event.Kind)
	assert.Equal(t, domain.IntentStop, event.Intent.Action)
	assert.True(t, p.State().TraceEndsWith(FlagStopApp))
}

func TestRecoverApp_Outside(t *testing.T) {
	ps := NewPolicyState(false)
	state := newState("com.android.settings/.Settings", 1)

	ps.NumStepsOutside = MaxNumStepsOutside
	event := recoverApp(ps, testApp, state, testLogger(), nil)
	require.NotNil(t, event)
	assert.Equal(t, domain.EventIntent, event.Kind, "beyond the kill threshold the app is stopped")
	assert.True(t, ps.TraceEndsWith(FlagNavigate))

	ps.NumStepsOutside = 0
	assert.Nil(t, recoverApp(ps, testApp, state, testLogger(), nil))
	assert.Equal(t, 1, ps.NumStepsOutside)

	assert.Nil(t, recoverApp(ps, testApp, newState("com.calm/.Home", 0), testLogger(), nil))
	assert.Equal(t, 0, ps.NumStepsOutside)
}

func TestNaive_PrefersProgressButtons(t *testing.T) {
	state := newState("com.calm/.Welcome", 0, button("Skip", 100), button("OK", 300))
	p := NewNaivePolicy(testOptions(staticDevice(state)), DFS)
	ctx := context.Background()

	event, err := p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "OK", event.View.Text)

	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Skip", event.View.Text)

	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.True(t, event.IsBack())

	// 全部点过且没有引起跳转的控件: 停止应用
	event, err = p.GenerateEvent(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.IntentStop, event.Intent.Action)
}

func TestNaive_InterruptsWhenAppCannotStart(t *testing.T) {
	launcher := newState("com.android.launcher3/.Launcher", domain.DepthNotRunning)
	dev := staticDevice(launcher)
	p := NewNaivePolicy(testOptions(dev), BFS)

	var err error
	for i := 0; i < 10*MaxNumRestarts && err == nil; i++ {
		_, err = p.GenerateEvent(context.Background())
	}
	assert.ErrorIs(t, err, ErrInterrupted)
}

type fakeRanker struct {
	resp     *ai.RankResponse
	err      error
	requests []*ai.RankRequest
}

func (r *fakeRanker) Rank(_ context.Context, req *ai.RankRequest) (*ai.RankResponse, error) {
	r.requests = append(r.requests, req)
	return r.resp, r.err
}

func TestRankEvents(t *testing.T) {
	field := domain.View{Class: "android.widget.EditText", Enabled: true, Editable: true, Bounds: domain.Bounds{Right: 400, Bottom: 100}}
	state := newState("com.calm/.Login", 0, button("Next", 100), field)
	events := []*domain.Event{
		domain.NewTouchEvent(&state.Views[0]),
		domain.NewSetTextEvent(&state.Views[1], "default"),
		domain.NewBackEvent(),
	}

	ranker := &fakeRanker{resp: &ai.RankResponse{Indices: []int{1, 7, 0}, Text: "calm@example.com"}}
	opts := testOptions(staticDevice(state))
	opts.Ranker = ranker
	b := newUTGBase(opts)

	ranked := b.rankEvents(context.Background(), events)
	require.Len(t, ranked, 2, "out-of-range indices are dropped")
	assert.Equal(t, domain.EventSetText, ranked[0].Kind)
	assert.Equal(t, "calm@example.com", ranked[0].Text)
	assert.Equal(t, "default", events[1].Text, "candidates are not mutated")
	assert.Equal(t, events[0], ranked[1])

	require.Len(t, ranker.requests, 1)
	assert.Equal(t, [2]int{1080, 1920}, ranker.requests[0].ScreenRes)
	assert.Len(t, ranker.requests[0].PossibleEvents, 3)

	ranker.err = assert.AnError
	assert.Equal(t, events, b.rankEvents(context.Background(), events))
}

func TestRankEvents_FirstVisitShufflesHead(t *testing.T) {
	state := newState("com.calm/.Home", 0, button("A", 100), button("B", 300), button("C", 500))
	events := []*domain.Event{
		domain.NewTouchEvent(&state.Views[0]),
		domain.NewTouchEvent(&state.Views[1]),
		domain.NewTouchEvent(&state.Views[2]),
	}
	opts := testOptions(staticDevice(state))
	opts.Ranker = &fakeRanker{resp: &ai.RankResponse{Indices: []int{0, 1, 2}}}
	b := newUTGBase(opts)
	b.firstVisit = true

	ranked := b.rankEvents(context.Background(), events)
	assert.ElementsMatch(t, events, ranked)
}
