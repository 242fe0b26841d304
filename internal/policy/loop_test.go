package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptStep struct {
	event *domain.Event
	state *domain.State
	err   error
}

// scriptedPolicy 按脚本逐步返回事件；脚本用完后一直返回 BACK
type scriptedPolicy struct {
	steps   []scriptStep
	current *domain.State
	calls   int
}

func (p *scriptedPolicy) Name() string {
	return "scripted"
}

func (p *scriptedPolicy) GenerateEvent(context.Context) (*domain.Event, error) {
	p.calls++
	if len(p.steps) == 0 {
		return domain.NewBackEvent(), nil
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	if step.state != nil {
		p.current = step.state
	}
	return step.event, step.err
}

func (p *scriptedPolicy) CurrentState() *domain.State {
	return p.current
}

type observed struct {
	step     int
	event    *domain.Event
	from, to *domain.State
}

func TestLoop_KillsAppFirstAndStopsAtBudget(t *testing.T) {
	home := newState("com.calm/.Home", 0, button("Start", 100))
	dev := staticDevice(home)
	p := &scriptedPolicy{}
	loop := NewLoop(p, dev, testApp, LoopConfig{EventCount: 3}, testLogger())

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopBudget, result.Reason)
	assert.Equal(t, 3, result.Steps)

	sent := dev.sentEvents()
	require.Len(t, sent, 3)
	assert.Equal(t, domain.EventKillApp, sent[0].Kind)
	assert.Equal(t, 2, p.calls)
}

func TestLoop_SkipKillApp(t *testing.T) {
	dev := staticDevice(newState("com.calm/.Home", 0))
	p := &scriptedPolicy{}
	loop := NewLoop(p, dev, testApp, LoopConfig{EventCount: 2, SkipKillApp: true}, testLogger())

	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	for _, e := range dev.sentEvents() {
		assert.NotEqual(t, domain.EventKillApp, e.Kind)
	}
	assert.Equal(t, 2, p.calls)
}

func TestLoop_FinishedPolicyEndsRun(t *testing.T) {
	dev := staticDevice(newState("com.calm/.Home", 0))
	p := &scriptedPolicy{steps: []scriptStep{{event: domain.NewBackEvent()}, {}}}
	loop := NewLoop(p, dev, testApp, LoopConfig{}, testLogger())

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopFinished, result.Reason)
	assert.Len(t, dev.sentEvents(), 2)
}

func TestLoop_NonePolicyIdlesUntilBudget(t *testing.T) {
	dev := staticDevice(newState("com.calm/.Home", 0))
	loop := NewLoop(NonePolicy{}, dev, testApp, LoopConfig{EventCount: 5}, testLogger())

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopBudget, result.Reason)
	assert.Equal(t, 5, result.Steps)
	assert.Zero(t, result.Errors)

	sent := dev.sentEvents()
	require.Len(t, sent, 5)
	assert.Equal(t, domain.EventKillApp, sent[0].Kind)
	for _, e := range sent[1:] {
		assert.Equal(t, domain.EventManual, e.Kind)
	}
}

func TestLoop_InterruptStopsRun(t *testing.T) {
	dev := staticDevice(newState("com.calm/.Home", 0))
	p := &scriptedPolicy{steps: []scriptStep{{err: ErrInterrupted}}}
	loop := NewLoop(p, dev, testApp, LoopConfig{EventCount: 100}, testLogger())

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopInterrupted, result.Reason)
	assert.Equal(t, 2, result.Steps)
}

func TestLoop_ErrorsCountAgainstBudget(t *testing.T) {
	dev := staticDevice(newState("com.calm/.Home", 0))
	boom := errors.New("boom")
	p := &scriptedPolicy{steps: []scriptStep{{err: boom}, {err: boom}}}
	loop := NewLoop(p, dev, testApp, LoopConfig{EventCount: 4}, testLogger())

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopBudget, result.Reason)
	assert.Equal(t, 2, result.Errors)
	assert.Len(t, dev.sentEvents(), 2)
}

func TestLoop_ListenerSeesResultingState(t *testing.T) {
	home := newState("com.calm/.Home", 0, button("Journal", 100))
	journalScreen := newState("com.calm/.Journal", 0)
	tap := domain.NewTouchEvent(&home.Views[0])

	dev := staticDevice(home)
	p := &scriptedPolicy{steps: []scriptStep{
		{event: tap, state: home},
		{event: domain.NewBackEvent(), state: journalScreen},
		{state: home},
	}}
	loop := NewLoop(p, dev, testApp, LoopConfig{}, testLogger())

	var seen []observed
	loop.AddListener(EventListenerFunc(func(step int, event *domain.Event, from, to *domain.State) {
		seen = append(seen, observed{step, event, from, to})
	}))

	_, err := loop.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, seen, 3)

	assert.Equal(t, domain.EventKillApp, seen[0].event.Kind)
	assert.Nil(t, seen[0].from)
	assert.Equal(t, home, seen[0].to)

	assert.Equal(t, 1, seen[1].step)
	assert.Equal(t, tap, seen[1].event)
	assert.Equal(t, home, seen[1].from)
	assert.Equal(t, journalScreen, seen[1].to)

	assert.True(t, seen[2].event.IsBack())
	assert.Equal(t, journalScreen, seen[2].from)
	assert.Equal(t, home, seen[2].to)
}

func TestLoop_StopWhen(t *testing.T) {
	dev := staticDevice(newState("com.calm/.Home", 0))
	p := &scriptedPolicy{}
	loop := NewLoop(p, dev, testApp, LoopConfig{}, testLogger())
	loop.StopWhen(func() bool { return p.calls >= 3 })

	result, err := loop.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopCondition, result.Reason)
	assert.Equal(t, 4, result.Steps)
}

func TestLoop_CancelledContext(t *testing.T) {
	dev := staticDevice(newState("com.calm/.Home", 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewLoop(&scriptedPolicy{}, dev, testApp, LoopConfig{}, testLogger()).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StopCancelled, result.Reason)
	assert.Empty(t, dev.sentEvents())
}
