package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
)

// preferredButtons 更可能推进流程的按钮文字
var preferredButtons = map[string]bool{
	"yes": true, "ok": true, "activate": true, "detail": true, "more": true, "access": true,
	"allow": true, "check": true, "agree": true, "try": true, "go": true, "next": true,
}

// naiveView 候选控件；back 为模拟的返回键
type naiveView struct {
	key  string
	text string
	view *domain.View
	back bool
}

type exploredView struct {
	activity string
	key      string
}

// NaivePolicy 以控件为粒度的朴素 DFS/BFS 探索
type NaivePolicy struct {
	utgBase
	search      SearchMethod
	randomInput bool

	lastFlag     string
	lastEventKey string
	explored     map[exploredView]bool
	transitions  map[string]bool // 引起过屏幕变化的控件
}

// NewNaivePolicy 创建朴素策略
func NewNaivePolicy(opts Options, search SearchMethod) *NaivePolicy {
	return &NaivePolicy{
		utgBase:     newUTGBase(opts),
		search:      search,
		randomInput: opts.RandomInput,
		explored:    make(map[exploredView]bool),
		transitions: make(map[string]bool),
	}
}

func (p *NaivePolicy) Name() string {
	if p.search == BFS {
		return NameBFSNaive
	}
	return NameDFSNaive
}

func (p *NaivePolicy) GenerateEvent(ctx context.Context) (*domain.Event, error) {
	return p.generate(ctx, func(ctx context.Context, state *domain.State) (*domain.State, *domain.Event, error) {
		event, err := p.next(ctx, state)
		return nil, event, err
	})
}

func (p *NaivePolicy) next(ctx context.Context, current *domain.State) (*domain.Event, error) {
	if p.lastEventKey != "" && p.lastState != nil && p.lastState.ID != current.ID {
		p.transitions[p.lastEventKey] = true
	}

	foreground, err := p.device.IsForeground(ctx, p.app)
	if err != nil {
		return nil, fmt.Errorf("check foreground: %w", err)
	}
	if foreground {
		p.lastFlag = FlagStarted
	} else {
		starts := strings.Count(p.lastFlag, FlagStartApp)
		if starts > MaxNumRestarts {
			return nil, fmt.Errorf("%w: the app cannot be started after %d attempts", ErrInterrupted, starts)
		}
		if strings.HasSuffix(p.lastFlag, FlagStartApp) {
			p.logger.WithField("starts", starts).Info("The app had been restarted, waiting for it")
		} else {
			p.lastFlag += FlagStartApp
			p.lastEventKey = FlagStartApp
			return domain.NewIntentEvent(p.app.StartIntent()), nil
		}
	}

	selected := p.selectView(current)
	if selected == nil {
		p.lastFlag += FlagStopApp
		p.lastEventKey = FlagStopApp
		return domain.NewIntentEvent(p.app.StopIntent()), nil
	}

	var event *domain.Event
	if selected.back {
		event = domain.NewBackEvent()
	} else {
		event = domain.NewTouchEvent(selected.view)
	}
	p.lastFlag += FlagTouch
	p.lastEventKey = selected.key
	p.explored[exploredView{activity: current.Activity, key: selected.key}] = true
	return event, nil
}

// selectView 依次选择: 未点过的偏好按钮、未点过的控件、曾引起跳转的控件
func (p *NaivePolicy) selectView(state *domain.State) *naiveView {
	var views []*naiveView
	for i := range state.Views {
		v := &state.Views[i]
		if v.Enabled && v.IsLeaf() {
			views = append(views, &naiveView{key: v.Key(), text: v.Text, view: v})
		}
	}
	if p.randomInput {
		p.rng.Shuffle(len(views), func(i, j int) { views[i], views[j] = views[j], views[i] })
	}

	back := &naiveView{key: "BACK_" + state.Activity, text: "BACK_" + state.Activity, back: true}
	if p.search == BFS {
		views = append([]*naiveView{back}, views...)
	} else {
		views = append(views, back)
	}

	isExplored := func(v *naiveView) bool {
		return p.explored[exploredView{activity: state.Activity, key: v.key}]
	}

	for _, v := range views {
		if preferredButtons[strings.ToLower(strings.TrimSpace(v.text))] && !isExplored(v) {
			p.logger.WithField("view", v.key).Info("Selected a preferred view")
			return v
		}
	}
	for _, v := range views {
		if !isExplored(v) {
			p.logger.WithField("view", v.key).Info("Selected an un-clicked view")
			return v
		}
	}

	if p.randomInput {
		p.rng.Shuffle(len(views), func(i, j int) { views[i], views[j] = views[j], views[i] })
	}
	for _, v := range views {
		if p.transitions[v.key] {
			p.logger.WithField("view", v.key).Info("Selected a transition view")
			return v
		}
	}

	p.logger.WithField("state", state.Tag()).Info("No view could be selected")
	return nil
}
