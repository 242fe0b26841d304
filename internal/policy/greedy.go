package policy

import (
	"context"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/sirupsen/logrus"
)

// GreedyPolicy 基于 UTG 的贪心探索: 优先未尝试的事件，其次导航到未探索完的屏幕
type GreedyPolicy struct {
	utgBase
	search      SearchMethod
	randomInput bool
	state       *PolicyState
}

// NewGreedyPolicy 创建贪心策略
func NewGreedyPolicy(opts Options, search SearchMethod) *GreedyPolicy {
	return &GreedyPolicy{
		utgBase:     newUTGBase(opts),
		search:      search,
		randomInput: opts.RandomInput,
		state:       NewPolicyState(false),
	}
}

func (p *GreedyPolicy) Name() string {
	if p.search == BFS {
		return NameBFSGreedy
	}
	return NameDFSGreedy
}

// State 策略簿记
func (p *GreedyPolicy) State() *PolicyState {
	return p.state
}

func (p *GreedyPolicy) GenerateEvent(ctx context.Context) (*domain.Event, error) {
	return p.generate(ctx, func(ctx context.Context, state *domain.State) (*domain.State, *domain.Event, error) {
		return nil, p.next(ctx, state), nil
	})
}

func (p *GreedyPolicy) next(ctx context.Context, current *domain.State) *domain.Event {
	ps := p.state
	delete(ps.MissedStates, current.ID)

	if event := recoverApp(ps, p.app, current, p.logger, nil); event != nil {
		return event
	}

	events := p.device.GetPossibleEvents(current)
	if p.randomInput {
		p.shuffleEvents(events)
	}
	if p.search == BFS {
		events = append([]*domain.Event{domain.NewBackEvent()}, events...)
	} else {
		events = append(events, domain.NewBackEvent())
	}
	events = p.rankEvents(ctx, events)

	for _, e := range events {
		if !p.graph.IsEventExplored(e, current) {
			p.logger.WithField("event", e.Signature()).Info("Trying an unexplored event")
			ps.AppendTrace(FlagExplore)
			return e
		}
	}

	if target := p.navTarget(current); target != nil {
		steps := p.graph.GetNavigationSteps(current, target)
		if len(steps) > 0 {
			p.logger.WithFields(logrus.Fields{
				"target":     target.ID,
				"steps_left": len(steps),
			}).Info("Navigating to target state")
			ps.AppendTrace(FlagNavigate)
			return steps[0].Event
		}
	}

	if ps.RandomExplore {
		p.logger.Info("Trying random event")
		p.shuffleEvents(events)
		return events[0]
	}

	p.logger.Info("Cannot find an exploration target, stopping the app")
	ps.AppendTrace(FlagStopApp)
	return domain.NewIntentEvent(p.app.StopIntent())
}

// navTarget 选择导航目标: 沿用仍在缩短的旧目标，否则在可达的前台屏幕中找一个未探索完的
func (p *GreedyPolicy) navTarget(current *domain.State) *domain.State {
	ps := p.state
	if ps.NavTarget != nil && ps.TraceEndsWith(FlagNavigate) {
		steps := p.graph.GetNavigationSteps(current, ps.NavTarget)
		if len(steps) > 0 && len(steps) <= ps.NavNumSteps {
			ps.NavNumSteps = len(steps)
			return ps.NavTarget
		}
		ps.MissedStates[ps.NavTarget.ID] = true
	}

	reachable := p.graph.GetReachableStates(current)
	if p.randomInput {
		p.rng.Shuffle(len(reachable), func(i, j int) { reachable[i], reachable[j] = reachable[j], reachable[i] })
	}

	for _, s := range reachable {
		if !s.InForeground() || ps.MissedStates[s.ID] || p.graph.IsStateExplored(s) {
			continue
		}
		ps.NavTarget = s
		if steps := p.graph.GetNavigationSteps(current, s); len(steps) > 0 {
			ps.NavNumSteps = len(steps)
			return s
		}
	}

	ps.NavTarget = nil
	ps.NavNumSteps = -1
	return nil
}

// appRecovery 应用启动或回退时的回调，用于记录动作历史
type appRecovery struct {
	onStart   func()
	onOutside func()
}

// recoverApp 处理应用未运行和长期在后台的情况，返回 nil 表示应用在前台或需要继续选择事件
func recoverApp(ps *PolicyState, app *domain.App, current *domain.State, logger *logrus.Logger, hooks *appRecovery) *domain.Event {
	switch {
	case current.Depth < 0:
		// 启动后又被停止，或启动后仍未运行: 计入连续重启次数
		if ps.TraceEndsWith(FlagStartApp, FlagStopApp) || ps.TraceEndsWith(FlagStartApp) {
			ps.NumRestarts++
			logger.WithField("restarts", ps.NumRestarts).Info("The app had been restarted")
		} else {
			ps.NumRestarts = 0
		}

		if !ps.TraceEndsWith(FlagStartApp) {
			if ps.NumRestarts > MaxNumRestarts {
				if !ps.RandomExplore {
					logger.WithField("restarts", ps.NumRestarts).Warn("The app had been restarted too many times, entering random mode")
				}
				ps.RandomExplore = true
			} else {
				ps.AppendTrace(FlagStartApp)
				logger.Info("Trying to start the app")
				if hooks != nil && hooks.onStart != nil {
					hooks.onStart()
				}
				return domain.NewIntentEvent(app.StartIntent())
			}
		}

	case current.Depth > 0:
		ps.NumStepsOutside++
		if ps.NumStepsOutside > MaxNumStepsOutside {
			var event *domain.Event
			if ps.NumStepsOutside > MaxNumStepsOutsideKill {
				event = domain.NewIntentEvent(app.StopIntent())
			} else {
				event = domain.NewBackEvent()
			}
			ps.AppendTrace(FlagNavigate)
			logger.WithField("steps_outside", ps.NumStepsOutside).Info("Going back to the app")
			if hooks != nil && hooks.onOutside != nil {
				hooks.onOutside()
			}
			return event
		}

	default:
		ps.NumStepsOutside = 0
	}
	return nil
}
