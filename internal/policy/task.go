package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/ai"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/assessment"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/journal"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/memory"
	"github.com/sirupsen/logrus"
)

// Oracle 决策模型
type Oracle interface {
	Decide(ctx context.Context, req ai.DecisionRequest) (*ai.Decision, error)
}

// MemoryLookup 按任务查找历史运行中最相关的元素
type MemoryLookup interface {
	Lookup(ctx context.Context, appID, task string) (*memory.Element, error)
}

// NotesProvider 应用备注与已保存的凭据，配置热更新后返回新值
type NotesProvider interface {
	Notes() []string
	Credentials(appName string) map[string]string
}

// TaskOptions 任务策略额外依赖
type TaskOptions struct {
	Task        string
	Oracle      Oracle
	Journal     journal.Sink  // 可选
	Memory      MemoryLookup  // 可选
	Notes       NotesProvider // 可选
	UseThoughts bool
}

// TaskPolicy 由大模型逐步决定下一步操作
type TaskPolicy struct {
	utgBase
	task        string
	oracle      Oracle
	sink        journal.Sink
	notes       NotesProvider
	useThoughts bool
	state       *PolicyState

	memory        MemoryLookup
	memoryChecked bool
	element       *memory.Element
}

// NewTaskPolicy 创建任务策略
func NewTaskPolicy(opts Options, topts TaskOptions) *TaskPolicy {
	return &TaskPolicy{
		utgBase:     newUTGBase(opts),
		task:        topts.Task,
		oracle:      topts.Oracle,
		sink:        topts.Journal,
		notes:       topts.Notes,
		useThoughts: topts.UseThoughts,
		memory:      topts.Memory,
		state:       NewPolicyState(opts.RandomInput),
	}
}

func (p *TaskPolicy) Name() string {
	return NameTask
}

// State 策略簿记
func (p *TaskPolicy) State() *PolicyState {
	return p.state
}

// Task 当前任务描述
func (p *TaskPolicy) Task() string {
	if p.task == "" {
		return assessment.DefaultTask
	}
	return p.task
}

func (p *TaskPolicy) GenerateEvent(ctx context.Context) (*domain.Event, error) {
	p.loadMemory(ctx)
	return p.generate(ctx, p.next)
}

// loadMemory 首次调用时查找元素记忆，没有记忆时整个运行都不再使用
func (p *TaskPolicy) loadMemory(ctx context.Context) {
	if p.memory == nil || p.memoryChecked {
		return
	}
	p.memoryChecked = true

	element, err := p.memory.Lookup(ctx, p.app.DisplayName(), p.Task())
	if err != nil {
		if errors.Is(err, memory.ErrNoMemory) {
			p.logger.WithField("app", p.app.DisplayName()).Warn("No memory for this app, memory is disabled")
		} else {
			p.logger.WithError(err).Warn("Memory lookup failed, memory is disabled")
		}
		p.memory = nil
		return
	}
	p.element = element
	p.logger.WithFields(logrus.Fields{
		"element":  element.Statement,
		"function": element.Function,
		"path_len": len(element.Path),
	}).Info("Found element of interest in memory")
}

func (p *TaskPolicy) next(ctx context.Context, current *domain.State) (*domain.State, *domain.Event, error) {
	ps := p.state
	p.logger.WithField("state", current.ID).Info("Current state")
	delete(ps.MissedStates, current.ID)

	appName := p.app.DisplayName()
	hooks := &appRecovery{
		onStart: func() {
			ps.ResetHistory("- launchApp "+appName, "launch the app "+appName+" to finish the task "+p.Task())
		},
		onOutside: func() {
			ps.Record("- go back", "the app has not been in foreground for too long, try to go back")
		},
	}
	if event := recoverApp(ps, p.app, current, p.logger, hooks); event != nil {
		return nil, event, nil
	}

	var (
		actions   []domain.DescribedAction
		stateStrs []string
	)
	if scrollers := p.device.GetScrollableRegions(current); len(scrollers) > 0 {
		var err error
		actions, stateStrs, err = p.flattenScreen(ctx, current, scrollers)
		if err != nil {
			return nil, nil, fmt.Errorf("flatten scrollable screen: %w", err)
		}
	} else {
		actions = current.DescribedActions()
		stateStrs = []string{current.ID}
	}

	choice, err := p.choose(ctx, actions, stateStrs)
	if err != nil {
		return nil, nil, err
	}
	if choice.finished {
		p.logger.WithField("task", p.Task()).Info("Task finished")
		return nil, nil, nil
	}

	if choice.action != nil {
		steps := choice.action.Steps
		if len(steps) == 0 {
			ps.Record(choice.event.Describe(), choice.thought)
			return nil, choice.event, nil
		}
		// 目标在滚动后的位置，先执行滚动前缀
		var last *domain.State
		for _, step := range steps {
			if err := p.device.Send(ctx, step); err != nil {
				return nil, nil, fmt.Errorf("send scroll prefix: %w", err)
			}
			if last, err = p.device.GetCurrentState(ctx); err != nil {
				return nil, nil, fmt.Errorf("read state after scroll prefix: %w", err)
			}
		}
		ps.Record(choice.event.Describe(), choice.thought)
		return last, choice.event, nil
	}

	if ps.RandomExplore && len(actions) > 0 {
		p.logger.Info("Trying random event")
		a := actions[p.rng.Intn(len(actions))]
		ps.Record(a.Event.Describe(), "random trying")
		return nil, a.Event, nil
	}

	p.logger.Info("Cannot find an exploration target, stopping the app")
	ps.Record("- stop the app", "couldn't find a exploration target, stop the app")
	ps.AppendTrace(FlagStopApp)
	return nil, domain.NewIntentEvent(p.app.StopIntent()), nil
}

// taskChoice 一步决策结果；finished 为真表示任务完成，action 为 nil 表示没有可选动作
type taskChoice struct {
	finished bool
	action   *domain.DescribedAction
	event    *domain.Event
	thought  string
}

func (p *TaskPolicy) choose(ctx context.Context, actions []domain.DescribedAction, stateStrs []string) (*taskChoice, error) {
	if len(actions) == 0 {
		return &taskChoice{}, nil
	}
	screen := domain.RenderActions(p.withMemory(actions))

	var notes []string
	var stored map[string]string
	if p.notes != nil {
		notes = p.notes.Notes()
		stored = p.notes.Credentials(p.app.DisplayName())
	}

	if IsAuthenticationScreen(screen) {
		p.logger.Info("Authentication screen detected, checking for credentials in notes")
		if auth := directAuthAction(actions, notes, stored); auth != nil {
			p.logger.WithFields(logrus.Fields{
				"credential": auth.kind,
				"index":      auth.index,
			}).Info("Using app-specific credentials for authentication")
			input := journal.NullInput
			if auth.event.Kind == domain.EventSetText {
				input = auth.event.Text
			}
			p.appendJournal(ctx, journal.Record{
				State:    screen,
				Choice:   auth.index,
				Input:    input,
				StateStr: stateStrs,
			})
			return &taskChoice{action: &actions[auth.index], event: auth.event, thought: auth.thought}, nil
		}
	}

	if p.oracle == nil {
		return &taskChoice{}, nil
	}

	prompt := BuildPrompt(PromptInput{
		Task:        p.Task(),
		Screen:      screen,
		Actions:     p.state.ActionHistory,
		Thoughts:    p.state.ThoughtHistory,
		UseThoughts: p.useThoughts,
		Notes:       notes,
	})
	decision, err := p.oracle.Decide(ctx, ai.DecisionRequest{
		Task:           p.Task(),
		History:        p.state.ActionHistory,
		Screen:         screen,
		CandidateCount: len(actions),
		Prompt:         prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("decide next action: %w", err)
	}
	if decision.Done() || decision.Finished {
		return &taskChoice{finished: true}, nil
	}

	idx := decision.Index
	if idx < 0 || idx >= len(actions) {
		p.logger.WithFields(logrus.Fields{
			"index":      idx,
			"candidates": len(actions),
		}).Warn("Oracle returned invalid index, using index 0 instead")
		idx = 0
	}

	chosen := &actions[idx]
	event := chosen.Event
	input := journal.NullInput
	if event.Kind == domain.EventSetText {
		event = event.Clone()
		event.Text = SanitizeInput(decision.InputText)
		input = event.Text
	}

	p.appendJournal(ctx, journal.Record{
		State:    screen,
		Choice:   idx,
		Input:    input,
		StateStr: stateStrs,
	})
	return &taskChoice{action: chosen, event: event, thought: decision.Reason}, nil
}

// SanitizeInput 去掉引号、空格换成 -，超过 MaxInputTextLen 个字符的文本丢弃
func SanitizeInput(text string) string {
	if text == "" || text == assessment.NotAvailable {
		return ""
	}
	text = strings.ReplaceAll(text, `"`, "")
	text = strings.ReplaceAll(text, " ", "-")
	if utf8.RuneCountInString(text) > MaxInputTextLen {
		return ""
	}
	return text
}

// withMemory 在记忆路径上本步应点击的控件旁注明其功能
func (p *TaskPolicy) withMemory(actions []domain.DescribedAction) []domain.DescribedAction {
	if p.element == nil {
		return actions
	}
	steps := len(p.state.ActionHistory)
	if steps > len(p.element.Path) {
		return actions
	}
	target, ok := p.element.PathStep(steps - 1)
	if !ok {
		return actions
	}

	out := make([]domain.DescribedAction, len(actions))
	copy(out, actions)
	for i := range out {
		if out[i].Desc() != target {
			continue
		}
		attrs := make([]string, 0, len(out[i].Attrs)+1)
		attrs = append(attrs, out[i].Attrs...)
		out[i].Attrs = append(attrs, fmt.Sprintf("onclick='%s'", p.element.Function))
		p.logger.WithField("view", target).Debug("Injected element function from memory")
	}
	return out
}

func (p *TaskPolicy) appendJournal(ctx context.Context, rec journal.Record) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Append(ctx, rec); err != nil {
		p.logger.WithError(err).Warn("Failed to append task journal")
	}
}
