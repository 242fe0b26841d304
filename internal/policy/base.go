package policy

import (
	"context"
	"math/rand"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/ai"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/retry"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/utg"
	"github.com/sirupsen/logrus"
)

// 发给排序服务的历史长度
const (
	humanoidViewTrees = 4
	humanoidEvents    = 3
)

// Ranker 外部候选事件排序服务
type Ranker interface {
	Rank(ctx context.Context, req *ai.RankRequest) (*ai.RankResponse, error)
}

// Options 各策略共用的依赖
type Options struct {
	Device       Device
	App          *domain.App
	Logger       *logrus.Logger
	RandomInput  bool
	PollInterval time.Duration // 读不到屏幕时的等待
	Ranker       Ranker        // 可选
	Rand         *rand.Rand    // 可选，测试时固定种子
}

// nextFunc 具体策略基于当前屏幕给出事件；返回的 *domain.State 非空时作为下一次迁移的起点
type nextFunc func(ctx context.Context, state *domain.State) (*domain.State, *domain.Event, error)

// utgBase 基于 UTG 的策略公共部分: 读屏、更新 UTG、维护排序服务历史
type utgBase struct {
	device       Device
	app          *domain.App
	graph        *utg.UTG
	logger       *logrus.Logger
	rng          *rand.Rand
	pollInterval time.Duration
	ranker       Ranker

	currentState *domain.State
	lastState    *domain.State
	lastEvent    *domain.Event
	firstVisit   bool // 当前屏幕在本次读取前未出现过

	historyViewTrees []interface{}
	historyEvents    []string
}

func newUTGBase(opts Options) utgBase {
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return utgBase{
		device:       opts.Device,
		app:          opts.App,
		graph:        utg.New(opts.Device.GetPossibleEvents),
		logger:       opts.Logger,
		rng:          rng,
		pollInterval: poll,
		ranker:       opts.Ranker,
	}
}

// UTG 策略维护的迁移图
func (b *utgBase) UTG() *utg.UTG {
	return b.graph
}

// CurrentState 最近一次读到的屏幕
func (b *utgBase) CurrentState() *domain.State {
	return b.currentState
}

func (b *utgBase) generate(ctx context.Context, next nextFunc) (*domain.Event, error) {
	state, err := b.device.GetCurrentState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.WithError(err).Warn("Current state unavailable, going back")
		b.currentState = nil
		if err := retry.Sleep(ctx, b.pollInterval); err != nil {
			return nil, err
		}
		return domain.NewBackEvent(), nil
	}
	b.currentState = state
	b.firstVisit = !b.graph.IsStateReached(state)

	b.graph.AddTransition(b.lastEvent, b.lastState, state)

	if b.ranker != nil {
		b.historyViewTrees = appendBounded(b.historyViewTrees, state.Views, humanoidViewTrees)
		if b.lastEvent != nil {
			b.historyEvents = appendBoundedString(b.historyEvents, b.lastEvent.Signature(), humanoidEvents)
		}
	}

	oldState, event, err := next(ctx, state)
	if err != nil {
		return nil, err
	}

	if oldState != nil {
		b.lastState = oldState
	} else {
		b.lastState = state
	}
	b.lastEvent = event
	return event, nil
}

// rankEvents 请求排序服务重排候选事件；失败时保持原顺序
func (b *utgBase) rankEvents(ctx context.Context, events []*domain.Event) []*domain.Event {
	if b.ranker == nil || len(events) == 0 {
		return events
	}
	w, h := b.device.DisplaySize()
	req := &ai.RankRequest{
		HistoryViewTrees: b.historyViewTrees,
		HistoryEvents:    b.historyEvents,
		PossibleEvents:   make([]string, len(events)),
		ScreenRes:        [2]int{w, h},
	}
	for i, e := range events {
		req.PossibleEvents[i] = e.Signature()
	}

	resp, err := b.ranker.Rank(ctx, req)
	if err != nil {
		b.logger.WithError(err).Warn("Humanoid ranking failed, keeping original order")
		return events
	}

	indices := make([]int, 0, len(resp.Indices))
	for _, idx := range resp.Indices {
		if idx >= 0 && idx < len(events) {
			indices = append(indices, idx)
		}
	}
	if len(indices) == 0 {
		return events
	}
	// 排序服务本身是确定性的，新屏幕上打乱首位避免死循环
	if b.firstVisit {
		j := b.rng.Intn(len(indices))
		indices[0], indices[j] = indices[j], indices[0]
	}

	ranked := make([]*domain.Event, 0, len(indices))
	for _, idx := range indices {
		e := events[idx]
		if e.Kind == domain.EventSetText {
			e = e.Clone()
			e.Text = resp.Text
		}
		ranked = append(ranked, e)
	}
	return ranked
}

// shuffleEvents 原地打乱
func (b *utgBase) shuffleEvents(events []*domain.Event) {
	b.rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })
}

func appendBounded(list []interface{}, item interface{}, max int) []interface{} {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

func appendBoundedString(list []string, item string, max int) []string {
	list = append(list, item)
	if len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}
