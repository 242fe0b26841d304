package policy

import (
	"context"
	"fmt"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
)

// descSet 按结构描述去重的控件集合
type descSet map[string]bool

func newDescSet(actions []domain.DescribedAction) descSet {
	set := make(descSet, len(actions))
	for i := range actions {
		set[actions[i].Desc()] = true
	}
	return set
}

// scrollAndObserve 发送一次滚动并读取新屏幕
func (p *TaskPolicy) scrollAndObserve(ctx context.Context, scroller *domain.View, dir domain.ScrollDirection) (*domain.State, *domain.Event, error) {
	event := domain.NewScrollEvent(scroller, dir)
	if err := p.device.Send(ctx, event); err != nil {
		return nil, nil, fmt.Errorf("scroll %s: %w", dir, err)
	}
	state, err := p.device.GetCurrentState(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("read state after scroll: %w", err)
	}
	return state, event, nil
}

// scrollToTop 向上滚动直到没有新控件出现，返回经过的滚动事件
func (p *TaskPolicy) scrollToTop(ctx context.Context, scroller *domain.View, seen descSet, from *domain.State) ([]*domain.Event, error) {
	var prefix []*domain.Event
	old := from
	for i := 0; i < MaxScrollNum; i++ {
		scrolled, event, err := p.scrollAndObserve(ctx, scroller, domain.ScrollUp)
		if err != nil {
			return prefix, err
		}
		p.graph.AddTransition(event, old, scrolled)
		old = scrolled

		fresh := 0
		for _, a := range scrolled.DescribedActions() {
			if desc := a.Desc(); !seen[desc] {
				seen[desc] = true
				fresh++
			}
		}
		if fresh == 0 {
			break
		}
		prefix = append(prefix, event)
	}
	return prefix, nil
}

// flattenScreen 把每个可滚动区域从顶到底的控件合并成一个候选列表
// 返回的动作带有到达该控件所需的滚动前缀，以及经过的屏幕标识
func (p *TaskPolicy) flattenScreen(ctx context.Context, current *domain.State, scrollers []*domain.View) ([]domain.DescribedAction, []string, error) {
	var (
		whole     []domain.DescribedAction
		wholeSeen = make(descSet)
		stateStrs []string
	)
	marks := newDescSet(current.DescribedActions())

	for _, scroller := range scrollers {
		prefix, err := p.scrollToTop(ctx, scroller, marks, current)
		if err != nil {
			return nil, nil, err
		}

		top, err := p.device.GetCurrentState(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("read state at top: %w", err)
		}
		actions := top.DescribedActions()
		seen := newDescSet(actions)

		tooFew := 0
		for i := 0; i < MaxScrollNum; i++ {
			stateStrs = append(stateStrs, top.ID)
			scrolled, down, err := p.scrollAndObserve(ctx, scroller, domain.ScrollDown)
			if err != nil {
				return nil, nil, err
			}

			fresh := 0
			for _, a := range scrolled.DescribedActions() {
				desc := a.Desc()
				if seen[desc] {
					continue
				}
				seen[desc] = true
				fresh++
				steps := make([]*domain.Event, 0, len(prefix)+1)
				steps = append(steps, prefix...)
				a.Steps = append(steps, down)
				actions = append(actions, a)
			}
			if fresh == 0 {
				break
			}
			prefix = append(prefix, down)

			if fresh < 2 {
				tooFew++
			}
			if tooFew >= 2 {
				break
			}
			p.graph.AddTransition(down, top, scrolled)
			top = scrolled
		}

		for _, a := range actions {
			if desc := a.Desc(); !wholeSeen[desc] {
				wholeSeen[desc] = true
				whole = append(whole, a)
			}
		}

		marks = make(descSet)
		if _, err := p.scrollToTop(ctx, scroller, marks, top); err != nil {
			return nil, nil, err
		}
	}
	return moveBackLast(whole), stateStrs, nil
}

// moveBackLast 合并后的列表里 go back 只保留一个并放到末尾
func moveBackLast(actions []domain.DescribedAction) []domain.DescribedAction {
	out := make([]domain.DescribedAction, 0, len(actions))
	var back *domain.DescribedAction
	for i := range actions {
		if actions[i].Event != nil && actions[i].Event.IsBack() && actions[i].View == nil {
			if back == nil {
				back = &actions[i]
			}
			continue
		}
		out = append(out, actions[i])
	}
	if back != nil {
		out = append(out, *back)
	}
	return out
}
