package policy

import (
	"context"
	"errors"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/retry"
	"github.com/sirupsen/logrus"
)

// StopReason 运行结束原因
type StopReason string

const (
	StopFinished    StopReason = "finished"    // 策略返回结束
	StopBudget      StopReason = "budget"      // 动作预算用完
	StopInterrupted StopReason = "interrupted" // 策略中断
	StopCancelled   StopReason = "cancelled"   // 宿主取消
	StopCondition   StopReason = "condition"   // 外部条件（如屏幕数量上限）
)

// EventListener 事件发送后的通知；to 为下一次决策时观察到的屏幕
type EventListener interface {
	OnEvent(step int, event *domain.Event, from, to *domain.State)
}

// EventListenerFunc 函数形式的监听器
type EventListenerFunc func(step int, event *domain.Event, from, to *domain.State)

func (f EventListenerFunc) OnEvent(step int, event *domain.Event, from, to *domain.State) {
	f(step, event, from, to)
}

// LoopConfig 主循环参数
type LoopConfig struct {
	EventCount    int           // 动作预算，<=0 表示不限
	EventInterval time.Duration // 两次动作之间的等待
	SkipKillApp   bool          // 不发送首个 KillApp 事件
}

// Result 运行结果
type Result struct {
	Steps  int
	Reason StopReason
	Errors int
}

// Loop 单线程动作循环: 生成事件 -> 发送 -> 等待 -> 反馈
type Loop struct {
	policy    Policy
	device    Device
	app       *domain.App
	cfg       LoopConfig
	listeners []EventListener
	stopWhen  func() bool
	logger    *logrus.Logger

	pending *pendingEvent
}

type pendingEvent struct {
	step  int
	event *domain.Event
	from  *domain.State
}

// NewLoop 创建主循环
func NewLoop(p Policy, device Device, app *domain.App, cfg LoopConfig, logger *logrus.Logger) *Loop {
	return &Loop{
		policy: p,
		device: device,
		app:    app,
		cfg:    cfg,
		logger: logger,
	}
}

// AddListener 注册事件监听
func (l *Loop) AddListener(listener EventListener) {
	l.listeners = append(l.listeners, listener)
}

// StopWhen 每步之前检查的停止条件
func (l *Loop) StopWhen(cond func() bool) {
	l.stopWhen = cond
}

// Run 运行到结束；只有宿主取消时返回错误
func (l *Loop) Run(ctx context.Context) (*Result, error) {
	result := &Result{}
	log := l.logger.WithField("policy", l.policy.Name())
	log.WithField("budget", l.cfg.EventCount).Info("Exploration loop started")

	defer func() {
		l.flush(nil)
		log.WithFields(logrus.Fields{
			"steps":  result.Steps,
			"reason": result.Reason,
			"errors": result.Errors,
		}).Info("Exploration loop stopped")
	}()

	for {
		if err := ctx.Err(); err != nil {
			result.Reason = StopCancelled
			return result, err
		}
		if l.cfg.EventCount > 0 && result.Steps >= l.cfg.EventCount {
			result.Reason = StopBudget
			return result, nil
		}
		if l.stopWhen != nil && l.stopWhen() {
			result.Reason = StopCondition
			return result, nil
		}

		event, err := l.next(ctx, result.Steps)
		result.Steps++
		if err != nil {
			if ctx.Err() != nil {
				result.Reason = StopCancelled
				return result, ctx.Err()
			}
			if errors.Is(err, ErrInterrupted) {
				log.WithError(err).Warn("Policy interrupted the run")
				result.Reason = StopInterrupted
				return result, nil
			}
			result.Errors++
			log.WithError(err).Warn("Failed to generate event, continuing")
			continue
		}
		l.flush(l.policy.CurrentState())
		if event == nil {
			result.Reason = StopFinished
			return result, nil
		}

		if err := l.send(ctx, event); err != nil {
			if ctx.Err() != nil {
				result.Reason = StopCancelled
				return result, ctx.Err()
			}
			result.Errors++
			log.WithError(err).WithField("event", event.Signature()).Warn("Failed to send event, continuing")
			continue
		}
		l.pending = &pendingEvent{step: result.Steps - 1, event: event, from: l.stateFor(result.Steps - 1)}

		if err := retry.Sleep(ctx, l.cfg.EventInterval); err != nil {
			result.Reason = StopCancelled
			return result, err
		}
	}
}

func (l *Loop) next(ctx context.Context, step int) (*domain.Event, error) {
	if step == 0 && !l.cfg.SkipKillApp {
		return domain.NewKillAppEvent(l.app), nil
	}
	return l.policy.GenerateEvent(ctx)
}

func (l *Loop) stateFor(step int) *domain.State {
	if step == 0 && !l.cfg.SkipKillApp {
		return nil
	}
	return l.policy.CurrentState()
}

func (l *Loop) send(ctx context.Context, event *domain.Event) error {
	l.logger.WithFields(logrus.Fields{
		"policy": l.policy.Name(),
		"event":  event.Signature(),
	}).Info("Sending event")
	return l.device.Send(ctx, event)
}

// flush 上一事件的结果屏幕已知，通知监听器
func (l *Loop) flush(to *domain.State) {
	if l.pending == nil {
		return
	}
	p := l.pending
	l.pending = nil
	for _, listener := range l.listeners {
		listener.OnEvent(p.step, p.event, p.from, to)
	}
}
