package policy

import (
	"context"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/journal"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/retry"
	"github.com/sirupsen/logrus"
)

// replaySkip 录制开头的 KillApp 与启动事件不回放
const replaySkip = 2

// ReplayPolicy 按录制顺序回放事件，只在当前屏幕与录制时的起始屏幕一致时发送
type ReplayPolicy struct {
	utgBase
	records []journal.RecordedEvent
	idx     int
	tries   int
}

// NewReplayPolicy 创建回放策略
func NewReplayPolicy(opts Options, records []journal.RecordedEvent) *ReplayPolicy {
	return &ReplayPolicy{
		utgBase: newUTGBase(opts),
		records: records,
		idx:     replaySkip,
	}
}

// LoadReplayPolicy 读取上一次运行输出目录下的事件记录
func LoadReplayPolicy(opts Options, outputDir string) (*ReplayPolicy, error) {
	records, err := journal.ReadEvents(outputDir)
	if err != nil {
		return nil, err
	}
	opts.Logger.WithFields(logrus.Fields{
		"dir":    outputDir,
		"events": len(records),
	}).Info("Loaded recorded events for replay")
	return NewReplayPolicy(opts, records), nil
}

func (p *ReplayPolicy) Name() string {
	return NameReplay
}

// Remaining 尚未回放的记录数
func (p *ReplayPolicy) Remaining() int {
	if p.idx >= len(p.records) {
		return 0
	}
	return len(p.records) - p.idx
}

func (p *ReplayPolicy) GenerateEvent(ctx context.Context) (*domain.Event, error) {
	for p.idx < len(p.records) && p.tries < MaxReplayTries {
		p.tries++

		current, err := p.device.GetCurrentState(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.WithError(err).Warn("Current state unavailable during replay, going back")
			p.currentState = nil
			if err := retry.Sleep(ctx, p.pollInterval); err != nil {
				return nil, err
			}
			p.tries = 0
			return domain.NewBackEvent(), nil
		}
		p.currentState = current
		p.graph.AddTransition(p.lastEvent, p.lastState, current)

		for i := p.idx; i < len(p.records); i++ {
			rec := p.records[i]
			if rec.StartState != current.ID {
				continue
			}
			foreground, err := p.device.IsForeground(ctx, p.app)
			if err != nil {
				return nil, err
			}
			if !foreground {
				return domain.NewIntentEvent(p.app.StartIntent()), nil
			}

			p.logger.WithFields(logrus.Fields{
				"step":  rec.Step,
				"event": rec.EventStr,
			}).Info("Replaying recorded event")
			p.idx = i + 1
			p.tries = 0
			p.lastState = current
			p.lastEvent = rec.Event
			return rec.Event, nil
		}

		if err := retry.Sleep(ctx, p.pollInterval); err != nil {
			return nil, err
		}
	}

	p.logger.WithField("remaining", p.Remaining()).Info("No more records can be replayed")
	return nil, nil
}
