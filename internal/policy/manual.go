package policy

import (
	"context"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
)

// ManualPolicy 启动应用后由操作员手动操作，循环只负责记录屏幕
type ManualPolicy struct {
	utgBase
	started bool
}

// NewManualPolicy 创建手动策略
func NewManualPolicy(opts Options) *ManualPolicy {
	return &ManualPolicy{utgBase: newUTGBase(opts)}
}

func (p *ManualPolicy) Name() string {
	return NameManual
}

func (p *ManualPolicy) GenerateEvent(ctx context.Context) (*domain.Event, error) {
	return p.generate(ctx, func(context.Context, *domain.State) (*domain.State, *domain.Event, error) {
		if !p.started {
			p.started = true
			p.logger.Info("Trying to start the app")
			return nil, domain.NewIntentEvent(p.app.StartIntent()), nil
		}
		return nil, domain.NewManualEvent(), nil
	})
}

// NonePolicy 不操作设备，每步只发送空事件，应用保持运行直到预算用完或被取消
type NonePolicy struct{}

func (NonePolicy) Name() string {
	return NameNone
}

func (NonePolicy) GenerateEvent(context.Context) (*domain.Event, error) {
	return domain.NewManualEvent(), nil
}

func (NonePolicy) CurrentState() *domain.State {
	return nil
}
