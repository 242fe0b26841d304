package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/adb"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/retry"
	"github.com/sirupsen/logrus"
)

// ErrUnavailable 设备暂时读不到屏幕（可恢复）
var ErrUnavailable = errors.New("device state unavailable")

// StateObserver 新状态回调，异步执行，不影响主循环
type StateObserver func(state *domain.State)

const (
	defaultLongTap       = 2 * time.Second
	defaultSwipeDuration = 500 * time.Millisecond
	observerBufferSize   = 64
)

// Android 基于 adb 的设备实现
type Android struct {
	client *adb.Client
	app    *domain.App
	logger *logrus.Logger

	pollConfig *retry.Config

	width  int
	height int

	obsMu     sync.RWMutex
	observers []StateObserver
	notify    chan *domain.State
	done      chan struct{}
	closeOnce sync.Once
}

// NewAndroid 创建设备，并启动观察者分发协程
func NewAndroid(client *adb.Client, app *domain.App, logger *logrus.Logger) *Android {
	d := &Android{
		client:     client,
		app:        app,
		logger:     logger,
		pollConfig: retry.DevicePollConfig(logger),
		notify:     make(chan *domain.State, observerBufferSize),
		done:       make(chan struct{}),
	}
	go d.dispatch()
	return d
}

// WithPollConfig 替换读取屏幕的重试策略
func (d *Android) WithPollConfig(cfg *retry.Config) *Android {
	d.pollConfig = cfg
	return d
}

// Serial 设备序列号
func (d *Android) Serial() string {
	return d.client.Serial()
}

// Connect 连接设备并读取分辨率
func (d *Android) Connect(ctx context.Context) error {
	if err := d.client.Connect(ctx); err != nil {
		return err
	}
	w, h, err := d.client.DisplaySize(ctx)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to read display size")
		return nil
	}
	d.width, d.height = w, h
	d.logger.WithFields(logrus.Fields{
		"serial": d.client.Serial(),
		"width":  w,
		"height": h,
	}).Info("Device connected")
	return nil
}

// DisplaySize 屏幕分辨率（Connect 之后有效）
func (d *Android) DisplaySize() (int, int) {
	return d.width, d.height
}

// OnStateObserved 注册观察者
func (d *Android) OnStateObserved(observer StateObserver) {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	d.observers = append(d.observers, observer)
}

// Close 停止观察者分发
func (d *Android) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

// GetCurrentState 读取当前屏幕，失败时按退避重试，最终返回 ErrUnavailable
func (d *Android) GetCurrentState(ctx context.Context) (*domain.State, error) {
	state, err := retry.DoWithResult(ctx, d.pollConfig, d.captureState)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	d.publish(state)
	return state, nil
}

func (d *Android) captureState(ctx context.Context) (*domain.State, error) {
	dump, err := d.client.DumpHierarchy(ctx)
	if err != nil {
		return nil, err
	}
	views, err := adb.ParseHierarchy(dump)
	if err != nil {
		return nil, err
	}

	stack, err := d.client.ActivityStack(ctx)
	if err != nil {
		d.logger.WithError(err).Debug("Failed to read activity stack")
	}

	activity := ""
	if len(stack) > 0 {
		activity = stack[0]
	} else if focused, ferr := d.client.FocusedActivity(ctx); ferr == nil {
		activity = focused
		stack = []string{focused}
	}

	pkg := adb.ForegroundPackage(views)
	if activity != "" {
		if i := strings.Index(activity, "/"); i > 0 {
			pkg = activity[:i]
		}
	}

	depth := domain.DepthNotRunning
	if d.app != nil {
		depth = domain.ActivityDepth(stack, d.app.Package)
	}

	state := domain.NewState(activity, pkg, views, depth, time.Now())
	state.ActivityStack = stack
	return state, nil
}

// Send 把事件转换成 adb 命令
func (d *Android) Send(ctx context.Context, event *domain.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{
		"event": event.Signature(),
	}).Debug("Sending event")

	switch event.Kind {
	case domain.EventKey:
		return d.client.KeyEvent(ctx, event.Key)
	case domain.EventTouch:
		x, y := event.View.Bounds.Center()
		return d.client.Tap(ctx, x, y)
	case domain.EventLongTouch:
		x, y := event.View.Bounds.Center()
		return d.client.LongTap(ctx, x, y, defaultLongTap)
	case domain.EventSetText:
		x, y := event.View.Bounds.Center()
		if err := d.client.Tap(ctx, x, y); err != nil {
			return err
		}
		return d.client.InputText(ctx, event.Text)
	case domain.EventScroll:
		x1, y1, x2, y2 := ScrollVector(event.View.Bounds, event.Direction)
		return d.client.Swipe(ctx, x1, y1, x2, y2, defaultSwipeDuration)
	case domain.EventIntent:
		if event.Intent.Action == domain.IntentStart {
			return d.client.StartActivity(ctx, event.Intent.Component())
		}
		return d.client.ForceStop(ctx, event.Intent.Package)
	case domain.EventKillApp:
		if err := d.client.ForceStop(ctx, event.Intent.Package); err != nil {
			return err
		}
		return d.client.KeyEvent(ctx, domain.KeyHome)
	case domain.EventManual:
		return nil
	}
	return fmt.Errorf("%w: unsupported kind %q", domain.ErrInvalidEvent, event.Kind)
}

// ScrollVector 计算滚动手势的起止点
// 方向指内容滚向的一侧: UP 回到顶部（手指向下滑），DOWN 查看下方内容（手指向上滑）
func ScrollVector(b domain.Bounds, dir domain.ScrollDirection) (x1, y1, x2, y2 int) {
	cx, cy := b.Center()
	dx := b.Width() * 2 / 5
	dy := b.Height() * 2 / 5
	switch dir {
	case domain.ScrollUp:
		return cx, cy - dy, cx, cy + dy
	case domain.ScrollDown:
		return cx, cy + dy, cx, cy - dy
	case domain.ScrollLeft:
		return cx - dx, cy, cx + dx, cy
	default:
		return cx + dx, cy, cx - dx, cy
	}
}

// IsForeground 应用是否在前台
func (d *Android) IsForeground(ctx context.Context, app *domain.App) (bool, error) {
	focused, err := d.client.FocusedActivity(ctx)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(focused, app.Package+"/"), nil
}

// GetPossibleEvents 状态上可触发的事件
func (d *Android) GetPossibleEvents(state *domain.State) []*domain.Event {
	return state.PossibleEvents()
}

// GetScrollableRegions 状态上的可滚动区域
func (d *Android) GetScrollableRegions(state *domain.State) []*domain.View {
	return state.ScrollableViews()
}

// publish 非阻塞投递，缓冲区满时丢弃
func (d *Android) publish(state *domain.State) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.notify <- state:
	default:
		d.logger.WithField("state", state.ID).Warn("State observer queue full, dropping notification")
	}
}

func (d *Android) dispatch() {
	for {
		select {
		case <-d.done:
			return
		case state := <-d.notify:
			d.obsMu.RLock()
			observers := append([]StateObserver(nil), d.observers...)
			d.obsMu.RUnlock()
			for _, observer := range observers {
				d.safeNotify(observer, state)
			}
		}
	}
}

func (d *Android) safeNotify(observer StateObserver, state *domain.State) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Error("State observer panicked")
		}
	}()
	observer(state)
}
