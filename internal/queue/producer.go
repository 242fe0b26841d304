package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	"github.com/sirupsen/logrus"
)

// Publisher 向队列发布消息
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// Producer 探索任务生产者
type Producer struct {
	pub    Publisher
	queue  string
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, queue string, logger *logrus.Logger) *Producer {
	return &Producer{pub: pub, queue: queue, logger: logger}
}

// PublishRun 发布运行请求
func (p *Producer) PublishRun(ctx context.Context, req *domain.RunRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal run request: %w", err)
	}
	if err := p.pub.Publish(ctx, p.queue, body); err != nil {
		p.logger.WithError(err).WithField("run_id", req.RunID).Error("Failed to publish run")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"run_id":  req.RunID,
		"package": req.App.Package,
		"policy":  req.Policy,
	}).Info("Run published to queue")
	return nil
}

// StatePublisher 把观察到的屏幕发布到事件队列；发送不阻塞探索循环，缓冲满时丢弃
type StatePublisher struct {
	pub     Publisher
	queue   string
	runID   string
	timeout time.Duration
	logger  *logrus.Logger
	onDrop  func()

	mu      sync.RWMutex
	closed  bool
	notices chan domain.StateNotice
	done    chan struct{}
}

// NewStatePublisher 创建并启动发布协程
func NewStatePublisher(pub Publisher, queue, runID string, logger *logrus.Logger) *StatePublisher {
	p := &StatePublisher{
		pub:     pub,
		queue:   queue,
		runID:   runID,
		timeout: 5 * time.Second,
		logger:  logger,
		notices: make(chan domain.StateNotice, 64),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

// OnDrop 丢弃或发布失败时回调
func (p *StatePublisher) OnDrop(fn func()) {
	p.onDrop = fn
}

// ObserveState 设备观察回调
func (p *StatePublisher) ObserveState(state *domain.State) {
	if state == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.notices <- domain.NewStateNotice(p.runID, state):
	default:
		p.logger.WithField("state", state.ID).Debug("State notice buffer full, dropping")
		p.dropped()
	}
}

func (p *StatePublisher) loop() {
	defer close(p.done)
	for notice := range p.notices {
		body, err := json.Marshal(notice)
		if err != nil {
			p.dropped()
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err = p.pub.Publish(ctx, p.queue, body)
		cancel()
		if err != nil {
			p.logger.WithError(err).WithField("state", notice.StateStr).Warn("Failed to publish state notice")
			p.dropped()
		}
	}
}

func (p *StatePublisher) dropped() {
	if p.onDrop != nil {
		p.onDrop()
	}
}

// Close 发送完缓冲中的通知后返回，之后的通知被忽略
func (p *StatePublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.notices)
	}
	p.mu.Unlock()
	<-p.done
}

// Dispatch 以运行请求为消息发布到任务队列，满足 service.Dispatcher
func (p *Producer) Dispatch(req *domain.RunRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.PublishRun(ctx, req)
}
