package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RunHandler 处理一条运行请求，返回后消息才确认
type RunHandler func(ctx context.Context, req *domain.RunRequest) error

// Acknowledger 消息确认（amqp.Delivery 满足）
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer 任务队列消费者
type Consumer struct {
	client   *Client
	queue    string
	handler  RunHandler
	workers  int
	logger   *logrus.Logger
	workerWg sync.WaitGroup
	active   int32

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(client *Client, queue string, handler RunHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		client:  client,
		queue:   queue,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Start 启动消费协程，并在连接恢复后重新消费
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	msgs, err := c.client.Consume(c.queue)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	c.logger.WithFields(logrus.Fields{
		"queue":   c.queue,
		"workers": c.workers,
	}).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.WithField("worker_id", id).Warn("Message channel closed")
				return
			}
			atomic.AddInt32(&c.active, 1)
			c.Process(ctx, msg.Body, &msg)
			atomic.AddInt32(&c.active, -1)
		}
	}
}

// Process 解码并处理一条消息；无法解析或处理失败的消息不重新入队
func (c *Consumer) Process(ctx context.Context, body []byte, ack Acknowledger) {
	start := time.Now()

	var req domain.RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal run request")
		ack.Nack(false, false)
		return
	}
	if err := req.Validate(); err != nil {
		c.logger.WithError(err).WithField("run_id", req.RunID).Error("Invalid run request")
		ack.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"run_id":  req.RunID,
		"package": req.App.Package,
		"policy":  req.Policy,
	})
	log.Info("Processing run request")

	if err := c.handler(ctx, &req); err != nil {
		log.WithError(err).Error("Run failed")
		ack.Nack(false, false)
		return
	}
	if err := ack.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Run request completed")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.client.Reconnected():
			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()
			if err := c.client.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.workerWg.Wait()
}

// Stop 停止消费，等待正在处理的消息结束
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 正在处理消息的 worker 数
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.active))
}
