package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmokin/VerifiedByMaudsleyRuleBased/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 通道尚未建立或已关闭
var ErrNotConnected = errors.New("rabbitmq channel is not open")

// Client RabbitMQ 连接，一个连接上声明任务队列与事件队列
type Client struct {
	cfg           config.RabbitMQConfig
	queues        []string
	prefetchCount int
	heartbeat     time.Duration
	maxRetries    int
	logger        *logrus.Logger

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan struct{}
}

// NewClient 连接并声明队列；prefetchCount 应与 worker 数量一致
func NewClient(cfg config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*Client, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	c := &Client{
		cfg:           cfg,
		prefetchCount: prefetchCount,
		heartbeat:     10 * time.Second,
		maxRetries:    10,
		logger:        logger,
		reconnect:     make(chan struct{}, 1),
	}
	for _, q := range []string{cfg.Queue, cfg.EventsQueue} {
		if q != "" {
			c.queues = append(c.queues, q)
		}
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	go c.watch()
	return c, nil
}

// URL amqp 连接地址
func URL(cfg config.RabbitMQConfig) string {
	vhost := cfg.VHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, vhost)
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := amqp.DialConfig(URL(c.cfg), amqp.Config{
		Heartbeat: c.heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	for _, q := range c.queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}

	c.conn = conn
	c.channel = ch
	c.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	c.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	c.logger.WithFields(logrus.Fields{
		"host":           c.cfg.Host,
		"port":           c.cfg.Port,
		"queues":         c.queues,
		"prefetch_count": c.prefetchCount,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watch 连接或通道意外关闭时发出重连信号，直到 Close
func (c *Client) watch() {
	for {
		c.mu.RLock()
		if c.closed {
			c.mu.RUnlock()
			return
		}
		connNotify, channelNotify := c.connNotify, c.channelNotify
		c.mu.RUnlock()

		var err *amqp.Error
		select {
		case err = <-connNotify:
		case err = <-channelNotify:
		}

		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return
		}
		if err != nil {
			c.logger.WithError(err).Error("RabbitMQ connection closed unexpectedly")
		} else {
			c.logger.Warn("RabbitMQ connection closed")
		}
		select {
		case c.reconnect <- struct{}{}:
		default:
		}

		// 等待重连后拿到新的通知通道
		for {
			c.mu.RLock()
			done := c.closed || (c.conn != nil && !c.conn.IsClosed())
			c.mu.RUnlock()
			if done {
				break
			}
			time.Sleep(time.Second)
		}
	}
}

// Reconnected 重连信号
func (c *Client) Reconnected() <-chan struct{} {
	return c.reconnect
}

// Reconnect 关闭旧连接后按线性退避重连
func (c *Client) Reconnect(ctx context.Context) error {
	c.closeConnections()

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"max":     c.maxRetries,
		}).Info("Attempting to reconnect to RabbitMQ")

		err := c.connect()
		if err == nil {
			c.logger.Info("Successfully reconnected to RabbitMQ")
			return nil
		}
		c.logger.WithError(err).Warn("Failed to reconnect")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return fmt.Errorf("failed to reconnect after %d attempts", c.maxRetries)
}

func (c *Client) closeConnections() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Publish 发布 JSON 消息到指定队列
func (c *Client) Publish(ctx context.Context, queue string, body []byte) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (c *Client) Consume(queue string) (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中待处理的消息数
func (c *Client) QueueDepth(queue string) (int, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Close 关闭连接
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.closeConnections()
	c.logger.Info("RabbitMQ connection closed")
	return nil
}
