package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Logger          *logrus.Logger
	Operation       string // 日志中的操作名
	// OnRetry 每次失败后、等待前回调
	OnRetry func(operation string, attempt int)
}

// DevicePollConfig 设备轮询: 屏幕暂时不可读时的退避
func DevicePollConfig(logger *logrus.Logger) *Config {
	return &Config{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logger,
		Operation:       "device poll",
	}
}

// OracleConfig 大模型调用: 少量线性重试
func OracleConfig(logger *logrus.Logger) *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Strategy:        StrategyLinear,
		Logger:          logger,
		Operation:       "oracle request",
	}
}

// permanentError 不可重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记错误为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Do 执行带重试的操作
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context) error) error {
	_, err := DoWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", cfg.Operation, err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithFields(logrus.Fields{
					"operation": cfg.Operation,
					"attempt":   attempt,
				}).Info("Operation succeeded after retry")
			}
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
		if attempt == maxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(cfg.Operation, attempt)
		}
		wait := NextInterval(cfg.Strategy, cfg.InitialInterval, cfg.MaxInterval, attempt)
		logger.WithFields(logrus.Fields{
			"operation": cfg.Operation,
			"attempt":   attempt,
			"max":       maxAttempts,
			"wait":      wait,
			"error":     err.Error(),
		}).Warn("Operation failed, waiting before retry")

		if err := Sleep(ctx, wait); err != nil {
			return zero, fmt.Errorf("%s canceled during wait: %w", cfg.Operation, err)
		}
	}

	return zero, fmt.Errorf("%s: max attempts (%d) reached: %w", cfg.Operation, maxAttempts, lastErr)
}

// NextInterval 计算第 attempt 次失败后的等待时间
func NextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	case StrategyExponential:
		next = initial * time.Duration(1<<(attempt-1))
	default:
		next = initial
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}

// Sleep 可被取消的等待
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
