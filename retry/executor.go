package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Sleeper 等待 d 或 ctx 结束
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
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

// Executor 按策略顺序重试，不做并发推测执行
type Executor struct {
	policy Policy
	logger *zap.Logger
	sleep  Sleeper
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper 替换等待函数，测试中用于跳过真实延迟
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// NewExecutor 创建重试执行器
func NewExecutor(policy Policy, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		policy: policy,
		logger: logger.With(zap.String("component", "retry")),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the executor's policy.
func (e *Executor) Policy() Policy { return e.policy }

// Do 执行 fn，失败时按策略重试。尝试耗尽后原样返回最后一次的错误。
func (e *Executor) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := e.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// DoWithResult 执行 fn 并返回结果
func (e *Executor) DoWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	maxAttempts := e.policy.attempts()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := e.attempt(ctx, fn)
		if err == nil {
			if attempt > 1 {
				e.logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !e.isRetryable(err) {
			e.logger.Debug("error is not retryable", zap.Error(err))
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := e.policy.jittered(e.policy.Delay(attempt))
		e.logger.Debug("retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if e.policy.OnRetry != nil {
			e.policy.OnRetry(attempt, err, delay)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	if maxAttempts > 1 {
		e.logger.Debug("retry attempts exhausted",
			zap.Int("attempts", maxAttempts),
			zap.Error(lastErr),
		)
	}
	return nil, lastErr
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if e.policy.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (e *Executor) isRetryable(err error) bool {
	// 调用方取消不再重试
	if errors.Is(err, context.Canceled) {
		return false
	}
	if len(e.policy.RetryableErrors) == 0 {
		return true
	}
	for _, retryable := range e.policy.RetryableErrors {
		if errors.Is(err, retryable) {
			return true
		}
	}
	return false
}

// DoTyped is a type-safe generic wrapper around Executor.DoWithResult.
func DoTyped[T any](ctx context.Context, e *Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	_, err := e.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		v, err := fn(ctx)
		out = v
		return nil, err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
