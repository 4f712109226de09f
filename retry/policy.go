package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Backoff 退避策略
type Backoff string

const (
	// BackoffFixed 固定延迟
	BackoffFixed Backoff = "fixed"
	// BackoffLinear 线性增长：initial * attempt
	BackoffLinear Backoff = "linear"
	// BackoffExponential 指数增长：initial * 2^(attempt-1)
	BackoffExponential Backoff = "exponential"
)

// Valid reports whether b is a known backoff kind.
func (b Backoff) Valid() bool {
	switch b {
	case BackoffFixed, BackoffLinear, BackoffExponential:
		return true
	}
	return false
}

// Policy 定义重试策略配置
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`   // 总尝试次数（含首次），<=0 视为 1
	Backoff      Backoff       `yaml:"backoff" json:"backoff"`             // 退避策略，空值视为 exponential
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"` // 初始延迟
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`         // 延迟上限，0 表示不限制
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`             // 单次尝试超时，0 表示不限制
	Jitter       bool          `yaml:"jitter" json:"jitter"`               // 是否添加 ±25% 随机抖动

	RetryableErrors []error                                           `yaml:"-" json:"-"` // 可重试的错误（为空则重试所有错误）
	OnRetry         func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"` // 重试回调
}

// DefaultPolicy 返回默认的重试策略
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      BackoffExponential,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Validate 校验策略取值
func (p Policy) Validate() error {
	if p.Backoff != "" && !p.Backoff.Valid() {
		return fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 || p.Timeout < 0 {
		return fmt.Errorf("retry durations must not be negative")
	}
	return nil
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay 计算第 attempt 次失败后的等待时间（attempt 从 1 开始），不含抖动
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := float64(p.InitialDelay)

	var delay float64
	switch p.Backoff {
	case BackoffFixed:
		delay = initial
	case BackoffLinear:
		delay = initial * float64(attempt)
	default:
		delay = initial * math.Pow(2, float64(attempt-1))
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return clampDuration(delay)
}

// 2^63 无法精确表示为 int64，浮点转换前先夹到该上限
const longestDelay = time.Duration(1 << 62)

func clampDuration(f float64) time.Duration {
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f >= float64(longestDelay) {
		return longestDelay
	}
	return time.Duration(f)
}

func (p Policy) jittered(d time.Duration) time.Duration {
	if !p.Jitter || d <= 0 {
		return d
	}
	jitter := float64(d) * 0.25
	out := clampDuration(float64(d) + (rand.Float64()*2-1)*jitter)
	if p.MaxDelay > 0 && out > p.MaxDelay {
		out = p.MaxDelay
	}
	return out
}
