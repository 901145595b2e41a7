package task

import (
	"math"
	"time"
)

// RetryPolicy 重試退避策略（屬於 supervisor 設定，Task 只透過 Backoff 函式取用）
//
// delay(n) = Delay * Backoff^(n-1)，上限 MaxDelay
type RetryPolicy struct {
	Delay      time.Duration
	Backoff    float64 // 1 表示固定間隔
	MaxDelay   time.Duration
	MaxRetries int // 0 表示不重試
}

// DefaultRetryPolicy 預設值：1s 起跳、倍數 2、上限 1 分鐘、最多 3 次
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: time.Second, Backoff: 2, MaxDelay: time.Minute, MaxRetries: 3}
}

// WithDefaults 逐欄補上預設值
//
// 零值策略整個換成 DefaultRetryPolicy。其餘情況只補 Delay、Backoff、
// MaxDelay；MaxRetries 保留呼叫者的值，0 就是不重試。
func (p RetryPolicy) WithDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p == (RetryPolicy{}) {
		return def
	}
	if p.Delay <= 0 {
		p.Delay = def.Delay
	}
	if p.Backoff <= 0 {
		p.Backoff = def.Backoff
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = max(def.MaxDelay, p.Delay)
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// DelayFor 計算第 retries 次重試前的等待時間
func (p RetryPolicy) DelayFor(retries int) time.Duration {
	if retries < 1 {
		retries = 1
	}
	factor := p.Backoff
	if factor < 1 {
		factor = 1
	}
	d := float64(p.Delay) * math.Pow(factor, float64(retries-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Allows 是否還能再重試一次
func (p RetryPolicy) Allows(retries int) bool {
	return retries < p.MaxRetries
}
