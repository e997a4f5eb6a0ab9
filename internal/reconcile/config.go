package reconcile

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig 對帳配置不合法
var ErrInvalidConfig = errors.New("invalid reconcile config")

// Config 對帳服務配置
type Config struct {
	TickInterval       time.Duration // 計時器觸發間隔（runOneIteration 的頻率）
	ReconcileInterval  time.Duration // 兩次批次對帳請求之間的最小間隔
	RetryIntervalUnit  time.Duration // 同一個停滯任務兩次對帳之間的最小間隔
	MaxPostTimes       int           // 同一個停滯任務最多送出幾次對帳，之後即判定遺失
	RequestTimeout     time.Duration // 對帳請求的逾時
	FailoverOnEviction bool          // 逐出時走失效轉移路徑（依作業配置決定是否重新排入）
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		TickInterval:      10 * time.Second,
		ReconcileInterval: 10 * time.Second,
		RetryIntervalUnit: 30 * time.Second,
		MaxPostTimes:      3,
		RequestTimeout:    5 * time.Second,
	}
}

// Validate 檢查配置
func (c Config) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be positive, got %s", ErrInvalidConfig, c.TickInterval)
	case c.ReconcileInterval < 0:
		return fmt.Errorf("%w: reconcile interval must not be negative, got %s", ErrInvalidConfig, c.ReconcileInterval)
	case c.RetryIntervalUnit < 0:
		return fmt.Errorf("%w: retry interval unit must not be negative, got %s", ErrInvalidConfig, c.RetryIntervalUnit)
	case c.MaxPostTimes < 1:
		return fmt.Errorf("%w: max post times must be at least 1, got %d", ErrInvalidConfig, c.MaxPostTimes)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive, got %s", ErrInvalidConfig, c.RequestTimeout)
	}
	return nil
}
