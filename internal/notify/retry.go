package notify

import (
	"context"
	"errors"
	"time"
)

// DeliveryResult はWebhook応答の分類。
type DeliveryResult int

const (
	// DeliveryOK は配信成功（2xx）。
	DeliveryOK DeliveryResult = iota
	// DeliveryRetryable は再試行で回復しうる失敗（429/5xx/通信エラー）。
	DeliveryRetryable
	// DeliveryPermanent は再試行しても結果が変わらない失敗（その他の4xxなど）。
	DeliveryPermanent
)

const (
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
)

// RetryPolicy はWebhook配信の再試行方針。
// MaxAttemptsが1以下の場合は再試行しない。
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy は3回まで試行する既定の方針を返す。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

// ClassifyHTTPStatus はHTTPステータスコードを配信結果に分類する。
func ClassifyHTTPStatus(statusCode int) DeliveryResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return DeliveryOK
	case statusCode == 408 || statusCode == 429:
		return DeliveryRetryable
	case statusCode >= 500:
		return DeliveryRetryable
	default:
		return DeliveryPermanent
	}
}

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回InitialBackoff、2倍ずつ増加、最大MaxBackoff。
func (p RetryPolicy) CalculateBackoff(failures int) time.Duration {
	delay := p.InitialBackoff
	if delay <= 0 {
		delay = defaultInitialBackoff
	}
	limit := p.MaxBackoff
	if limit <= 0 {
		limit = defaultMaxBackoff
	}
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > limit {
			return limit
		}
	}
	return delay
}

// permanentError は再試行しない失敗を表す。
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent はerrを再試行しない失敗として包む。
func permanent(err error) error {
	return &permanentError{err: err}
}

// retry はfnを方針に従って繰り返す。permanentで包まれた失敗とコンテキストの終了では直ちに戻る。
func (p RetryPolicy) retry(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		timer := time.NewTimer(p.CalculateBackoff(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
