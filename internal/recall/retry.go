package recall

import (
	"context"
	"log/slog"
	"time"

	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/metrics"
	"AVA-Chain/pkg/logger"
)

// RetryPolicy 描述线性退避：第 n 次重试前等待 BaseDelay*n。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Retrying 为任意 Store 增加重试，ErrNotFound 与参数错误不会重试。
type Retrying struct {
	inner  Store
	policy RetryPolicy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

var _ Store = (*Retrying)(nil)

// RetryOption 自定义重试行为。
type RetryOption func(*Retrying)

// WithSleep 替换等待函数，测试中用于避免真实等待。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(r *Retrying) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

// NewRetrying 包装 inner。
func NewRetrying(inner Store, policy RetryPolicy, opts ...RetryOption) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay < 0 {
		policy.BaseDelay = 0
	}
	r := &Retrying{
		inner:  inner,
		policy: policy,
		sleep:  sleepContext,
		logger: logger.Named("recall"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

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

func retryable(err error) bool {
	if err == nil || IsNotFound(err) {
		return false
	}
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, xerrors.CodeConfigInvalid:
		return false
	}
	return true
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		err = fn()
		if !retryable(err) {
			return err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		metrics.RecallRetried(op)
		r.logger.Warn("存储调用失败，准备重试",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if serr := r.sleep(ctx, r.policy.BaseDelay*time.Duration(attempt)); serr != nil {
			return xerrors.Wrap(xerrors.CodeTimeout, serr, "等待重试时上下文结束")
		}
	}
	if xerrors.CodeOf(err) == xerrors.CodePersistenceFailure {
		return err
	}
	return xerrors.Wrap(xerrors.CodePersistenceFailure, err, op+" 重试耗尽")
}

// Store 实现 Store。
func (r *Retrying) Store(ctx context.Context, key string, value any, meta Metadata) error {
	return r.do(ctx, "store", func() error { return r.inner.Store(ctx, key, value, meta) })
}

// Retrieve 实现 Store。
func (r *Retrying) Retrieve(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := r.do(ctx, "retrieve", func() error {
		var err error
		rec, err = r.inner.Retrieve(ctx, key)
		return err
	})
	return rec, err
}

// StoreCoT 实现 Store。
func (r *Retrying) StoreCoT(ctx context.Context, key string, thoughts []string, meta Metadata) error {
	return r.do(ctx, "store_cot", func() error { return r.inner.StoreCoT(ctx, key, thoughts, meta) })
}

// RetrieveCoT 实现 Store。
func (r *Retrying) RetrieveCoT(ctx context.Context, key string) (CoT, error) {
	var cot CoT
	err := r.do(ctx, "retrieve_cot", func() error {
		var err error
		cot, err = r.inner.RetrieveCoT(ctx, key)
		return err
	})
	return cot, err
}

// Search 实现 Store。
func (r *Retrying) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	var out []SearchResult
	err := r.do(ctx, "search", func() error {
		var err error
		out, err = r.inner.Search(ctx, query, opts)
		return err
	})
	return out, err
}

// Close 关闭被包装的存储。
func (r *Retrying) Close() error {
	return r.inner.Close()
}
