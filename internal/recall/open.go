package recall

import (
	"context"
	"fmt"
	"time"
)

// Options 选择并配置存储后端。
type Options struct {
	Driver       string
	Redis        RedisConfig
	MySQLDSN     string
	MySQLMaxOpen int
	Retry        RetryPolicy
}

// Open 按驱动名创建存储，并包上重试层。
func Open(ctx context.Context, opts Options) (*Retrying, error) {
	var (
		inner Store
		err   error
	)
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch opts.Driver {
	case "", "memory":
		inner = NewMemory()
	case "redis":
		inner, err = NewRedis(dialCtx, opts.Redis)
	case "mysql":
		inner, err = NewMySQL(dialCtx, opts.MySQLDSN, opts.MySQLMaxOpen)
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewRetrying(inner, opts.Retry), nil
}
