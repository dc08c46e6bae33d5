package redis

import (
	"context"
	"strings"

	backend "github.com/redis/go-redis/v9"

	xerrors "NexusAgent/internal/errors"
)

// Options 描述 Redis 连接参数。
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial 创建客户端并执行一次 PING，确保启动阶段即可发现配置错误。
func Dial(ctx context.Context, opts Options) (*backend.Client, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "Redis 地址为空")
	}
	client := backend.NewClient(&backend.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return client, nil
}

func key(prefix string, parts ...string) string {
	if prefix == "" {
		return strings.Join(parts, ":")
	}
	return prefix + ":" + strings.Join(parts, ":")
}
