package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	xerrors "NexusAgent/internal/errors"
	"NexusAgent/pkg/logger"
)

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Locker 基于 SET NX PX 实现跨进程互斥，释放时校验持有者令牌。
// 持有期间后台按 renew 间隔续期，锁只会在持有者崩溃后过期。
type Locker struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	renew  time.Duration
	unlock *backend.Script
	extend *backend.Script
	log    *slog.Logger
}

// LockerOption 定制 Locker。
type LockerOption func(*Locker)

// WithLockTTL 设置锁的过期时间，持有者崩溃后锁最多保留该时长。
func WithLockTTL(ttl time.Duration) LockerOption {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval 设置锁被占用时的轮询间隔。
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithRenewInterval 设置续期间隔，缺省为 TTL 的三分之一。
func WithRenewInterval(d time.Duration) LockerOption {
	return func(l *Locker) {
		if d > 0 {
			l.renew = d
		}
	}
}

// NewLocker 创建 Locker，prefix 用于隔离不同部署。
func NewLocker(client *backend.Client, prefix string, opts ...LockerOption) *Locker {
	l := &Locker{
		client: client,
		prefix: prefix,
		ttl:    2 * time.Minute,
		retry:  50 * time.Millisecond,
		unlock: backend.NewScript(unlockScript),
		extend: backend.NewScript(renewScript),
		log:    logger.Named("redis-lock"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.renew <= 0 || l.renew >= l.ttl {
		l.renew = l.ttl / 3
	}
	return l
}

// Lock 阻塞直到获得 name 对应的锁或 ctx 结束。返回的释放函数停止续期并删除锁，
// 可以重复调用。
func (l *Locker) Lock(ctx context.Context, name string) (func(context.Context) error, error) {
	lockKey := key(l.prefix, "lock", name)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, lockTimeout(ctx.Err())
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 加锁失败")
		}
		if ok {
			return l.hold(lockKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, lockTimeout(ctx.Err())
		case <-ticker.C:
		}
	}
}

func lockTimeout(cause error) error {
	return xerrors.Wrap(xerrors.CodeLockUnavailable, cause, "获取钱包锁超时")
}

// hold 启动续期协程并返回释放函数。
func (l *Locker) hold(lockKey, token string) func(context.Context) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lockKey, token, stop, done)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		if err := l.unlock.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 释放锁失败")
		}
		return nil
	}
}

func (l *Locker) keepAlive(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.renew)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.renew)
		renewed, err := l.extend.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			// 暂时性错误，下一轮再试；TTL 内恢复即可保住锁。
			l.log.Warn("续期钱包锁失败", slog.String("key", lockKey), slog.Any("error", err))
		case renewed == 0:
			l.log.Error("钱包锁已被他人持有，停止续期", slog.String("key", lockKey))
			return
		}
	}
}
