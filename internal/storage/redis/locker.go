package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ControlAgent/internal/slot"
	"ControlAgent/pkg/logger"
)

// LockerConfig 描述 Redis 分布式锁的连接与时序参数。
type LockerConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	TTL       time.Duration
	RetryWait time.Duration
}

// releaseScript 只有在值仍是本次持有者的 token 时才删除键。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker 基于 SET NX PX 实现 slot.Locker，供多实例部署串行化槽位绑定。
type Locker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// NewLocker 连接 Redis 并创建锁。
func NewLocker(ctx context.Context, cfg LockerConfig) (*Locker, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewLockerWithClient(client, cfg), nil
}

// NewLockerWithClient 使用已有的客户端创建锁。
func NewLockerWithClient(client redis.UniversalClient, cfg LockerConfig) *Locker {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "controlagent:slot-lock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	wait := cfg.RetryWait
	if wait <= 0 {
		wait = 50 * time.Millisecond
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl, retryWait: wait}
}

// Lock implements slot.Locker. 在 ctx 结束前轮询获取锁；TTL 保证持有者崩溃后锁会自动释放。
func (l *Locker) Lock(ctx context.Context, key slot.Key) (func(), error) {
	name := l.keyName(key)
	token := uuid.NewString()

	ticker := time.NewTicker(l.retryWait)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("获取 Redis 锁失败: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	return func() {
		// 请求可能已被取消，释放锁不能依赖它。
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			logger.Named("slot-lock").Warn("释放 Redis 锁失败", "key", name, "error", err)
		}
	}, nil
}

// Close 关闭底层连接。
func (l *Locker) Close() error {
	return l.client.Close()
}

func (l *Locker) keyName(key slot.Key) string {
	return fmt.Sprintf("%s:%s:%d", l.prefix, key.Username, int(key.Index))
}
