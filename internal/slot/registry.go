package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ControlAgent/pkg/logger"
)

// Store 持久化槽位绑定。Swap 必须原子地替换并返回旧值。
type Store interface {
	Get(ctx context.Context, username string, idx Index) (string, bool, error)
	Swap(ctx context.Context, username string, idx Index, databaseID string) (previous string, had bool, err error)
}

// Locker 串行化同一 Key 上的绑定操作。返回的 unlock 必须被调用。
type Locker interface {
	Lock(ctx context.Context, key Key) (unlock func(), err error)
}

// Registry 是槽位注册表，所有并发访问都经由它完成。
type Registry struct {
	store  Store
	locker Locker
	audit  *slog.Logger
}

// NewRegistry 创建注册表。locker 为空时使用进程内的 KeyedMutex。
func NewRegistry(store Store, locker Locker) (*Registry, error) {
	if store == nil {
		return nil, errors.New("slot registry requires a store")
	}
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &Registry{store: store, locker: locker, audit: logger.Audit()}, nil
}

// Get 返回槽位当前绑定的远端标识。
func (r *Registry) Get(ctx context.Context, username string, idx Index) (string, bool, error) {
	if !idx.Valid() {
		return "", false, ErrInvalidIndex
	}
	id, ok, err := r.store.Get(ctx, username, idx)
	if err != nil {
		return "", false, fmt.Errorf("读取槽位 %s/%s 失败: %w", username, idx, err)
	}
	return id, ok && id != "", nil
}

// Bind 在 (username, idx) 的锁内把 databaseID 写入槽位，并返回被替换的旧值。
// 旧值与新值相同时 had 为 false，调用方不应回收它。
func (r *Registry) Bind(ctx context.Context, username string, idx Index, databaseID string) (previous string, had bool, err error) {
	if !idx.Valid() {
		return "", false, ErrInvalidIndex
	}
	if databaseID == "" {
		return "", false, errors.New("slot: database id cannot be empty")
	}
	key := Key{Username: username, Index: idx}
	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("锁定槽位 %s 失败: %w", key, err)
	}
	defer unlock()

	previous, had, err = r.store.Swap(ctx, username, idx, databaseID)
	if err != nil {
		return "", false, fmt.Errorf("写入槽位 %s 失败: %w", key, err)
	}
	if previous == databaseID || previous == "" {
		had = false
	}
	r.audit.Info("slot_bound", "user", username, "slot", idx.String(), "replaced", had)
	return previous, had, nil
}
