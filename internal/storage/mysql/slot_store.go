package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"ControlAgent/internal/slot"
)

// SQLSlotStore 把槽位绑定保存在 user_slots 表中。
type SQLSlotStore struct {
	db *sql.DB
}

// NewSQLSlotStore wraps an already migrated connection pool.
func NewSQLSlotStore(db *sql.DB) *SQLSlotStore {
	return &SQLSlotStore{db: db}
}

// Get implements slot.Store.
func (s *SQLSlotStore) Get(ctx context.Context, username string, idx slot.Index) (string, bool, error) {
	const query = `SELECT database_id FROM user_slots WHERE username = ? AND slot_index = ?`
	var id string
	if err := s.db.QueryRowContext(ctx, query, username, int(idx)).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("查询槽位失败: %w", err)
	}
	return id, true, nil
}

// errLockDeadlock 是 InnoDB 检测到死锁时返回的错误号。
const errLockDeadlock = 1213

const maxSwapAttempts = 3

// Swap implements slot.Store. 旧值在同一事务内以 FOR UPDATE 读取，
// 多个网关实例并发写同一槽位时也不会丢失被替换的标识。
// 槽位尚无记录时 FOR UPDATE 只持有间隙锁，两个实例同时首次绑定会在 INSERT 上死锁；
// 被回滚的一方重新执行事务，此时能读到对方写入的值并把它作为被替换的标识返回。
func (s *SQLSlotStore) Swap(ctx context.Context, username string, idx slot.Index, databaseID string) (previous string, had bool, err error) {
	for attempt := 1; ; attempt++ {
		previous, had, err = s.swapOnce(ctx, username, idx, databaseID)
		if err == nil || attempt >= maxSwapAttempts || !isDeadlock(err) {
			return previous, had, err
		}
	}
}

func isDeadlock(err error) bool {
	var mysqlErr *gomysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errLockDeadlock
}

func (s *SQLSlotStore) swapOnce(ctx context.Context, username string, idx slot.Index, databaseID string) (previous string, had bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("开启槽位事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	const selectForUpdate = `SELECT database_id FROM user_slots WHERE username = ? AND slot_index = ? FOR UPDATE`
	scanErr := tx.QueryRowContext(ctx, selectForUpdate, username, int(idx)).Scan(&previous)
	switch {
	case scanErr == nil:
		had = true
	case errors.Is(scanErr, sql.ErrNoRows):
	default:
		err = fmt.Errorf("查询槽位失败: %w", scanErr)
		return "", false, err
	}

	now := time.Now().Unix()
	if had {
		const update = `UPDATE user_slots SET database_id = ?, updated_at = ? WHERE username = ? AND slot_index = ?`
		if _, err = tx.ExecContext(ctx, update, databaseID, now, username, int(idx)); err != nil {
			err = fmt.Errorf("更新槽位失败: %w", err)
			return "", false, err
		}
	} else {
		const insert = `INSERT INTO user_slots (username, slot_index, database_id, updated_at) VALUES (?, ?, ?, ?)`
		if _, err = tx.ExecContext(ctx, insert, username, int(idx), databaseID, now); err != nil {
			err = fmt.Errorf("写入槽位失败: %w", err)
			return "", false, err
		}
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("提交槽位事务失败: %w", err)
		return "", false, err
	}
	return previous, had, nil
}
