package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	gomysql "github.com/go-sql-driver/mysql"

	"ControlAgent/internal/auth"
	"ControlAgent/internal/slot"
)

const (
	selectSlotSQL    = `SELECT database_id FROM user_slots WHERE username = ? AND slot_index = ?`
	selectForUpdate  = `SELECT database_id FROM user_slots WHERE username = ? AND slot_index = ? FOR UPDATE`
	updateSlotSQL    = `UPDATE user_slots SET database_id = ?, updated_at = ? WHERE username = ? AND slot_index = ?`
	insertSlotSQL    = `INSERT INTO user_slots (username, slot_index, database_id, updated_at) VALUES (?, ?, ?, ?)`
	selectUserSQL    = `SELECT id, username, password_hash, disabled FROM auth_users WHERE username = ?`
	createLedgerSQL  = `CREATE TABLE IF NOT EXISTS schema_migrations ( version VARCHAR(32) NOT NULL PRIMARY KEY, applied_at BIGINT NOT NULL )`
	recordVersionSQL = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

func TestSQLSlotStoreSwapInsertsWhenEmpty(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectForUpdate, mockRowsData{columns: []string{"database_id"}}),
		execOp(insertSlotSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSQLSlotStore(db)
	prev, had, err := store.Swap(context.Background(), "alice", slot.DB2, "doc-123")
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if had || prev != "" {
		t.Fatalf("expected empty previous, got %q %v", prev, had)
	}
}

func TestSQLSlotStoreSwapReturnsPrevious(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectForUpdate, mockRowsData{columns: []string{"database_id"}, values: [][]driver.Value{{"doc-old"}}}),
		execOp(updateSlotSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	prev, had, err := NewSQLSlotStore(db).Swap(context.Background(), "alice", slot.DB1, "doc-new")
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if !had || prev != "doc-old" {
		t.Fatalf("expected doc-old, got %q %v", prev, had)
	}
}

func TestSQLSlotStoreSwapRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("deadlock")
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectForUpdate, mockRowsData{columns: []string{"database_id"}, values: [][]driver.Value{{"doc-old"}}}),
		{typ: opExec, query: updateSlotSQL, err: boom},
		rollbackOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if _, _, err := NewSQLSlotStore(db).Swap(context.Background(), "alice", slot.DB1, "doc-new"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped deadlock error, got %v", err)
	}
}

func TestSQLSlotStoreSwapRetriesDeadlockedFirstBind(t *testing.T) {
	t.Parallel()

	deadlock := &gomysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		queryOp(selectForUpdate, mockRowsData{columns: []string{"database_id"}}),
		{typ: opExec, query: insertSlotSQL, err: deadlock},
		rollbackOp(),
		beginOp(),
		queryOp(selectForUpdate, mockRowsData{columns: []string{"database_id"}, values: [][]driver.Value{{"doc-other"}}}),
		execOp(updateSlotSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	prev, had, err := NewSQLSlotStore(db).Swap(context.Background(), "alice", slot.DB1, "doc-mine")
	if err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if !had || prev != "doc-other" {
		t.Fatalf("expected the concurrent binding to be returned for reclaim, got %q %v", prev, had)
	}
}

func TestSQLSlotStoreGet(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectSlotSQL, mockRowsData{columns: []string{"database_id"}, values: [][]driver.Value{{"doc-7"}}}),
		queryOp(selectSlotSQL, mockRowsData{columns: []string{"database_id"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSQLSlotStore(db)
	id, ok, err := store.Get(context.Background(), "alice", slot.DB3)
	if err != nil || !ok || id != "doc-7" {
		t.Fatalf("unexpected get result: %q %v %v", id, ok, err)
	}
	if _, ok, err := store.Get(context.Background(), "alice", slot.DB1); err != nil || ok {
		t.Fatalf("expected unbound slot, got ok=%v err=%v", ok, err)
	}
}

func TestSQLAuthStoreFindUser(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(selectUserSQL, mockRowsData{
			columns: []string{"id", "username", "password_hash", "disabled"},
			values:  [][]driver.Value{{int64(3), "alice", "$2a$04$hash", int64(1)}},
		}),
		queryOp(selectUserSQL, mockRowsData{columns: []string{"id", "username", "password_hash", "disabled"}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := NewSQLAuthStore(db)
	user, err := store.FindUserByUsername(context.Background(), " alice ")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if user.ID != 3 || !user.Disabled || user.PasswordHash != "$2a$04$hash" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, err := store.FindUserByUsername(context.Background(), "bob"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestRunMigrationsAppliesPendingVersions(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}

	ops := []mockOperation{
		execOp(createLedgerSQL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{files[0].version}},
		}),
	}
	for _, migration := range files[1:] {
		ops = append(ops, beginOp())
		for _, stmt := range migration.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops, execOp(recordVersionSQL, mockResult{rowsAffected: 1}), commitOp())
	}

	db, drv := newMockDB(t, ops)
	defer drv.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestNormaliseDSN(t *testing.T) {
	dsn, err := normaliseDSN("gateway:pw@tcp(127.0.0.1:3306)/controlagent")
	if err != nil {
		t.Fatalf("normalise: %v", err)
	}
	if want := "parseTime=true"; !strings.Contains(dsn, want) {
		t.Fatalf("expected %s in %s", want, dsn)
	}
	if _, err := normaliseDSN("  "); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := normaliseDSN("no-slash-here"); err == nil {
		t.Fatalf("expected error for malformed dsn")
	}
}
