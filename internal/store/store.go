// Package store is the local replica: the SQLite tables that replication
// diffs against a watermark and applies inbound changes to, plus the chat
// message history the entity sessions persist into.
package store

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/danmuck/linkctl/internal/clock"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol"
)

const (
	TableCharacterProfiles = "character_profiles"
	TableChatSessions      = "chat_sessions"
	TableChatMessages      = "chat_messages"
	TableUserSettings      = "user_settings"
)

var (
	ErrUnknownTable  = errors.New("store: unknown table")
	ErrInvalidChange = errors.New("store: invalid change")
)

// ReplicableTables is the fixed replication order.
func ReplicableTables() []string {
	return []string{
		TableCharacterProfiles,
		TableChatSessions,
		TableChatMessages,
		TableUserSettings,
	}
}

func validTable(table string) error {
	if slices.Contains(ReplicableTables(), table) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownTable, table)
}

const schema = `
CREATE TABLE IF NOT EXISTS character_profiles (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE TABLE IF NOT EXISTS chat_sessions (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE TABLE IF NOT EXISTS chat_messages (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER,
	partner_id TEXT GENERATED ALWAYS AS (json_extract(data, '$.partner_id')) VIRTUAL,
	attachment BLOB
);
CREATE INDEX IF NOT EXISTS chat_messages_partner ON chat_messages (partner_id, created_at);
CREATE TABLE IF NOT EXISTS user_settings (
	id         TEXT PRIMARY KEY,
	data       TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	deleted_at INTEGER
);
`

type Config struct {
	Path     string
	PoolSize int
	// Clock stamps deletes that arrive without a timestamp.
	Clock clock.Clock
}

// Store wraps a pool of SQLite connections over the replica database.
type Store struct {
	pool  *sqlitex.Pool
	path  string
	clock clock.Clock
}

func Open(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("store: path required")
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = runtime.NumCPU()
		if size < 4 {
			size = 4
		}
	}
	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{pool: pool, path: cfg.Path, clock: clk}
	if err := s.migrate(ctx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	logs.Infof("store.Open path=%q pool_size=%d", cfg.Path, size)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", s.path, err)
	}
	return nil
}

// Change is one row-level replication change.
type Change struct {
	Table     string
	Operation protocol.Operation
	Record    protocol.Record
}

func (c Change) Validate() error {
	if err := validTable(c.Table); err != nil {
		return err
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("%w: operation %q", ErrInvalidChange, c.Operation)
	}
	if strings.TrimSpace(c.Record.ID) == "" {
		return fmt.Errorf("%w: missing record id", ErrInvalidChange)
	}
	return nil
}

// ChangedSince lists rows of table touched after watermark, oldest first.
// Soft-deleted rows classify as delete, rows created after the watermark
// as insert, and the rest as update.
func (s *Store) ChangedSince(ctx context.Context, table string, watermark time.Time) ([]Change, error) {
	if err := validTable(table); err != nil {
		return nil, err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: changed since: %w", err)
	}
	defer s.pool.Put(conn)

	wm := watermark.UnixMilli()
	if watermark.IsZero() {
		wm = 0
	}
	query := `SELECT id, data, created_at, updated_at, deleted_at FROM ` + table + `
		WHERE created_at > ? OR updated_at > ? OR (deleted_at IS NOT NULL AND deleted_at > ?)
		ORDER BY updated_at, id`
	var out []Change
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{wm, wm, wm},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rec := readRecord(stmt)
			op := protocol.OpUpdate
			switch {
			case rec.DeletedAtMS > 0:
				op = protocol.OpDelete
			case rec.CreatedAtMS > wm:
				op = protocol.OpInsert
			}
			out = append(out, Change{Table: table, Operation: op, Record: rec})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: changed since %s: %w", table, err)
	}
	return out, nil
}

// Apply writes one change. Inserts and updates are upserts that keep the
// newer updated_at; a delete stamps deleted_at once. Applying the same
// change twice leaves the row unchanged.
func (s *Store) Apply(ctx context.Context, c Change) (err error) {
	if err := c.Validate(); err != nil {
		return err
	}
	data := "{}"
	if len(c.Record.Data) > 0 && string(c.Record.Data) != "null" {
		canonical, cerr := jcs.Transform(c.Record.Data)
		if cerr != nil {
			return fmt.Errorf("%w: record data: %v", ErrInvalidChange, cerr)
		}
		data = string(canonical)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: apply: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	rec := c.Record
	if c.Operation == protocol.OpDelete {
		deletedAt := rec.DeletedAtMS
		if deletedAt <= 0 {
			deletedAt = rec.UpdatedAtMS
		}
		if deletedAt <= 0 {
			deletedAt = s.clock.Now().UnixMilli()
		}
		updatedAt := max(rec.UpdatedAtMS, deletedAt)
		createdAt := rec.CreatedAtMS
		if createdAt <= 0 {
			createdAt = deletedAt
		}
		err = sqlitex.Execute(conn, `INSERT INTO `+c.Table+` (id, data, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				deleted_at = COALESCE(`+c.Table+`.deleted_at, excluded.deleted_at),
				updated_at = CASE WHEN `+c.Table+`.deleted_at IS NULL
					THEN MAX(`+c.Table+`.updated_at, excluded.updated_at)
					ELSE `+c.Table+`.updated_at END`,
			&sqlitex.ExecOptions{Args: []any{rec.ID, data, createdAt, updatedAt, deletedAt}})
	} else {
		err = sqlitex.Execute(conn, `INSERT INTO `+c.Table+` (id, data, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				data = excluded.data,
				created_at = excluded.created_at,
				updated_at = excluded.updated_at,
				deleted_at = NULL
			WHERE excluded.updated_at >= `+c.Table+`.updated_at`,
			&sqlitex.ExecOptions{Args: []any{rec.ID, data, rec.CreatedAtMS, rec.UpdatedAtMS}})
	}
	if err != nil {
		return fmt.Errorf("store: apply %s %s %s: %w", c.Operation, c.Table, rec.ID, err)
	}
	return nil
}

// Get reads one row, soft-deleted rows included.
func (s *Store) Get(ctx context.Context, table, id string) (protocol.Record, bool, error) {
	if err := validTable(table); err != nil {
		return protocol.Record{}, false, err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return protocol.Record{}, false, fmt.Errorf("store: get: %w", err)
	}
	defer s.pool.Put(conn)

	var (
		rec   protocol.Record
		found bool
	)
	err = sqlitex.Execute(conn, `SELECT id, data, created_at, updated_at, deleted_at FROM `+table+` WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec = readRecord(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return protocol.Record{}, false, fmt.Errorf("store: get %s %s: %w", table, id, err)
	}
	return rec, found, nil
}

func readRecord(stmt *sqlite.Stmt) protocol.Record {
	rec := protocol.Record{
		ID:          stmt.ColumnText(0),
		Data:        []byte(stmt.ColumnText(1)),
		CreatedAtMS: stmt.ColumnInt64(2),
		UpdatedAtMS: stmt.ColumnInt64(3),
	}
	if stmt.ColumnType(4) != sqlite.TypeNull {
		rec.DeletedAtMS = stmt.ColumnInt64(4)
	}
	return rec
}
