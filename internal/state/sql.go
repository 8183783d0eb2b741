package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

const sqlOperationTimeout = 5 * time.Second

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// dialect holds the statements that differ between database engines.
type dialect struct {
	createTable string
	selectBlob  string
	upsertBlob  string
}

var dialects = map[string]dialect{
	"postgres": {
		createTable: `CREATE TABLE IF NOT EXISTS %[1]s (
			state_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW())`,
		selectBlob: `SELECT snapshot FROM %[1]s WHERE state_key = $1`,
		upsertBlob: `INSERT INTO %[1]s (state_key, snapshot, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
	},
	"sqlite3": {
		createTable: `CREATE TABLE IF NOT EXISTS %[1]s (
			state_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP)`,
		selectBlob: `SELECT snapshot FROM %[1]s WHERE state_key = ?`,
		upsertBlob: `INSERT INTO %[1]s (state_key, snapshot, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT (state_key)
			DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`,
	},
	"sqlserver": {
		createTable: `IF OBJECT_ID(N'%[1]s', N'U') IS NULL
			CREATE TABLE %[1]s (
				state_key NVARCHAR(255) NOT NULL PRIMARY KEY,
				snapshot NVARCHAR(MAX) NOT NULL,
				updated_at DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME())`,
		selectBlob: `SELECT snapshot FROM %[1]s WHERE state_key = @p1`,
		upsertBlob: `MERGE %[1]s AS target
			USING (SELECT @p1 AS state_key, @p2 AS snapshot) AS src
			ON target.state_key = src.state_key
			WHEN MATCHED THEN UPDATE SET snapshot = src.snapshot, updated_at = SYSUTCDATETIME()
			WHEN NOT MATCHED THEN INSERT (state_key, snapshot) VALUES (src.state_key, src.snapshot);`,
	},
}

// SupportedDrivers lists the database/sql driver names SQLStorage accepts.
func SupportedDrivers() []string {
	return []string{"postgres", "sqlite3", "sqlserver"}
}

// SQLStorage keeps the checkpoint blob in one row of a table, keyed by Key.
// The table is created on first use.
type SQLStorage struct {
	db      *sql.DB
	dialect dialect
	table   string
	key     string

	initOnce sync.Once
	initErr  error
}

func NewSQLStorage(db *sql.DB, driver, table, key string) (*SQLStorage, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported checkpoint driver %q", driver)
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid checkpoint table name %q", table)
	}
	if key == "" {
		return nil, errors.New("checkpoint key must not be empty")
	}
	return &SQLStorage{db: db, dialect: d, table: table, key: key}, nil
}

func (s *SQLStorage) ensureTable(ctx context.Context) error {
	s.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.createTable, s.table)); err != nil {
			s.initErr = fmt.Errorf("failed to create checkpoint table %s: %w", s.table, err)
		}
	})
	return s.initErr
}

func (s *SQLStorage) Retrieve(ctx context.Context) ([]byte, error) {
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var payload string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(s.dialect.selectBlob, s.table), s.key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, err
	}
	return []byte(payload), nil
}

func (s *SQLStorage) Save(ctx context.Context, blob []byte) error {
	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(s.dialect.upsertBlob, s.table), s.key, string(blob))
	return err
}
