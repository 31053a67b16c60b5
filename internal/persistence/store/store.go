// Package store is the durable source of truth for claims, chunks, chunk pools and claim banks.
// Every write happens inside InTx; caches elsewhere are rebuilt from here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"chunkclaims.ai/internal/claims/model"
)

var (
	ErrNotFound   = errors.New("store: not found")
	ErrChunkTaken = errors.New("store: chunk already claimed")
	ErrConflict   = errors.New("store: conditional update lost")
)

type Dialect int

const (
	DialectSQLite Dialect = iota + 1
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectSQLite:
		return "sqlite"
	case DialectPostgres:
		return "postgres"
	default:
		return "unknown"
	}
}

type conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// reader carries the queries shared by Store and Tx.
type reader struct {
	c       conn
	dialect Dialect
}

func (r reader) rebind(q string) string {
	if r.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (r reader) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return r.c.ExecContext(ctx, r.rebind(q), args...)
}

func (r reader) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return r.c.QueryContext(ctx, r.rebind(q), args...)
}

func (r reader) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return r.c.QueryRowContext(ctx, r.rebind(q), args...)
}

type Store struct {
	reader
	db     *sql.DB
	logger *zap.Logger
}

// Backend is what the claim services need from persistence.
type Backend interface {
	InTx(ctx context.Context, fn func(*Tx) error) error

	LoadAllClaims(ctx context.Context) ([]*model.Claim, error)
	LoadAllChunks(ctx context.Context) ([]model.ClaimedChunk, error)
	CountClaims(ctx context.Context) (int, error)
	ClaimByID(ctx context.Context, id int64) (*model.Claim, error)
	ClaimsByOwner(ctx context.Context, owner string) ([]*model.Claim, error)
	ClaimChunks(ctx context.Context, claimID int64) ([]model.ChunkPos, error)
	ClaimAt(ctx context.Context, pos model.ChunkPos) (int64, error)
	CountClaimsByOwner(ctx context.Context, owner string) (int, error)
	Bank(ctx context.Context, claimID int64) (model.ClaimBank, error)
	Pool(ctx context.Context, player string) (model.PlayerChunkPool, error)
	AssignedChunks(ctx context.Context, player string) (int, error)
	Transactions(ctx context.Context, claimID int64, offset, limit int) ([]model.BankTransaction, error)
	CountDue(ctx context.Context, now time.Time) (int, error)
	DueClaims(ctx context.Context, now time.Time, limit int) ([]BillingRow, error)
	CountGraceCandidates(ctx context.Context, q GraceQuery) (int, error)
	GraceCandidates(ctx context.Context, q GraceQuery, limit int) ([]BillingRow, error)
	InGrace(ctx context.Context, offset, limit int) ([]BillingRow, error)
}

var _ Backend = (*Store)(nil)

func OpenSQLite(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer connection; busy_timeout covers the rest.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := newStore(db, DialectSQLite, logger)
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := newStore(db, DialectPostgres, logger)
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, d Dialect, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{reader: reader{c: db, dialect: d}, db: db, logger: logger}
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == DialectPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS claims (
			id ` + idCol + `,
			owner TEXT NOT NULL,
			world TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			total_chunks INTEGER NOT NULL DEFAULT 0,
			purchased_chunks INTEGER NOT NULL DEFAULT 0,
			allocated_chunks INTEGER NOT NULL DEFAULT 0,
			claim_order INTEGER NOT NULL DEFAULT 1,
			capacity_profile TEXT NOT NULL DEFAULT 'default',
			settings_json TEXT NOT NULL DEFAULT '{}',
			profiles_json TEXT NOT NULL DEFAULT '{}',
			upkeep_discount DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS claims_owner ON claims(owner);`,
		`CREATE TABLE IF NOT EXISTS claim_chunks (
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			claim_id BIGINT NOT NULL REFERENCES claims(id),
			PRIMARY KEY (world, x, z)
		);`,
		`CREATE INDEX IF NOT EXISTS claim_chunks_claim ON claim_chunks(claim_id);`,
		`CREATE TABLE IF NOT EXISTS chunk_pools (
			player TEXT PRIMARY KEY,
			purchased_chunks INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS claim_banks (
			claim_id BIGINT PRIMARY KEY REFERENCES claims(id),
			balance BIGINT NOT NULL DEFAULT 0,
			next_upkeep_due BIGINT,
			grace_started_at BIGINT,
			grace_amount_due BIGINT NOT NULL DEFAULT 0,
			last_upkeep_at BIGINT
		);`,
		`CREATE INDEX IF NOT EXISTS claim_banks_due ON claim_banks(next_upkeep_due);`,
		`CREATE INDEX IF NOT EXISTS claim_banks_grace ON claim_banks(grace_started_at);`,
		`CREATE TABLE IF NOT EXISTS bank_transactions (
			id TEXT PRIMARY KEY,
			claim_id BIGINT NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL,
			balance BIGINT NOT NULL,
			memo TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS bank_transactions_claim ON bank_transactions(claim_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init %s schema: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Dialect() Dialect { return s.dialect }

// InTx runs fn in one transaction. fn's error (or a commit failure) rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{reader: reader{c: sqlTx, dialect: s.dialect}}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		s.logger.Error("commit failed", zap.Error(err))
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
