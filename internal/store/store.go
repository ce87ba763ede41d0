// Package store persists the last report per wallet and the append-only mint
// history in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/MJE43/arena-rewards/internal/report"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDuplicateMint is returned when a transaction hash is recorded twice.
var ErrDuplicateMint = errors.New("store: duplicate mint")

// --------- Data models ---------

// StoredReport is the last report generated for a wallet.
type StoredReport struct {
	Wallet          string        `json:"wallet"`
	SessionID       uuid.UUID     `json:"sessionId"`
	Report          report.Report `json:"report"`
	Reward          int           `json:"reward"`
	TxHash          string        `json:"transactionHash"`
	ImageURI        string        `json:"imageUri"`
	DopplegangerURI string        `json:"dopplegangerUri"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Mint is one submitted reward transaction.
type Mint struct {
	ID              uuid.UUID `json:"id"`
	Wallet          string    `json:"wallet"`
	SessionID       uuid.UUID `json:"sessionId"`
	TxHash          string    `json:"transactionHash"`
	Reward          int       `json:"reward"`
	GasLimit        uint64    `json:"gasLimit"`
	ImageURI        string    `json:"imageUri"`
	DopplegangerURI string    `json:"dopplegangerUri"`
	CreatedAt       time.Time `json:"createdAt"`
}

// --------- Store ---------

type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at dbPath and applies pending
// migrations. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	if dbPath == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is not concurrent for writes
	s := &Store{db: db}
	if _, err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrations() (*goose.Provider, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("store: migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, sub)
	if err != nil {
		return nil, fmt.Errorf("store: migration provider: %w", err)
	}
	return provider, nil
}

// Version returns the current schema version.
func (s *Store) Version(ctx context.Context) (int64, error) {
	provider, err := s.migrations()
	if err != nil {
		return 0, err
	}
	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: schema version: %w", err)
	}
	return v, nil
}

// Migrate applies pending migrations and returns the versions applied.
func (s *Store) Migrate(ctx context.Context) ([]int64, error) {
	provider, err := s.migrations()
	if err != nil {
		return nil, err
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	applied := make([]int64, 0, len(results))
	for _, r := range results {
		applied = append(applied, r.Source.Version)
	}
	return applied, nil
}

// --------- Reports ---------

// SaveClose stores a finished session in one transaction: the wallet's last
// report is replaced and the mint is appended.
func (s *Store) SaveClose(ctx context.Context, r StoredReport, m Mint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := upsertReport(ctx, tx, r); err != nil {
		tx.Rollback()
		return err
	}
	if err := insertMint(ctx, tx, m); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// LastReport returns the wallet's last report. ok is false when none exists.
func (s *Store) LastReport(ctx context.Context, wallet string) (StoredReport, bool, error) {
	var (
		r   StoredReport
		raw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT wallet, session_id, report_json, reward, tx_hash, image_uri, doppleganger_uri, created_at
		FROM reports WHERE wallet=?`, wallet).
		Scan(&r.Wallet, &r.SessionID, &raw, &r.Reward, &r.TxHash, &r.ImageURI, &r.DopplegangerURI, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredReport{}, false, nil
	}
	if err != nil {
		return StoredReport{}, false, fmt.Errorf("store: last report: %w", err)
	}
	parsed, err := report.Parse(raw)
	if err != nil {
		return StoredReport{}, false, fmt.Errorf("store: decode report for %s: %w", wallet, err)
	}
	r.Report = parsed
	return r, true, nil
}

// --------- Mints ---------

// ListMints returns the wallet's mints, newest first.
func (s *Store) ListMints(ctx context.Context, wallet string, limit, offset int) ([]Mint, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet, session_id, tx_hash, reward, gas_limit, image_uri, doppleganger_uri, created_at
		FROM mints WHERE wallet=?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, wallet, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list mints: %w", err)
	}
	defer rows.Close()

	var out []Mint
	for rows.Next() {
		var m Mint
		var gas int64
		if err := rows.Scan(&m.ID, &m.Wallet, &m.SessionID, &m.TxHash, &m.Reward, &gas,
			&m.ImageURI, &m.DopplegangerURI, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan mint: %w", err)
		}
		m.GasLimit = uint64(gas)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --------- helpers ---------

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertReport(ctx context.Context, db execer, r StoredReport) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	raw, err := r.Report.MarshalJSON()
	if err != nil {
		return fmt.Errorf("store: encode report: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO reports(wallet, session_id, report_json, reward, tx_hash, image_uri, doppleganger_uri, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(wallet) DO UPDATE SET
			session_id=excluded.session_id,
			report_json=excluded.report_json,
			reward=excluded.reward,
			tx_hash=excluded.tx_hash,
			image_uri=excluded.image_uri,
			doppleganger_uri=excluded.doppleganger_uri,
			created_at=excluded.created_at`,
		r.Wallet, r.SessionID.String(), string(raw), r.Reward, r.TxHash, r.ImageURI, r.DopplegangerURI, r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("store: save report: %w", err)
	}
	return nil
}

func insertMint(ctx context.Context, db execer, m Mint) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO mints(id, wallet, session_id, tx_hash, reward, gas_limit, image_uri, doppleganger_uri, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.Wallet, m.SessionID.String(), m.TxHash, m.Reward, int64(m.GasLimit),
		m.ImageURI, m.DopplegangerURI, m.CreatedAt.UTC())
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateMint, m.TxHash)
		}
		return fmt.Errorf("store: record mint: %w", err)
	}
	return nil
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "unique constraint")
}
