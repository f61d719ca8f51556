// Package store persists completed speed-test results in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
)

const schemaVersion = 2

// SpeedTest is a stored result.
type SpeedTest struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"runId,omitempty"`
	Ping      float64   `json:"ping"`
	Jitter    float64   `json:"jitter"`
	Download  float64   `json:"download"`
	Upload    float64   `json:"upload"`
	Country   string    `json:"country,omitempty"`
	City      string    `json:"city,omitempty"`
	ASN       uint      `json:"asn,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSpeedTest holds the fields of a result before it is stored.
type NewSpeedTest struct {
	RunID    string
	Ping     float64
	Jitter   float64
	Download float64
	Upload   float64
	Country  string
	City     string
	ASN      uint
}

// Storage stores and lists results.
type Storage interface {
	CreateSpeedTest(ctx context.Context, test NewSpeedTest) (SpeedTest, error)
	// ListSpeedTests returns the most recent results first. A limit <= 0
	// returns every result.
	ListSpeedTests(ctx context.Context, limit int) ([]SpeedTest, error)
	Close() error
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock sets the clock used for creation timestamps.
func WithClock(clk clock.Clock) Option {
	return func(s *SQLiteStore) {
		s.clock = clk
	}
}

type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

var _ Storage = (*SQLiteStore)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store: empty database path")
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, clock: clock.New()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	if path != ":memory:" {
		params.Set("_journal_mode", "WAL")
	}
	return "file:" + path + "?" + params.Encode()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS speed_tests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ping REAL NOT NULL,
		jitter REAL NOT NULL,
		download REAL NOT NULL,
		upload REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS speed_tests_created_at ON speed_tests (created_at);`,
	`ALTER TABLE speed_tests ADD COLUMN run_id TEXT NOT NULL DEFAULT '';
	ALTER TABLE speed_tests ADD COLUMN country TEXT NOT NULL DEFAULT '';
	ALTER TABLE speed_tests ADD COLUMN city TEXT NOT NULL DEFAULT '';
	ALTER TABLE speed_tests ADD COLUMN asn INTEGER NOT NULL DEFAULT 0;`,
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", v+1, err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateSpeedTest(ctx context.Context, test NewSpeedTest) (SpeedTest, error) {
	created := s.clock.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO speed_tests (run_id, ping, jitter, download, upload, country, city, asn, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		test.RunID, test.Ping, test.Jitter, test.Download, test.Upload,
		test.Country, test.City, int64(test.ASN), created.UnixNano())
	if err != nil {
		return SpeedTest{}, fmt.Errorf("insert speed test: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return SpeedTest{}, fmt.Errorf("insert speed test: %w", err)
	}
	return SpeedTest{
		ID:        id,
		RunID:     test.RunID,
		Ping:      test.Ping,
		Jitter:    test.Jitter,
		Download:  test.Download,
		Upload:    test.Upload,
		Country:   test.Country,
		City:      test.City,
		ASN:       test.ASN,
		CreatedAt: time.Unix(0, created.UnixNano()).UTC(),
	}, nil
}

func (s *SQLiteStore) ListSpeedTests(ctx context.Context, limit int) ([]SpeedTest, error) {
	query := `SELECT id, run_id, ping, jitter, download, upload, country, city, asn, created_at
		FROM speed_tests ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list speed tests: %w", err)
	}
	defer rows.Close()

	tests := make([]SpeedTest, 0)
	for rows.Next() {
		var (
			t       SpeedTest
			asn     int64
			created int64
		)
		if err := rows.Scan(&t.ID, &t.RunID, &t.Ping, &t.Jitter, &t.Download, &t.Upload,
			&t.Country, &t.City, &asn, &created); err != nil {
			return nil, fmt.Errorf("scan speed test: %w", err)
		}
		t.ASN = uint(asn)
		t.CreatedAt = time.Unix(0, created).UTC()
		tests = append(tests, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list speed tests: %w", err)
	}
	return tests, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
