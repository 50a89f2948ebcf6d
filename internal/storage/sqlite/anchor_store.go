// Package sqlite provides the default, CGO-free anchor store backed by
// modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/anchorflow/internal/storage"
	"github.com/scrypster/anchorflow/pkg/types"
)

// AnchorStore implements storage.AnchorStore using SQLite.
type AnchorStore struct {
	db       *sql.DB
	logger   *zap.Logger
	holders  walHolders
	recovery *WALRecovery
}

// Option configures an AnchorStore.
type Option func(*AnchorStore)

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *AnchorStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewAnchorStore opens a SQLite anchor store. When the open fails with an
// I/O or busy error and the database's -shm/-wal files are not held by any
// process, they are treated as a crashed writer's leftovers: removed, and
// the open retried once. Recovery reports what was removed.
func NewAnchorStore(dsn string, opts ...Option) (*AnchorStore, error) {
	cfg := &AnchorStore{logger: zap.NewNop(), holders: lsofHolders}
	for _, opt := range opts {
		opt(cfg)
	}

	store, err := openAnchorStore(dsn, cfg.logger)
	if err == nil {
		store.holders = cfg.holders
		return store, nil
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isRecoverableWALError(err) {
		return nil, err
	}

	rec, rerr := recoverWAL(dbPath, cfg.holders, err)
	if rerr != nil {
		cfg.logger.Warn("sqlite: anchor store WAL recovery not possible",
			zap.String("path", dbPath), zap.NamedError("open_error", err), zap.Error(rerr))
		return nil, fmt.Errorf("open anchor store: %w (recovery: %w)", err, rerr)
	}
	if rec == nil {
		return nil, err
	}

	store, retryErr := openAnchorStore(dsn, cfg.logger)
	if retryErr != nil {
		return nil, fmt.Errorf("open anchor store after removing %v: %w", rec.Removed, retryErr)
	}
	store.holders = cfg.holders
	store.recovery = rec
	cfg.logger.Warn("sqlite: anchor store recovered from stale WAL files",
		zap.String("path", dbPath),
		zap.Strings("removed", rec.Removed),
		zap.String("cause", rec.Cause))
	return store, nil
}

// Recovery returns the WAL recovery performed while opening, or nil.
func (s *AnchorStore) Recovery() *WALRecovery { return s.recovery }

// openAnchorStore opens a SQLite database, configures WAL mode, and migrates the schema.
func openAnchorStore(dsn string, logger *zap.Logger) (*AnchorStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer; a single connection
	// serialises writes from all pipeline workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	mgr, err := storage.NewMigrationManager(db, "?", migrations)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	applied, err := mgr.Up(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to run migrations: %w", err)
	}
	if applied > 0 {
		logger.Debug("sqlite: applied schema migrations", zap.Int("count", applied), zap.Uint("version", mgr.Latest()))
	}

	return &AnchorStore{db: db, logger: logger}, nil
}

// CreateMemoryAnchor creates or updates an anchor (upsert semantics keyed by ID).
// The original created_at survives updates so retried writes are idempotent.
func (s *AnchorStore) CreateMemoryAnchor(ctx context.Context, anchor *types.MemoryAnchor) (*types.MemoryAnchor, error) {
	if err := storage.ValidateAnchor(anchor); err != nil {
		return nil, err
	}

	cursorsJSON, err := json.Marshal(anchor.Cursors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cursors: %w", err)
	}
	var metadataJSON []byte
	if anchor.Metadata != nil {
		metadataJSON, err = json.Marshal(anchor.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	now := time.Now().UTC()
	if anchor.CreatedAt.IsZero() {
		anchor.CreatedAt = now
	}
	if anchor.LastAccessedAt.IsZero() {
		anchor.LastAccessedAt = anchor.CreatedAt
	}

	query := `
		INSERT INTO memory_anchors (
			id, correlation_id, pattern_type, confidence_score,
			window_start, window_end, window_precision, window_gap_ns,
			cursors, metadata, created_at, last_accessed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			correlation_id = excluded.correlation_id,
			pattern_type = excluded.pattern_type,
			confidence_score = excluded.confidence_score,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			window_precision = excluded.window_precision,
			window_gap_ns = excluded.window_gap_ns,
			cursors = excluded.cursors,
			metadata = excluded.metadata,
			last_accessed_at = excluded.last_accessed_at,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		anchor.ID,
		anchor.CorrelationID(),
		string(anchor.PatternType()),
		anchor.ConfidenceScore,
		anchor.Window.Start.UTC(),
		anchor.Window.End.UTC(),
		string(anchor.Window.Precision),
		int64(anchor.Window.Gap),
		string(cursorsJSON),
		nullableBytes(metadataJSON),
		anchor.CreatedAt.UTC(),
		anchor.LastAccessedAt.UTC(),
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store memory anchor: %w", err)
	}

	return s.GetMemoryAnchor(ctx, anchor.ID)
}

const selectAnchor = `
	SELECT id, confidence_score, window_start, window_end, window_precision, window_gap_ns,
		cursors, metadata, created_at, last_accessed_at
	FROM memory_anchors
`

// GetMemoryAnchor retrieves an anchor by ID.
func (s *AnchorStore) GetMemoryAnchor(ctx context.Context, id string) (*types.MemoryAnchor, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: anchor ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, selectAnchor+" WHERE id = ?", id)
	anchor, err := scanAnchor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: anchor %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory anchor: %w", err)
	}
	return anchor, nil
}

// ListMemoryAnchors returns the most recently created anchors.
func (s *AnchorStore) ListMemoryAnchors(ctx context.Context, limit int) ([]*types.MemoryAnchor, error) {
	rows, err := s.db.QueryContext(ctx, selectAnchor+" ORDER BY created_at DESC, id LIMIT ?", storage.NormalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list memory anchors: %w", err)
	}
	defer rows.Close()

	var out []*types.MemoryAnchor
	for rows.Next() {
		anchor, err := scanAnchor(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory anchor: %w", err)
		}
		out = append(out, anchor)
	}
	return out, rows.Err()
}

// Count returns the number of stored anchors.
func (s *AnchorStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memory_anchors").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count memory anchors: %w", err)
	}
	return n, nil
}

// Ping verifies the database connection.
func (s *AnchorStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close flushes the WAL into the main database file and releases resources.
func (s *AnchorStore) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("sqlite: WAL checkpoint on close failed (non-fatal)", zap.Error(err))
	}

	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnchor(row rowScanner) (*types.MemoryAnchor, error) {
	var (
		anchor       types.MemoryAnchor
		precision    string
		gapNS        int64
		cursorsJSON  string
		metadataJSON sql.NullString
	)
	err := row.Scan(
		&anchor.ID,
		&anchor.ConfidenceScore,
		&anchor.Window.Start,
		&anchor.Window.End,
		&precision,
		&gapNS,
		&cursorsJSON,
		&metadataJSON,
		&anchor.CreatedAt,
		&anchor.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	anchor.Window.Precision = types.Precision(precision)
	anchor.Window.Gap = time.Duration(gapNS)

	if err := json.Unmarshal([]byte(cursorsJSON), &anchor.Cursors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cursors: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &anchor.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &anchor, nil
}

// nullableBytes converts a byte slice to sql.NullString.
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}
