// Package store keeps the detection history in Postgres, trimmed to the
// newest rows on every save. A nil *Store is valid and behaves as a disabled
// store.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/demardefrozen10/SENSE/pkg/detection"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var ErrDisabled = errors.New("detection history is disabled")

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	pool   *pgxpool.Pool
	retain int
	logger *slog.Logger
}

// Open connects to databaseURL and applies pending migrations. Save keeps at
// most retain rows; retain <= 0 keeps everything.
func Open(ctx context.Context, databaseURL string, retain int, logger *slog.Logger) (*Store, error) {
	if databaseURL == "" {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("detection history store ready", "retain", retain)
	return &Store{pool: pool, retain: retain, logger: logger}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Enabled() bool { return s != nil && s.pool != nil }

// Save appends rec. On a disabled store it is a no-op.
func (s *Store) Save(ctx context.Context, rec detection.Record) error {
	if !s.Enabled() {
		return nil
	}
	dets := rec.Detections
	if dets == nil {
		dets = []detection.Detection{}
	}
	raw, err := json.Marshal(dets)
	if err != nil {
		return fmt.Errorf("store: encode detections: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO detections (ts, voice_prompt, haptic_intensity, detections) VALUES ($1, $2, $3, $4::jsonb)`,
		rec.TS, rec.VoicePrompt, detection.ClampIntensity(rec.HapticIntensity), string(raw))
	if err != nil {
		return fmt.Errorf("store: save: %w", err)
	}
	return s.prune(ctx)
}

// prune deletes everything older than the newest retain rows.
func (s *Store) prune(ctx context.Context) error {
	if s.retain <= 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM detections WHERE id <= (SELECT id FROM detections ORDER BY id DESC OFFSET $1 LIMIT 1)`,
		s.retain)
	if err != nil {
		return fmt.Errorf("store: prune: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("pruned detection history", "rows", n)
	}
	return nil
}

// History returns up to limit records, newest first.
func (s *Store) History(ctx context.Context, limit int) ([]detection.Record, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ts, voice_prompt, haptic_intensity, detections FROM detections ORDER BY id DESC LIMIT $1`,
		ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	out := make([]detection.Record, 0)
	for rows.Next() {
		var (
			rec detection.Record
			raw []byte
		)
		if err := rows.Scan(&rec.TS, &rec.VoicePrompt, &rec.HapticIntensity, &raw); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		if err := json.Unmarshal(raw, &rec.Detections); err != nil {
			return nil, fmt.Errorf("store: decode detections: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	return out, nil
}

func (s *Store) Close() {
	if s.Enabled() {
		s.pool.Close()
	}
}

// ClampLimit maps a requested history size onto [1, MaxHistoryLimit].
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	return min(limit, MaxHistoryLimit)
}
