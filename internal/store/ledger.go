package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/soyeahso/teamsforge/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Failure is a provisioning attempt that did not complete.
type Failure struct {
	ID         int64     `json:"id"`
	BotName    string    `json:"botName"`
	Step       string    `json:"step"`
	AppID      string    `json:"msaAppId,omitempty"`
	Error      string    `json:"error"`
	RolledBack bool      `json:"rolledBack"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Ledger records provisioned bots. Client secrets are never stored.
type Ledger struct {
	db *DB
}

// NewLedger creates a ledger using the given database.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Record inserts a provisioned bot and returns it with its id and timestamp.
func (l *Ledger) Record(ctx context.Context, rec domain.BotRecord) (*domain.BotRecord, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := l.db.sql.ExecContext(ctx,
		`INSERT INTO bots (bot_name, resource_name, app_id, object_id, resource_id, endpoint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.BotName, rec.ResourceName, rec.AppID, rec.ObjectID, rec.ResourceID, rec.Endpoint,
		rec.CreatedAt.Format(time.DateTime),
	)
	if err != nil {
		return nil, fmt.Errorf("recording bot %s: %w", rec.BotName, err)
	}

	rec.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("recording bot %s: %w", rec.BotName, err)
	}
	rec.CreatedAt = rec.CreatedAt.Truncate(time.Second)
	l.db.log.Info().Str("bot", rec.BotName).Str("appId", rec.AppID).Msg("bot recorded")
	return &rec, nil
}

// List returns all recorded bots, newest first.
func (l *Ledger) List(ctx context.Context) ([]domain.BotRecord, error) {
	rows, err := l.db.sql.QueryContext(ctx,
		`SELECT id, bot_name, resource_name, app_id, object_id, resource_id, endpoint, created_at
		 FROM bots ORDER BY id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing bots: %w", err)
	}
	defer rows.Close()

	var out []domain.BotRecord
	for rows.Next() {
		rec, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetByAppID returns the bot registered with the given application id.
func (l *Ledger) GetByAppID(ctx context.Context, appID string) (*domain.BotRecord, error) {
	row := l.db.sql.QueryRowContext(ctx,
		`SELECT id, bot_name, resource_name, app_id, object_id, resource_id, endpoint, created_at
		 FROM bots WHERE app_id = ?`, appID,
	)
	rec, err := scanBot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// RecordFailure logs a provisioning attempt that stopped at step.
func (l *Ledger) RecordFailure(ctx context.Context, f Failure) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.sql.ExecContext(ctx,
		`INSERT INTO provision_failures (bot_name, step, app_id, error, rolled_back, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.BotName, f.Step, f.AppID, f.Error, f.RolledBack, f.CreatedAt.Format(time.DateTime),
	)
	if err != nil {
		return fmt.Errorf("recording failure for %s: %w", f.BotName, err)
	}
	return nil
}

// Failures returns the most recent provisioning failures, newest first.
func (l *Ledger) Failures(ctx context.Context, limit int) ([]Failure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.sql.QueryContext(ctx,
		`SELECT id, bot_name, step, app_id, error, rolled_back, created_at
		 FROM provision_failures ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		var createdAt string
		if err := rows.Scan(&f.ID, &f.BotName, &f.Step, &f.AppID, &f.Error, &f.RolledBack, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning failure: %w", err)
		}
		f.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBot(s scanner) (*domain.BotRecord, error) {
	var rec domain.BotRecord
	var createdAt string
	if err := s.Scan(&rec.ID, &rec.BotName, &rec.ResourceName, &rec.AppID, &rec.ObjectID,
		&rec.ResourceID, &rec.Endpoint, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning bot: %w", err)
	}
	rec.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	return &rec, nil
}
