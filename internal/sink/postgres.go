package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/bettaflow/mediaspider/internal/config"
	"github.com/bettaflow/mediaspider/internal/model"
	"github.com/bettaflow/mediaspider/pkg/logger"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS crawl_records (
	platform    TEXT        NOT NULL,
	content_id  TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	author      TEXT        NOT NULL DEFAULT '',
	title       TEXT        NOT NULL DEFAULT '',
	body        TEXT        NOT NULL DEFAULT '',
	source_url  TEXT        NOT NULL DEFAULT '',
	extra       JSONB,
	fetched_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (platform, content_id)
)`

const upsertRecord = `
INSERT INTO crawl_records (platform, content_id, kind, author, title, body, source_url, extra, fetched_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
ON CONFLICT (platform, content_id) DO UPDATE SET
	kind       = EXCLUDED.kind,
	author     = EXCLUDED.author,
	title      = EXCLUDED.title,
	body       = EXCLUDED.body,
	source_url = EXCLUDED.source_url,
	extra      = EXCLUDED.extra,
	fetched_at = EXCLUDED.fetched_at,
	updated_at = now()
WHERE crawl_records.fetched_at <= EXCLUDED.fetched_at
RETURNING (xmax = 0) AS inserted`

// PostgresSink upserts records keyed on (platform, content_id). Re-delivery
// updates the row in place; stale re-delivery is a no-op.
type PostgresSink struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgresSink opens a connection pool, verifies connectivity, and
// ensures the records table exists.
func NewPostgresSink(cfg config.SinkConfig, log *logger.Logger) (*PostgresSink, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.PGMaxOpenConns)
	db.SetMaxIdleConns(cfg.PGMaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, recordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresSink{db: db, log: log.WithComponent("postgres-sink")}, nil
}

// Persist upserts the batch in one transaction. Returns the number of rows
// that were freshly inserted rather than updated.
func (s *PostgresSink) Persist(ctx context.Context, records []model.Record) (int, error) {
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertRecord)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			var extra []byte
			if rec.Extra != nil {
				if extra, err = json.Marshal(rec.Extra); err != nil {
					return fmt.Errorf("encoding extra for %s: %w", rec.ContentID, err)
				}
			}
			var fresh bool
			err := stmt.QueryRowContext(ctx,
				rec.Platform, rec.ContentID, rec.Kind, rec.Author, rec.Title,
				rec.Body, rec.SourceURL, extra, rec.FetchedAt,
			).Scan(&fresh)
			if err == sql.ErrNoRows {
				// Stale re-delivery filtered by the WHERE clause.
				continue
			}
			if err != nil {
				return fmt.Errorf("upserting %s/%s: %w", rec.Platform, rec.ContentID, err)
			}
			if fresh {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("batch persisted", "records", len(records), "inserted", inserted)
	return inserted, nil
}

func (s *PostgresSink) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Health checks database connectivity.
func (s *PostgresSink) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
