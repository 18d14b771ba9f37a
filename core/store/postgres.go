package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/pyropy/carlens/core/model"
)

const createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	id          UUID PRIMARY KEY,
	filename    TEXT NOT NULL,
	plate       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	record      JSONB NOT NULL
)`

const upsertSession = `
INSERT INTO sessions (id, filename, plate, status, started_at, finished_at, record)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
	plate = EXCLUDED.plate,
	status = EXCLUDED.status,
	finished_at = EXCLUDED.finished_at,
	record = EXCLUDED.record`

// PostgresStore keeps the searchable columns next to the full record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}

	if _, err := pool.Exec(ctx, createSessionsTable); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "create sessions table")
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Put(ctx context.Context, record model.SessionRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, upsertSession,
		record.ID.String(), record.Filename, record.Plate, string(record.Status),
		record.StartedAt, record.FinishedAt, b,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	var b []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM sessions WHERE id = $1`, id.String()).Scan(&b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, id.String())
	}
	if err != nil {
		return nil, err
	}

	var record model.SessionRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, err
	}

	return &record, nil
}

func (s *PostgresStore) All(ctx context.Context) ([]*model.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*model.SessionRecord, 0)
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return records, err
		}

		var record model.SessionRecord
		if err := json.Unmarshal(b, &record); err != nil {
			return records, err
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
