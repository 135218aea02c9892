package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS whiteboards (
	id         TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	size       BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS whiteboard_chunks (
	doc_id TEXT NOT NULL REFERENCES whiteboards(id) ON DELETE CASCADE,
	start  BIGINT NOT NULL,
	data   BYTEA NOT NULL,
	PRIMARY KEY (doc_id, start)
);`

// PostgresStore keeps metadata in one row per document and the log as rows
// of chunks keyed by starting offset.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, id, token string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO whiteboards (id, token) VALUES ($1, $2)`, id, token)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %q", ErrExists, id)
	}
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*DocumentInfo, error) {
	var info DocumentInfo
	err := s.pool.QueryRow(ctx,
		`SELECT id, token, size, created_at, updated_at FROM whiteboards WHERE id = $1`, id,
	).Scan(&info.ID, &info.Token, &info.Size, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, token, size, created_at, updated_at FROM whiteboards ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (DocumentInfo, error) {
		var info DocumentInfo
		err := row.Scan(&info.ID, &info.Token, &info.Size, &info.CreatedAt, &info.UpdatedAt)
		return info, err
	})
}

// Append locks the document row for the size check and the insert.
func (s *PostgresStore) Append(ctx context.Context, id string, chunk []byte, offset int64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var size int64
		err := tx.QueryRow(ctx, `SELECT size FROM whiteboards WHERE id = $1 FOR UPDATE`, id).Scan(&size)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if size != offset {
			return fmt.Errorf("%w: %q at %d, size %d", ErrOffsetMismatch, id, offset, size)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO whiteboard_chunks (doc_id, start, data) VALUES ($1, $2, $3)`,
			id, offset, chunk,
		); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE whiteboards SET size = $2, updated_at = now() WHERE id = $1`,
			id, offset+int64(len(chunk)),
		)
		return err
	})
}

func (s *PostgresStore) ReadFrom(ctx context.Context, id string, offset int64) ([]byte, error) {
	info, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset > info.Size {
		return nil, fmt.Errorf("invalid offset %d for %q of size %d", offset, id, info.Size)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT start, data FROM whiteboard_chunks
		 WHERE doc_id = $1 AND start + length(data) > $2
		 ORDER BY start`, id, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]byte, 0, info.Size-offset)
	for rows.Next() {
		var start int64
		var data []byte
		if err := rows.Scan(&start, &data); err != nil {
			return nil, err
		}
		if start < offset {
			data = data[offset-start:]
		}
		out = append(out, data...)
	}
	return out, rows.Err()
}
