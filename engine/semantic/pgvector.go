package semantic

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/minesafe/whs-rag/engine/domain"
)

// pgUndefinedTable is the SQLSTATE for a missing relation.
const pgUndefinedTable = "42P01"

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// PGConn is the subset of *pgxpool.Pool the store uses.
type PGConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// PGStore is a Store backed by Postgres with the pgvector extension. Each
// collection is a table; distances come from the <=> cosine operator.
type PGStore struct {
	pool *pgxpool.Pool
	db   PGConn
}

// NewPG opens a connection pool for dsn and verifies it with a ping.
func NewPG(ctx context.Context, dsn string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("semantic: parse dsn: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("semantic: create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("semantic: ping postgres: %w", err)
	}
	return &PGStore{pool: pool, db: pool}, nil
}

// NewPGWithConn builds a store around an existing connection (tests).
func NewPGWithConn(db PGConn) *PGStore {
	return &PGStore{db: db}
}

// Close releases the pool.
func (s *PGStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func table(name string) (string, error) {
	if !tableName.MatchString(name) {
		return "", fmt.Errorf("semantic: invalid collection name %q", name)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// HasCollection reports whether the collection's table exists.
func (s *PGStore) HasCollection(ctx context.Context, name string) (bool, error) {
	if _, err := table(name); err != nil {
		return false, err
	}
	var ok bool
	if err := s.db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("semantic: lookup table %s: %w", name, err)
	}
	return ok, nil
}

// EnsureCollection creates the extension, table and HNSW index if missing.
func (s *PGStore) EnsureCollection(ctx context.Context, name string, dims int) error {
	tbl, err := table(name)
	if err != nil {
		return err
	}
	idx := pgx.Identifier{name + "_embedding_idx"}.Sanitize()
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          text PRIMARY KEY,
			text        text NOT NULL,
			doc_type    text,
			source_path text NOT NULL,
			page_number integer,
			embedding   vector(%d) NOT NULL
		)`, tbl, dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops)`, idx, tbl),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("semantic: ensure collection %s: %w", name, err)
		}
	}
	return nil
}

// Upsert writes records in one batch, replacing rows with the same id.
func (s *PGStore) Upsert(ctx context.Context, name string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tbl, err := table(name)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, text, doc_type, source_path, page_number, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			doc_type = EXCLUDED.doc_type,
			source_path = EXCLUDED.source_path,
			page_number = EXCLUDED.page_number,
			embedding = EXCLUDED.embedding`, tbl)

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(query, r.ID, r.Text, nullable(r.Meta.DocType), r.Meta.SourcePath, r.Meta.PageNumber, pgvector.NewVector(r.Vector))
	}
	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("semantic: upsert record %d into %s: %w", i, name, mapPGErr(err))
		}
	}
	return nil
}

// DeleteBySource removes every row ingested from sourcePath.
func (s *PGStore) DeleteBySource(ctx context.Context, name, sourcePath string) error {
	tbl, err := table(name)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source_path = $1`, tbl), sourcePath); err != nil {
		return fmt.Errorf("semantic: delete %s from %s: %w", sourcePath, name, mapPGErr(err))
	}
	return nil
}

// Query returns the n rows nearest to vector by cosine distance.
func (s *PGStore) Query(ctx context.Context, name string, vector []float32, n int) ([]Hit, error) {
	tbl, err := table(name)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT id, text, coalesce(doc_type, ''), source_path, page_number, embedding <=> $1
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, tbl), pgvector.NewVector(vector), n)
	if err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", name, mapPGErr(err))
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ID, &h.Text, &h.Meta.DocType, &h.Meta.SourcePath, &h.Meta.PageNumber, &h.Distance); err != nil {
			return nil, fmt.Errorf("semantic: scan %s: %w", name, err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic: search %s: %w", name, mapPGErr(err))
	}
	return hits, nil
}

func mapPGErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %v", domain.ErrCollectionNotFound, err)
	}
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
