// Package semantic owns the vector index: per-collection storage of
// (id, vector, text, metadata) and nearest-neighbor queries returning
// cosine distances. Qdrant and Postgres/pgvector backends satisfy the
// same Store contract.
package semantic

import (
	"context"
	"errors"
)

// Metadata payload keys shared by every backend.
const (
	KeyText       = "text"
	KeyDocType    = "doc_type"
	KeySourcePath = "source_path"
	KeyPageNumber = "page_number"
)

var (
	errEmptyText   = errors.New("semantic: hit has empty text")
	errEmptySource = errors.New("semantic: hit has no source_path")
)

// Meta is the provenance stored alongside each vector.
type Meta struct {
	DocType    string `json:"doc_type,omitempty"`
	SourcePath string `json:"source_path"`
	PageNumber *int   `json:"page_number,omitempty"`
}

// Hit is one nearest-neighbor result. Distance is a cosine distance (lower
// is closer) or nil when the backend did not report one.
type Hit struct {
	ID       string
	Text     string
	Meta     Meta
	Distance *float64
}

// Validate checks the fields every stored item must carry.
func (h Hit) Validate() error {
	if h.Text == "" {
		return errEmptyText
	}
	if h.Meta.SourcePath == "" {
		return errEmptySource
	}
	return nil
}

// Record is one vector to store.
type Record struct {
	ID     string
	Vector []float32
	Text   string
	Meta   Meta
}

// Store is the vector index contract. Query never creates collections; a
// missing one yields domain.ErrCollectionNotFound.
type Store interface {
	HasCollection(ctx context.Context, name string) (bool, error)
	EnsureCollection(ctx context.Context, name string, dims int) error
	Upsert(ctx context.Context, name string, records []Record) error
	DeleteBySource(ctx context.Context, name, sourcePath string) error
	Query(ctx context.Context, name string, vector []float32, n int) ([]Hit, error)
	Close() error
}
