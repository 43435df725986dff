package ingest

import (
	"fmt"
	"path/filepath"

	"github.com/minesafe/whs-rag/engine/domain"
)

// Source is one PDF to ingest and the collection it belongs to.
type Source struct {
	Path       string         `json:"path"`
	DocType    domain.DocType `json:"doc_type"`
	Collection string         `json:"collection"`
}

// Page is the extracted text of one PDF page. PageNumber is 1-based.
type Page struct {
	SourcePath string `json:"source_path"`
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// ChunkRecord is one embeddable piece of a page.
type ChunkRecord struct {
	DocType    domain.DocType `json:"doc_type"`
	SourcePath string         `json:"source_path"`
	PageNumber int            `json:"page_number"`
	ChunkID    string         `json:"chunk_id"`
	Text       string         `json:"text"`
}

// chunkID renders "<file>:<page>:<idx>".
func chunkID(sourcePath string, page, idx int) string {
	return fmt.Sprintf("%s:%d:%d", filepath.Base(sourcePath), page, idx)
}

// ExtractedDoc is a source after page extraction.
type ExtractedDoc struct {
	Source
	Pages []Page
}

// ChunkedDoc is an extracted document split into chunk records.
type ChunkedDoc struct {
	Source
	Chunks []ChunkRecord
}

// EmbeddedDoc is a chunked document with one vector per chunk.
type EmbeddedDoc struct {
	ChunkedDoc
	Vectors [][]float32
}

// Result summarizes one ingested file.
type Result struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
	Chunks     int    `json:"chunks"`
}
