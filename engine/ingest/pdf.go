package ingest

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPages returns one Page per PDF page, numbered from 1. A page whose
// text cannot be extracted yields an empty Page instead of failing the file.
func ExtractPages(path string) ([]Page, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open pdf %s: %w", path, err)
	}
	defer f.Close()

	n := r.NumPage()
	pages := make([]Page, 0, n)
	for i := 1; i <= n; i++ {
		pages = append(pages, Page{
			SourcePath: path,
			PageNumber: i,
			Text:       strings.TrimSpace(pageText(r, i)),
		})
	}
	return pages, nil
}

// pageText extracts plain text, treating a parser panic on a malformed
// page as an empty page.
func pageText(r *pdf.Reader, i int) (text string) {
	defer func() {
		if rec := recover(); rec != nil {
			text = ""
		}
	}()
	p := r.Page(i)
	if p.V.IsNull() {
		return ""
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return text
}
