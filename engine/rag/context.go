package rag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/minesafe/whs-rag/engine/domain"
)

// blockSeparator joins numbered context blocks.
const blockSeparator = "\n\n---\n\n"

// Context is the numbered citation block handed to the generator. Marker
// [i] in Text always refers to References[i-1].
type Context struct {
	Text       string
	References []domain.Chunk
}

// Assemble numbers chunks in order, one block per chunk:
//
//	[i] {doc_type} | {filename} | page {page}
//	{text}
func Assemble(chunks []domain.Chunk) Context {
	blocks := make([]string, len(chunks))
	for i, c := range chunks {
		blocks[i] = fmt.Sprintf("%s\n%s", header(i+1, c), c.Text)
	}
	refs := make([]domain.Chunk, len(chunks))
	copy(refs, chunks)
	return Context{Text: strings.Join(blocks, blockSeparator), References: refs}
}

func header(i int, c domain.Chunk) string {
	return fmt.Sprintf("[%d] %s | %s | page %s", i, c.DocType, c.Filename(), c.PageLabel())
}

// headerRe only matches a header opening the text or following a block
// separator, so bracketed numbers inside chunk text are not block markers.
var headerRe = regexp.MustCompile(`(?:\A|` + regexp.QuoteMeta(blockSeparator) + `)\[(\d+)\] `)

// ParseMarkers returns the block numbers of an assembled context text in
// the order they appear.
func ParseMarkers(contextText string) []int {
	var out []int
	for _, m := range headerRe.FindAllStringSubmatch(contextText, -1) {
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	return out
}

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// Citations returns the distinct in-range [i] markers of an answer, in
// order of first appearance.
func Citations(answer string, refs int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > refs || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
