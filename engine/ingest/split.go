package ingest

import (
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize is the maximum characters per chunk.
	DefaultChunkSize = 800
	// DefaultOverlap is the characters shared between neighbouring chunks.
	DefaultOverlap = 200
)

// DefaultSeparators are tried in order, coarsest first. "" splits into runes.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter is a recursive character splitter. Text is cut on the first
// separator present; pieces still longer than Size are cut again with the
// next separator. Adjacent small pieces are merged back up to Size, carrying
// up to Overlap characters into the next chunk. Separators stay attached to
// the start of the piece that follows them. Lengths count runes.
type Splitter struct {
	Size       int
	Overlap    int
	Separators []string
}

// NewSplitter returns the default 800/200 splitter.
func NewSplitter() Splitter {
	return Splitter{Size: DefaultChunkSize, Overlap: DefaultOverlap, Separators: DefaultSeparators}
}

// Split returns trimmed, non-empty chunks of text.
func (s Splitter) Split(text string) []string {
	if s.Size <= 0 {
		s.Size = DefaultChunkSize
	}
	if s.Overlap < 0 || s.Overlap >= s.Size {
		s.Overlap = 0
	}
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return s.split(text, seps)
}

func (s Splitter) split(text string, seps []string) []string {
	sep := seps[len(seps)-1]
	var next []string
	for i, c := range seps {
		if c == "" {
			sep = c
			break
		}
		if strings.Contains(text, c) {
			sep = c
			next = seps[i+1:]
			break
		}
	}

	var out, good []string
	for _, piece := range splitKeep(text, sep) {
		if runeLen(piece) < s.Size {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, s.merge(good)...)
			good = nil
		}
		if len(next) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, s.split(piece, next)...)
		}
	}
	if len(good) > 0 {
		out = append(out, s.merge(good)...)
	}
	return out
}

// splitKeep splits text on sep, keeping each separator at the start of the
// following piece. Empty pieces are dropped.
func splitKeep(text, sep string) []string {
	var parts []string
	if sep == "" {
		for _, r := range text {
			parts = append(parts, string(r))
		}
		return parts
	}
	raw := strings.Split(text, sep)
	if raw[0] != "" {
		parts = append(parts, raw[0])
	}
	for _, p := range raw[1:] {
		parts = append(parts, sep+p)
	}
	return parts
}

// merge packs pieces into chunks of at most Size runes with Overlap carry.
func (s Splitter) merge(pieces []string) []string {
	var chunks, current []string
	total := 0
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > s.Size && len(current) > 0 {
			if c := join(current); c != "" {
				chunks = append(chunks, c)
			}
			for total > s.Overlap || (total+n > s.Size && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if c := join(current); c != "" {
		chunks = append(chunks, c)
	}
	return chunks
}

func join(pieces []string) string {
	return strings.TrimSpace(strings.Join(pieces, ""))
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
