package ingest

import (
	"fmt"
	"strings"
	"testing"
)

func TestSplit_Short(t *testing.T) {
	got := NewSplitter().Split("  Wear a hard hat.  ")
	if len(got) != 1 || got[0] != "Wear a hard hat." {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestSplit_Empty(t *testing.T) {
	if got := NewSplitter().Split("   \n\n  "); len(got) != 0 {
		t.Fatalf("expected no chunks, got %q", got)
	}
}

func TestSplit_KeepsSeparatorOnFollowingPiece(t *testing.T) {
	sp := Splitter{Size: 10, Overlap: 0, Separators: DefaultSeparators}
	got := sp.Split("aaaa. bbbb. cccc")
	want := []string{"aaaa. bbbb", ". cccc"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSplit_RuneFallbackWithOverlap(t *testing.T) {
	sp := Splitter{Size: 3, Overlap: 1, Separators: []string{""}}
	got := sp.Split("abcdefg")
	want := []string{"abc", "cde", "efg"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSplit_ParagraphsMergedUpToSize(t *testing.T) {
	para := func(c string) string { return strings.TrimSpace(strings.Repeat(c+"xxx ", 75)) } // 299 runes
	text := para("a") + "\n\n" + para("b") + "\n\n" + para("c")

	got := NewSplitter().Split(text)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(got), got)
	}
	if !strings.HasPrefix(got[0], "axxx") || !strings.Contains(got[0], "bxxx") {
		t.Errorf("first chunk should hold paragraphs a and b: %q", got[0][:20])
	}
	if !strings.HasPrefix(got[1], "cxxx") {
		t.Errorf("second chunk should start with paragraph c: %q", got[1][:20])
	}
}

func TestSplit_LongLineBoundsAndOverlap(t *testing.T) {
	words := make([]string, 400)
	for i := range words {
		words[i] = fmt.Sprintf("w%03d", i)
	}
	text := strings.Join(words, " ")

	got := NewSplitter().Split(text)
	if len(got) < 3 {
		t.Fatalf("expected several chunks, got %d", len(got))
	}
	for i, c := range got {
		if runeLen(c) > DefaultChunkSize {
			t.Errorf("chunk %d has %d runes", i, runeLen(c))
		}
		if c != strings.TrimSpace(c) || c == "" {
			t.Errorf("chunk %d not trimmed or empty", i)
		}
	}
	for i := 0; i+1 < len(got); i++ {
		fields := strings.Fields(got[i])
		last := fields[len(fields)-1]
		if !strings.Contains(got[i+1], last) {
			t.Errorf("chunk %d does not overlap into chunk %d (missing %s)", i, i+1, last)
		}
	}
	joined := strings.Join(got, " ")
	for _, w := range words {
		if !strings.Contains(joined, w) {
			t.Fatalf("word %s lost", w)
		}
	}
}

func TestSplit_MultibyteCountsRunes(t *testing.T) {
	sp := Splitter{Size: 4, Overlap: 0, Separators: []string{""}}
	got := sp.Split("äöüßäöüß")
	if len(got) != 2 || got[0] != "äöüß" {
		t.Fatalf("unexpected chunks: %q", got)
	}
}
