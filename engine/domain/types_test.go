package domain

import (
	"encoding/json"
	"testing"
)

func TestLabelValid(t *testing.T) {
	for _, l := range Labels {
		if !l.Valid() {
			t.Errorf("%q should be valid", l)
		}
	}
	for _, l := range []Label{"undefined", "person", "", "Helmet"} {
		if l.Valid() {
			t.Errorf("%q should not be valid", l)
		}
	}
}

func TestLabelViolation(t *testing.T) {
	want := map[Label]bool{
		LabelHelmet: false, LabelNoHelmet: true,
		LabelVest: false, LabelNoVest: true,
		LabelBoots: false, LabelNoBoots: true,
	}
	for l, v := range want {
		if l.Violation() != v {
			t.Errorf("%q.Violation() = %v, want %v", l, l.Violation(), v)
		}
	}
}

func TestBoxOffsetAndClamp(t *testing.T) {
	b := Box{X1: 10, Y1: 10, X2: 60, Y2: 60}.Offset(100, 50)
	if b != (Box{X1: 110, Y1: 60, X2: 160, Y2: 110}) {
		t.Fatalf("unexpected offset box: %+v", b)
	}
	c := Box{X1: -5, Y1: 3, X2: 200, Y2: 90}.Clamp(150, 80)
	if c != (Box{X1: 0, Y1: 3, X2: 150, Y2: 80}) {
		t.Fatalf("unexpected clamped box: %+v", c)
	}
	if (Box{X1: 5, Y1: 5, X2: 5, Y2: 9}).Valid() {
		t.Error("zero-width box should be invalid")
	}
}

func TestDetectionJSON(t *testing.T) {
	d := Detection{Label: LabelNoVest, Confidence: 0.5, Box: Box{X1: 1, Y1: 2, X2: 3, Y2: 4}}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"label":"no-vest","conf":0.5,"box_xyxy":[1,2,3,4]}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
	var back Detection
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != d {
		t.Errorf("decoded %+v, want %+v", back, d)
	}
}

func TestChunkProvenance(t *testing.T) {
	page := 3
	c := Chunk{SourcePath: "data/raw/manuals/ventilation.pdf", PageNumber: &page}
	if c.Filename() != "ventilation.pdf" {
		t.Errorf("Filename() = %q", c.Filename())
	}
	if c.PageLabel() != "3" {
		t.Errorf("PageLabel() = %q", c.PageLabel())
	}
	if (Chunk{}).PageLabel() != "unknown" || (Chunk{}).Filename() != "" {
		t.Error("empty chunk should render unknown page and empty filename")
	}
}

func TestHazardSummaryString(t *testing.T) {
	s := HazardSummary{
		Counts:    map[Label]int{LabelHelmet: 2, LabelNoVest: 1},
		RiskLevel: RiskElevated,
	}
	want := "Detected: helmet=2, no-helmet=0, vest=0, no-vest=1, boots=0, no-boots=0. risk_level=elevated."
	if s.String() != want {
		t.Errorf("got %q\nwant %q", s.String(), want)
	}
	if s.Violations() != 1 {
		t.Errorf("Violations() = %d", s.Violations())
	}
}
