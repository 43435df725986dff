package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/minesafe/whs-rag/engine/domain"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "manuals", "b.pdf"), 1)
	writeFile(t, filepath.Join(root, "manuals", "a.pdf"), 1)
	writeFile(t, filepath.Join(root, "manuals", "notes.txt"), 1)
	writeFile(t, filepath.Join(root, "incidents", "x.pdf"), 1)

	got, err := Discover(root, Collections{Manuals: "manuals", Incidents: "incidents"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 sources, got %+v", got)
	}
	if filepath.Base(got[0].Path) != "a.pdf" || got[0].DocType != domain.DocTypeManual {
		t.Errorf("unexpected first source: %+v", got[0])
	}
	if got[2].DocType != domain.DocTypeIncident || got[2].Collection != "incidents" {
		t.Errorf("unexpected incident source: %+v", got[2])
	}
}

func TestValidateRawData_Passes(t *testing.T) {
	root := t.TempDir()
	for _, n := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(root, "manuals", n+".pdf"), 400<<10)
	}
	writeFile(t, filepath.Join(root, "incidents", "1.pdf"), 10)
	writeFile(t, filepath.Join(root, "incidents", "2.pdf"), 10)

	r, err := ValidateRawData(root)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.ManualPDFs != 3 || r.IncidentPDFs != 2 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if !strings.Contains(r.String(), "manual_pdfs=3") {
		t.Errorf("unexpected report string: %s", r)
	}
}

func TestValidateRawData_Fails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "manuals", "a.pdf"), 10)

	_, err := ValidateRawData(root)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"manual PDFs", "incident PDFs", "MiB"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestExtractPages_MissingFile(t *testing.T) {
	if _, err := ExtractPages(filepath.Join(t.TempDir(), "nope.pdf")); err == nil {
		t.Fatal("expected error")
	}
}
