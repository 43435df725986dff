package ingest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/minesafe/whs-rag/engine/domain"
)

// Raw data layout: <root>/manuals/*.pdf and <root>/incidents/*.pdf.
const (
	ManualsDir   = "manuals"
	IncidentsDir = "incidents"
)

// Corpus minimums checked by ValidateRawData.
const (
	MinManualPDFs   = 3
	MinIncidentPDFs = 2
	MinManualBytes  = 1 << 20
)

// Collections maps doc types to index collection names.
type Collections struct {
	Manuals   string
	Incidents string
}

// Discover lists the PDFs under root, manuals first, each group sorted by path.
func Discover(root string, cols Collections) ([]Source, error) {
	var out []Source
	for _, g := range []struct {
		dir        string
		docType    domain.DocType
		collection string
	}{
		{ManualsDir, domain.DocTypeManual, cols.Manuals},
		{IncidentsDir, domain.DocTypeIncident, cols.Incidents},
	} {
		paths, err := filepath.Glob(filepath.Join(root, g.dir, "*.pdf"))
		if err != nil {
			return nil, fmt.Errorf("ingest: discover %s: %w", g.dir, err)
		}
		sort.Strings(paths)
		for _, p := range paths {
			out = append(out, Source{Path: p, DocType: g.docType, Collection: g.collection})
		}
	}
	return out, nil
}

// DataReport describes the raw corpus on disk.
type DataReport struct {
	ManualPDFs    int
	ManualBytes   int64
	IncidentPDFs  int
	IncidentBytes int64
}

func (r DataReport) String() string {
	return fmt.Sprintf("manual_pdfs=%d manual_mb=%.1f incident_pdfs=%d incident_mb=%.1f",
		r.ManualPDFs, mb(r.ManualBytes), r.IncidentPDFs, mb(r.IncidentBytes))
}

func mb(n int64) float64 { return float64(n) / (1 << 20) }

// ValidateRawData checks that root holds enough source material to ingest.
// The report is returned even when validation fails.
func ValidateRawData(root string) (DataReport, error) {
	var r DataReport
	var err error
	if r.ManualPDFs, r.ManualBytes, err = countPDFs(filepath.Join(root, ManualsDir)); err != nil {
		return r, err
	}
	if r.IncidentPDFs, r.IncidentBytes, err = countPDFs(filepath.Join(root, IncidentsDir)); err != nil {
		return r, err
	}

	var errs []error
	if r.ManualPDFs < MinManualPDFs {
		errs = append(errs, fmt.Errorf("need at least %d manual PDFs, found %d", MinManualPDFs, r.ManualPDFs))
	}
	if r.IncidentPDFs < MinIncidentPDFs {
		errs = append(errs, fmt.Errorf("need at least %d incident PDFs, found %d", MinIncidentPDFs, r.IncidentPDFs))
	}
	if r.ManualBytes < MinManualBytes {
		errs = append(errs, fmt.Errorf("manual PDFs total %.1f MiB, want at least 1 MiB", mb(r.ManualBytes)))
	}
	return r, errors.Join(errs...)
}

func countPDFs(dir string) (int, int64, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.pdf"))
	if err != nil {
		return 0, 0, fmt.Errorf("ingest: scan %s: %w", dir, err)
	}
	var total int64
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return 0, 0, fmt.Errorf("ingest: stat %s: %w", p, err)
		}
		total += info.Size()
	}
	return len(paths), total, nil
}
