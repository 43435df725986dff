// Package domain defines the request-scoped value types shared by the
// retrieval and vision pipelines, plus the validation gate applied at
// their entry points.
package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// DocType labels the corpus a chunk came from.
type DocType string

const (
	DocTypeManual   DocType = "manual"
	DocTypeIncident DocType = "incident"
)

// Chunk is one retrieved passage with provenance. Score is a vector distance
// (lower is more relevant) or nil when the index did not report one.
type Chunk struct {
	Text       string   `json:"text"`
	DocType    DocType  `json:"doc_type"`
	SourcePath string   `json:"source_path"`
	PageNumber *int     `json:"page_number"`
	Score      *float64 `json:"score"`
}

// Filename returns the base name of the chunk's source document.
func (c Chunk) Filename() string {
	if c.SourcePath == "" {
		return ""
	}
	return filepath.Base(c.SourcePath)
}

// PageLabel renders the page number for citation headers.
func (c Chunk) PageLabel() string {
	if c.PageNumber == nil {
		return "unknown"
	}
	return strconv.Itoa(*c.PageNumber)
}

// Label is a PPE class emitted by the PPE detector.
type Label string

const (
	LabelHelmet   Label = "helmet"
	LabelNoHelmet Label = "no-helmet"
	LabelVest     Label = "vest"
	LabelNoVest   Label = "no-vest"
	LabelBoots    Label = "boots"
	LabelNoBoots  Label = "no-boots"
)

// Labels lists the accepted PPE labels in summary order.
var Labels = []Label{LabelHelmet, LabelNoHelmet, LabelVest, LabelNoVest, LabelBoots, LabelNoBoots}

// Valid reports whether l belongs to the accepted label set.
func (l Label) Valid() bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

// Violation reports whether l marks missing PPE.
func (l Label) Violation() bool {
	return l == LabelNoHelmet || l == LabelNoVest || l == LabelNoBoots
}

// Box is an axis-aligned rectangle (x1,y1,x2,y2) in pixel coordinates.
type Box struct {
	X1, Y1, X2, Y2 float64
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Valid reports whether the box has positive area.
func (b Box) Valid() bool { return b.X1 < b.X2 && b.Y1 < b.Y2 }

// Offset translates both corners by (dx, dy).
func (b Box) Offset(dx, dy float64) Box {
	return Box{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

// Clamp limits the box to [0,w]x[0,h].
func (b Box) Clamp(w, h float64) Box {
	return Box{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// MarshalJSON encodes the box as [x1, y1, x2, y2].
func (b Box) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X1, b.Y1, b.X2, b.Y2})
}

// UnmarshalJSON decodes a [x1, y1, x2, y2] array.
func (b *Box) UnmarshalJSON(data []byte) error {
	var xyxy [4]float64
	if err := json.Unmarshal(data, &xyxy); err != nil {
		return fmt.Errorf("box: %w", err)
	}
	*b = Box{X1: xyxy[0], Y1: xyxy[1], X2: xyxy[2], Y2: xyxy[3]}
	return nil
}

// Detection is one PPE finding in original-image coordinates.
type Detection struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"conf"`
	Box        Box     `json:"box_xyxy"`
}

// PersonRegion is a stage-one person box. It never leaves a single
// vision pipeline invocation.
type PersonRegion struct {
	Box Box
}

// RiskLevel is the coarse hazard tag attached to a summary. There is no
// compliant level: absence of violations does not prove compliance.
type RiskLevel string

const (
	RiskElevated RiskLevel = "elevated"
	RiskUnknown  RiskLevel = "unknown"
)

// HazardSummary aggregates PPE label counts for one image.
type HazardSummary struct {
	Counts    map[Label]int `json:"counts"`
	RiskLevel RiskLevel     `json:"risk_level"`
}

// Count returns the number of detections for l (zero when absent).
func (s HazardSummary) Count(l Label) int { return s.Counts[l] }

// Violations is the total of no-helmet, no-vest and no-boots.
func (s HazardSummary) Violations() int {
	return s.Count(LabelNoHelmet) + s.Count(LabelNoVest) + s.Count(LabelNoBoots)
}

// String renders the summary in the form embedded into synthesized queries.
func (s HazardSummary) String() string {
	parts := make([]string, len(Labels))
	for i, l := range Labels {
		parts[i] = fmt.Sprintf("%s=%d", l, s.Count(l))
	}
	return fmt.Sprintf("Detected: %s. risk_level=%s.", strings.Join(parts, ", "), s.RiskLevel)
}
