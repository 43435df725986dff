// Package vision runs the two-stage PPE pipeline: a general detector finds
// people, then a PPE detector classifies each person crop. Crop-local boxes
// are shifted back into original-image coordinates.
//
// Detections from overlapping person boxes are not deduplicated.
package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"sort"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/minesafe/whs-rag/engine/domain"
	"github.com/minesafe/whs-rag/pkg/detect"
	"github.com/minesafe/whs-rag/pkg/fn"
)

// Options configures both stages. PersonConfidence is independent of the
// caller's PPE threshold.
type Options struct {
	PersonClassID    int
	PersonConfidence float64
	MinPersonWidth   float64
	MinPersonHeight  float64
	DetectTimeout    time.Duration
	Retry            fn.RetryOpts
}

// DefaultOptions uses COCO class 0 at 0.35 and drops people under 80x140px.
func DefaultOptions() Options {
	return Options{
		PersonClassID:    0,
		PersonConfidence: 0.35,
		MinPersonWidth:   80,
		MinPersonHeight:  140,
		DetectTimeout:    30 * time.Second,
		Retry:            fn.DefaultRetry,
	}
}

// Pipeline is safe for concurrent use; every call is independent.
type Pipeline struct {
	person detect.Detector
	ppe    detect.Detector
	opts   Options
	logger *slog.Logger
}

// New creates a Pipeline from a person detector and a PPE detector.
func New(person, ppe detect.Detector, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	opts.Retry.Retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	return &Pipeline{person: person, ppe: ppe, opts: opts, logger: logger}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// DetectHazards returns PPE detections in original-image coordinates,
// sorted by confidence descending. conf applies to the PPE stage only.
// No qualifying person yields an empty result and no PPE calls.
func (p *Pipeline) DetectHazards(ctx context.Context, imageBytes []byte, conf float64) ([]domain.Detection, error) {
	if len(imageBytes) == 0 {
		return nil, domain.NewValidationError("file", "", domain.ErrEmptyImage)
	}
	if err := domain.ValidateThreshold(conf); err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, domain.NewValidationError("file", err.Error(), domain.ErrImageDecode)
	}
	bounds := img.Bounds()

	// 1. Localize people.
	people, err := p.findPeople(ctx, imageBytes, bounds)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("vision persons", "count", len(people), "format", format)
	if len(people) == 0 {
		return []domain.Detection{}, nil
	}

	si, ok := img.(subImager)
	if !ok {
		return nil, fmt.Errorf("vision: %s image cannot be cropped", format)
	}

	// 2. Classify PPE per person crop.
	detections := []domain.Detection{}
	for _, person := range people {
		found, err := p.classifyCrop(ctx, si, person, conf)
		if err != nil {
			return nil, err
		}
		detections = append(detections, found...)
	}

	// 3. Clamp to the image and order by confidence.
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	kept := detections[:0]
	for _, d := range detections {
		d.Box = d.Box.Clamp(w, h)
		if d.Box.Valid() {
			kept = append(kept, d)
		}
	}
	SortByConfidence(kept)
	return kept, nil
}

func (p *Pipeline) findPeople(ctx context.Context, imageBytes []byte, bounds image.Rectangle) ([]domain.PersonRegion, error) {
	resp, err := p.call(ctx, p.person, detect.Request{
		Image:      imageBytes,
		Confidence: p.opts.PersonConfidence,
		Classes:    []int{p.opts.PersonClassID},
	})
	if err != nil {
		return nil, fmt.Errorf("vision: person stage: %w", err)
	}

	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	var people []domain.PersonRegion
	for _, r := range resp.Detections {
		if r.ClassID != p.opts.PersonClassID {
			continue
		}
		box := toBox(r.Box)
		if box.Width() < p.opts.MinPersonWidth || box.Height() < p.opts.MinPersonHeight {
			continue
		}
		box = truncate(box).Clamp(w, h)
		if !box.Valid() {
			continue
		}
		people = append(people, domain.PersonRegion{Box: box})
	}
	return people, nil
}

func (p *Pipeline) classifyCrop(ctx context.Context, img subImager, person domain.PersonRegion, conf float64) ([]domain.Detection, error) {
	b := person.Box
	crop := img.SubImage(image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)))
	// SubImage keeps the parent's coordinates; PNG encoding rebases them to 0,0.
	var buf bytes.Buffer
	if err := png.Encode(&buf, crop); err != nil {
		return nil, fmt.Errorf("vision: encode crop: %w", err)
	}

	resp, err := p.call(ctx, p.ppe, detect.Request{Image: buf.Bytes(), Confidence: conf})
	if err != nil {
		return nil, fmt.Errorf("vision: ppe stage: %w", err)
	}

	var out []domain.Detection
	for _, r := range resp.Detections {
		label := domain.Label(resp.Name(r.ClassID))
		if !label.Valid() {
			continue
		}
		out = append(out, domain.Detection{
			Label:      label,
			Confidence: r.Confidence,
			Box:        Remap(toBox(r.Box), person.Box),
		})
	}
	return out, nil
}

func (p *Pipeline) call(ctx context.Context, d detect.Detector, req detect.Request) (detect.Response, error) {
	return fn.Call(ctx, p.opts.Retry, func(ctx context.Context) (detect.Response, error) {
		if p.opts.DetectTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.opts.DetectTimeout)
			defer cancel()
		}
		return d.Detect(ctx, req)
	})
}

// Remap shifts a crop-local box into image space by the person box's
// top-left corner. Both y values move by the same top-left y.
func Remap(local, person domain.Box) domain.Box {
	return local.Offset(person.X1, person.Y1)
}

// SortByConfidence orders detections by confidence, highest first. Equal
// confidences keep their input order.
func SortByConfidence(ds []domain.Detection) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].Confidence > ds[j].Confidence
	})
}

func toBox(xyxy [4]float64) domain.Box {
	return domain.Box{X1: xyxy[0], Y1: xyxy[1], X2: xyxy[2], Y2: xyxy[3]}
}

func truncate(b domain.Box) domain.Box {
	return domain.Box{X1: math.Trunc(b.X1), Y1: math.Trunc(b.Y1), X2: math.Trunc(b.X2), Y2: math.Trunc(b.Y2)}
}
