// Package metrics is a small Prometheus-compatible registry. Counters,
// gauges and histograms are grouped into families by base name; each label
// combination is its own series, rendered in the text exposition format.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are latency buckets in seconds, sized for model calls.
var DefaultBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Counter is a monotonically increasing counter.
type Counter struct{ val atomic.Int64 }

func (c *Counter) Inc()         { c.val.Add(1) }
func (c *Counter) Add(n int64)  { c.val.Add(n) }
func (c *Counter) Value() int64 { return c.val.Load() }

// Gauge can go up and down.
type Gauge struct{ val atomic.Int64 }

func (g *Gauge) Set(n int64)  { g.val.Store(n) }
func (g *Gauge) Inc()         { g.val.Add(1) }
func (g *Gauge) Dec()         { g.val.Add(-1) }
func (g *Gauge) Value() int64 { return g.val.Load() }

// Histogram tracks the distribution of observed values using fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64 // non-cumulative, one per bucket
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *Histogram {
	b := make([]float64, len(buckets))
	copy(b, buckets)
	sort.Float64s(b)
	return &Histogram{buckets: b, counts: make([]uint64, len(b))}
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	if i := sort.SearchFloat64s(h.buckets, v); i < len(h.buckets) {
		h.counts[i]++
	}
}

// Since observes the seconds elapsed since t.
func (h *Histogram) Since(t time.Time) {
	h.Observe(time.Since(t).Seconds())
}

func (h *Histogram) snapshot() (buckets []float64, cumulative []uint64, sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cumulative = make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		cumulative[i] = running
	}
	return h.buckets, cumulative, h.sum, h.count
}

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// family is every series sharing one base name.
type family struct {
	kind   kind
	help   string
	series map[string]any // label string -> *Counter | *Gauge | *Histogram
}

// Registry holds named metrics.
type Registry struct {
	mu       sync.Mutex
	families map[string]*family
	order    []string
}

// New creates a new Registry.
func New() *Registry {
	return &Registry{families: make(map[string]*family)}
}

// get returns the series for name, creating it with mk on first use. A name
// registered under a different kind panics: that is a programming error.
func (r *Registry) get(name, help string, k kind, mk func() any) any {
	base, labels := split(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[base]
	if !ok {
		f = &family{kind: k, series: make(map[string]any)}
		r.families[base] = f
		r.order = append(r.order, base)
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", base, f.kind, k))
	}
	if f.help == "" {
		f.help = help
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

// Counter returns (or creates) a counter. Labels may be baked into the
// name with WithLabels.
func (r *Registry) Counter(name, help string) *Counter {
	return r.get(name, help, kindCounter, func() any { return &Counter{} }).(*Counter)
}

// Gauge returns (or creates) a gauge.
func (r *Registry) Gauge(name, help string) *Gauge {
	return r.get(name, help, kindGauge, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram returns (or creates) a histogram. Nil buckets use DefaultBuckets.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets
	}
	return r.get(name, help, kindHistogram, func() any { return newHistogram(buckets) }).(*Histogram)
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// WithLabels returns a metric name with labels appended, e.g.
// WithLabels("foo", "k", "v") => `foo{k="v"}`. Odd pairs are ignored.
func WithLabels(name string, kvs ...string) string {
	if len(kvs) < 2 {
		return name
	}
	pairs := make([]string, 0, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, kvs[i], labelEscaper.Replace(kvs[i+1])))
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

// split separates `foo{k="v"}` into "foo" and `k="v"`.
func split(name string) (base, labels string) {
	i := strings.IndexByte(name, '{')
	if i == -1 || !strings.HasSuffix(name, "}") {
		return name, ""
	}
	return name[:i], name[i+1 : len(name)-1]
}

func braced(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

// Render returns the Prometheus text exposition format output. Families
// appear in registration order, series sorted by labels.
func (r *Registry) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	for _, base := range r.order {
		f := r.families[base]
		if f.help != "" {
			fmt.Fprintf(&b, "# HELP %s %s\n", base, f.help)
		}
		fmt.Fprintf(&b, "# TYPE %s %s\n", base, f.kind)

		labelSets := make([]string, 0, len(f.series))
		for l := range f.series {
			labelSets = append(labelSets, l)
		}
		sort.Strings(labelSets)

		for _, l := range labelSets {
			switch s := f.series[l].(type) {
			case *Counter:
				fmt.Fprintf(&b, "%s%s %d\n", base, braced(l), s.Value())
			case *Gauge:
				fmt.Fprintf(&b, "%s%s %d\n", base, braced(l), s.Value())
			case *Histogram:
				renderHistogram(&b, base, l, s)
			}
		}
	}
	return b.String()
}

func renderHistogram(b *strings.Builder, base, labels string, h *Histogram) {
	extra := ""
	if labels != "" {
		extra = "," + labels
	}
	buckets, cumulative, sum, count := h.snapshot()
	for i, le := range buckets {
		fmt.Fprintf(b, "%s_bucket{le=\"%g\"%s} %d\n", base, le, extra, cumulative[i])
	}
	fmt.Fprintf(b, "%s_bucket{le=\"+Inf\"%s} %d\n", base, extra, count)
	fmt.Fprintf(b, "%s_sum%s %g\n", base, braced(labels), sum)
	fmt.Fprintf(b, "%s_count%s %d\n", base, braced(labels), count)
}

// Handler returns an http.Handler that serves the rendered registry.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write([]byte(r.Render()))
	})
}
