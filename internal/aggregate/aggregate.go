// Package aggregate reduces raw multi-source samples into one reconciled value per metric.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"example.com/healthsync/internal/domain"
)

// DefaultWearables are the source-name fragments treated as wrist or ring devices.
var DefaultWearables = []string{
	"apple watch",
	"fitbit",
	"garmin",
	"wear os",
	"galaxy watch",
	"pixel watch",
	"oura",
	"whoop",
	"polar",
	"suunto",
	"amazfit",
	"mi band",
	"withings",
	"coros",
}

var defaultUnits = map[domain.MetricKind]string{
	domain.KindSteps:          "count",
	domain.KindHeartRate:      "bpm",
	domain.KindActiveCalories: "kcal",
	domain.KindDistance:       "m",
	domain.KindSleep:          "min",
	domain.KindWorkout:        "min",
}

// Options configures an Engine.
type Options struct {
	Wearables      []string
	PreferWearable bool
}

// Engine applies interval deduplication and source arbitration.
type Engine struct {
	wearables      []string
	preferWearable bool
}

// New builds an Engine. An empty wearable list falls back to DefaultWearables.
func New(opts Options) *Engine {
	names := opts.Wearables
	if len(names) == 0 {
		names = DefaultWearables
	}
	folded := make([]string, 0, len(names))
	for _, name := range names {
		name = fold(strings.TrimSpace(name))
		if name != "" {
			folded = append(folded, name)
		}
	}
	return &Engine{wearables: folded, preferWearable: opts.PreferWearable}
}

// WithPreferWearable returns a copy of e with the arbitration mode replaced.
func (e *Engine) WithPreferWearable(prefer bool) *Engine {
	cp := *e
	cp.preferWearable = prefer
	return &cp
}

// fold allocates a Caser per call; Casers keep state and must not be shared.
func fold(s string) string {
	return cases.Fold().String(s)
}

// IsWearable reports whether source names a known wearable.
func (e *Engine) IsWearable(source string) bool {
	name := fold(source)
	for _, w := range e.wearables {
		if strings.Contains(name, w) {
			return true
		}
	}
	return false
}

// SourceTotal is the deduplicated total of a single source.
type SourceTotal struct {
	Source   string
	Total    float64
	Samples  int
	Wearable bool
}

// Reconcile sums samples of one source, discarding time already covered by an
// earlier sample. A partially overlapping sample is credited pro rata for the
// portion after the previous end time.
func Reconcile(points []domain.HealthDataPoint) float64 {
	sorted := append([]domain.HealthDataPoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	var (
		total   float64
		lastEnd time.Time
	)
	for _, p := range sorted {
		switch {
		case !p.Start.Before(lastEnd):
			total += p.Value
		case p.End.After(lastEnd):
			span := p.End.Sub(p.Start)
			if span > 0 {
				total += p.Value * float64(p.End.Sub(lastEnd)) / float64(span)
			}
		default:
			continue
		}
		if p.End.After(lastEnd) {
			lastEnd = p.End
		}
	}
	return total
}

// SourceTotals groups points by source and reconciles each group. Sources are
// returned in the order they first appear in points.
func (e *Engine) SourceTotals(points []domain.HealthDataPoint) []SourceTotal {
	order := make([]string, 0)
	groups := make(map[string][]domain.HealthDataPoint)
	for _, p := range points {
		if _, ok := groups[p.Source]; !ok {
			order = append(order, p.Source)
		}
		groups[p.Source] = append(groups[p.Source], p)
	}

	totals := make([]SourceTotal, 0, len(order))
	for _, source := range order {
		totals = append(totals, SourceTotal{
			Source:   source,
			Total:    Reconcile(groups[source]),
			Samples:  len(groups[source]),
			Wearable: e.IsWearable(source),
		})
	}
	return totals
}

// Primary picks the source whose total represents the metric. With wearable
// preference on, the wearable with the greatest nonzero total wins, otherwise
// the first non-wearable with a nonzero total. Ties go to the earlier source.
func (e *Engine) Primary(totals []SourceTotal) (SourceTotal, bool) {
	if !e.preferWearable {
		return greatest(totals, func(SourceTotal) bool { return true })
	}
	if best, ok := greatest(totals, func(t SourceTotal) bool { return t.Wearable }); ok {
		return best, true
	}
	for _, t := range totals {
		if !t.Wearable && t.Total > 0 {
			return t, true
		}
	}
	return SourceTotal{}, false
}

func greatest(totals []SourceTotal, eligible func(SourceTotal) bool) (SourceTotal, bool) {
	var (
		best  SourceTotal
		found bool
	)
	for _, t := range totals {
		if !eligible(t) || t.Total <= 0 {
			continue
		}
		if !found || t.Total > best.Total {
			best, found = t, true
		}
	}
	return best, found
}

// AverageNonZero averages the samples whose value is not zero.
func AverageNonZero(points []domain.HealthDataPoint) float64 {
	var (
		sum   float64
		count int
	)
	for _, p := range points {
		if p.Value == 0 {
			continue
		}
		sum += p.Value
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Sum adds every sample without deduplication.
func Sum(points []domain.HealthDataPoint) float64 {
	var total float64
	for _, p := range points {
		total += p.Value
	}
	return total
}

// Aggregate reduces points of one kind into an AggregatedMetric.
func (e *Engine) Aggregate(kind domain.MetricKind, points []domain.HealthDataPoint) domain.AggregatedMetric {
	out := domain.AggregatedMetric{
		Kind:        kind,
		Unit:        unitFor(kind, points),
		SampleCount: len(points),
	}
	switch kind {
	case domain.KindSteps, domain.KindDistance:
		if primary, ok := e.Primary(e.SourceTotals(points)); ok {
			out.Value = primary.Total
			out.PrimarySource = primary.Source
		}
	case domain.KindHeartRate:
		out.Value = AverageNonZero(points)
	default:
		out.Value = Sum(points)
	}
	return out
}

func unitFor(kind domain.MetricKind, points []domain.HealthDataPoint) string {
	for _, p := range points {
		if p.Unit != "" {
			return p.Unit
		}
	}
	return defaultUnits[kind]
}

// WorkoutPoints converts sessions into duration samples so workouts can be
// aggregated like any other kind.
func WorkoutPoints(sessions []domain.WorkoutSession) []domain.HealthDataPoint {
	points := make([]domain.HealthDataPoint, 0, len(sessions))
	for _, s := range sessions {
		points = append(points, domain.HealthDataPoint{
			Kind:   domain.KindWorkout,
			Value:  s.DurationMinutes,
			Unit:   "min",
			Start:  s.Start,
			End:    s.End,
			Source: s.Source,
		})
	}
	return points
}
