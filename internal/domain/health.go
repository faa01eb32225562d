// Package domain contains the health sync data model shared by every component.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// MetricKind enumerates the health measurements the engine understands.
type MetricKind string

const (
	KindSteps          MetricKind = "steps"
	KindHeartRate      MetricKind = "heart_rate"
	KindActiveCalories MetricKind = "active_calories"
	KindDistance       MetricKind = "distance"
	KindSleep          MetricKind = "sleep"
	KindWorkout        MetricKind = "workout"
)

// AllKinds lists every metric kind in a stable order.
var AllKinds = []MetricKind{KindSteps, KindHeartRate, KindActiveCalories, KindDistance, KindSleep, KindWorkout}

// Valid reports whether k is a known metric kind.
func (k MetricKind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseMetricKind converts user input into a MetricKind.
func ParseMetricKind(value string) (MetricKind, error) {
	kind := MetricKind(strings.ToLower(strings.TrimSpace(value)))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown metric kind %q", ErrConversion, value)
	}
	return kind, nil
}

// Backend identifies which platform health store is active.
type Backend string

const (
	BackendHealthKit     Backend = "healthkit"
	BackendHealthConnect Backend = "health_connect"
)

// TimeRange is a half-open [Start, End) window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Today returns the window from local midnight to now.
func Today(now time.Time) TimeRange {
	return TimeRange{Start: StartOfDay(now), End: now}
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DateKey formats the calendar day of t as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// HealthDataPoint is a single raw sample produced by a provider.
type HealthDataPoint struct {
	Kind   MetricKind `json:"metricType"`
	Value  float64    `json:"value"`
	Unit   string     `json:"unit"`
	Start  time.Time  `json:"startTime"`
	End    time.Time  `json:"endTime"`
	Source string     `json:"source"`
}

// WorkoutSession is a workout discovered on the platform store. Type holds the
// normalized activity name; RawType keeps the platform code it was derived from.
type WorkoutSession struct {
	Type            string    `json:"type"`
	RawType         string    `json:"rawType,omitempty"`
	Start           time.Time `json:"startTime"`
	End             time.Time `json:"endTime"`
	DurationMinutes float64   `json:"durationMinutes"`
	Calories        float64   `json:"calories"`
	Distance        *float64  `json:"distance,omitempty"`
	Source          string    `json:"source"`
}

// AggregatedMetric is the reconciled value for one metric kind.
type AggregatedMetric struct {
	Kind          MetricKind `json:"metricType"`
	Value         float64    `json:"value"`
	Unit          string     `json:"unit"`
	PrimarySource string     `json:"primarySource,omitempty"`
	SampleCount   int        `json:"sampleCount"`
}

// SyncResult is returned by every orchestrated sync.
type SyncResult struct {
	Success   bool                            `json:"success"`
	Timestamp time.Time                       `json:"timestamp"`
	Metrics   map[MetricKind]AggregatedMetric `json:"aggregatedMetrics,omitempty"`
	Error     string                          `json:"error,omitempty"`
}

// ConnectionStatus describes the persisted link to the platform store.
type ConnectionStatus struct {
	Connected            bool         `json:"connected"`
	ActiveBackend        *Backend     `json:"activeBackend,omitempty"`
	LastSyncTime         *time.Time   `json:"lastSyncTime,omitempty"`
	GrantedPermissions   []MetricKind `json:"grantedPermissions"`
	AvailableMetricKinds []MetricKind `json:"availableMetricKinds"`
}

// NewConnectionStatus derives Connected from the granted permission set.
func NewConnectionStatus(backend Backend, granted, available []MetricKind) ConnectionStatus {
	b := backend
	return ConnectionStatus{
		Connected:            len(granted) > 0,
		ActiveBackend:        &b,
		GrantedPermissions:   append([]MetricKind{}, granted...),
		AvailableMetricKinds: append([]MetricKind{}, available...),
	}
}

// Granted reports whether permission for kind was granted.
func (s ConnectionStatus) Granted(kind MetricKind) bool {
	for _, k := range s.GrantedPermissions {
		if k == kind {
			return true
		}
	}
	return false
}
