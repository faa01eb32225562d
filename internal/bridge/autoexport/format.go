package autoexport

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the timestamp format written by Health Auto Export.
const DateLayout = "2006-01-02 15:04:05 -0700"

// Timestamp decodes Auto Export date strings.
type Timestamp struct {
	t time.Time
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	ts.t = t
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.t.Format(DateLayout))
}

// Time returns the decoded instant.
func (ts *Timestamp) Time() time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.t
}

// Export is the top-level document of an export file.
type Export struct {
	Data struct {
		Metrics  []Metric  `json:"metrics"`
		Workouts []Workout `json:"workouts"`
	} `json:"data"`
}

// Metric is a named series of samples.
type Metric struct {
	Name  string   `json:"name"`
	Units string   `json:"units"`
	Data  []Sample `json:"data"`
}

// Sample is one metric entry. Quantity metrics fill Qty, heart rate fills
// Min/Avg/Max and sleep analysis fills the sleep fields.
type Sample struct {
	Date       *Timestamp `json:"date"`
	Qty        float64    `json:"qty"`
	Min        float64    `json:"Min"`
	Avg        float64    `json:"Avg"`
	Max        float64    `json:"Max"`
	Asleep     float64    `json:"asleep"`
	InBed      float64    `json:"inBed"`
	SleepStart *Timestamp `json:"sleepStart"`
	SleepEnd   *Timestamp `json:"sleepEnd"`
	Source     string     `json:"source"`
}

// QtyUnit is a quantity with unit.
type QtyUnit struct {
	Qty   float64 `json:"qty"`
	Units string  `json:"units"`
}

// Workout is an exported workout.
type Workout struct {
	Name         string     `json:"name"`
	Start        *Timestamp `json:"start"`
	End          *Timestamp `json:"end"`
	Duration     float64    `json:"duration"`
	ActiveEnergy *QtyUnit   `json:"activeEnergy"`
	Distance     *QtyUnit   `json:"distance"`
	Source       string     `json:"source"`
}
