package domain

import "time"

// ExerciseRecord is an entry of the user's exercise log.
type ExerciseRecord struct {
	ID              string    `json:"id"`
	ExerciseName    string    `json:"exercise_name"`
	CaloriesBurned  int       `json:"calories_burned"`
	DurationMinutes int       `json:"duration"`
	Date            time.Time `json:"date"`
	Notes           string    `json:"notes,omitempty"`
}

// DailySteps is the step-log total for one calendar day.
type DailySteps struct {
	Date      string    `json:"date"`
	Steps     int64     `json:"steps"`
	UpdatedAt time.Time `json:"updated_at"`
}
