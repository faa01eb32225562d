package domain

import (
	"encoding/json"
	"fmt"
)

// MinSyncIntervalMinutes is the shortest background interval the host scheduler honours.
const MinSyncIntervalMinutes = 15

// SyncSettings are the user-controlled sync toggles.
type SyncSettings struct {
	Enabled                 bool `json:"enabled"`
	SyncSteps               bool `json:"syncSteps"`
	SyncHeartRate           bool `json:"syncHeartRate"`
	SyncActiveCalories      bool `json:"syncActiveCalories"`
	SyncWorkouts            bool `json:"syncWorkouts"`
	SyncSleep               bool `json:"syncSleep"`
	AutoSync                bool `json:"autoSync"`
	SyncIntervalMinutes     int  `json:"syncIntervalMinutes"`
	PreferWearableOverPhone bool `json:"preferWearableOverPhone"`
}

// DefaultSyncSettings returns the settings used when nothing is persisted.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		Enabled:                 true,
		SyncSteps:               true,
		SyncHeartRate:           true,
		SyncActiveCalories:      true,
		SyncWorkouts:            true,
		SyncSleep:               true,
		AutoSync:                true,
		SyncIntervalMinutes:     MinSyncIntervalMinutes,
		PreferWearableOverPhone: true,
	}
}

// MergeSettings overlays a possibly partial persisted blob on the defaults.
// Keys absent from raw keep their default value.
func MergeSettings(raw []byte) (SyncSettings, error) {
	settings := DefaultSyncSettings()
	if len(raw) == 0 {
		return settings, nil
	}
	if err := json.Unmarshal(raw, &settings); err != nil {
		return DefaultSyncSettings(), fmt.Errorf("%w: settings blob: %v", ErrConversion, err)
	}
	settings.normalize()
	return settings, nil
}

func (s *SyncSettings) normalize() {
	if s.SyncIntervalMinutes < MinSyncIntervalMinutes {
		s.SyncIntervalMinutes = MinSyncIntervalMinutes
	}
}

// EnabledKinds lists the metric kinds the user wants synced.
func (s SyncSettings) EnabledKinds() []MetricKind {
	if !s.Enabled {
		return nil
	}
	kinds := make([]MetricKind, 0, 5)
	if s.SyncSteps {
		kinds = append(kinds, KindSteps)
	}
	if s.SyncHeartRate {
		kinds = append(kinds, KindHeartRate)
	}
	if s.SyncActiveCalories {
		kinds = append(kinds, KindActiveCalories)
	}
	if s.SyncWorkouts {
		kinds = append(kinds, KindWorkout)
	}
	if s.SyncSleep {
		kinds = append(kinds, KindSleep)
	}
	return kinds
}

// SettingsPatch is a partial update; nil fields are left untouched.
type SettingsPatch struct {
	Enabled                 *bool `json:"enabled,omitempty"`
	SyncSteps               *bool `json:"syncSteps,omitempty"`
	SyncHeartRate           *bool `json:"syncHeartRate,omitempty"`
	SyncActiveCalories      *bool `json:"syncActiveCalories,omitempty"`
	SyncWorkouts            *bool `json:"syncWorkouts,omitempty"`
	SyncSleep               *bool `json:"syncSleep,omitempty"`
	AutoSync                *bool `json:"autoSync,omitempty"`
	SyncIntervalMinutes     *int  `json:"syncIntervalMinutes,omitempty"`
	PreferWearableOverPhone *bool `json:"preferWearableOverPhone,omitempty"`
}

// Apply returns s with every non-nil field of p applied.
func (p SettingsPatch) Apply(s SyncSettings) SyncSettings {
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&s.Enabled, p.Enabled)
	setBool(&s.SyncSteps, p.SyncSteps)
	setBool(&s.SyncHeartRate, p.SyncHeartRate)
	setBool(&s.SyncActiveCalories, p.SyncActiveCalories)
	setBool(&s.SyncWorkouts, p.SyncWorkouts)
	setBool(&s.SyncSleep, p.SyncSleep)
	setBool(&s.AutoSync, p.AutoSync)
	setBool(&s.PreferWearableOverPhone, p.PreferWearableOverPhone)
	if p.SyncIntervalMinutes != nil {
		s.SyncIntervalMinutes = *p.SyncIntervalMinutes
	}
	s.normalize()
	return s
}

// Empty reports whether the patch changes nothing.
func (p SettingsPatch) Empty() bool {
	return p == SettingsPatch{}
}
