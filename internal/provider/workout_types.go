package provider

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// OtherWorkout is the normalized name for unknown platform workout types.
const OtherWorkout = "Other"

const referenceBodyWeightKg = 70.0

// metValues are metabolic equivalents used when a platform reports no energy.
var metValues = map[string]float64{
	"Running":           9.8,
	"Walking":           3.5,
	"Cycling":           7.5,
	"Swimming":          8.0,
	"Strength Training": 5.0,
	"Weightlifting":     6.0,
	"Yoga":              2.5,
	"HIIT":              8.0,
	"Hiking":            6.0,
	"Rowing":            7.0,
	"Elliptical":        5.0,
	"Dancing":           5.5,
	"Pilates":           3.0,
	"Stair Climbing":    8.8,
	"Tennis":            7.3,
	"Basketball":        6.5,
	"Soccer":            7.0,
	"Golf":              4.8,
	"Boxing":            7.8,
	"Martial Arts":      10.3,
	"Skiing":            7.0,
	"Snowboarding":      5.3,
	"Stretching":        2.3,
	"Climbing":          8.0,
	OtherWorkout:        5.0,
}

// MET returns the metabolic equivalent for a normalized workout name.
func MET(workoutType string) float64 {
	if met, ok := metValues[workoutType]; ok {
		return met
	}
	return metValues[OtherWorkout]
}

// EstimateCalories approximates energy for a 70 kg adult.
func EstimateCalories(workoutType string, durationMinutes float64) int {
	return int(math.Round(MET(workoutType) * referenceBodyWeightKg * durationMinutes / 60))
}

// healthConnectExerciseTypes maps ExerciseSessionRecord codes to normalized names.
var healthConnectExerciseTypes = map[int]string{
	0:  OtherWorkout,
	5:  "Basketball",
	8:  "Cycling",
	9:  "Cycling",
	11: "Boxing",
	16: "Dancing",
	25: "Elliptical",
	32: "Golf",
	36: "HIIT",
	37: "Hiking",
	44: "Martial Arts",
	48: "Pilates",
	51: "Climbing",
	53: "Rowing",
	54: "Rowing",
	56: "Running",
	57: "Running",
	61: "Skiing",
	62: "Snowboarding",
	64: "Soccer",
	68: "Stair Climbing",
	69: "Stair Climbing",
	70: "Strength Training",
	71: "Stretching",
	73: "Swimming",
	74: "Swimming",
	76: "Tennis",
	79: "Walking",
	81: "Weightlifting",
	83: "Yoga",
}

func normalizeHealthConnect(raw string) string {
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return OtherWorkout
	}
	if name, ok := healthConnectExerciseTypes[code]; ok {
		return name
	}
	return OtherWorkout
}

// healthKitWorkoutTypes is keyed by the case-folded, space-separated activity name.
var healthKitWorkoutTypes = map[string]string{
	"running":                          "Running",
	"run":                              "Running",
	"outdoor run":                      "Running",
	"indoor run":                       "Running",
	"walking":                          "Walking",
	"walk":                             "Walking",
	"outdoor walk":                     "Walking",
	"indoor walk":                      "Walking",
	"cycling":                          "Cycling",
	"outdoor cycle":                    "Cycling",
	"indoor cycle":                     "Cycling",
	"hand cycling":                     "Cycling",
	"swimming":                         "Swimming",
	"pool swim":                        "Swimming",
	"open water swim":                  "Swimming",
	"traditional strength training":    "Strength Training",
	"functional strength training":     "Strength Training",
	"strength training":                "Strength Training",
	"core training":                    "Strength Training",
	"yoga":                             "Yoga",
	"high intensity interval training": "HIIT",
	"hiit":                             "HIIT",
	"hiking":                           "Hiking",
	"hike":                             "Hiking",
	"rowing":                           "Rowing",
	"elliptical":                       "Elliptical",
	"dance":                            "Dancing",
	"cardio dance":                     "Dancing",
	"social dance":                     "Dancing",
	"pilates":                          "Pilates",
	"stair climbing":                   "Stair Climbing",
	"stairs":                           "Stair Climbing",
	"stair stepper":                    "Stair Climbing",
	"tennis":                           "Tennis",
	"basketball":                       "Basketball",
	"soccer":                           "Soccer",
	"golf":                             "Golf",
	"boxing":                           "Boxing",
	"kickboxing":                       "Boxing",
	"martial arts":                     "Martial Arts",
	"downhill skiing":                  "Skiing",
	"cross country skiing":             "Skiing",
	"snowboarding":                     "Snowboarding",
	"flexibility":                      "Stretching",
	"cooldown":                         "Stretching",
	"climbing":                         "Climbing",
	"other":                            OtherWorkout,
}

const healthKitActivityPrefix = "HKWorkoutActivityType"

func normalizeHealthKit(raw string) string {
	name := strings.TrimSpace(raw)
	if strings.HasPrefix(name, healthKitActivityPrefix) {
		name = splitCamel(strings.TrimPrefix(name, healthKitActivityPrefix))
	}
	key := strings.Join(strings.Fields(cases.Fold().String(name)), " ")
	if normalized, ok := healthKitWorkoutTypes[key]; ok {
		return normalized
	}
	return OtherWorkout
}

// splitCamel inserts a space at each lower-to-upper case boundary.
func splitCamel(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(runes[i-1]) {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
