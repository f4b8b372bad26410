package watch

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Kind int

const (
	KindOther Kind = iota
	KindTemperature
	KindHumidity
	KindMotion
)

func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindHumidity:
		return "humidity"
	case KindMotion:
		return "motion"
	default:
		return "sensor"
	}
}

// Level grades a reading for display.
type Level int

const (
	LevelUnknown Level = iota
	LevelOK
	LevelWarn
	LevelAlert
)

// KindOf guesses what an entity measures from its id.
func KindOf(entityID string) Kind {
	id := strings.ToLower(entityID)
	switch {
	case strings.Contains(id, "temp"):
		return KindTemperature
	case strings.Contains(id, "humid"):
		return KindHumidity
	case strings.Contains(id, "motion"), strings.Contains(id, "mouvement"),
		strings.Contains(id, "occupancy"), strings.HasPrefix(id, "binary_sensor."):
		return KindMotion
	default:
		return KindOther
	}
}

func numeric(state *string) (float64, bool) {
	if state == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(*state), 64)
	if err != nil || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

func detected(state *string) (bool, bool) {
	if state == nil {
		return false, false
	}
	switch strings.ToLower(*state) {
	case "on", "true":
		return true, true
	case "off", "false":
		return false, true
	default:
		return false, false
	}
}

// Assess grades a state. Temperatures are judged on the rounded value:
// below 18 or above 30 is an alert, 25 and up a warning. Humidity alerts
// outside 30..70 and warns outside 40..60. Any detected motion alerts.
func Assess(kind Kind, state *string) Level {
	switch kind {
	case KindTemperature:
		v, ok := numeric(state)
		if !ok {
			return LevelUnknown
		}
		t := math.Round(v)
		switch {
		case t < 18 || t > 30:
			return LevelAlert
		case t >= 25:
			return LevelWarn
		default:
			return LevelOK
		}
	case KindHumidity:
		v, ok := numeric(state)
		if !ok {
			return LevelUnknown
		}
		switch {
		case v < 30 || v > 70:
			return LevelAlert
		case v < 40 || v > 60:
			return LevelWarn
		default:
			return LevelOK
		}
	case KindMotion:
		on, ok := detected(state)
		if !ok {
			return LevelUnknown
		}
		if on {
			return LevelAlert
		}
		return LevelOK
	default:
		return LevelUnknown
	}
}

// Format renders a state with its unit.
func Format(kind Kind, state *string) string {
	if state == nil {
		return "n/a"
	}
	switch kind {
	case KindTemperature:
		if v, ok := numeric(state); ok {
			return fmt.Sprintf("%.1f °C", v)
		}
	case KindHumidity:
		if v, ok := numeric(state); ok {
			return fmt.Sprintf("%.0f %%", v)
		}
	case KindMotion:
		if on, ok := detected(state); ok {
			if on {
				return "detected"
			}
			return "clear"
		}
	}
	return *state
}
