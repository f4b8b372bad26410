package models

import (
	"encoding/json"
	"math"
	"time"
)

/*
	Payloads pushed out to subscribers and returned by the point-in-time
	endpoint. Every live change and every replayed history value travels
	over the wire as a ChangeEvent.
*/

const (
	isoSeconds = "2006-01-02T15:04:05"
	isoMicros  = "2006-01-02T15:04:05.000000"
	utcOffset  = "+00:00"
)

// ChangeEvent is one accepted state change for a watched entity.
type ChangeEvent struct {
	EntityID   string
	State      *string
	ObservedAt time.Time
}

// Reading is a single historical (state, timestamp) pair for an entity.
type Reading struct {
	State      *string
	ObservedAt time.Time
}

type changeEventPayload struct {
	EntityID  string  `json:"entity_id"`
	State     *string `json:"state"`
	DateHeure string  `json:"date_heure"`
}

type readingPayload struct {
	State     *string `json:"state"`
	DateHeure string  `json:"date_heure"`
}

func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(changeEventPayload{
		EntityID:  e.EntityID,
		State:     e.State,
		DateHeure: FormatTimestamp(e.ObservedAt),
	})
}

func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var p changeEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	ts, err := ParseTimestamp(p.DateHeure)
	if err != nil {
		return err
	}
	e.EntityID = p.EntityID
	e.State = p.State
	e.ObservedAt = ts
	return nil
}

func (r Reading) MarshalJSON() ([]byte, error) {
	return json.Marshal(readingPayload{
		State:     r.State,
		DateHeure: FormatTimestamp(r.ObservedAt),
	})
}

// Event pairs a reading with the entity it belongs to.
func (r Reading) Event(entityID string) ChangeEvent {
	return ChangeEvent{
		EntityID:   entityID,
		State:      r.State,
		ObservedAt: r.ObservedAt,
	}
}

// FormatTimestamp renders t in UTC as ISO-8601 with an explicit +00:00
// offset. Fractional seconds are written with microsecond precision and
// only when non-zero.
func FormatTimestamp(t time.Time) string {
	t = t.UTC().Truncate(time.Microsecond)
	if t.Nanosecond() == 0 {
		return t.Format(isoSeconds) + utcOffset
	}
	return t.Format(isoMicros) + utcOffset
}

// ParseTimestamp accepts anything FormatTimestamp produces as well as
// plain RFC 3339.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// TimeFromSeconds converts a unix timestamp expressed in (fractional)
// seconds, rounded to the microsecond.
func TimeFromSeconds(seconds float64) time.Time {
	return time.UnixMicro(int64(math.Round(seconds * 1e6))).UTC()
}

// StringPtr is a convenience for building optional states.
func StringPtr(s string) *string {
	return &s
}
