package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimestamp(t *testing.T) {
	testCases := []struct {
		name     string
		input    time.Time
		expected string
	}{
		{
			name:     "whole seconds",
			input:    time.Unix(1700000000, 0),
			expected: "2023-11-14T22:13:20+00:00",
		},
		{
			name:     "microseconds",
			input:    time.UnixMicro(1700000000123456),
			expected: "2023-11-14T22:13:20.123456+00:00",
		},
		{
			name:     "sub-microsecond is truncated",
			input:    time.Unix(1700000000, 999),
			expected: "2023-11-14T22:13:20+00:00",
		},
		{
			name:     "non-UTC location is converted",
			input:    time.Unix(1700000000, 0).In(time.FixedZone("CET", 3600)),
			expected: "2023-11-14T22:13:20+00:00",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, FormatTimestamp(tc.input))
		})
	}
}

func TestTimeFromSeconds(t *testing.T) {
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), TimeFromSeconds(1700000000))
	assert.Equal(t, time.UnixMicro(1700000000500000).UTC(), TimeFromSeconds(1700000000.5))
}

func TestChangeEvent_MarshalJSON(t *testing.T) {
	ev := ChangeEvent{
		EntityID:   "sensor.esptemp_temperature",
		State:      StringPtr("21.5"),
		ObservedAt: time.Unix(1700000000, 0),
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"entity_id":"sensor.esptemp_temperature","state":"21.5","date_heure":"2023-11-14T22:13:20+00:00"}`,
		string(data),
	)

	var back ChangeEvent
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, ev.EntityID, back.EntityID)
	require.NotNil(t, back.State)
	assert.Equal(t, "21.5", *back.State)
	assert.True(t, ev.ObservedAt.Equal(back.ObservedAt))
}

func TestChangeEvent_NullState(t *testing.T) {
	data, err := json.Marshal(ChangeEvent{EntityID: "sensor.x", ObservedAt: time.Unix(0, 0)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entity_id":"sensor.x","state":null,"date_heure":"1970-01-01T00:00:00+00:00"}`, string(data))
}

func TestReading_MarshalJSON(t *testing.T) {
	data, err := json.Marshal([]Reading{{State: StringPtr("on"), ObservedAt: time.Unix(1700000000, 0)}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"state":"on","date_heure":"2023-11-14T22:13:20+00:00"}]`, string(data))
}
