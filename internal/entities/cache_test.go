package entities

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockScanner struct {
	rows map[int64]string
	err  error
}

func (m *mockScanner) ScanMetadata(ctx context.Context) (map[int64]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCache_UpdateThenResolve(t *testing.T) {
	c := NewCache(testLogger())

	_, ok := c.Resolve(42)
	assert.False(t, ok, "never-updated id must be absent")

	c.Update(42, "binary_sensor.espir_detection_mouvement")
	name, ok := c.Resolve(42)
	require.True(t, ok)
	assert.Equal(t, "binary_sensor.espir_detection_mouvement", name)

	c.Update(42, "binary_sensor.renamed")
	name, _ = c.Resolve(42)
	assert.Equal(t, "binary_sensor.renamed", name)

	c.Update(42, "binary_sensor.renamed")
	assert.Equal(t, 1, c.Len())
}

func TestCache_Load(t *testing.T) {
	c := NewCache(testLogger())
	c.Update(1, "stale")

	n := c.Load(context.Background(), &mockScanner{rows: map[int64]string{
		7: "sensor.esptemp_temperature",
		8: "sensor.esptemp_humidite",
	}})
	assert.Equal(t, 2, n)

	_, ok := c.Resolve(1)
	assert.False(t, ok, "load replaces previous contents")

	name, ok := c.Resolve(7)
	require.True(t, ok)
	assert.Equal(t, "sensor.esptemp_temperature", name)
}

func TestCache_LoadFailureIsNonFatal(t *testing.T) {
	c := NewCache(testLogger())

	n := c.Load(context.Background(), &mockScanner{err: errors.New("connection refused")})
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, c.Len())

	c.Update(3, "sensor.x")
	n = c.Load(context.Background(), &mockScanner{err: errors.New("connection refused")})
	assert.Equal(t, 1, n, "failed reload keeps what the stream already taught us")
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache(testLogger())
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int64) {
			defer wg.Done()
			for j := int64(0); j < 200; j++ {
				c.Update(base*1000+j, "sensor")
				c.Resolve(base*1000 + j)
			}
		}(int64(i))
	}
	wg.Wait()

	assert.Equal(t, 1600, c.Len())
}

func TestWatchedSet(t *testing.T) {
	ws := NewWatchedSet(DefaultWatched...)
	assert.Equal(t, 3, ws.Len())
	assert.True(t, ws.Contains("sensor.esptemp_temperature"))
	assert.False(t, ws.Contains("sensor.other"))
	assert.False(t, ws.Contains(""))
	assert.Equal(t, []string{
		"binary_sensor.espir_detection_mouvement",
		"sensor.esptemp_humidite",
		"sensor.esptemp_temperature",
	}, ws.Names())
}
