package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/metrics"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockSubscriber struct {
	id string

	mu       sync.Mutex
	received [][]byte
	failNext bool
	sendErr  error
	closes   int
}

func newMockSubscriber(id string) *mockSubscriber {
	return &mockSubscriber{id: id}
}

func (m *mockSubscriber) ID() string { return m.id }

func (m *mockSubscriber) Send(message []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		return m.sendErr
	}
	m.received = append(m.received, message)
	return nil
}

func (m *mockSubscriber) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}

func (m *mockSubscriber) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
	m.sendErr = err
}

func (m *mockSubscriber) events(t *testing.T) []models.ChangeEvent {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.ChangeEvent, 0, len(m.received))
	for _, raw := range m.received {
		var ev models.ChangeEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func (m *mockSubscriber) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func change(entity, state string) models.ChangeEvent {
	return models.ChangeEvent{
		EntityID:   entity,
		State:      models.StringPtr(state),
		ObservedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestHub_PublishReachesEverySubscriberInOrder(t *testing.T) {
	h := New(testLogger(), nil, 0)
	a, b := newMockSubscriber("a"), newMockSubscriber("b")
	require.NoError(t, h.Subscribe(a))
	require.NoError(t, h.Subscribe(b))

	for i := 0; i < 5; i++ {
		assert.Equal(t, 2, h.Publish(change("sensor.esptemp_temperature", fmt.Sprintf("%d", i))))
	}

	for _, sub := range []*mockSubscriber{a, b} {
		got := sub.events(t)
		require.Len(t, got, 5)
		for i, ev := range got {
			assert.Equal(t, fmt.Sprintf("%d", i), *ev.State)
			assert.Equal(t, "sensor.esptemp_temperature", ev.EntityID)
		}
	}
}

func TestHub_WireFormat(t *testing.T) {
	h := New(testLogger(), nil, 0)
	sub := newMockSubscriber("a")
	require.NoError(t, h.Subscribe(sub))

	h.Publish(change("sensor.esptemp_temperature", "21.5"))

	require.Len(t, sub.received, 1)
	assert.JSONEq(t,
		`{"entity_id":"sensor.esptemp_temperature","state":"21.5","date_heure":"2023-11-14T22:13:20+00:00"}`,
		string(sub.received[0]))
}

func TestHub_LateSubscriberMissesEarlierEvents(t *testing.T) {
	h := New(testLogger(), nil, 0)
	early, late := newMockSubscriber("early"), newMockSubscriber("late")
	require.NoError(t, h.Subscribe(early))

	h.Publish(change("sensor.esptemp_humidite", "40"))
	require.NoError(t, h.Subscribe(late))
	h.Publish(change("sensor.esptemp_humidite", "41"))

	assert.Len(t, early.events(t), 2)
	got := late.events(t)
	require.Len(t, got, 1)
	assert.Equal(t, "41", *got[0].State)
}

func TestHub_FailedSubscriberIsRemovedForGood(t *testing.T) {
	m := metrics.New()
	h := New(testLogger(), m, 0)
	good, bad := newMockSubscriber("good"), newMockSubscriber("bad")
	require.NoError(t, h.Subscribe(good))
	require.NoError(t, h.Subscribe(bad))

	bad.fail(ErrSendQueueFull)
	assert.Equal(t, 1, h.Publish(change("sensor.esptemp_temperature", "20")))
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, 1, bad.closeCount())

	// recovering the connection object does not bring it back
	bad.mu.Lock()
	bad.failNext = false
	bad.mu.Unlock()

	h.Publish(change("sensor.esptemp_temperature", "21"))
	assert.Empty(t, bad.events(t))
	assert.Len(t, good.events(t), 2)

	expected := `
# HELP sensorrelay_delivery_failures_total Failed deliveries; each one removes a subscriber.
# TYPE sensorrelay_delivery_failures_total counter
sensorrelay_delivery_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "sensorrelay_delivery_failures_total"))
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	h := New(testLogger(), nil, 0)
	sub := newMockSubscriber("a")
	require.NoError(t, h.Subscribe(sub))

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 1, sub.closeCount())
	assert.Zero(t, h.Publish(change("sensor.esptemp_temperature", "20")))
}

func TestHub_UnsubscribeIgnoresReplacedID(t *testing.T) {
	h := New(testLogger(), nil, 0)
	first, second := newMockSubscriber("same"), newMockSubscriber("same")
	require.NoError(t, h.Subscribe(first))
	require.NoError(t, h.Subscribe(second))

	h.Unsubscribe(first)

	assert.Equal(t, 1, h.Len())
	assert.Zero(t, first.closeCount())
}

func TestHub_MaxSubscribers(t *testing.T) {
	h := New(testLogger(), nil, 1)
	require.NoError(t, h.Subscribe(newMockSubscriber("a")))

	err := h.Subscribe(newMockSubscriber("b"))
	assert.ErrorIs(t, err, ErrTooManySubscribers)
	assert.Equal(t, 1, h.Len())
}

func TestHub_ConcurrentSubscribeAndPublish(t *testing.T) {
	h := New(testLogger(), nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			sub := newMockSubscriber(fmt.Sprintf("sub-%d", i))
			if i%3 == 0 {
				sub.fail(errors.New("broken pipe"))
			}
			_ = h.Subscribe(sub)
			if i%2 == 0 {
				h.Unsubscribe(sub)
			}
		}(i)
		go func() {
			defer wg.Done()
			h.Publish(change("sensor.esptemp_temperature", "20"))
		}()
	}
	wg.Wait()

	h.Publish(change("sensor.esptemp_temperature", "final"))
	for _, sub := range h.snapshot() {
		ms := sub.(*mockSubscriber)
		got := ms.events(t)
		require.NotEmpty(t, got)
		assert.Equal(t, "final", *got[len(got)-1].State)
	}
}

func TestHub_RunDrainsUntilClosed(t *testing.T) {
	h := New(testLogger(), nil, 0)
	sub := newMockSubscriber("a")
	require.NoError(t, h.Subscribe(sub))

	events := make(chan models.ChangeEvent, 3)
	events <- change("sensor.esptemp_temperature", "1")
	events <- change("sensor.esptemp_humidite", "2")
	events <- change("binary_sensor.espir_detection_mouvement", "on")
	close(events)

	h.Run(context.Background(), events)

	got := sub.events(t)
	require.Len(t, got, 3)
	assert.Equal(t, "binary_sensor.espir_detection_mouvement", got[2].EntityID)
}

func TestHub_RunStopsOnCancel(t *testing.T) {
	h := New(testLogger(), nil, 0)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx, make(chan models.ChangeEvent))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := New(testLogger(), nil, 0)
	a, b := newMockSubscriber("a"), newMockSubscriber("b")
	require.NoError(t, h.Subscribe(a))
	require.NoError(t, h.Subscribe(b))

	h.CloseAll()

	assert.Zero(t, h.Len())
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
}
