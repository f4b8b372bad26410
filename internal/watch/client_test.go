package watch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// relayServer sends messages to each connection, then either closes it or
// holds it open until the test ends.
func relayServer(t *testing.T, messages []string, hold bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		if hold {
			go func() {
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()
			<-stop
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	t.Cleanup(func() {
		close(stop)
		srv.Close()
	})
	return srv
}

func TestWebsocketURL(t *testing.T) {
	testCases := map[string]string{
		"http://localhost:8000":     "ws://localhost:8000/ws",
		"https://relay.example/":    "wss://relay.example/ws",
		"ws://10.0.0.5:8000/ws":     "ws://10.0.0.5:8000/ws",
		"localhost:8000":            "ws://localhost:8000/ws",
		"http://relay.example/feed": "ws://relay.example/feed",
	}
	for in, want := range testCases {
		got, err := websocketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := websocketURL("ftp://relay.example")
	assert.ErrorIs(t, err, ErrURLScheme)
}

func TestClient_SubscribeDecodesEvents(t *testing.T) {
	srv := relayServer(t, []string{
		`{"entity_id":"sensor.esptemp_temperature","state":"21.5","date_heure":"2023-11-14T22:13:20+00:00"}`,
		`not json`,
		`{"entity_id":"binary_sensor.espir_detection_mouvement","state":null,"date_heure":"2023-11-14T22:13:21.500000+00:00"}`,
	}, false)

	c, err := NewClient(srv.URL, discardLogger())
	require.NoError(t, err)

	var got []models.ChangeEvent
	err = c.Subscribe(context.Background(), func(ev models.ChangeEvent) {
		got = append(got, ev)
	})
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	require.Len(t, got, 2)
	assert.Equal(t, "sensor.esptemp_temperature", got[0].EntityID)
	assert.Equal(t, "21.5", *got[0].State)
	assert.Equal(t, int64(1700000000), got[0].ObservedAt.Unix())
	assert.Nil(t, got[1].State)
	assert.Equal(t, 1500*time.Millisecond, got[1].ObservedAt.Sub(got[0].ObservedAt))
}

func TestClient_SubscribeStopsOnCancel(t *testing.T) {
	srv := relayServer(t, []string{
		`{"entity_id":"sensor.a","state":"1","date_heure":"2023-11-14T22:13:20+00:00"}`,
	}, true)

	c, err := NewClient(srv.URL, discardLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Subscribe(ctx, func(models.ChangeEvent) { cancel() })
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Subscribe did not return after cancel")
	}
}

func TestClient_FollowReconnects(t *testing.T) {
	srv := relayServer(t, []string{
		`{"entity_id":"sensor.a","state":"1","date_heure":"2023-11-14T22:13:20+00:00"}`,
	}, false)

	c, err := NewClient(srv.URL, discardLogger())
	require.NoError(t, err)
	c.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu       sync.Mutex
		events   int
		statuses []bool
	)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Follow(ctx,
			func(models.ChangeEvent) {
				mu.Lock()
				defer mu.Unlock()
				events++
				if events == 2 {
					cancel()
				}
			},
			func(s StatusMsg) {
				mu.Lock()
				defer mu.Unlock()
				statuses = append(statuses, s.Connected)
			},
		)
	}()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, events)
	require.GreaterOrEqual(t, len(statuses), 3)
	assert.Equal(t, []bool{true, false, true}, statuses[:3])
}

func TestClient_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := NewClient(srv.URL, discardLogger())
	require.NoError(t, err)

	err = c.Subscribe(context.Background(), func(models.ChangeEvent) {})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "404"), err.Error())
}
