package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.

	DefaultSendBuffer = 256
)

// A websocket connection receiving change events.
type Session struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	// Buffered channel of outbound messages.
	send chan []byte

	done chan struct{}
}

var _ Subscriber = (*Session)(nil)

func NewSession(conn *websocket.Conn, logger *slog.Logger, sendBuffer int) *Session {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		logger: logger.With("session", id, "remote_addr", conn.RemoteAddr().String()),
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

// Send queues a message for the writePump without blocking.
func (s *Session) Send(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- message:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops accepting messages. The writePump flushes what is queued,
// sends a close frame and exits.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	return nil
}

// Done is closed once both pumps have exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Start launches the pumps. The session unregisters itself from h when
// the peer goes away.
func (s *Session) Start(ctx context.Context, h *Hub) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		s.readPump(h)
	}()
	go func() {
		wg.Wait()
		close(s.done)
	}()
}

// readPump only services control frames; client payloads are ignored.
func (s *Session) readPump(h *Hub) {
	defer func() {
		h.Unsubscribe(s)
		s.Close()
		s.conn.Close()
		s.logger.Info("WebSocket readPump finished, connection closed and unregistered")
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("WebSocket read error", "error", err)
			} else {
				s.logger.Info("WebSocket connection closed", "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (s *Session) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
		s.conn.Close()
		s.logger.Info("WebSocket writePump finished")
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("WebSocket write error", "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("WebSocket ping write error", "error", err)
				return
			}
		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
