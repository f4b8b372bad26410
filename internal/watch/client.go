package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second

	DefaultReconnectDelay = time.Second
)

var ErrURLScheme = errors.New("relay url must use http, https, ws or wss")

// Client follows the relay's websocket feed.
type Client struct {
	url    string
	logger *slog.Logger
	dialer websocket.Dialer
	delay  time.Duration
}

// NewClient accepts the relay's base url (http://host:8000) or the full
// websocket url; http schemes are mapped to ws and /ws is appended when
// no path is given.
func NewClient(rawURL string, logger *slog.Logger) (*Client, error) {
	wsURL, err := websocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		url:    wsURL,
		logger: logger,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		delay: DefaultReconnectDelay,
	}, nil
}

func websocketURL(rawURL string) (string, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: %q", ErrURLScheme, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (c *Client) URL() string {
	return c.url
}

// Subscribe reads events from one connection until it drops or ctx is
// cancelled.
func (c *Client) Subscribe(ctx context.Context, onEvent func(models.ChangeEvent)) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return c.read(ctx, conn, onEvent)
}

// Follow keeps a subscription alive across disconnects. onStatus is told
// about every connect and disconnect.
func (c *Client) Follow(ctx context.Context, onEvent func(models.ChangeEvent), onStatus func(StatusMsg)) error {
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			onStatus(StatusMsg{Connected: true})
			err = c.read(ctx, conn, onEvent)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("Relay connection lost, reconnecting", "url", c.url, "error", err, "delay", c.delay)
		onStatus(StatusMsg{Connected: false, Err: err})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.delay):
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Info("Connecting to relay", "url", c.url)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			c.logger.Error("WebSocket dial error with response", "url", c.url, "status", resp.Status, "error", err)
			return nil, fmt.Errorf("failed to dial websocket %s (status: %s): %w", c.url, resp.Status, err)
		}
		c.logger.Error("WebSocket dial error", "url", c.url, "error", err)
		return nil, fmt.Errorf("failed to dial websocket %s: %w", c.url, err)
	}
	return conn, nil
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn, onEvent func(models.ChangeEvent)) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("Error sending close message", "error", err)
			}
			conn.Close()
		case <-done:
		}
	}()

	c.logger.Info("Connected to relay, listening for events", "url", c.url)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("Error reading message from WebSocket", "error", err)
			} else {
				c.logger.Info("WebSocket connection closed", "error", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var ev models.ChangeEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			c.logger.Error("Failed to unmarshal event message", "error", err, "message", string(message))
			continue
		}
		onEvent(ev)
	}
}
