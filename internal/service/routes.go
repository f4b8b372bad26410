package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/hub"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
)

const (
	defaultLimit = 5
	maxLimit     = 1000
)

type sensorsResponse struct {
	Error string                      `json:"error,omitempty"`
	Data  map[string][]models.Reading `json:"data"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
	ServerID    uint32 `json:"server_id"`
	Stream      string `json:"stream,omitempty"`
	Uptime      string `json:"uptime"`
}

func (s *Service) sensorsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := defaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid limit parameter", http.StatusBadRequest)
			return
		}
		limit = min(max(n, 1), maxLimit)
	}

	data, err := s.history.RecentAll(r.Context(), s.watched.Names(), limit)
	if err != nil {
		s.logger.Error("Could not load recent states", "limit", limit, "error", err)
		s.writeJSON(w, sensorsResponse{Error: err.Error(), Data: map[string][]models.Reading{}})
		return
	}

	s.writeJSON(w, sensorsResponse{Data: data})
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.status()
	s.writeJSON(w, healthResponse{
		Status:      "ok",
		Subscribers: s.hub.Len(),
		ServerID:    st.ServerID,
		Stream:      st.Stream,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// wsHandler upgrades the connection, registers the session for live
// changes and then replays recent history for each watched entity. The
// session is registered before its pumps start so a peer that leaves
// during the replay is always unregistered by its readPump.
func (s *Service) wsHandler(w http.ResponseWriter, r *http.Request) {
	if s.hub.Len() >= s.cfg.Sessions.MaxConnections {
		s.logger.Warn("Max WebSocket connections reached, rejecting new connection", "max", s.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		return
	}
	s.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String())

	session := hub.NewSession(conn, s.logger.WithGroup("session"), s.cfg.Sessions.SendBufferSize)
	if err := s.hub.Subscribe(session); err != nil {
		s.logger.Warn("Could not register session", "session", session.ID(), "error", err)
		session.Close()
		session.Start(s.appCtx, s.hub)
		return
	}
	session.Start(s.appCtx, s.hub)

	s.replayHistory(r, session)
}

func (s *Service) replayHistory(r *http.Request, session *hub.Session) {
	n := s.cfg.Sessions.InitialHistory
	if n <= 0 {
		return
	}
	for _, entityID := range s.watched.Names() {
		readings, err := s.history.Latest(r.Context(), entityID, n)
		if err != nil {
			s.logger.Error("Could not load initial history", "session", session.ID(), "entity_id", entityID, "error", err)
			return
		}
		for _, reading := range readings {
			message, err := json.Marshal(reading.Event(entityID))
			if err != nil {
				s.logger.Error("Could not encode initial history", "entity_id", entityID, "error", err)
				continue
			}
			if err := session.Send(message); err != nil {
				s.logger.Warn("Initial history send failed", "session", session.ID(), "entity_id", entityID, "error", err)
				return
			}
		}
	}
}

func (s *Service) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Could not encode response", "error", err)
	}
}
