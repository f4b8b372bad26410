package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/config"
	"github.com/Ewnn/ServerRoomMonitor/internal/entities"
	"github.com/Ewnn/ServerRoomMonitor/internal/hub"
	"github.com/Ewnn/ServerRoomMonitor/internal/metrics"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 5 * time.Second

var (
	ErrConfigMissing  = errors.New("service requires a config")
	ErrHubMissing     = errors.New("service requires a hub")
	ErrHistoryMissing = errors.New("service requires a history source")
)

// History answers point-in-time queries from stored recorder rows.
type History interface {
	Recent(ctx context.Context, entityID string, limit int) ([]models.Reading, error)
	RecentAll(ctx context.Context, entityIDs []string, limit int) (map[string][]models.Reading, error)
	// Latest skips any result caching.
	Latest(ctx context.Context, entityID string, limit int) ([]models.Reading, error)
}

// Status is what /healthz reports about the relay.
type Status struct {
	ServerID uint32
	Stream   string
}

type Settings struct {
	Ctx     context.Context
	Logger  *slog.Logger
	Config  *config.Config
	Hub     *hub.Hub
	History History
	Watched entities.WatchedSet
	Metrics *metrics.Metrics
	Status  func() Status
}

// Service exposes the relay over HTTP: the point-in-time query, the live
// websocket feed, health and metrics.
type Service struct {
	appCtx  context.Context
	cfg     *config.Config
	logger  *slog.Logger
	hub     *hub.Hub
	history History
	watched entities.WatchedSet
	metrics *metrics.Metrics
	status  func() Status
	mux     *http.ServeMux

	wsUpgrader   websocket.Upgrader
	rateLimiters map[string]*rate.Limiter

	startedAt time.Time
}

func New(settings Settings) (*Service, error) {
	if settings.Config == nil {
		return nil, ErrConfigMissing
	}
	if settings.Hub == nil {
		return nil, ErrHubMissing
	}
	if settings.History == nil {
		return nil, ErrHistoryMissing
	}
	if settings.Ctx == nil {
		settings.Ctx = context.Background()
	}
	if settings.Status == nil {
		settings.Status = func() Status { return Status{} }
	}
	cfg := settings.Config

	rateLimiters := make(map[string]*rate.Limiter)
	rlLogger := settings.Logger.With("component", "rate-limiter")
	for category, rl := range map[string]config.RateLimiterConfig{
		"api":     cfg.RateLimiters.API,
		"ws":      cfg.RateLimiters.WS,
		"default": cfg.RateLimiters.Default,
	} {
		if rl.Limit > 0 {
			rateLimiters[category] = rate.NewLimiter(rate.Limit(rl.Limit), rl.Burst)
			rlLogger.Info("Initialized rate limiter", "category", category, "limit", rl.Limit, "burst", rl.Burst)
		}
	}

	s := &Service{
		appCtx:  settings.Ctx,
		cfg:     cfg,
		logger:  settings.Logger,
		hub:     settings.Hub,
		history: settings.History,
		watched: settings.Watched,
		metrics: settings.Metrics,
		status:  settings.Status,
		mux:     http.NewServeMux(),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rateLimiters: rateLimiters,
		startedAt:    time.Now(),
	}

	s.mux.Handle("/api/sensors", s.rateLimitMiddleware(http.HandlerFunc(s.sensorsHandler), "api"))
	s.mux.Handle("/ws", s.rateLimitMiddleware(http.HandlerFunc(s.wsHandler), "ws"))
	s.mux.Handle("/healthz", s.rateLimitMiddleware(http.HandlerFunc(s.healthHandler), "default"))
	s.mux.Handle("/metrics", s.metrics.Handler())

	return s, nil
}

// Handler is the full HTTP surface with CORS applied.
func (s *Service) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func (s *Service) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	limiter, ok := s.rateLimiters[category]
	if !ok {
		limiter, ok = s.rateLimiters["default"]
		if !ok {
			s.logger.Warn("No rate limiter configured for category and no default limiter present", "category", category)
			return next
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			s.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves until the context is cancelled
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:              s.cfg.HttpBinding,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-s.appCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Server shutdown error", "error", err)
		}
		s.hub.CloseAll()
	}()

	s.startedAt = time.Now()
	s.logger.Info("Starting HTTP server", "listen_addr", s.cfg.HttpBinding)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server error", "error", err)
		return err
	}
	return nil
}
