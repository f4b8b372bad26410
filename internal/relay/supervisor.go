package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/entities"
	"github.com/Ewnn/ServerRoomMonitor/internal/identity"
	"github.com/Ewnn/ServerRoomMonitor/internal/metrics"
)

const (
	DefaultMaxAttempts   = 3
	DefaultConflictDelay = 2 * time.Second
	DefaultFailureDelay  = 5 * time.Second
)

type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateStreaming
	StateBackoff
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "retry_backoff"
	case StateGaveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

var (
	ErrSourceMissing   = errors.New("supervisor requires a stream source")
	ErrScannerMissing  = errors.New("supervisor requires a metadata scanner")
	ErrIdentityMissing = errors.New("supervisor requires a server identity")
	ErrConsumerMissing = errors.New("supervisor requires a consumer")
	ErrCacheMissing    = errors.New("supervisor requires an entity cache")
)

type Settings struct {
	Logger   *slog.Logger
	Source   Source
	Scanner  entities.Scanner
	Cache    *entities.Cache
	Identity *identity.Server
	Consumer *Consumer
	Metrics  *metrics.Metrics

	MaxAttempts   int
	ConflictDelay time.Duration
	FailureDelay  time.Duration
}

/*
	Supervisor owns the consumer's lifecycle. It loads the entity cache,
	opens a stream with the current server id and runs the consumer on it.
	A clean end of stream resets the retry counter and reopens immediately.
	A conflicting server id is regenerated before a short wait, any other
	failure waits longer. After MaxAttempts consecutive failures it gives up
	and returns; the Keeper decides when to try again.
*/
type Supervisor struct {
	logger   *slog.Logger
	source   Source
	scanner  entities.Scanner
	cache    *entities.Cache
	identity *identity.Server
	consumer *Consumer
	metrics  *metrics.Metrics

	maxAttempts   int
	conflictDelay time.Duration
	failureDelay  time.Duration

	state atomic.Int32
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupervisor(s Settings) (*Supervisor, error) {
	switch {
	case s.Source == nil:
		return nil, ErrSourceMissing
	case s.Scanner == nil:
		return nil, ErrScannerMissing
	case s.Cache == nil:
		return nil, ErrCacheMissing
	case s.Identity == nil:
		return nil, ErrIdentityMissing
	case s.Consumer == nil:
		return nil, ErrConsumerMissing
	}

	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = DefaultMaxAttempts
	}
	if s.ConflictDelay <= 0 {
		s.ConflictDelay = DefaultConflictDelay
	}
	if s.FailureDelay <= 0 {
		s.FailureDelay = DefaultFailureDelay
	}

	return &Supervisor{
		logger:        s.Logger,
		source:        s.Source,
		scanner:       s.Scanner,
		cache:         s.Cache,
		identity:      s.Identity,
		consumer:      s.Consumer,
		metrics:       s.Metrics,
		maxAttempts:   s.MaxAttempts,
		conflictDelay: s.ConflictDelay,
		failureDelay:  s.FailureDelay,
		sleep:         sleepContext,
	}, nil
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
}

// Run blocks until the retry budget is exhausted (ErrRetryBudgetExhausted)
// or ctx is cancelled (ctx.Err()).
func (s *Supervisor) Run(ctx context.Context, emit Emitter) error {
	s.setState(StateInitializing)
	s.cache.Load(ctx, s.scanner)

	attempts := 0
	reload := false
	for {
		if err := ctx.Err(); err != nil {
			s.setState(StateIdle)
			return err
		}

		// the stream starts at the current log position, so anything
		// registered while we were away is only visible through a rescan
		if reload {
			s.cache.Load(ctx, s.scanner)
		}
		reload = true

		s.setState(StateStreaming)
		serverID := s.identity.Current()
		s.metrics.SetServerID(serverID)

		err := s.stream(ctx, serverID, emit)
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.setState(StateIdle)
			return ctxErr
		}

		if err == nil {
			if attempts > 0 {
				s.logger.Info("Change stream ended cleanly, retry counter reset", "previous_attempts", attempts)
			}
			attempts = 0
			s.metrics.StreamRestarted("clean_end")
			continue
		}

		attempts++
		delay := s.failureDelay
		cause := "failure"
		if errors.Is(err, ErrIdentityConflict) {
			next := s.identity.Regenerate()
			s.logger.Warn("Server id conflict, regenerated identity",
				"previous_server_id", serverID,
				"server_id", next,
				"attempt", attempts,
				"max_attempts", s.maxAttempts,
			)
			delay = s.conflictDelay
			cause = "identity_conflict"
		} else {
			s.logger.Error("Change stream failed",
				"server_id", serverID,
				"error", err,
				"attempt", attempts,
				"max_attempts", s.maxAttempts,
			)
		}

		if attempts >= s.maxAttempts {
			s.setState(StateGaveUp)
			s.metrics.GaveUp()
			s.logger.Log(ctx, LevelCritical, "Change stream retry budget exhausted, supervisor giving up",
				"attempts", attempts,
				"error", err,
			)
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryBudgetExhausted, attempts, err)
		}

		s.setState(StateBackoff)
		s.metrics.StreamRestarted(cause)
		if err := s.sleep(ctx, delay); err != nil {
			s.setState(StateIdle)
			return err
		}
	}
}

func (s *Supervisor) stream(ctx context.Context, serverID uint32, emit Emitter) error {
	s.logger.Info("Opening change stream", "server_id", serverID, "tables", WatchedTables)

	st, err := s.source.Open(ctx, serverID)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			s.logger.Warn("Error closing change stream", "error", err)
		}
	}()

	return s.consumer.Run(ctx, st, emit)
}
