package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultRestartDelay = 5 * time.Second

// Keeper restarts a bounded runner forever, pausing between runs, until
// its context is cancelled. It is the unbounded outer loop around the
// Supervisor's bounded retries.
type Keeper struct {
	logger *slog.Logger
	delay  time.Duration
	run    func(ctx context.Context) error
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewKeeper(logger *slog.Logger, delay time.Duration, run func(ctx context.Context) error) *Keeper {
	if delay <= 0 {
		delay = DefaultRestartDelay
	}
	return &Keeper{
		logger: logger,
		delay:  delay,
		run:    run,
		sleep:  sleepContext,
	}
}

func (k *Keeper) Run(ctx context.Context) {
	for runs := 1; ; runs++ {
		k.logger.Info("Starting change stream supervisor", "run", runs)

		err := k.runOnce(ctx)
		if ctx.Err() != nil {
			k.logger.Info("Change stream keeper stopping", "reason", ctx.Err())
			return
		}

		if err != nil {
			k.logger.Error("Change stream supervisor exited, restarting after delay", "error", err, "delay", k.delay)
		} else {
			k.logger.Info("Change stream supervisor returned, restarting after delay", "delay", k.delay)
		}

		if err := k.sleep(ctx, k.delay); err != nil {
			k.logger.Info("Change stream keeper stopping", "reason", err)
			return
		}
	}
}

func (k *Keeper) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSupervisorPanic, r)
		}
	}()
	return k.run(ctx)
}
