package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/decode"
	"github.com/Ewnn/ServerRoomMonitor/internal/entities"
	"github.com/Ewnn/ServerRoomMonitor/internal/metrics"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
)

// Emitter receives accepted changes. It must not block the caller.
type Emitter func(ev models.ChangeEvent)

// Consumer turns a raw change stream into accepted ChangeEvents. It keeps
// the entity cache current from metadata rows and forwards state rows for
// watched entities only.
type Consumer struct {
	logger  *slog.Logger
	cache   *entities.Cache
	watched entities.WatchedSet
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewConsumer(logger *slog.Logger, cache *entities.Cache, watched entities.WatchedSet, m *metrics.Metrics) *Consumer {
	return &Consumer{
		logger:  logger,
		cache:   cache,
		watched: watched,
		metrics: m,
		now:     time.Now,
	}
}

// Run processes the stream until it ends. A clean end, including context
// cancellation, returns nil; any other stream error is returned as is so
// the supervisor can classify it. Row level problems never surface here.
func (c *Consumer) Run(ctx context.Context, stream Stream, emit Emitter) error {
	for {
		batch, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info("Change stream ended")
				return nil
			}
			if ctx.Err() != nil {
				c.logger.Info("Change stream stopped by context", "reason", ctx.Err())
				return nil
			}
			return err
		}

		for _, row := range batch {
			c.handleRow(row, emit)
		}
	}
}

func (c *Consumer) handleRow(row RowChange, emit Emitter) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered while processing row, skipping", "table", row.Table, "panic", r)
			c.metrics.RowSkipped(row.Table)
		}
	}()

	switch row.Table {
	case MetadataTable:
		c.handleMetadata(row)
	case StatesTable:
		// recorder rows are immutable; later updates only relink old_state_id
		if row.Kind == RowInsert {
			c.handleState(row, emit)
		}
	}
}

func (c *Consumer) handleMetadata(row RowChange) {
	id, err := decode.Int64(row.Values[ColumnMetadataID])
	if err != nil || id == 0 {
		c.logger.Debug("Skipping undecodable metadata row", "error", err)
		c.metrics.RowSkipped(row.Table)
		return
	}
	name, ok := decode.Text(row.Values[ColumnEntityID])
	if !ok || name == "" {
		c.logger.Debug("Skipping metadata row without entity id", "metadata_id", id)
		c.metrics.RowSkipped(row.Table)
		return
	}

	c.cache.Update(id, name)
	c.metrics.MetadataUpdated()
	c.logger.Info("Entity registered", "metadata_id", id, "entity_id", name, "kind", row.Kind)
}

func (c *Consumer) handleState(row RowChange, emit Emitter) {
	id, err := decode.Int64(row.Values[ColumnMetadataID])
	if err != nil {
		c.logger.Debug("Skipping state row with undecodable metadata id", "error", err)
		c.metrics.RowSkipped(row.Table)
		return
	}

	state := decode.OptionalText(row.Values[ColumnState])

	name, resolved := c.cache.Resolve(id)
	if !resolved {
		c.logger.Info("State change for unknown entity", "entity_id", fmt.Sprintf("Unknown_ID_%d", id), "state", stateForLog(state))
		c.metrics.EventDropped("unresolved")
		return
	}

	if !c.watched.Contains(name) {
		c.logger.Debug("State change for unwatched entity", "entity_id", name, "state", stateForLog(state))
		c.metrics.EventDropped("unwatched")
		return
	}

	ev := models.ChangeEvent{
		EntityID:   name,
		State:      state,
		ObservedAt: c.observedAt(row.Values[ColumnLastUpdatedTS]),
	}

	c.logger.Info("Watched entity changed", "entity_id", name, "state", stateForLog(state))
	c.metrics.EventEmitted(name)
	emit(ev)
}

func (c *Consumer) observedAt(v any) time.Time {
	seconds, err := decode.Seconds(v)
	if err != nil {
		return c.now().UTC()
	}
	return models.TimeFromSeconds(seconds)
}

func stateForLog(state *string) any {
	if state == nil {
		return nil
	}
	return *state
}

// ChannelEmitter returns an Emitter that hands events to ch without ever
// blocking the stream reader. Events that do not fit are dropped.
func ChannelEmitter(ch chan<- models.ChangeEvent, logger *slog.Logger, m *metrics.Metrics) Emitter {
	return func(ev models.ChangeEvent) {
		select {
		case ch <- ev:
		default:
			logger.Warn("Event channel full, change dropped", "entity_id", ev.EntityID)
			m.EventDropped("channel_full")
		}
	}
}
