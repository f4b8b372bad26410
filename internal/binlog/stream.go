package binlog

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Ewnn/ServerRoomMonitor/internal/relay"
	"github.com/go-mysql-org/go-mysql/replication"
)

type stream struct {
	source   *Source
	reader   eventReader
	closeFn  func()
	closed   sync.Once
	serverID uint32
	logger   *slog.Logger
}

// Next blocks until a rows event touching a watched table arrives and
// returns its decoded rows. Other events are skipped.
func (st *stream) Next(ctx context.Context) ([]relay.RowChange, error) {
	for {
		ev, err := st.reader.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classify("read binlog event", err)
		}
		if ev == nil || ev.Header == nil {
			continue
		}

		rows, ok := ev.Event.(*replication.RowsEvent)
		if !ok {
			continue
		}
		kind, ok := rowKind(ev.Header.EventType)
		if !ok {
			continue
		}

		batch, err := st.source.convert(ctx, kind, rows)
		if err != nil {
			st.logger.Warn("Skipping rows event", "error", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		return batch, nil
	}
}

func (st *stream) Close() error {
	st.closed.Do(func() {
		if st.closeFn != nil {
			st.closeFn()
		}
		st.logger.Info("Replication session closed")
	})
	return nil
}

func rowKind(t replication.EventType) (relay.RowKind, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return relay.RowInsert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return relay.RowUpdate, true
	default:
		return 0, false
	}
}

// convert maps a rows event to row changes keyed by column name. Update
// events carry before and after images in alternating order; only the
// after image is kept.
func (s *Source) convert(ctx context.Context, kind relay.RowKind, ev *replication.RowsEvent) ([]relay.RowChange, error) {
	if ev.Table == nil {
		return nil, nil
	}
	table := string(ev.Table.Table)
	if !s.watches(string(ev.Table.Schema), table) || len(ev.Rows) == 0 {
		return nil, nil
	}

	cols, err := s.columnsFor(ctx, ev.Table, len(ev.Rows[0]))
	if err != nil {
		return nil, err
	}

	start, step := 0, 1
	if kind == relay.RowUpdate {
		start, step = 1, 2
	}

	out := make([]relay.RowChange, 0, len(ev.Rows)/step)
	for i := start; i < len(ev.Rows); i += step {
		image := ev.Rows[i]
		values := make(map[string]any, len(cols))
		for j, v := range image {
			if j >= len(cols) {
				break
			}
			values[cols[j]] = v
		}
		out = append(out, relay.RowChange{Table: table, Kind: kind, Values: values})
	}
	return out, nil
}
