package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Tables and columns of the recorder schema the relay understands.
const (
	StatesTable   = "states"
	MetadataTable = "states_meta"

	ColumnMetadataID    = "metadata_id"
	ColumnEntityID      = "entity_id"
	ColumnState         = "state"
	ColumnLastUpdatedTS = "last_updated_ts"
)

// WatchedTables lists the tables a Source must stream.
var WatchedTables = []string{StatesTable, MetadataTable}

// Severity above error used when the supervisor exhausts its retry budget.
const LevelCritical = slog.LevelError + 4

var (
	// ErrIdentityConflict is wrapped by Source and Stream implementations
	// when the database rejects the stream because another replica uses
	// the same server id.
	ErrIdentityConflict = errors.New("replication server id already in use")

	ErrRetryBudgetExhausted = errors.New("stream retry budget exhausted")
	ErrSupervisorPanic      = errors.New("stream supervisor panicked")
)

type RowKind int

const (
	RowInsert RowKind = iota
	RowUpdate
)

func (k RowKind) String() string {
	switch k {
	case RowInsert:
		return "insert"
	case RowUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// RowChange is one decoded row image from a watched table. For updates it
// carries the after image.
type RowChange struct {
	Table  string
	Kind   RowKind
	Values map[string]any
}

// Stream yields batches of row changes, one batch per change-log event.
// Next returns io.EOF when the stream ends without error.
type Stream interface {
	Next(ctx context.Context) ([]RowChange, error)
	Close() error
}

// Source opens a change stream presenting the given server id.
type Source interface {
	Open(ctx context.Context, serverID uint32) (Stream, error)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
