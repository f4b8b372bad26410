package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/decode"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/jellydator/ttlcache/v3"
)

const (
	queryMetadata = `SELECT metadata_id, entity_id FROM states_meta`

	queryRecent = `SELECT s.state, s.last_updated_ts
		FROM states s
		JOIN states_meta sm ON s.metadata_id = sm.metadata_id
		WHERE sm.entity_id = ?
		ORDER BY s.last_updated_ts DESC
		LIMIT ?`

	queryColumns = `SELECT COLUMN_NAME
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`
)

// Statements tried in order to find the primary's current binlog position.
var positionStatements = []string{
	"SHOW MASTER STATUS",
	"SHOW BINARY LOG STATUS",
	"SHOW BINLOG STATUS",
}

var ErrBinlogDisabled = errors.New("binary logging is not enabled on the server")

type Options struct {
	// HistoryTTL bounds how long recent-history results are reused.
	// Zero disables the cache.
	HistoryTTL   time.Duration
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

/*
	DB is the query side of the relay: the metadata scan that seeds the
	entity cache, the point-in-time history lookups and the catalog
	queries the replication stream needs.
*/
type DB struct {
	db      *sql.DB
	logger  *slog.Logger
	history *ttlcache.Cache[string, []models.Reading]
	now     func() time.Time
}

// Open connects to MySQL/MariaDB and verifies the connection.
func Open(ctx context.Context, info ConnInfo, logger *slog.Logger, opts Options) (*DB, error) {
	sqlDB, err := sql.Open("mysql", info.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", info, err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnLifetime)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		logger.Warn("Database not reachable yet, continuing", "database", info.String(), "error", err)
	}
	return New(sqlDB, logger, opts), nil
}

// New wraps an existing handle. The driver is the caller's choice.
func New(sqlDB *sql.DB, logger *slog.Logger, opts Options) *DB {
	d := &DB{
		db:     sqlDB,
		logger: logger,
		now:    time.Now,
	}
	if opts.HistoryTTL > 0 {
		d.history = ttlcache.New(
			ttlcache.WithTTL[string, []models.Reading](opts.HistoryTTL),
			ttlcache.WithDisableTouchOnHit[string, []models.Reading](),
		)
		go d.history.Start()
	}
	return d
}

func (d *DB) Close() error {
	if d.history != nil {
		d.history.Stop()
	}
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ScanMetadata reads the whole metadata table.
func (d *DB) ScanMetadata(ctx context.Context) (map[int64]string, error) {
	rows, err := d.db.QueryContext(ctx, queryMetadata)
	if err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]string)
	for rows.Next() {
		var (
			id   int64
			name []byte
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		if name == nil {
			continue
		}
		out[id] = decode.Bytes(name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	return out, nil
}

// Recent returns up to limit readings for entityID, newest first. Results
// are reused for HistoryTTL.
func (d *DB) Recent(ctx context.Context, entityID string, limit int) ([]models.Reading, error) {
	key := fmt.Sprintf("%s:%d", entityID, limit)
	if d.history != nil {
		if item := d.history.Get(key); item != nil {
			return item.Value(), nil
		}
	}

	readings, err := d.Latest(ctx, entityID, limit)
	if err != nil {
		return nil, err
	}
	if d.history != nil {
		d.history.Set(key, readings, ttlcache.DefaultTTL)
	}
	return readings, nil
}

// Latest is Recent without the history cache. Websocket replays use it so
// a new subscriber never starts from stale rows.
func (d *DB) Latest(ctx context.Context, entityID string, limit int) ([]models.Reading, error) {
	rows, err := d.db.QueryContext(ctx, queryRecent, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent states for %s: %w", entityID, err)
	}
	defer rows.Close()

	readings := make([]models.Reading, 0, limit)
	for rows.Next() {
		var (
			state []byte
			ts    sql.NullFloat64
		)
		if err := rows.Scan(&state, &ts); err != nil {
			return nil, fmt.Errorf("recent states row for %s: %w", entityID, err)
		}
		r := models.Reading{ObservedAt: d.now().UTC()}
		if state != nil {
			s := decode.Bytes(state)
			r.State = &s
		}
		if ts.Valid {
			if sec, err := decode.Seconds(ts.Float64); err == nil {
				r.ObservedAt = models.TimeFromSeconds(sec)
			}
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent states for %s: %w", entityID, err)
	}

	d.logger.Debug("Loaded recent states", "entity_id", entityID, "rows", len(readings))
	return readings, nil
}

// RecentAll runs Recent for every entity. The first failure aborts.
func (d *DB) RecentAll(ctx context.Context, entityIDs []string, limit int) (map[string][]models.Reading, error) {
	out := make(map[string][]models.Reading, len(entityIDs))
	for _, id := range entityIDs {
		readings, err := d.Recent(ctx, id, limit)
		if err != nil {
			return nil, err
		}
		out[id] = readings
	}
	return out, nil
}

// BinlogPosition returns the primary's current binlog file and offset.
func (d *DB) BinlogPosition(ctx context.Context) (string, uint32, error) {
	var lastErr error
	for _, stmt := range positionStatements {
		file, pos, err := d.queryPosition(ctx, stmt)
		if err == nil {
			return file, pos, nil
		}
		if errors.Is(err, ErrBinlogDisabled) {
			return "", 0, err
		}
		lastErr = err
	}
	return "", 0, fmt.Errorf("binlog position: %w", lastErr)
}

func (d *DB) queryPosition(ctx context.Context, stmt string) (string, uint32, error) {
	rows, err := d.db.QueryContext(ctx, stmt)
	if err != nil {
		return "", 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", 0, err
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", 0, err
		}
		return "", 0, ErrBinlogDisabled
	}

	raw := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return "", 0, err
	}

	var (
		file string
		pos  int64 = -1
	)
	for i, c := range cols {
		switch strings.ToLower(c) {
		case "file":
			file = string(raw[i])
		case "position":
			pos, err = decode.Int64([]byte(raw[i]))
			if err != nil {
				return "", 0, fmt.Errorf("binlog position %q: %w", raw[i], err)
			}
		}
	}
	if file == "" || pos < 0 || pos > int64(^uint32(0)) {
		return "", 0, fmt.Errorf("unexpected result from %q", stmt)
	}
	return file, uint32(pos), nil
}

// TableColumns lists a table's columns in ordinal order.
func (d *DB) TableColumns(ctx context.Context, schema, table string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, queryColumns, schema, table)
	if err != nil {
		return nil, fmt.Errorf("columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("columns of %s.%s: %w", schema, table, err)
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("columns of %s.%s: %w", schema, table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("columns of %s.%s: table not found", schema, table)
	}
	return cols, nil
}
