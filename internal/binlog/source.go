package binlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/relay"
	"github.com/Ewnn/ServerRoomMonitor/internal/store"
	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
)

const (
	FlavorMariaDB = gomysql.MariaDBFlavor
	FlavorMySQL   = gomysql.MySQLFlavor

	defaultHeartbeat = 30 * time.Second
)

var (
	ErrCatalogMissing = errors.New("binlog source requires a catalog")
	ErrFlavor         = errors.New("binlog flavor must be mariadb or mysql")
)

// Catalog answers the catalog questions a replication session needs
// before and while it streams.
type Catalog interface {
	BinlogPosition(ctx context.Context) (string, uint32, error)
	TableColumns(ctx context.Context, schema, table string) ([]string, error)
}

type Config struct {
	Conn            store.ConnInfo
	Flavor          string
	HeartbeatPeriod time.Duration
	ReadTimeout     time.Duration
}

type eventReader interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

type dialFunc func(cfg replication.BinlogSyncerConfig, pos gomysql.Position) (eventReader, func(), error)

/*
	Source opens row-based replication sessions against the recorder
	database. Each session starts at the primary's current position so
	only changes made after the session starts are delivered, and only
	rows from the recorder's states and states_meta tables come out.
*/
type Source struct {
	cfg     Config
	catalog Catalog
	logger  *slog.Logger
	tables  map[string]struct{}
	dial    dialFunc

	columnsMu sync.Mutex
	columns   map[string][]string
}

var _ relay.Source = (*Source)(nil)

func NewSource(logger *slog.Logger, cfg Config, catalog Catalog) (*Source, error) {
	if catalog == nil {
		return nil, ErrCatalogMissing
	}
	switch cfg.Flavor {
	case "":
		cfg.Flavor = FlavorMariaDB
	case FlavorMariaDB, FlavorMySQL:
	default:
		return nil, fmt.Errorf("%w: %q", ErrFlavor, cfg.Flavor)
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = defaultHeartbeat
	}

	tables := make(map[string]struct{}, len(relay.WatchedTables))
	for _, t := range relay.WatchedTables {
		tables[t] = struct{}{}
	}

	return &Source{
		cfg:     cfg,
		catalog: catalog,
		logger:  logger.WithGroup("binlog"),
		tables:  tables,
		dial:    dialSyncer,
		columns: make(map[string][]string),
	}, nil
}

// Open registers as a replica with serverID and starts streaming from the
// current end of the binary log.
func (s *Source) Open(ctx context.Context, serverID uint32) (relay.Stream, error) {
	file, pos, err := s.catalog.BinlogPosition(ctx)
	if err != nil {
		return nil, fmt.Errorf("binlog position: %w", err)
	}

	s.resetColumns()

	syncCfg := replication.BinlogSyncerConfig{
		ServerID:         serverID,
		Flavor:           s.cfg.Flavor,
		Host:             s.cfg.Conn.Host,
		Port:             s.cfg.Conn.Port,
		User:             s.cfg.Conn.User,
		Password:         s.cfg.Conn.Password,
		HeartbeatPeriod:  s.cfg.HeartbeatPeriod,
		ReadTimeout:      s.cfg.ReadTimeout,
		DisableRetrySync: true,
	}
	start := gomysql.Position{Name: file, Pos: pos}

	s.logger.Info("Starting replication session",
		"server_id", serverID,
		"flavor", s.cfg.Flavor,
		"addr", s.cfg.Conn.Addr(),
		"position", start.String(),
	)

	reader, closeFn, err := s.dial(syncCfg, start)
	if err != nil {
		return nil, classify("start sync", err)
	}

	return &stream{
		source:   s,
		reader:   reader,
		closeFn:  closeFn,
		serverID: serverID,
		logger:   s.logger.With("server_id", serverID),
	}, nil
}

func dialSyncer(cfg replication.BinlogSyncerConfig, pos gomysql.Position) (eventReader, func(), error) {
	syncer := replication.NewBinlogSyncer(cfg)
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, nil, err
	}
	return streamer, syncer.Close, nil
}

func (s *Source) watches(schema, table string) bool {
	if schema != s.cfg.Conn.Schema {
		return false
	}
	_, ok := s.tables[table]
	return ok
}

// columnsFor names the columns of a rows event. Servers running with
// binlog_row_metadata=FULL ship the names in the table map; otherwise
// they come from the catalog and are cached for the session.
func (s *Source) columnsFor(ctx context.Context, tm *replication.TableMapEvent, width int) ([]string, error) {
	if names := tm.ColumnNameString(); len(names) >= width && len(names) > 0 {
		return names, nil
	}

	schema, table := string(tm.Schema), string(tm.Table)
	key := schema + "." + table

	s.columnsMu.Lock()
	cached, ok := s.columns[key]
	s.columnsMu.Unlock()
	if ok && len(cached) >= width {
		return cached, nil
	}

	cols, err := s.catalog.TableColumns(ctx, schema, table)
	if err != nil {
		return nil, err
	}

	s.columnsMu.Lock()
	s.columns[key] = cols
	s.columnsMu.Unlock()

	s.logger.Debug("Resolved column names from catalog", "table", key, "columns", len(cols))
	return cols, nil
}

func (s *Source) resetColumns() {
	s.columnsMu.Lock()
	clear(s.columns)
	s.columnsMu.Unlock()
}
