package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Ewnn/ServerRoomMonitor/internal/binlog"
	"github.com/Ewnn/ServerRoomMonitor/internal/config"
	"github.com/Ewnn/ServerRoomMonitor/internal/entities"
	"github.com/Ewnn/ServerRoomMonitor/internal/hub"
	"github.com/Ewnn/ServerRoomMonitor/internal/identity"
	"github.com/Ewnn/ServerRoomMonitor/internal/metrics"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/Ewnn/ServerRoomMonitor/internal/relay"
	"github.com/Ewnn/ServerRoomMonitor/internal/service"
	"github.com/Ewnn/ServerRoomMonitor/internal/store"
	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

// ErrConfigGenerated is returned by New after --new-cfg wrote a file; the
// caller should exit without running.
var ErrConfigGenerated = errors.New("configuration generated")

// Runtime manages the execution of sensorrelayd, handling configuration,
// signal processing and the lifecycle of the relay components.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Config
	configFile string
	envFile    string
	rawArgs    []string
	stderr     io.Writer

	currentLogLevel slog.Level
}

// New parses flags, loads the configuration and installs signal handling.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs: args,
		stderr:  os.Stderr,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(r.stderr, nil)).With("service", "sensorrelayRuntime")

	var genConfigFile string
	fs := flag.NewFlagSet("sensorrelayd", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the relay configuration file. Missing files fall back to defaults.")
	fs.StringVar(&r.envFile, "env", ".env", "Path to an optional env file (MARIADB_URL, SERVER_ID, ...).")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new relay configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		if err := writeGeneratedConfig(genConfigFile); err != nil {
			return nil, err
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return nil, ErrConfigGenerated
	}

	var err error
	r.cfg, err = config.Load(r.configFile, r.envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.currentLogLevel = parseLevel(r.cfg.Log.Level)
	r.logger = newLogger(r.stderr, r.cfg.Log.Format, r.currentLogLevel).With("service", "sensorrelayRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
		signal.Stop(sigChan)
	}()

	return r, nil
}

func writeGeneratedConfig(path string) error {
	yamlData, err := yaml.Marshal(config.GenerateConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal generated config to YAML: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for config file %s: %w", path, err)
		}
	}

	if err := os.WriteFile(path, yamlData, 0644); err != nil {
		return fmt.Errorf("failed to write generated configuration to %s: %w", path, err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		color.HiYellow("Unknown logging level: %s, defaulting to info", level)
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. Text output goes through the
// charm logger so terminals get levels in colour; json is for collectors.
func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	handler := log.NewWithOptions(w, log.Options{
		Level:           log.Level(level),
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	return slog.New(handler)
}

func (r *Runtime) Config() *config.Config {
	return r.cfg
}

func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

// Stop cancels the application context.
func (r *Runtime) Stop() {
	r.appCancel()
}

// Run wires the relay and blocks until the context is cancelled or the
// HTTP server fails.
func (r *Runtime) Run() error {
	defer r.appCancel()

	cfg := r.cfg
	info, err := cfg.ConnInfo()
	if err != nil {
		return err
	}

	printBanner(cfg, info)

	db, err := store.Open(r.appCtx, info, r.logger.WithGroup("store"), store.Options{
		HistoryTTL:   cfg.Cache.HistoryTTL,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		ConnLifetime: cfg.Database.ConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			r.logger.Warn("Error closing database", "error", err)
		}
	}()

	ident, err := identity.New(cfg.Relay.ServerID, cfg.Relay.ServerIDMin, cfg.Relay.ServerIDMax)
	if err != nil {
		return fmt.Errorf("failed to create server identity: %w", err)
	}

	m := metrics.New()
	m.SetServerID(ident.Current())

	cache := entities.NewCache(r.logger.WithGroup("entities"))
	watched := entities.NewWatchedSet(cfg.Watched...)

	source, err := binlog.NewSource(r.logger, binlog.Config{
		Conn:            info,
		Flavor:          cfg.Database.Flavor,
		HeartbeatPeriod: cfg.Relay.HeartbeatPeriod,
	}, db)
	if err != nil {
		return fmt.Errorf("failed to create change stream source: %w", err)
	}

	supLogger := r.logger.WithGroup("supervisor")
	sup, err := relay.NewSupervisor(relay.Settings{
		Logger:        supLogger,
		Source:        source,
		Scanner:       db,
		Cache:         cache,
		Identity:      ident,
		Consumer:      relay.NewConsumer(r.logger.WithGroup("consumer"), cache, watched, m),
		Metrics:       m,
		MaxAttempts:   cfg.Relay.MaxAttempts,
		ConflictDelay: cfg.Relay.ConflictDelay,
		FailureDelay:  cfg.Relay.FailureDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	events := make(chan models.ChangeEvent, cfg.Relay.EventsBuffer)
	emit := relay.ChannelEmitter(events, supLogger, m)
	keeper := relay.NewKeeper(r.logger.WithGroup("keeper"), cfg.Relay.RestartDelay, func(ctx context.Context) error {
		return sup.Run(ctx, emit)
	})

	h := hub.New(r.logger, m, cfg.Sessions.MaxConnections)

	svc, err := service.New(service.Settings{
		Ctx:     r.appCtx,
		Logger:  r.logger.WithGroup("service"),
		Config:  cfg,
		Hub:     h,
		History: db,
		Watched: watched,
		Metrics: m,
		Status: func() service.Status {
			return service.Status{
				ServerID: ident.Current(),
				Stream:   sup.State().String(),
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.Run(r.appCtx, events)
	}()
	go func() {
		defer wg.Done()
		keeper.Run(r.appCtx)
	}()

	r.logger.Info("Relay started",
		"server_id", ident.Current(),
		"watched", watched.Names(),
		"listen_addr", cfg.HttpBinding,
	)

	err = svc.Run()
	r.appCancel()
	wg.Wait()

	r.logger.Info("Relay stopped")
	return err
}

func printBanner(cfg *config.Config, info store.ConnInfo) {
	title := color.New(color.FgHiCyan, color.Bold)
	title.Println("sensorrelayd")
	fmt.Printf("  %s %s\n", color.HiBlackString("database:"), info.String())
	fmt.Printf("  %s %s\n", color.HiBlackString("listen:  "), cfg.HttpBinding)
	fmt.Printf("  %s %d entities\n", color.HiBlackString("watched: "), len(cfg.Watched))
	if cfg.Relay.ServerID == 0 {
		fmt.Printf("  %s random in [%d, %d]\n", color.HiBlackString("serverId:"), cfg.Relay.ServerIDMin, cfg.Relay.ServerIDMax)
	} else {
		fmt.Printf("  %s %d\n", color.HiBlackString("serverId:"), cfg.Relay.ServerID)
	}
}
