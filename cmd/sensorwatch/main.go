package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Ewnn/ServerRoomMonitor/internal/entities"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
	"github.com/Ewnn/ServerRoomMonitor/internal/watch"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
)

var (
	relayURL string
	plain    bool
	logFile  string
	sensors  string
)

func init() {
	flag.StringVar(&relayURL, "url", "http://localhost:8000", "Relay base url or websocket url")
	flag.BoolVar(&plain, "plain", false, "Print one line per event instead of the dashboard")
	flag.StringVar(&logFile, "log-file", "sensorwatch.log", "Where the dashboard writes its logs (plain mode logs to stderr)")
	flag.StringVar(&sensors, "sensors", strings.Join(entities.DefaultWatched, ","), "Comma separated entities to show before their first event")
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if plain {
		err = runPlain(ctx)
	} else {
		err = runDashboard(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "sensorwatch:", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *slog.Logger {
	return slog.New(log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "sensorwatch",
	}))
}

func runPlain(ctx context.Context) error {
	client, err := watch.NewClient(relayURL, newLogger(os.Stderr))
	if err != nil {
		return err
	}
	printer := watch.NewPrinter(os.Stdout)
	return client.Follow(ctx, printer.Event, printer.Status)
}

func runDashboard(ctx context.Context) error {
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logFile, err)
	}
	defer f.Close()

	client, err := watch.NewClient(relayURL, newLogger(f))
	if err != nil {
		return err
	}

	var ids []string
	for _, id := range strings.Split(sensors, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(watch.NewModel(client.URL(), ids), tea.WithAltScreen(), tea.WithContext(ctx))
	go client.Follow(ctx,
		func(ev models.ChangeEvent) { p.Send(watch.EventMsg{Event: ev}) },
		func(s watch.StatusMsg) { p.Send(s) },
	)

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
