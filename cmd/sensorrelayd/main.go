package main

import (
	"errors"
	"log/slog"
	"os"

	"github.com/Ewnn/ServerRoomMonitor/internal/runtime"
)

func main() {
	rt, err := runtime.New(os.Args[1:], "relay.yaml")
	if errors.Is(err, runtime.ErrConfigGenerated) {
		os.Exit(0)
	}
	if err != nil {
		slog.Error("Failed to initialize runtime", "error", err)
		os.Exit(1)
	}

	if err := rt.Run(); err != nil {
		rt.Logger().Error("Runtime exited with error", "error", err)
		os.Exit(1)
	}
	rt.Logger().Info("Application exiting.")
}
