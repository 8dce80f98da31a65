package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/epimesh/internal/core/observability/log"
	"github.com/zeusync/epimesh/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	app, err := injector.InitializeApp(injector.ConfigPath(*configPath))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error initializing:", err)
		os.Exit(1)
	}
	defer func() { _ = app.Logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = app.Server.Start(ctx); err != nil {
		app.Logger.Error("Error starting server", log.Error(err))
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		app.Logger.Info("Shutdown signal received")
	case <-app.Server.Done():
	}

	if err = app.Server.Stop(context.Background()); err != nil {
		app.Logger.Error("Error stopping server", log.Error(err))
	}
	_ = app.Server.Close()

	st := app.Sim.Stats()
	app.Logger.Info("Simulation finished",
		log.Uint64("steps", st.Steps),
		log.Int("particles", st.Particles),
		log.Uint64("collisions", st.Collisions),
		log.Uint64("removed", st.Removed),
		log.Uint64("heals", st.Heals),
		log.Duration("avg_step", st.AverageStepDuration))
}
