package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fiberrt/fiberrt/internal/config"
	"github.com/fiberrt/fiberrt/internal/logging"
	"github.com/fiberrt/fiberrt/pkg/reactor"
)

func newRunCommand() *cobra.Command {
	var workers int
	var includeCaller bool
	var configPath string
	var statsInterval time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a reactor-driven worker pool and block until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReactor(workers, includeCaller, configPath, statsInterval)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 4, "number of worker goroutines")
	cmd.Flags().BoolVar(&includeCaller, "include-caller", true, "dedicate worker 0 to the invoking goroutine")
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (hot-reloaded while running)")
	cmd.Flags().DurationVar(&statsInterval, "stats-interval", 5*time.Second, "how often to log runtime stats")
	return cmd
}

// runReactor starts a Reactor and keeps it alive by registering a
// recurring stats timer (so Stopping() never drains on its own), then
// blocks inside Stop until a signal cancels that timer.
func runReactor(workers int, includeCaller bool, configPath string, statsInterval time.Duration) error {
	log := logging.New("fiberd")

	if configPath != "" {
		if err := config.Default().LoadFile(configPath); err != nil {
			return fmt.Errorf("fiberd: load config: %w", err)
		}
		stop, err := config.Default().Watch(configPath)
		if err != nil {
			return fmt.Errorf("fiberd: watch config: %w", err)
		}
		defer stop()
		log.Infof("loaded and watching config %s", configPath)
	}

	r, err := reactor.New(workers, includeCaller, "fiberd")
	if err != nil {
		return fmt.Errorf("fiberd: new reactor: %w", err)
	}
	defer r.Close()

	statsTimer := r.AddTimer(statsInterval, func() {
		log.Infof("workers=%d active=%d idle=%d queue=%d pending-events=%d",
			r.WorkerCount(), r.ActiveWorkers(), r.IdleWorkers(), r.QueueLen(), r.PendingEvents())
	}, true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %v, draining", sig)
		statsTimer.Cancel()
	}()

	r.Start()
	log.Infof("reactor started: %d workers (caller included: %v)", workers, includeCaller)
	r.Stop()
	log.Infof("reactor stopped")
	return nil
}
