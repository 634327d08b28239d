package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fiberrt/fiberrt/pkg/reactor"
)

func newMonitorCommand() *cobra.Command {
	var workers int
	var refresh time.Duration

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Host a reactor in-process and display its live runtime stats",
		Long: `monitor starts its own Reactor (there is no separate long-running
fiberd process to attach to, since this runtime exposes no network
service of its own) and renders a live dashboard of its worker, queue,
and pending-event counters. On a non-interactive stdout it falls back
to a plain periodic text report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(workers, refresh)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 2, "number of worker goroutines to host")
	cmd.Flags().DurationVar(&refresh, "refresh", 500*time.Millisecond, "dashboard refresh interval")
	return cmd
}

func runMonitor(workers int, refresh time.Duration) error {
	r, err := reactor.New(workers, false, "monitor")
	if err != nil {
		return fmt.Errorf("fiberd: new reactor: %w", err)
	}
	defer r.Close()
	r.Start()
	defer r.Stop()

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return runPlainMonitor(r, refresh)
	}

	_, err = tea.NewProgram(newDashboardModel(r, refresh)).Run()
	return err
}

// runPlainMonitor is the non-TTY fallback (piped output, CI, etc.): a
// bubbletea alternate-screen UI makes no sense without a real terminal,
// so this just logs the same counters on a fixed cadence until signalled.
func runPlainMonitor(r *reactor.Reactor, refresh time.Duration) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
			fmt.Printf("workers=%d active=%d idle=%d queue=%d pending-events=%d\n",
				r.WorkerCount(), r.ActiveWorkers(), r.IdleWorkers(), r.QueueLen(), r.PendingEvents())
		}
	}
}
