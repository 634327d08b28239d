package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0-dev"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fiberd",
		Short: "fiberd hosts the fiber/scheduler/reactor runtime",
		Long: `fiberd drives the fiber/scheduler/reactor runtime standalone: a small
pool of worker goroutines cooperatively multiplexing user-space fibers
over an epoll-driven I/O and timer reactor.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newMonitorCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
