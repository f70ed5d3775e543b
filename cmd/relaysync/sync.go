package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/relaysync/internal/chain"
	"github.com/steveyegge/relaysync/internal/daemon"
	"github.com/steveyegge/relaysync/internal/dashboard"
	"github.com/steveyegge/relaysync/internal/transfer"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Run one sync cycle against the relay.

A cycle has three phases:
  1. Upload: pending log records are appended to the chain in batches
  2. Download: the chain is walked back from the pinned head to the last
     head this device has seen
  3. Apply: new remote records are applied locally, resolving conflicts`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signalContext()
		defer stop()

		rt := newRuntime(ctx, nil)
		defer rt.Close()

		fmt.Printf("%s Syncing with %s...\n", renderAccent("🔄"), cfg.Dest)
		start := time.Now()
		res := rt.engine.PerformSync(ctx)
		printResult(res, time.Since(start))
		if res.Err != nil {
			os.Exit(1)
		}
	},
}

func printResult(res chain.Result, elapsed time.Duration) {
	mark := renderPass("✓")
	switch {
	case res.Err != nil:
		mark = renderFail("✗")
	case res.HasErrors:
		mark = renderWarn("⚠")
	}
	fmt.Printf("%s Sync finished in %v\n", mark, elapsed.Round(time.Millisecond))
	fmt.Printf("   Uploaded:   %d node(s)\n", res.Uploaded)
	fmt.Printf("   Downloaded: %d record(s)\n", res.Downloaded)
	fmt.Printf("   Applied:    %d record(s)\n", res.Applied)
	if res.Err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", res.Err)
	} else if res.HasErrors {
		fmt.Printf("   %s\n", renderWarn("some records could not be applied; see log"))
	}
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run sync cycles in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Sync once at startup and then every daemon.sync_interval
  2. Watch the database file for writes by other local processes
  3. Sync early when those writes leave log records pending

With --dashboard, sync results are also streamed to WebSocket clients.`,
	Run: func(cmd *cobra.Command, args []string) {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		runDaemon(withDashboard)
	},
}

// runDaemon blocks until interrupted.
func runDaemon(withDashboard bool) {
	ctx, stop := signalContext()
	defer stop()

	var server *dashboard.Server
	var handler *dashboard.Handler
	if withDashboard {
		server = dashboard.NewServer(&dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Logger: logs.Logger("dashboard"),
		})
		handler = dashboard.NewHandler(server, logs.Logger("dashboard"))
	}

	var onProgress func(transfer.Progress)
	if handler != nil {
		onProgress = handler.OnTransferProgress
	}
	rt := newRuntime(ctx, onProgress)
	defer rt.Close()

	dcfg := &daemon.Config{
		SyncInterval:     cfg.Daemon.SyncInterval,
		DebounceInterval: cfg.Daemon.DebounceInterval,
		WatchDB:          cfg.Daemon.WatchDB,
		Logger:           logs.Logger("daemon"),
	}
	var notifier daemon.Notifier
	if handler != nil {
		notifier = handler
	}
	d, err := daemon.New(rt.engine, rt.db, cfg.DBPath, dcfg, notifier)
	if err != nil {
		fatalf("creating daemon: %v", err)
	}

	if server != nil {
		if err := server.Start(); err != nil {
			fatalf("failed to start dashboard: %v", err)
		}
		defer server.Stop()
	}

	fmt.Printf("%s Starting sync daemon...\n", renderAccent("🚀"))
	fmt.Printf("   Database: %s\n", cfg.DBPath)
	fmt.Printf("   Chain:    %s\n", cfg.Dest)
	fmt.Printf("   Interval: %v\n", dcfg.SyncInterval)
	if server != nil {
		fmt.Printf("   Dashboard: ws://%s/ws\n", server.GetAddr())
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	if err := d.Start(ctx); err != nil {
		fatalf("daemon stopped: %v", err)
	}

	st := d.Stats()
	fmt.Printf("\n%s Daemon stopped after %d cycle(s), %d failed\n", renderMuted("■"), st.Cycles, st.Failures)
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "also serve the WebSocket dashboard")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
}
