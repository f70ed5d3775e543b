package main

import (
	"github.com/spf13/cobra"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync daemon with a real-time WebSocket dashboard",
	Long: `Run the sync daemon and stream its activity to WebSocket clients.

WebSocket messages include:
- sync_complete: A sync cycle finished (uploaded, downloaded, applied counts)
- head_changed: The pinned chain head moved
- transfer_progress: A chunk of an upload or download completed
- stats: Running totals, sent on connect and after every cycle

Example usage:
  relaysync dashboard                   # Start on dashboard.port (default 8080)
  relaysync dashboard --port 9000       # Start on custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("port") {
			cfg.Dashboard.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("host") {
			cfg.Dashboard.Host, _ = cmd.Flags().GetString("host")
		}
		runDaemon(true)
	},
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	dashboardCmd.Flags().String("host", "", "Interface to listen on (default: all)")
	rootCmd.AddCommand(dashboardCmd)
}
