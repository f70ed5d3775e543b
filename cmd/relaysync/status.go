package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/steveyegge/relaysync/internal/transfer"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local sync state",
	Long: `Display the local sync state without contacting the relay.

Shows:
  - Database location and device id
  - Pending and total log records
  - Last seen chain head, last applied record and last sync time
  - Transfer jobs and their state`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
			fmt.Printf("\n%s Database not initialized\n", renderWarn("⚠"))
			fmt.Printf("   Run 'relaysync sync' or 'relaysync mutate' to create it\n\n")
			return
		}

		database := openDB(ctx)
		defer database.Close()

		deviceID, err := database.DeviceID(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		pending, err := database.CountPendingLogs(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		total, err := database.CountLogs(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		head, err := database.LastPinnedHeadID(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		lastApplied, err := database.LastAppliedLogID(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		lastSync, err := database.LastSyncTime(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		jobs, err := database.ListJobs(ctx)
		if err != nil {
			fatalf("%v", err)
		}

		pendingStr := renderPass("0")
		if pending > 0 {
			pendingStr = renderWarn(fmt.Sprint(pending))
		}
		syncStr := renderMuted("never")
		if !lastSync.IsZero() {
			syncStr = fmt.Sprintf("%s (%s ago)", lastSync.Local().Format("2006-01-02 15:04:05"), time.Since(lastSync).Round(time.Second))
		}
		headStr := renderMuted("none")
		if head > 0 {
			headStr = fmt.Sprint(head)
		}
		if lastApplied == "" {
			lastApplied = renderMuted("none")
		}

		lines := []string{
			renderAccent("relaysync status"),
			"",
			row("Database", cfg.DBPath),
			row("Device", deviceID),
			row("Chain", orNone(cfg.Dest)),
			row("Pending logs", pendingStr),
			row("Total logs", total),
			row("Chain head", headStr),
			row("Last applied", lastApplied),
			row("Last sync", syncStr),
		}

		if len(jobs) > 0 {
			lines = append(lines, "", renderAccent("Transfers"))
			for _, job := range jobs {
				chunks, err := database.ListChunks(ctx, job.FileID)
				if err != nil {
					fatalf("%v", err)
				}
				state := job.State
				switch transfer.State(state) {
				case transfer.StateCompleted:
					state = renderPass(state)
				case transfer.StatePartiallyFailed, transfer.StateCancelled:
					state = renderWarn(state)
				}
				lines = append(lines, fmt.Sprintf("%s  %-20s %3d/%-3d %s",
					renderMuted(shortID(job.FileID)), truncate(job.Name, 20), len(chunks), job.TotalChunks, state))
			}
		}

		fmt.Println()
		fmt.Println(boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
		fmt.Println()
	},
}

func orNone(s string) string {
	if s == "" {
		return renderMuted("not configured")
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

