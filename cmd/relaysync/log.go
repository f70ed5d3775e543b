package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/migrate"
)

var logCmd = &cobra.Command{
	Use:     "log",
	GroupID: "data",
	Short:   "Inspect, export and import the mutation log",
}

var logListCmd = &cobra.Command{
	Use:   "list",
	Short: "List log records",
	Long: `List log records, oldest first.

--since accepts a timestamp (RFC 3339 or YYYY-MM-DD), a duration ("90m")
or natural language ("yesterday", "3 days ago", "last monday").`,
	Run: func(cmd *cobra.Command, args []string) {
		filter := logFilterFromFlags(cmd)
		limit, _ := cmd.Flags().GetInt("limit")
		filter.Limit = limit

		ctx := context.Background()
		database := openDB(ctx)
		defer database.Close()

		logs, err := database.ListLogs(ctx, filter)
		if err != nil {
			fatalf("%v", err)
		}
		if len(logs) == 0 {
			fmt.Println(renderMuted("No log records"))
			return
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			BorderStyle(mutedStyle).
			Headers("TIME", "OP", "RECORD", "DEVICE", "STATE")
		for _, rec := range logs {
			state := renderWarn("pending")
			if rec.Uploaded {
				state = "uploaded"
				if rec.RelayAnchor != nil {
					state = fmt.Sprintf("uploaded @%d", *rec.RelayAnchor)
				}
			}
			t.Row(
				time.UnixMilli(rec.Timestamp).Local().Format("2006-01-02 15:04:05"),
				rec.Operation.String(),
				rec.RecordKey(),
				shortID(rec.DeviceID),
				state,
			)
		}
		fmt.Println(t)
		fmt.Printf("%d record(s)\n", len(logs))
	},
}

var logExportCmd = &cobra.Command{
	Use:   "export <file.jsonl>",
	Short: "Export log records as JSONL",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		database := openDB(ctx)
		defer database.Close()

		res, err := migrate.ExportFile(ctx, database, args[0], migrate.ExportOptions{Filter: logFilterFromFlags(cmd)})
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Exported %d log record(s) to %s\n", renderPass("✓"), res.Records, res.Path)
	},
}

var logImportCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import log records from JSONL",
	Long: `Import log records exported with 'relaysync log export'.

Every record's checksum is verified. Records whose id is already stored are
skipped, so importing the same file twice is harmless. With --reset-uploaded
imported records are marked pending and uploaded by the next sync.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		reset, _ := cmd.Flags().GetBool("reset-uploaded")

		ctx := context.Background()
		database := openDB(ctx)
		defer database.Close()

		res, err := migrate.ImportFile(ctx, database, args[0], migrate.ImportOptions{DryRun: dryRun, ResetUploaded: reset})
		if err != nil {
			fatalf("%v", err)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d log record(s), skipped %d already present\n", renderPass("✓"), verb, res.Imported, res.Skipped)
		if res.Invalid > 0 {
			fmt.Printf("%s %d invalid record(s):\n", renderWarn("⚠"), res.Invalid)
			for _, e := range res.Errors {
				fmt.Printf("   %s\n", e)
			}
			os.Exit(1)
		}
	},
}

func logFilterFromFlags(cmd *cobra.Command) db.LogFilter {
	since, _ := cmd.Flags().GetString("since")
	table, _ := cmd.Flags().GetString("table")
	pending, _ := cmd.Flags().GetBool("pending")

	filter := db.LogFilter{Table: table, PendingOnly: pending}
	if since != "" {
		t, err := parseSince(since, time.Now())
		if err != nil {
			fatalf("%v", err)
		}
		filter.Since = t
	}
	return filter
}

// parseSince resolves a --since value relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q", s)
	}
	return r.Time, nil
}

func init() {
	for _, c := range []*cobra.Command{logListCmd, logExportCmd} {
		c.Flags().String("since", "", "only records at or after this time")
		c.Flags().String("table", "", "only records of this table")
		c.Flags().Bool("pending", false, "only records not yet uploaded")
	}
	logListCmd.Flags().IntP("limit", "n", 0, "maximum number of records (0 = all)")
	logImportCmd.Flags().Bool("dry-run", false, "validate without writing")
	logImportCmd.Flags().Bool("reset-uploaded", false, "mark imported records pending")

	logCmd.AddCommand(logListCmd, logExportCmd, logImportCmd)
	rootCmd.AddCommand(logCmd)
}
