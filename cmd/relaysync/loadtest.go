package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/relaysync/internal/loadtest"
	"github.com/steveyegge/relaysync/internal/ratelimit"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Exercise chunked transfers against an in-memory relay",
	Long: `Run concurrent chunked uploads against an in-memory relay and report
throughput, per-send latency and how sends were spread across tokens.

No network or real credentials are used. With --check the run fails if any
token exceeded its sliding-window limit.`,
	Run: func(cmd *cobra.Command, args []string) {
		tokens, _ := cmd.Flags().GetInt("tokens")
		uploads, _ := cmd.Flags().GetInt("uploads")
		size, _ := cmd.Flags().GetInt64("size")
		chunk, _ := cmd.Flags().GetInt64("chunk-size")
		latency, _ := cmd.Flags().GetDuration("latency")
		limit, _ := cmd.Flags().GetInt("limit")
		window, _ := cmd.Flags().GetDuration("window")
		verify, _ := cmd.Flags().GetBool("verify")
		check, _ := cmd.Flags().GetBool("check")

		ctx, stop := signalContext()
		defer stop()

		fmt.Printf("%s Running %d upload(s) of %s over %d token(s)...\n",
			renderAccent("🚀"), uploads, formatSize(size), tokens)

		report, err := loadtest.Run(ctx, loadtest.Config{
			Tokens:      tokens,
			Uploads:     uploads,
			PayloadSize: size,
			ChunkSize:   chunk,
			Latency:     latency,
			Limit:       limit,
			Window:      window,
			Verify:      verify,
			Logger:      logs.Logger("loadtest"),
		})
		if err != nil {
			fatalf("load test failed: %v", err)
		}
		fmt.Println()
		report.Print(os.Stdout)

		if check {
			if err := loadtest.VerifyRateLimit(report.Sends, limit, window, 20*time.Millisecond); err != nil {
				fmt.Printf("\n%s %v\n", renderFail("✗"), err)
				os.Exit(1)
			}
			fmt.Printf("\n%s No token exceeded %d sends per %v\n", renderPass("✓"), limit, window)
		}
	},
}

func init() {
	loadtestCmd.Flags().Int("tokens", 2, "number of relay tokens")
	loadtestCmd.Flags().Int("uploads", 4, "number of concurrent uploads")
	loadtestCmd.Flags().Int64("size", 1<<20, "payload size in bytes")
	loadtestCmd.Flags().Int64("chunk-size", 256<<10, "chunk size in bytes")
	loadtestCmd.Flags().Duration("latency", 0, "simulated latency per relay call")
	loadtestCmd.Flags().Int("limit", ratelimit.DefaultLimit, "sends allowed per token per window")
	loadtestCmd.Flags().Duration("window", ratelimit.DefaultWindow, "rate limit window")
	loadtestCmd.Flags().Bool("verify", true, "download and compare every payload")
	loadtestCmd.Flags().Bool("check", false, "fail if any token exceeded its limit")
	rootCmd.AddCommand(loadtestCmd)
}
