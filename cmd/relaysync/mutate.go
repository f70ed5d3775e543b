package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/relaysync/internal/db"
	"github.com/steveyegge/relaysync/internal/schema"
)

var mutateCmd = &cobra.Command{
	Use:     "mutate <insert|update|delete> <table> <primary-key>",
	GroupID: "data",
	Short:   "Change a record and capture the change for sync",
	Long: `Apply a change to a synchronized table and record it in the log.

The change is uploaded by the next sync. Fields are given with --set; values
are parsed as JSON when possible and kept as strings otherwise.

Examples:
  relaysync mutate insert notes n1 --set title=groceries --set done=false
  relaysync mutate update notes n1 --set done=true
  relaysync mutate delete notes n1`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		op, err := schema.ParseOperation(args[0])
		if err != nil {
			fatalf("%v", err)
		}
		table, pk := args[1], args[2]
		sets, _ := cmd.Flags().GetStringArray("set")
		fields, err := parseSet(sets)
		if err != nil {
			fatalf("%v", err)
		}

		ctx := context.Background()
		database := openDB(ctx)
		defer database.Close()
		rec, err := db.NewRecorder(ctx, database, nil)
		if err != nil {
			fatalf("%v", err)
		}

		var logRec *schema.LogRecord
		switch op {
		case schema.OpInsert:
			logRec, err = rec.Insert(ctx, table, pk, fields)
		case schema.OpUpdate:
			logRec, err = rec.Update(ctx, table, pk, fields)
		case schema.OpDelete:
			if len(fields) > 0 {
				fatalf("--set is not allowed with delete")
			}
			logRec, err = rec.Delete(ctx, table, pk)
		}
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Recorded %s of %s (log %s)\n", renderPass("✓"), logRec.Operation, logRec.RecordKey(), shortID(logRec.ID))
	},
}

// parseSet turns key=value pairs into a field map.
func parseSet(pairs []string) (map[string]any, error) {
	fields := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (want key=value)", p)
		}
		var val any
		if err := json.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		fields[key] = val
	}
	return fields, nil
}

func init() {
	mutateCmd.Flags().StringArray("set", nil, "field assignment key=value (repeatable)")
	rootCmd.AddCommand(mutateCmd)
}
