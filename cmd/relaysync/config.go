package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration with secrets masked",
	Long: `Print the configuration after merging defaults, the config file,
RELAYSYNC_* environment variables, the credentials file and flags.

Tokens and the chain password are masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		out, err := cfg.YAML()
		if err != nil {
			fatalf("%v", err)
		}
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Println(renderMuted("# " + used))
		}
		fmt.Print(out)
		if err := cfg.Validate(); err != nil {
			fmt.Printf("\n%s %v\n", renderWarn("⚠"), err)
		}
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
