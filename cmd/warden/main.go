package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - intent governance for AI coding assistants",
	Long: `Warden turns chat messages into structured intents, checks them against
governance rules, routes approved intents to executors and keeps an audit trail.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of Warden",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Warden version %s\n", version)
		fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("  Go version: %s\n", runtime.Version())
	},
}

var (
	apiAddr    string
	configPath string
	jsonOutput bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7466", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.warden/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tuiCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
