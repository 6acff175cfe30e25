package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Warden configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective config file",
	RunE:  runConfigShow,
}

var configStagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "Show the daemon's pipeline stage switches",
	RunE:  runConfigStages,
}

var configSetCmd = &cobra.Command{
	Use:   "set <stage> <on|off>",
	Short: "Toggle a pipeline stage on the running daemon",
	Long: `Toggles a pipeline stage. Stages: intent-parsing, governance, execution,
audit, auto-execute, summary. The change is saved to the config file.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configForce bool

// stageKeys maps CLI stage names to their JSON keys.
var stageKeys = map[string]string{
	"intent-parsing": "intentParsing",
	"governance":     "governance",
	"execution":      "execution",
	"audit":          "audit",
	"auto-execute":   "autoExecute",
	"summary":        "summaryEnabled",
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd, configStagesCmd, configSetCmd)
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing config file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(resolvedConfigPath())
	if err != nil {
		return err
	}

	if jsonOutput {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n%s", resolvedConfigPath(), data)
	return nil
}

func runConfigStages(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/config")
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}
	return printStages(resp)
}

func printStages(resp []byte) error {
	var stages bridge.Config
	if err := json.Unmarshal(resp, &stages); err != nil {
		return err
	}
	values := map[string]bool{
		"intent-parsing": stages.IntentParsing,
		"governance":     stages.Governance,
		"execution":      stages.Execution,
		"audit":          stages.Audit,
		"auto-execute":   stages.AutoExecute,
		"summary":        stages.SummaryEnabled,
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, name := range names {
		state := "off"
		if values[name] {
			state = "on"
		}
		fmt.Fprintf(w, "%s\t%s\n", name, state)
	}
	return w.Flush()
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q (use on or off)", s)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, ok := stageKeys[args[0]]
	if !ok {
		names := make([]string, 0, len(stageKeys))
		for name := range stageKeys {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("unknown stage %q (one of: %s)", args[0], strings.Join(names, ", "))
	}
	on, err := parseSwitch(args[1])
	if err != nil {
		return err
	}

	resp, err := apiPut("/config", map[string]bool{key: on})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}
	return printStages(resp)
}
