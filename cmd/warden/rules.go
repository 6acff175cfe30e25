package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/warden/internal/config"
	"github.com/fentz26/warden/internal/governance"
	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/parser"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage governance rules",
}

var rulesInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default rule document",
	RunE:  runRulesInit,
}

var rulesShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the rules the daemon is enforcing",
	RunE:  runRulesShow,
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Validate a rule document without loading it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRulesCheck,
}

var rulesTestCmd = &cobra.Command{
	Use:   "test <message>",
	Short: "Parse and validate a message locally without executing anything",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRulesTest,
}

var (
	rulesFile    string
	rulesForce   bool
	rulesExplain bool
)

func init() {
	rulesCmd.AddCommand(rulesInitCmd, rulesShowCmd, rulesCheckCmd, rulesTestCmd)
	rulesCmd.PersistentFlags().StringVar(&rulesFile, "path", "", "Rule document path (default from config)")
	rulesInitCmd.Flags().BoolVar(&rulesForce, "force", false, "Overwrite an existing document")
	rulesTestCmd.Flags().BoolVar(&rulesExplain, "explain", false, "Show how every rule was evaluated")
}

// localRulesPath returns --path or the configured rule document.
func localRulesPath() (string, error) {
	if rulesFile != "" {
		return rulesFile, nil
	}
	cfg, err := config.LoadConfig(resolvedConfigPath())
	if err != nil {
		return "", err
	}
	return cfg.Governance.RulesPath, nil
}

func runRulesInit(cmd *cobra.Command, args []string) error {
	path, err := localRulesPath()
	if err != nil {
		return err
	}

	if !rulesForce {
		created, err := governance.EnsureDefault(path)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		fmt.Printf("Wrote default rules to %s\n", path)
		return nil
	}

	data, err := governance.MarshalDocument(governance.DefaultDocument(), path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write rules: %w", err)
	}
	fmt.Printf("Wrote default rules to %s\n", path)
	return nil
}

func runRulesShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/rules")
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}

	var rules []models.Rule
	if err := json.Unmarshal(resp, &rules); err != nil {
		return err
	}
	printRules(rules)
	return nil
}

func printRules(rules []models.Rule) {
	if len(rules) == 0 {
		fmt.Println("No rules loaded.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tENABLED\tTYPES\tNAME")
	for _, r := range rules {
		types := make([]string, len(r.IntentTypes))
		for i, t := range r.IntentTypes {
			types[i] = string(t)
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", r.ID, r.Action, r.IsEnabled(), strings.Join(types, ","), r.Name)
	}
	w.Flush()
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		p, err := localRulesPath()
		if err != nil {
			return err
		}
		path = p
	}

	doc, err := governance.LoadDocument(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Printf("%s: %d rules OK\n", path, len(doc.Rules))
	return nil
}

func runRulesTest(cmd *cobra.Command, args []string) error {
	path, err := localRulesPath()
	if err != nil {
		return err
	}

	ctx := context.Background()
	logger := zap.NewNop()
	store := governance.NewRuleStore(path, logger)
	snap := store.Snapshot(ctx)
	if snap.LoadError != "" {
		fmt.Fprintf(os.Stderr, "warning: %s; using built-in rules\n", snap.LoadError)
	}

	out := parser.New(logger).Parse(strings.Join(args, " "), "rules-test")
	if len(out.Intents) == 0 {
		for _, pe := range out.ParseErrors {
			fmt.Fprintf(os.Stderr, "parse error: %s\n", pe)
		}
		return errors.New("no intents recognized in message")
	}

	validator := governance.NewValidator(store, logger)
	if jsonOutput {
		type verdict struct {
			Intent     *models.Intent           `json:"intent"`
			Validation *models.ValidationResult `json:"validation"`
			Trace      []governance.RuleTrace   `json:"trace,omitempty"`
		}
		verdicts := make([]verdict, len(out.Intents))
		for i, in := range out.Intents {
			verdicts[i] = verdict{Intent: in, Validation: validator.Validate(ctx, in)}
			if rulesExplain {
				verdicts[i].Trace = validator.Explain(in, snap.Rules)
			}
		}
		data, err := json.MarshalIndent(verdicts, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Rules: %s (%d)\n", snap.Source, len(snap.Rules))
	for _, in := range out.Intents {
		v := validator.Validate(ctx, in)
		fmt.Printf("\n%s  %s\n", in.Type, in.Describe())
		fmt.Printf("  Verdict: %s\n", verdictLabel(v))
		if len(v.AppliedRules) > 0 {
			fmt.Printf("  Rules:   %s\n", strings.Join(v.AppliedRules, ", "))
		}
		for _, e := range v.Errors {
			fmt.Printf("  Error:   %s\n", e)
		}
		for _, warn := range v.Warnings {
			fmt.Printf("  Warning: %s\n", warn)
		}
		if rulesExplain {
			printTrace(validator.Explain(in, snap.Rules))
		}
	}
	return nil
}

func verdictLabel(v *models.ValidationResult) string {
	switch {
	case !v.IsValid:
		return "denied"
	case v.RequiresApproval:
		return "requires approval"
	default:
		return "allowed"
	}
}

func printTrace(traces []governance.RuleTrace) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, t := range traces {
		status := "skip"
		switch {
		case t.Applied:
			status = "APPLIED"
		case !t.Enabled:
			status = "disabled"
		case !t.TypeMatched:
			status = "type"
		}
		fmt.Fprintf(w, "    %s\t%s\t%s\n", t.RuleID, t.Action, status)
		for _, c := range t.Conditions {
			mark := "✗"
			if c.Passed {
				mark = "✓"
			}
			fmt.Fprintf(w, "      %s %s %s %v\t(actual %q)\t\n", mark, c.Field, c.Operator, c.Expected, c.Actual)
		}
	}
	w.Flush()
}
