package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/warden/internal/bridge"
	"github.com/fentz26/warden/internal/models"
	"github.com/spf13/cobra"
)

var approvalsCmd = &cobra.Command{
	Use:     "approvals",
	Aliases: []string{"approval"},
	Short:   "Review intents waiting for approval",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals, oldest first",
	RunE:  runApprovalsList,
}

var approvalsShowCmd = &cobra.Command{
	Use:   "show <intent-id>",
	Short: "Show one pending intent and the rules that held it",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsShow,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <intent-id>",
	Short: "Approve and route a pending intent",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsApprove,
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <intent-id>",
	Short: "Reject a pending intent",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsReject,
}

var (
	actor        string
	rejectReason string
)

func init() {
	approvalsCmd.AddCommand(approvalsListCmd, approvalsShowCmd, approvalsApproveCmd, approvalsRejectCmd)

	hostname, _ := os.Hostname()
	defaultActor := fmt.Sprintf("%s@%s", os.Getenv("USER"), hostname)
	approvalsApproveCmd.Flags().StringVar(&actor, "actor", defaultActor, "Name recorded with the decision")
	approvalsRejectCmd.Flags().StringVar(&actor, "actor", defaultActor, "Name recorded with the decision")
	approvalsRejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the intent was rejected")
}

// fetchPending returns the queue.
func fetchPending() ([]*models.PendingApproval, []byte, error) {
	resp, err := apiGet("/approvals")
	if err != nil {
		return nil, nil, err
	}
	var pending []*models.PendingApproval
	if err := json.Unmarshal(resp, &pending); err != nil {
		return nil, nil, err
	}
	return pending, resp, nil
}

// resolveIntentID expands a unique id prefix against the pending queue.
func resolveIntentID(prefix string) (string, error) {
	pending, _, err := fetchPending()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, p := range pending {
		if p.Intent.ID == prefix {
			return prefix, nil
		}
		if strings.HasPrefix(p.Intent.ID, prefix) {
			matches = append(matches, p.Intent.ID)
		}
	}
	switch len(matches) {
	case 0:
		// Let the daemon report it.
		return prefix, nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous intent id %q matches %d pending intents", prefix, len(matches))
	}
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	pending, raw, err := fetchPending()
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(raw)
	}

	if len(pending) == 0 {
		fmt.Println("Nothing awaiting approval.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tAGE\tRULES\tINTENT")
	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			shortID(p.Intent.ID),
			p.Intent.Type,
			time.Since(p.CreatedAt).Round(time.Second),
			strings.Join(p.Validation.AppliedRules, ","),
			p.Intent.Describe())
	}
	return w.Flush()
}

func runApprovalsShow(cmd *cobra.Command, args []string) error {
	id, err := resolveIntentID(args[0])
	if err != nil {
		return err
	}
	resp, err := apiGet("/approvals/" + url.PathEscape(id))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}

	var p models.PendingApproval
	if err := json.Unmarshal(resp, &p); err != nil {
		return err
	}
	fmt.Printf("%s %s: %s\n", p.Intent.Type, p.Intent.ID, p.Intent.Describe())
	fmt.Printf("  Session: %s\n", p.SessionID)
	fmt.Printf("  Waiting: %s\n", time.Since(p.CreatedAt).Round(time.Second))
	if p.Validation != nil {
		fmt.Printf("  Rules: %s\n", strings.Join(p.Validation.AppliedRules, ", "))
		for _, w := range p.Validation.Warnings {
			fmt.Printf("  Warning: %s\n", w)
		}
	}
	return nil
}

func runApprovalsApprove(cmd *cobra.Command, args []string) error {
	id, err := resolveIntentID(args[0])
	if err != nil {
		return err
	}
	resp, err := apiPost("/approvals/"+url.PathEscape(id)+"/approve", map[string]string{"actor": actor})
	if err != nil {
		return err
	}
	return printDecision(resp, "Approved")
}

func runApprovalsReject(cmd *cobra.Command, args []string) error {
	id, err := resolveIntentID(args[0])
	if err != nil {
		return err
	}
	resp, err := apiPost("/approvals/"+url.PathEscape(id)+"/reject", map[string]string{"actor": actor, "reason": rejectReason})
	if err != nil {
		return err
	}
	return printDecision(resp, "Rejected")
}

func printDecision(resp []byte, verb string) error {
	if jsonOutput {
		return printRaw(resp)
	}
	var ir bridge.IntentReport
	if err := json.Unmarshal(resp, &ir); err != nil {
		return err
	}
	fmt.Printf("%s %s: %s\n", verb, shortID(ir.Intent.ID), ir.Intent.Describe())
	fmt.Printf("  Outcome: %s\n", outcomeLabel(ir))
	if ir.Execution != nil {
		if ir.Execution.Output != "" {
			fmt.Printf("  Output: %s\n", strings.TrimRight(ir.Execution.Output, "\n"))
		}
		if ir.Execution.Error != "" {
			fmt.Printf("  Error: %s\n", ir.Execution.Error)
		}
	}
	return nil
}
