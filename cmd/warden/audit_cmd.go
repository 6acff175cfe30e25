package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/warden/internal/audit"
	"github.com/fentz26/warden/internal/models"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit entries, newest first",
	RunE:  runAuditList,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent audit entries",
	RunE:  runAuditStats,
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove entries older than the retention window",
	RunE:  runAuditPrune,
}

var (
	auditSince    time.Duration
	auditUntil    time.Duration
	auditTypes    []string
	auditOutcomes []string
	auditSession  string
	auditLimit    int
	auditDays     int
)

func init() {
	auditCmd.AddCommand(auditListCmd, auditStatsCmd, auditPruneCmd)

	auditListCmd.Flags().DurationVar(&auditSince, "since", 0, "Only entries newer than this (e.g. 24h)")
	auditListCmd.Flags().DurationVar(&auditUntil, "until", 0, "Only entries older than this (e.g. 1h)")
	auditListCmd.Flags().StringSliceVar(&auditTypes, "type", nil, "Filter by intent type (repeatable)")
	auditListCmd.Flags().StringSliceVar(&auditOutcomes, "outcome", nil, "Filter by outcome: processed, rejected, failed, pending_approval")
	auditListCmd.Flags().StringVar(&auditSession, "session", "", "Filter by session ID")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum entries to show (0 for all)")

	auditStatsCmd.Flags().IntVar(&auditDays, "days", 7, "Window size in days")
}

// auditQuery builds the /audit query string from list flags.
func auditQuery(now time.Time) url.Values {
	q := url.Values{}
	if auditSince > 0 {
		q.Set("since", now.Add(-auditSince).UTC().Format(time.RFC3339))
	}
	if auditUntil > 0 {
		q.Set("until", now.Add(-auditUntil).UTC().Format(time.RFC3339))
	}
	for _, t := range auditTypes {
		q.Add("type", t)
	}
	for _, o := range auditOutcomes {
		q.Add("outcome", o)
	}
	if auditSession != "" {
		q.Set("session", auditSession)
	}
	if auditLimit > 0 {
		q.Set("limit", strconv.Itoa(auditLimit))
	}
	return q
}

func runAuditList(cmd *cobra.Command, args []string) error {
	path := "/audit"
	if q := auditQuery(time.Now()); len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}

	var entries []*models.AuditEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tOUTCOME\tSESSION\tRULES\tINTENT")
	for _, e := range entries {
		var rules []string
		if e.Validation != nil {
			rules = e.Validation.AppliedRules
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Intent.Type,
			e.Outcome,
			e.Source.SessionID,
			strings.Join(rules, ","),
			e.Intent.Describe())
	}
	return w.Flush()
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/audit/stats?days=" + strconv.Itoa(auditDays))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}

	var stats audit.Stats
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	fmt.Printf("Audit summary (last %d days)\n\n", stats.Days)
	fmt.Printf("  Total:      %d\n", stats.Total)
	fmt.Printf("  Successful: %d\n", stats.Successful)
	fmt.Printf("  Failed:     %d\n", stats.Failed)
	fmt.Printf("  Rejected:   %d\n", stats.Rejected)
	fmt.Printf("  Pending:    %d\n", stats.Pending)

	printCounts("By type", stats.ByType)
	printCounts("Rules applied", stats.RuleFrequency)
	return nil
}

// printCounts prints a count map, largest first.
func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	fmt.Printf("\n%s:\n", title)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\t%d\n", k, counts[k])
	}
	w.Flush()
}

func runAuditPrune(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/audit/prune", nil)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}

	var result struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	fmt.Printf("Removed %d audit entries.\n", result.Removed)
	return nil
}
