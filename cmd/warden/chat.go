package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/warden/internal/bridge"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message through the governance pipeline",
	Long: `Parses the message into intents, validates each against the active rules
and, when auto-execution is on, routes allowed intents to their executors.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

var (
	chatSession string
	chatUser    string
	chatAuto    bool
)

func init() {
	hostname, _ := os.Hostname()
	chatCmd.Flags().StringVar(&chatSession, "session", "cli@"+hostname, "Session ID recorded in the audit log")
	chatCmd.Flags().StringVar(&chatUser, "user", os.Getenv("USER"), "User ID recorded in the audit log")
	chatCmd.Flags().BoolVar(&chatAuto, "auto-execute", false, "Execute allowed intents (overrides the daemon setting when given)")
}

func runChat(cmd *cobra.Command, args []string) error {
	req := bridge.Request{
		Message:   strings.Join(args, " "),
		SessionID: chatSession,
		UserID:    chatUser,
	}
	if cmd.Flags().Changed("auto-execute") {
		req.AutoExecute = &chatAuto
	}

	client := &http.Client{Timeout: chatTimeout}
	resp, err := apiDo(client, http.MethodPost, "/chat", req)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printRaw(resp)
	}

	var report bridge.Report
	if err := json.Unmarshal(resp, &report); err != nil {
		return err
	}

	fmt.Println(report.Summary)
	if len(report.Results) == 0 {
		if report.Parsed == nil {
			return nil
		}
		for _, pe := range report.Parsed.ParseErrors {
			fmt.Printf("  parse error: %s\n", pe)
		}
		return nil
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tOUTCOME\tDETAIL")
	for _, ir := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", shortID(ir.Intent.ID), ir.Intent.Type, outcomeLabel(ir), ir.Intent.Describe())
	}
	w.Flush()

	for _, ir := range report.Results {
		for _, e := range ir.Validation.Errors {
			fmt.Printf("  %s: %s\n", shortID(ir.Intent.ID), e)
		}
		if ir.Execution != nil && ir.Execution.Output != "" {
			fmt.Printf("\n--- %s output ---\n%s\n", shortID(ir.Intent.ID), strings.TrimRight(ir.Execution.Output, "\n"))
		}
		if ir.Execution != nil && ir.Execution.Error != "" {
			fmt.Printf("  %s failed: %s\n", shortID(ir.Intent.ID), ir.Execution.Error)
		}
	}

	if len(report.Pending) > 0 {
		fmt.Printf("\n%d intent(s) await approval. Use: warden approvals approve <id>\n", len(report.Pending))
	}
	return nil
}

// outcomeLabel splits "processed" into executed and allowed-only.
func outcomeLabel(ir bridge.IntentReport) string {
	if ir.Outcome == "processed" && !ir.Executed {
		return "allowed"
	}
	if ir.Outcome == "processed" {
		return "executed"
	}
	return string(ir.Outcome)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
