package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/warden/internal/models"
	"go.uber.org/zap"
)

// summarize asks the generator for a summary when one is configured and
// falls back to the template on any error.
func (b *Bridge) summarize(ctx context.Context, cfg Config, r *Report) string {
	fallback := TemplateSummary(r)
	if b.generator == nil || !cfg.SummaryEnabled || len(r.Results) == 0 {
		return fallback
	}
	text, err := b.generator.GenerateText(ctx, summaryPrompt(r))
	if err != nil {
		b.logger.Warn("summary generation failed, using template", zap.Error(err))
		return fallback
	}
	return text
}

// TemplateSummary describes a report without a model.
func TemplateSummary(r *Report) string {
	if len(r.Results) == 0 {
		return "No actionable intents found."
	}

	var executed, notRun, failed, pending, rejected int
	for _, ir := range r.Results {
		switch ir.Outcome {
		case models.OutcomeProcessed:
			if ir.Executed {
				executed++
			} else {
				notRun++
			}
		case models.OutcomeFailed:
			failed++
		case models.OutcomePendingApproval:
			pending++
		case models.OutcomeRejected:
			rejected++
		}
	}

	var parts []string
	add := func(n int, label string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, label))
		}
	}
	add(executed, "executed")
	add(notRun, "allowed but not executed")
	add(failed, "failed")
	add(pending, "awaiting approval")
	add(rejected, "rejected")

	noun := "intents"
	if len(r.Results) == 1 {
		noun = "intent"
	}
	return fmt.Sprintf("Found %d %s: %s.", len(r.Results), noun, strings.Join(parts, ", "))
}

func summaryPrompt(r *Report) string {
	var sb strings.Builder
	sb.WriteString("Summarize for the user what happened to the following requests in one or two sentences.\n")
	for _, ir := range r.Results {
		fmt.Fprintf(&sb, "- %s: %s", ir.Intent.Describe(), ir.Outcome)
		if len(ir.Validation.Errors) > 0 {
			fmt.Fprintf(&sb, " (%s)", strings.Join(ir.Validation.Errors, "; "))
		}
		if ir.Execution != nil && ir.Execution.Error != "" {
			fmt.Fprintf(&sb, " (error: %s)", ir.Execution.Error)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
