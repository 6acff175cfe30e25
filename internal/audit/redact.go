package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fentz26/warden/internal/models"
)

const (
	// MaxContentBytes is the largest payload kept verbatim in an audit record.
	MaxContentBytes = 500
	// MaxMessageRunes bounds the chat excerpt stored with an entry.
	MaxMessageRunes = 200
)

// DeriveOutcome classifies an entry from its validation and optional
// execution. Denial wins over approval, approval over execution failure.
func DeriveOutcome(v *models.ValidationResult, exec *models.ExecutionResult) models.Outcome {
	switch {
	case v != nil && !v.IsValid:
		return models.OutcomeRejected
	case v != nil && v.RequiresApproval:
		return models.OutcomePendingApproval
	case exec != nil && !exec.Success:
		return models.OutcomeFailed
	default:
		return models.OutcomeProcessed
	}
}

// IntentHash returns the SHA256 of the intent's JSON encoding.
func IntentHash(in *models.Intent) string {
	data, err := json.Marshal(in)
	if err != nil {
		return "hash_error"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RedactContent returns a copy of in with large payloads replaced by a
// "<N bytes>" placeholder. The original is not modified.
func RedactContent(in *models.Intent) *models.Intent {
	if in == nil {
		return nil
	}
	out, err := in.Clone()
	if err != nil {
		// Clone only fails on a malformed variant; keep the header.
		return &models.Intent{ID: in.ID, Type: in.Type, Timestamp: in.Timestamp, Source: in.Source, Priority: in.Priority}
	}

	if out.File != nil && out.File.Target.Content != nil {
		if s := redact(*out.File.Target.Content); s != *out.File.Target.Content {
			out.File.Target.Content = &s
		}
	}
	if out.CodeGen != nil {
		out.CodeGen.Context.ExistingCode = redact(out.CodeGen.Context.ExistingCode)
	}
	if out.Scaffold != nil {
		for i := range out.Scaffold.Files {
			out.Scaffold.Files[i].Content = redact(out.Scaffold.Files[i].Content)
		}
	}
	return out
}

func redact(s string) string {
	if len(s) <= MaxContentBytes {
		return s
	}
	return fmt.Sprintf("<%d bytes>", len(s))
}

// Excerpt truncates message to MaxMessageRunes runes.
func Excerpt(message string) string {
	r := []rune(message)
	if len(r) <= MaxMessageRunes {
		return message
	}
	return string(r[:MaxMessageRunes]) + "..."
}

// redactedView rebuilds the entry's validation and execution so they point
// at the redacted intent instead of the caller's copy.
func redactedView(in *models.Intent, v *models.ValidationResult, exec *models.ExecutionResult) (*models.Intent, *models.ValidationResult, *models.ExecutionResult) {
	red := RedactContent(in)

	var vCopy *models.ValidationResult
	if v != nil {
		c := *v
		c.Intent = red
		vCopy = &c
	}

	var eCopy *models.ExecutionResult
	if exec != nil {
		c := *exec
		if exec.Intent != nil {
			c.Intent = RedactContent(exec.Intent)
		}
		eCopy = &c
	}
	return red, vCopy, eCopy
}
