package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/fentz26/warden/internal/fieldpath"
	"github.com/google/uuid"
)

// Variant is implemented by every intent payload type.
type Variant interface {
	IntentType() IntentType
}

// Intent is one structured request inferred from chat text. Exactly one of
// the variant pointers is set, matching Type. ID and Timestamp are assigned
// by NewIntent and must not be changed afterwards.
type Intent struct {
	ID        string
	Type      IntentType
	Timestamp time.Time
	Source    Source
	Priority  Priority
	Metadata  map[string]any

	File     *FileOperation
	Terminal *TerminalCommand
	CodeGen  *CodeGeneration
	External *ExternalService
	Scaffold *ProjectScaffold
}

// NewIntent wraps v in an Intent with a fresh ID and timestamp.
func NewIntent(v Variant, source Source, priority Priority) *Intent {
	in := &Intent{
		ID:        uuid.New().String(),
		Type:      v.IntentType(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Priority:  priority,
	}
	in.setVariant(v)
	return in
}

func (i *Intent) setVariant(v Variant) {
	switch t := v.(type) {
	case *FileOperation:
		i.File = t
	case *TerminalCommand:
		i.Terminal = t
	case *CodeGeneration:
		i.CodeGen = t
	case *ExternalService:
		i.External = t
	case *ProjectScaffold:
		i.Scaffold = t
	}
}

// Variant returns the populated payload, or nil.
func (i *Intent) Variant() Variant {
	switch i.Type {
	case IntentFileOperation:
		if i.File != nil {
			return i.File
		}
	case IntentTerminalCommand:
		if i.Terminal != nil {
			return i.Terminal
		}
	case IntentCodeGeneration:
		if i.CodeGen != nil {
			return i.CodeGen
		}
	case IntentExternalService:
		if i.External != nil {
			return i.External
		}
	case IntentProjectScaffold:
		if i.Scaffold != nil {
			return i.Scaffold
		}
	}
	return nil
}

// TargetPath returns the primary filesystem path the intent touches.
func (i *Intent) TargetPath() string {
	switch {
	case i.File != nil:
		return i.File.Target.Path
	case i.CodeGen != nil:
		return i.CodeGen.Target.FilePath
	case i.Scaffold != nil:
		return i.Scaffold.Root
	case i.Terminal != nil:
		return i.Terminal.WorkingDir
	}
	return ""
}

// Describe renders a one-line human summary.
func (i *Intent) Describe() string {
	switch {
	case i.File != nil:
		if i.File.Target.NewPath != "" {
			return fmt.Sprintf("%s %s -> %s", i.File.Operation, i.File.Target.Path, i.File.Target.NewPath)
		}
		return fmt.Sprintf("%s %s", i.File.Operation, i.File.Target.Path)
	case i.Terminal != nil:
		return "run " + i.Terminal.Command
	case i.CodeGen != nil:
		name := i.CodeGen.Target.ComponentName
		if name == "" {
			name = i.CodeGen.Target.FunctionName
		}
		if name == "" {
			name = i.CodeGen.Target.ClassName
		}
		return fmt.Sprintf("generate %s in %s", name, i.CodeGen.Target.FilePath)
	case i.External != nil:
		return fmt.Sprintf("call %s %s", i.External.Service, i.External.Action)
	case i.Scaffold != nil:
		return fmt.Sprintf("scaffold %s (%d dirs, %d files)", i.Scaffold.Name, len(i.Scaffold.Directories), len(i.Scaffold.Files))
	}
	return string(i.Type)
}

// intentHeader holds the fields common to every variant.
type intentHeader struct {
	ID        string         `json:"id"`
	Type      IntentType     `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    Source         `json:"source"`
	Priority  Priority       `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MarshalJSON flattens the variant fields next to the common header.
func (i Intent) MarshalJSON() ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if v := i.Variant(); v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", i.Type, err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s: %w", i.Type, err)
		}
	}

	header, err := json.Marshal(intentHeader{
		ID:        i.ID,
		Type:      i.Type,
		Timestamp: i.Timestamp,
		Source:    i.Source,
		Priority:  i.Priority,
		Metadata:  i.Metadata,
	})
	if err != nil {
		return nil, err
	}
	var headerFields map[string]json.RawMessage
	if err := json.Unmarshal(header, &headerFields); err != nil {
		return nil, err
	}
	for k, v := range headerFields {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the header, then the variant selected by type.
func (i *Intent) UnmarshalJSON(data []byte) error {
	var h intentHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}

	var v Variant
	switch h.Type {
	case IntentFileOperation:
		v = &FileOperation{}
	case IntentTerminalCommand:
		v = &TerminalCommand{}
	case IntentCodeGeneration:
		v = &CodeGeneration{}
	case IntentExternalService:
		v = &ExternalService{}
	case IntentProjectScaffold:
		v = &ProjectScaffold{}
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("decode %s: %w", h.Type, err)
		}
	}

	*i = Intent{
		ID:        h.ID,
		Type:      h.Type,
		Timestamp: h.Timestamp,
		Source:    h.Source,
		Priority:  h.Priority,
		Metadata:  h.Metadata,
	}
	if v != nil {
		i.setVariant(v)
	}
	return nil
}

// Tree renders the intent as a value tree keyed by its JSON field names.
func (i *Intent) Tree() fieldpath.Value {
	data, err := json.Marshal(i)
	if err != nil {
		return fieldpath.Undefined
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fieldpath.Undefined
	}
	return fieldpath.FromAny(generic)
}

// IntentFromTree decodes a value tree produced by Tree.
func IntentFromTree(v fieldpath.Value) (*Intent, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tree: %w", err)
	}
	var in Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	return &in, nil
}

// Clone returns a deep copy.
func (i *Intent) Clone() (*Intent, error) {
	return IntentFromTree(i.Tree())
}

// WithModifications returns a deep copy with each dotted path in mods set
// to its value. Keys are applied in sorted order. The header fields id, type
// and timestamp cannot be rewritten.
func (i *Intent) WithModifications(mods map[string]any) (*Intent, error) {
	tree := i.Tree()
	keys := make([]string, 0, len(mods))
	for k := range mods {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if segs := fieldpath.Split(k); len(segs) == 0 || immutableFields[segs[0]] {
			continue
		}
		tree = fieldpath.Set(tree, k, fieldpath.FromAny(mods[k]))
	}
	return IntentFromTree(tree)
}

var immutableFields = map[string]bool{
	"id":        true,
	"type":      true,
	"timestamp": true,
}
