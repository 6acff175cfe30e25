package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fentz26/warden/internal/models"
	"go.uber.org/zap"
)

const (
	jsonlPrefix = "audit-"
	jsonlSuffix = ".jsonl"
	dayLayout   = "2006-01-02"
)

// JSONLStorage writes one JSON record per line into a file per UTC day,
// named audit-YYYY-MM-DD.jsonl. Append and Prune share one mutex.
type JSONLStorage struct {
	dir    string
	logger *zap.Logger
	mu     sync.Mutex

	// suspect holds files a failed Append may have written part of a batch
	// to. The next Append to them skips ids already present.
	suspect map[string]bool
}

// NewJSONLStorage creates dir if needed.
func NewJSONLStorage(dir string, logger *zap.Logger) (*JSONLStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &JSONLStorage{
		dir:     dir,
		logger:  logger.Named("audit.jsonl"),
		suspect: make(map[string]bool),
	}, nil
}

// Dir returns the storage directory.
func (s *JSONLStorage) Dir() string { return s.dir }

func (s *JSONLStorage) fileFor(t time.Time) string {
	return filepath.Join(s.dir, jsonlPrefix+t.UTC().Format(dayLayout)+jsonlSuffix)
}

// Append implements Storage. Entries are grouped by day and each file is
// synced before Append returns.
func (s *JSONLStorage) Append(ctx context.Context, entries []*models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byFile := make(map[string][]*models.AuditEntry)
	var order []string
	for _, e := range entries {
		name := s.fileFor(e.Timestamp)
		if _, ok := byFile[name]; !ok {
			order = append(order, name)
		}
		byFile[name] = append(byFile[name], e)
	}

	for i, name := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := byFile[name]
		if s.suspect[name] {
			var err error
			if batch, err = s.withoutExisting(name, batch); err != nil {
				return err
			}
		}
		if err := appendLines(name, batch); err != nil {
			// The caller retries the whole batch.
			for _, written := range order[:i+1] {
				s.suspect[written] = true
			}
			return err
		}
		delete(s.suspect, name)
	}
	return nil
}

// withoutExisting drops entries whose id is already in name.
func (s *JSONLStorage) withoutExisting(name string, entries []*models.AuditEntry) ([]*models.AuditEntry, error) {
	have := make(map[string]struct{})
	if err := s.scan(name, func(e *models.AuditEntry) { have[e.ID] = struct{}{} }); err != nil {
		return nil, err
	}
	out := entries[:0:0]
	for _, e := range entries {
		if _, ok := have[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}
	if skipped := len(entries) - len(out); skipped > 0 {
		s.logger.Warn("skipped audit entries already on disk",
			zap.String("file", filepath.Base(name)), zap.Int("entries", skipped))
	}
	return out, nil
}

func appendLines(name string, entries []*models.AuditEntry) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write audit file: %w", err)
	}
	return f.Sync()
}

// Query implements Storage. Only files whose day overlaps the filter's
// range are read.
func (s *JSONLStorage) Query(ctx context.Context, f Filter) ([]*models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	days, err := s.days()
	if err != nil {
		return nil, err
	}

	var out []*models.AuditEntry
	for _, day := range days {
		if !f.Since.IsZero() && day.Add(24*time.Hour).Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && day.After(f.Until) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.scan(s.fileFor(day), func(e *models.AuditEntry) {
			if matches(e, f) {
				out = append(out, e)
			}
		})
		if err != nil {
			return nil, err
		}
	}

	// Reverse first so equal timestamps come back last-written first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Prune implements Storage. Files entirely before the cutoff are removed;
// the file straddling it is rewritten through a temp file and rename.
func (s *JSONLStorage) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	days, err := s.days()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, day := range days {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := s.fileFor(day)

		if !day.Add(24 * time.Hour).After(before) {
			n, err := s.count(name)
			if err != nil {
				return removed, err
			}
			if err := os.Remove(name); err != nil {
				return removed, fmt.Errorf("remove audit file: %w", err)
			}
			removed += n
			continue
		}
		if day.Before(before) {
			n, err := s.rewrite(name, before)
			if err != nil {
				return removed, err
			}
			removed += n
		}
	}
	return removed, nil
}

func (s *JSONLStorage) rewrite(name string, before time.Time) (int, error) {
	var keep []*models.AuditEntry
	dropped := 0
	if err := s.scan(name, func(e *models.AuditEntry) {
		if e.Timestamp.Before(before) {
			dropped++
			return
		}
		keep = append(keep, e)
	}); err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(s.dir, ".prune-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range keep {
		if err := enc.Encode(e); err != nil {
			tmp.Close()
			return 0, fmt.Errorf("encode entry %s: %w", e.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		return 0, fmt.Errorf("replace audit file: %w", err)
	}
	return dropped, nil
}

func (s *JSONLStorage) count(name string) (int, error) {
	n := 0
	err := s.scan(name, func(*models.AuditEntry) { n++ })
	return n, err
}

// scan decodes every line of name. Undecodable lines are logged and
// skipped so one torn write does not hide the rest of the day.
func (s *JSONLStorage) scan(name string, fn func(*models.AuditEntry)) error {
	f, err := os.Open(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var e models.AuditEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			s.logger.Warn("skipping malformed audit line",
				zap.String("file", filepath.Base(name)), zap.Int("line", line), zap.Error(err))
			continue
		}
		fn(&e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read audit file: %w", err)
	}
	return nil
}

// days lists the days that have a file, oldest first.
func (s *JSONLStorage) days() ([]time.Time, error) {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read audit directory: %w", err)
	}
	var days []time.Time
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, jsonlPrefix) || !strings.HasSuffix(name, jsonlSuffix) {
			continue
		}
		day, err := time.Parse(dayLayout, strings.TrimSuffix(strings.TrimPrefix(name, jsonlPrefix), jsonlSuffix))
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func matches(e *models.AuditEntry, f Filter) bool {
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.SessionID != "" && e.Source.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		if e.Intent == nil || !containsType(f.Types, e.Intent.Type) {
			return false
		}
	}
	if len(f.Outcomes) > 0 && !containsOutcome(f.Outcomes, e.Outcome) {
		return false
	}
	return true
}

func containsType(list []models.IntentType, t models.IntentType) bool {
	for _, x := range list {
		if x == t {
			return true
		}
	}
	return false
}

func containsOutcome(list []models.Outcome, o models.Outcome) bool {
	for _, x := range list {
		if x == o {
			return true
		}
	}
	return false
}
