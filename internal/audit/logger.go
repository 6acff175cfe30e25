// Package audit records the lifecycle of every intent in an append-only log.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fentz26/warden/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Filter selects audit entries. Zero fields do not filter.
type Filter struct {
	Since     time.Time
	Until     time.Time
	Types     []models.IntentType
	Outcomes  []models.Outcome
	SessionID string
	Limit     int
}

// Storage persists flushed entries.
type Storage interface {
	Append(ctx context.Context, entries []*models.AuditEntry) error
	// Query returns matching entries newest first with Limit applied last.
	Query(ctx context.Context, f Filter) ([]*models.AuditEntry, error)
	// Prune removes entries older than before and reports how many.
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Config tunes buffering and retention.
type Config struct {
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetentionDays int           `yaml:"retention_days"`
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() *Config {
	return &Config{
		BufferSize:    100,
		FlushInterval: 30 * time.Second,
		RetentionDays: 30,
		PruneInterval: 24 * time.Hour,
	}
}

func (c *Config) normalize() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.BufferSize <= 0 {
		out.BufferSize = d.BufferSize
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = d.FlushInterval
	}
	if out.RetentionDays <= 0 {
		out.RetentionDays = d.RetentionDays
	}
	if out.PruneInterval <= 0 {
		out.PruneInterval = d.PruneInterval
	}
	return &out
}

// Stats summarizes a trailing window of entries.
type Stats struct {
	Days          int            `json:"days"`
	Total         int            `json:"total"`
	Successful    int            `json:"successful"`
	Failed        int            `json:"failed"`
	Rejected      int            `json:"rejected"`
	Pending       int            `json:"pending"`
	ByType        map[string]int `json:"byType"`
	RuleFrequency map[string]int `json:"ruleFrequency"`
}

// Logger buffers audit entries in memory and flushes them to Storage when
// the buffer fills or the flush ticker fires.
type Logger struct {
	storage Storage
	config  *Config
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	buffer []*models.AuditEntry
	closed bool

	// flushMu keeps batches in order when a full buffer and the ticker
	// flush at the same time.
	flushMu sync.Mutex

	startOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewLogger creates a logger writing to storage.
func NewLogger(storage Storage, cfg *Config, logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Logger{
		storage: storage,
		config:  cfg.normalize(),
		logger:  logger.Named("audit"),
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the flush and prune tickers until Close.
func (l *Logger) Start() {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.loop()
		l.logger.Debug("audit logger started",
			zap.Duration("flush_interval", l.config.FlushInterval),
			zap.Int("buffer_size", l.config.BufferSize))
	})
}

// Close stops the tickers and flushes what is left.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	return l.Flush(ctx)
}

func (l *Logger) loop() {
	defer l.wg.Done()

	flush := time.NewTicker(l.config.FlushInterval)
	defer flush.Stop()
	prune := time.NewTicker(l.config.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-flush.C:
			if err := l.Flush(l.ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error("periodic flush failed", zap.Error(err))
			}
		case <-prune.C:
			if _, err := l.Prune(l.ctx); err != nil && !errors.Is(err, context.Canceled) {
				l.logger.Error("periodic prune failed", zap.Error(err))
			}
		}
	}
}

// Record builds an entry for one processed intent and buffers it. A full
// buffer, or any buffer after Close, is flushed before Record returns;
// write failures are logged and the entries kept for the next attempt.
func (l *Logger) Record(ctx context.Context, in *models.Intent, v *models.ValidationResult, exec *models.ExecutionResult, source models.AuditSource) *models.AuditEntry {
	red, rv, re := redactedView(in, v, exec)
	source.OriginalMessage = Excerpt(source.OriginalMessage)

	entry := &models.AuditEntry{
		ID:         uuid.New().String(),
		Timestamp:  l.now(),
		Intent:     red,
		IntentHash: IntentHash(in),
		Validation: rv,
		Execution:  re,
		Source:     source,
		Outcome:    DeriveOutcome(v, exec),
	}

	l.mu.Lock()
	l.buffer = append(l.buffer, entry)
	full := len(l.buffer) >= l.config.BufferSize
	closed := l.closed
	l.mu.Unlock()

	// No ticker runs after Close, so late entries are written through.
	switch {
	case closed:
		if err := l.Flush(ctx); err != nil {
			l.logger.Error("write after close failed", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	case full:
		if err := l.Flush(ctx); err != nil {
			l.logger.Error("flush on full buffer failed", zap.Error(err))
		}
	}
	return entry
}

// Flush writes the buffered entries. On failure the entries are put back
// at the front of the buffer and the error is returned.
func (l *Logger) Flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buffer
	l.buffer = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := l.storage.Append(ctx, batch); err != nil {
		l.mu.Lock()
		l.buffer = append(batch, l.buffer...)
		l.mu.Unlock()
		l.logger.Error("audit write failed, entries requeued",
			zap.Int("entries", len(batch)), zap.Error(err))
		return err
	}

	l.logger.Debug("audit flushed", zap.Int("entries", len(batch)))
	return nil
}

// Buffered reports how many entries are waiting to be flushed.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buffer)
}

// Query flushes, then returns matching entries newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]*models.AuditEntry, error) {
	if err := l.Flush(ctx); err != nil {
		l.logger.Warn("flush before query failed", zap.Error(err))
	}
	return l.storage.Query(ctx, f)
}

// Stats summarizes entries from the last days days.
func (l *Logger) Stats(ctx context.Context, days int) (*Stats, error) {
	if days <= 0 {
		days = 7
	}
	entries, err := l.Query(ctx, Filter{Since: l.now().AddDate(0, 0, -days)})
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Days:          days,
		ByType:        make(map[string]int),
		RuleFrequency: make(map[string]int),
	}
	for _, e := range entries {
		st.Total++
		if e.Intent != nil {
			st.ByType[string(e.Intent.Type)]++
		}
		switch e.Outcome {
		case models.OutcomeProcessed:
			st.Successful++
		case models.OutcomeFailed:
			st.Failed++
		case models.OutcomeRejected:
			st.Rejected++
		case models.OutcomePendingApproval:
			st.Pending++
		}
		if (e.Outcome == models.OutcomeRejected || e.Outcome == models.OutcomePendingApproval) && e.Validation != nil {
			for _, id := range e.Validation.AppliedRules {
				st.RuleFrequency[id]++
			}
		}
	}
	return st, nil
}

// Prune removes entries older than the retention window.
func (l *Logger) Prune(ctx context.Context) (int, error) {
	cutoff := l.now().AddDate(0, 0, -l.config.RetentionDays)
	n, err := l.storage.Prune(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("audit entries pruned", zap.Int("removed", n), zap.Time("before", cutoff))
	}
	return n, nil
}

// Retention returns the configured retention window.
func (l *Logger) Retention() time.Duration {
	return time.Duration(l.config.RetentionDays) * 24 * time.Hour
}
