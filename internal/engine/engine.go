// Package engine applies approved file events to the workspace.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/workspace"
	"go.uber.org/zap"
)

// seenLimit bounds the in-memory set of applied event ids.
const seenLimit = 10000

// ErrNoContent is returned for an event that would replace an existing
// file's content with nothing.
var ErrNoContent = errors.New("event carries no content")

// Outbox is the durable event source. *store.Store implements it.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit, maxAttempts int) ([]*models.OutboxRecord, error)
	MarkDelivered(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, reason string) error
}

// Config tunes outbox polling.
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval: time.Second,
		BatchSize:    50,
		MaxAttempts:  5,
	}
}

func (c *Config) normalize() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = d.PollInterval
	}
	if out.BatchSize <= 0 {
		out.BatchSize = d.BatchSize
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = d.MaxAttempts
	}
	return &out
}

// Stats counts engine activity.
type Stats struct {
	Applied int64 `json:"applied"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// Engine is the single writer of approved file changes.
type Engine struct {
	fs     workspace.FileSystem
	outbox Outbox
	config *Config
	logger *zap.Logger

	// mu serializes Apply so one event is never written twice concurrently.
	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	stats     Stats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. outbox may be nil when only Subscribe is used.
func New(fs workspace.FileSystem, outbox Outbox, cfg *Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		fs:     fs,
		outbox: outbox,
		config: cfg.normalize(),
		logger: logger.Named("engine"),
		seen:   make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins polling the outbox.
func (e *Engine) Start() {
	if e.outbox == nil {
		return
	}
	e.wg.Add(1)
	go e.pollLoop()
	e.logger.Info("engine started", zap.Duration("poll_interval", e.config.PollInterval))
}

// Stop stops polling and any subscriptions.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Subscribe applies events from ch until it is closed or the engine stops.
func (e *Engine) Subscribe(ch <-chan models.ApprovedEvent) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := e.Apply(e.ctx, ev); err != nil {
					// The outbox copy, if any, will be retried by the poller.
					e.logger.Warn("apply from channel failed", zap.String("event_id", ev.ID), zap.Error(err))
					continue
				}
				if e.outbox != nil {
					if err := e.outbox.MarkDelivered(e.ctx, ev.ID); err != nil {
						e.logger.Warn("mark delivered failed", zap.String("event_id", ev.ID), zap.Error(err))
					}
				}
			}
		}
	}()
}

func (e *Engine) pollLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Poll(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// Poll applies one batch of undelivered outbox events and reports how many
// were delivered.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	if e.outbox == nil {
		return 0, nil
	}
	recs, err := e.outbox.PendingOutbox(ctx, e.config.BatchSize, e.config.MaxAttempts)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if err := e.Apply(ctx, rec.Event); err != nil {
			attempt := rec.Attempts + 1
			if merr := e.outbox.MarkFailed(ctx, rec.Event.ID, err.Error()); merr != nil {
				return delivered, fmt.Errorf("mark failed: %w", merr)
			}
			if attempt >= e.config.MaxAttempts {
				e.logger.Error("approved event abandoned",
					zap.String("event_id", rec.Event.ID), zap.Int("attempts", attempt), zap.Error(err))
			} else {
				e.logger.Warn("approved event failed, will retry",
					zap.String("event_id", rec.Event.ID), zap.Int("attempts", attempt), zap.Error(err))
			}
			continue
		}
		if err := e.outbox.MarkDelivered(ctx, rec.Event.ID); err != nil {
			return delivered, fmt.Errorf("mark delivered: %w", err)
		}
		delivered++
	}
	return delivered, nil
}

// Apply performs the file change for ev. An event id already applied by
// this engine is skipped.
func (e *Engine) Apply(ctx context.Context, ev models.ApprovedEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.seen[ev.ID]; ok {
		e.stats.Skipped++
		return nil
	}
	if err := e.apply(ctx, ev); err != nil {
		e.stats.Failed++
		return err
	}
	e.remember(ev.ID)
	e.stats.Applied++
	e.logger.Info("approved event applied",
		zap.String("event_id", ev.ID),
		zap.String("operation", string(ev.Operation)),
		zap.String("target", ev.TargetPath),
		zap.String("actor", ev.Actor))
	return nil
}

func (e *Engine) apply(ctx context.Context, ev models.ApprovedEvent) error {
	if ev.TargetPath == "" {
		return fmt.Errorf("event %s has no target path", ev.ID)
	}
	var content []byte
	if ev.Content != nil {
		content = []byte(*ev.Content)
	}

	switch ev.Operation {
	case models.FileCreate:
		if ev.Content == nil {
			// Without content a create only makes an empty placeholder.
			exists, err := e.fs.Exists(ctx, ev.TargetPath)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("event %s: create over existing %s: %w", ev.ID, ev.TargetPath, ErrNoContent)
			}
		}
		return e.fs.CreateFile(ctx, ev.TargetPath, content)
	case models.FileUpdate:
		if ev.Content == nil {
			return fmt.Errorf("event %s: update of %s: %w", ev.ID, ev.TargetPath, ErrNoContent)
		}
		return e.fs.UpdateFile(ctx, ev.TargetPath, content)
	case models.FileDelete:
		err := e.fs.DeleteFile(ctx, ev.TargetPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	case models.FileRename, models.FileMove:
		if ev.NewPath == "" {
			return fmt.Errorf("event %s: %s without new path", ev.ID, ev.Operation)
		}
		err := e.fs.Rename(ctx, ev.TargetPath, ev.NewPath)
		if errors.Is(err, os.ErrNotExist) {
			// Already moved by an earlier delivery.
			if ok, _ := e.fs.Exists(ctx, ev.NewPath); ok {
				return nil
			}
		}
		return err
	default:
		return fmt.Errorf("event %s: unsupported operation %q", ev.ID, ev.Operation)
	}
}

func (e *Engine) remember(id string) {
	e.seen[id] = struct{}{}
	e.seenOrder = append(e.seenOrder, id)
	if len(e.seenOrder) > seenLimit {
		old := e.seenOrder[0]
		e.seenOrder = e.seenOrder[1:]
		delete(e.seen, old)
	}
}

// Stats returns a copy of the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
