package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/fentz26/warden/internal/models"
	"go.uber.org/zap"
)

// Publisher delivers approved events to the execution engine.
type Publisher interface {
	Publish(ctx context.Context, ev models.ApprovedEvent) error
}

// ApprovedEventFor builds the event for an executed file-affecting intent.
// The event id is the intent id so redelivery can be detected. ok is false
// for intents that do not touch files and for updates without content.
func ApprovedEventFor(in *models.Intent, actor string) (models.ApprovedEvent, bool) {
	ev := models.ApprovedEvent{
		ID:         in.ID,
		IntentType: in.Type,
		Timestamp:  in.Timestamp,
		Actor:      actor,
	}
	switch {
	case in.Type == models.IntentFileOperation && in.File != nil:
		if in.File.Operation == models.FileUpdate && in.File.Target.Content == nil {
			// Nothing to write.
			return ev, false
		}
		ev.Operation = in.File.Operation
		ev.TargetPath = in.File.Target.Path
		ev.Content = in.File.Target.Content
		ev.NewPath = in.File.Target.NewPath
	case in.Type == models.IntentCodeGeneration && in.CodeGen != nil:
		ev.Operation = models.FileCreate
		ev.TargetPath = in.CodeGen.Target.FilePath
		if code := in.CodeGen.Context.ExistingCode; code != "" {
			ev.Content = &code
		}
	default:
		return ev, false
	}
	return ev, true
}

// OutboxStore persists events for at-least-once delivery.
type OutboxStore interface {
	EnqueueApproved(ctx context.Context, ev models.ApprovedEvent) error
}

// OutboxPublisher writes events to the SQLite outbox.
type OutboxPublisher struct {
	store OutboxStore
}

// NewOutboxPublisher creates an OutboxPublisher.
func NewOutboxPublisher(s OutboxStore) *OutboxPublisher {
	return &OutboxPublisher{store: s}
}

// Publish implements Publisher.
func (p *OutboxPublisher) Publish(ctx context.Context, ev models.ApprovedEvent) error {
	return p.store.EnqueueApproved(ctx, ev)
}

// ChannelPublisher hands events to an in-process consumer over a bounded
// channel. When the channel is full the event is dropped and logged.
type ChannelPublisher struct {
	ch     chan models.ApprovedEvent
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(size int, logger *zap.Logger) *ChannelPublisher {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelPublisher{
		ch:     make(chan models.ApprovedEvent, size),
		logger: logger.Named("publisher"),
	}
}

// Events returns the receive side. It is closed by Close.
func (p *ChannelPublisher) Events() <-chan models.ApprovedEvent {
	return p.ch
}

// Publish implements Publisher. It never blocks.
func (p *ChannelPublisher) Publish(_ context.Context, ev models.ApprovedEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	select {
	case p.ch <- ev:
	default:
		p.logger.Warn("approved event dropped, consumer is behind",
			zap.String("event_id", ev.ID), zap.String("target", ev.TargetPath))
	}
	return nil
}

// Close closes the channel. Later publishes are ignored.
func (p *ChannelPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
}

// MultiPublisher publishes to every publisher and joins their errors.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ctx context.Context, ev models.ApprovedEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
