package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fentz26/warden/internal/connectors"
	"github.com/fentz26/warden/internal/models"
	"github.com/fentz26/warden/internal/workspace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Context carries one routing request.
type Context struct {
	Intent      *models.Intent
	Validation  *models.ValidationResult
	Environment map[string]string
}

// HandlerFunc executes one intent type.
type HandlerFunc func(ctx context.Context, rc *Context) *models.ExecutionResult

// Stats reports queue and dispatch counters.
type Stats struct {
	InFlight    int   `json:"in_flight"`
	Queued      int   `json:"queued"`
	MaxInFlight int   `json:"max_in_flight"`
	MaxObserved int   `json:"max_observed"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
}

type job struct {
	ctx  context.Context
	rc   *Context
	done chan *models.ExecutionResult
}

// Router owns the handlers and the execution queue. Requests are drained in
// FIFO batches of at most MaxInFlight; a batch finishes before the next one
// starts.
type Router struct {
	config   *Config
	terminal connectors.Terminal
	fs       workspace.FileSystem
	external ExternalHandler
	logger   *zap.Logger
	handlers map[models.IntentType]HandlerFunc

	mu          sync.Mutex
	queue       []*job
	inFlight    int
	maxObserved int
	completed   int64
	failed      int64
	started     bool
	stopped     bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a router. Any collaborator may be nil; intents that need a
// missing one fail with an error result.
func New(cfg *Config, term connectors.Terminal, fs workspace.FileSystem, ext ExternalHandler, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ext == nil {
		ext = StubExternal{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		config:   cfg.normalize(),
		terminal: term,
		fs:       fs,
		external: ext,
		logger:   logger.Named("router"),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	r.handlers = map[models.IntentType]HandlerFunc{
		models.IntentFileOperation:   r.handleFileOperation,
		models.IntentCodeGeneration:  r.handleCodeGeneration,
		models.IntentTerminalCommand: r.handleTerminalCommand,
		models.IntentExternalService: r.handleExternalService,
		models.IntentProjectScaffold: r.handleProjectScaffold,
	}
	return r
}

// Handle replaces the handler for an intent type.
func (r *Router) Handle(t models.IntentType, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Start begins draining the queue. It is safe to call more than once.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.drainLoop()
	r.logger.Info("router started", zap.Int("max_in_flight", r.config.MaxInFlight))
}

// Stop cancels running handlers, fails queued requests and waits for the
// drain loop to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.failQueued("router stopped")
	r.logger.Info("router stopped")
}

// Submit enqueues a request and returns a channel that receives its result.
func (r *Router) Submit(ctx context.Context, rc *Context) <-chan *models.ExecutionResult {
	j := &job{ctx: ctx, rc: rc, done: make(chan *models.ExecutionResult, 1)}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		j.done <- failed(intentOf(rc), "router stopped")
		return j.done
	}
	r.queue = append(r.queue, j)
	r.mu.Unlock()

	r.Start()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return j.done
}

// Route submits a request and waits for its result. It never returns nil.
func (r *Router) Route(ctx context.Context, rc *Context) *models.ExecutionResult {
	return <-r.Submit(ctx, rc)
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		InFlight:    r.inFlight,
		Queued:      len(r.queue),
		MaxInFlight: r.config.MaxInFlight,
		MaxObserved: r.maxObserved,
		Completed:   r.completed,
		Failed:      r.failed,
	}
}

func (r *Router) drainLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.wake:
		}
		for {
			batch := r.take(r.config.MaxInFlight)
			if len(batch) == 0 {
				break
			}
			r.runBatch(batch)
			if r.ctx.Err() != nil {
				return
			}
		}
	}
}

func (r *Router) take(n int) []*job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.queue) {
		n = len(r.queue)
	}
	batch := make([]*job, n)
	copy(batch, r.queue[:n])
	r.queue = r.queue[n:]
	return batch
}

func (r *Router) runBatch(batch []*job) {
	var g errgroup.Group
	for _, j := range batch {
		g.Go(func() error {
			ctx, cancel := context.WithCancel(j.ctx)
			stop := context.AfterFunc(r.ctx, cancel)
			defer stop()
			defer cancel()

			j.done <- r.dispatch(ctx, j.rc)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Router) failQueued(reason string) {
	r.mu.Lock()
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()
	for _, j := range queued {
		j.done <- failed(intentOf(j.rc), reason)
	}
}

// dispatch runs the handler for rc and never returns nil.
func (r *Router) dispatch(ctx context.Context, rc *Context) (res *models.ExecutionResult) {
	start := time.Now()
	r.enter()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked", zap.Any("panic", p))
			res = failed(intentOf(rc), fmt.Sprintf("handler panic: %v", p))
		}
		res.DurationMS = time.Since(start).Milliseconds()
		r.leave(res.Success)
	}()

	if rc == nil || rc.Intent == nil {
		return failed(nil, "missing intent")
	}
	r.mu.Lock()
	h, ok := r.handlers[rc.Intent.Type]
	r.mu.Unlock()
	if !ok {
		return failed(rc.Intent, fmt.Sprintf("unsupported intent type: %s", rc.Intent.Type))
	}

	res = h(ctx, rc)
	if res == nil {
		res = failed(rc.Intent, "handler returned no result")
	}
	r.logger.Debug("intent routed",
		zap.String("intent_id", rc.Intent.ID),
		zap.String("type", string(rc.Intent.Type)),
		zap.Bool("success", res.Success))
	return res
}

func (r *Router) enter() {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxObserved {
		r.maxObserved = r.inFlight
	}
	r.mu.Unlock()
}

func (r *Router) leave(success bool) {
	r.mu.Lock()
	r.inFlight--
	if success {
		r.completed++
	} else {
		r.failed++
	}
	r.mu.Unlock()
}

func intentOf(rc *Context) *models.Intent {
	if rc == nil {
		return nil
	}
	return rc.Intent
}

func failed(in *models.Intent, msg string) *models.ExecutionResult {
	return &models.ExecutionResult{Success: false, Intent: in, Error: msg}
}
