package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/ivm/internal/ir"
)

// Handler processes one claimed entry. A nil return acknowledges it; an
// error marks it FAILED for retry.
type Handler interface {
	Handle(ctx context.Context, e ir.OutboxEntry) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e ir.OutboxEntry) error

// Handle calls f(ctx, e).
func (f HandlerFunc) Handle(ctx context.Context, e ir.OutboxEntry) error {
	return f(ctx, e)
}

// Options tune a Coordinator.
type Options struct {
	// Workers is the number of concurrent claim loops.
	Workers int
	// BatchSize is the claim limit per poll.
	BatchSize int
	// PollInterval is the idle wait between empty claims.
	PollInterval time.Duration
	// VisibilityTimeout is how long an entry may stay PROCESSING before the
	// janitor returns it to PENDING. Keep it above the fanout dependency
	// timeout, or a slow fanout loses its claim mid-run.
	VisibilityTimeout time.Duration
	// MaxRetries is the retry threshold; entries failing more often go to the DLQ.
	MaxRetries int
	// Ordered serializes each aggregate by entity version.
	Ordered bool
	// JanitorInterval is the period of the janitor sweep.
	JanitorInterval time.Duration
	// Retention deletes PROCESSED entries older than this. Zero keeps them.
	Retention time.Duration
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		Workers:           4,
		BatchSize:         10,
		PollInterval:      500 * time.Millisecond,
		VisibilityTimeout: 15 * time.Minute,
		MaxRetries:        5,
		Ordered:           true,
		JanitorInterval:   30 * time.Second,
	}
}

// Coordinator runs the outbox workers and janitor.
//
// Thread-safety: Register must be called before Run. Notify is safe from
// any goroutine.
type Coordinator struct {
	queue    Queue
	opts     Options
	handlers map[string]Handler
	logger   *slog.Logger
	ids      IDGenerator

	// wake is a buffered signal (size 1) that cuts an idle poll short.
	wake chan struct{}

	mu      sync.Mutex
	running bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithIDGenerator sets the worker id source.
func WithIDGenerator(g IDGenerator) CoordinatorOption {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// NewCoordinator creates a coordinator over queue. Non-positive sizes and
// durations fall back to DefaultOptions; a negative MaxRetries does too.
func NewCoordinator(queue Queue, opts Options, options ...CoordinatorOption) *Coordinator {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = def.VisibilityTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = def.JanitorInterval
	}

	c := &Coordinator{
		queue:    queue,
		opts:     opts,
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
		ids:      UUIDv7Generator{},
		wake:     make(chan struct{}, 1),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Register binds a handler to an event type, replacing any previous one.
func (c *Coordinator) Register(eventType string, h Handler) {
	c.handlers[eventType] = h
}

// Notify wakes one idle worker. Multiple calls before a worker wakes
// coalesce into one signal.
func (c *Coordinator) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run starts the workers and the janitor and blocks until ctx is cancelled
// or a worker fails irrecoverably. Cancellation is a clean shutdown and
// returns nil.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("outbox coordinator already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	prefix := c.ids.Generate()
	c.logger.Info("outbox coordinator starting",
		"workers", c.opts.Workers,
		"ordered", c.opts.Ordered,
		"batch_size", c.opts.BatchSize)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.opts.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", prefix, i)
		g.Go(func() error {
			return c.work(gctx, workerID)
		})
	}
	g.Go(func() error {
		return c.janitor(gctx)
	})

	err := g.Wait()
	c.logger.Info("outbox coordinator stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// work is one worker's claim loop.
func (c *Coordinator) work(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := c.poll(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("outbox claim failed", "worker", workerID, "error", err)
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.wake:
		case <-time.After(c.opts.PollInterval):
		}
	}
}

// Drain processes entries with a single worker until a claim comes back
// empty, then returns the number of entries dispatched. Used by one-shot
// CLI runs and tests.
func (c *Coordinator) Drain(ctx context.Context) (int, error) {
	workerID := "drain-" + c.ids.Generate()
	total := 0
	for {
		n, err := c.poll(ctx, workerID)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// poll claims one batch and dispatches it. Returns the number claimed.
func (c *Coordinator) poll(ctx context.Context, workerID string) (int, error) {
	entries, err := c.claim(ctx, workerID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	entriesClaimed.Add(float64(len(entries)))

	var acked []string
	for _, e := range entries {
		if err := c.dispatch(ctx, e); err != nil {
			c.logger.Warn("outbox entry failed",
				"id", e.ID,
				"event_type", e.EventType,
				"aggregate_id", e.AggregateID,
				"retry_count", e.RetryCount,
				"error", err)
			entriesFailed.WithLabelValues(e.EventType).Inc()
			if mfErr := c.queue.MarkFailed(ctx, workerID, e.ID, err.Error()); mfErr != nil {
				return len(entries), fmt.Errorf("mark %s failed: %w", e.ID, mfErr)
			}
			continue
		}
		entriesProcessed.WithLabelValues(e.EventType).Inc()
		acked = append(acked, e.ID)
	}

	if len(acked) > 0 {
		if _, err := c.queue.MarkProcessed(ctx, workerID, acked); err != nil {
			return len(entries), fmt.Errorf("mark processed: %w", err)
		}
	}
	return len(entries), nil
}

func (c *Coordinator) claim(ctx context.Context, workerID string) ([]ir.OutboxEntry, error) {
	if c.opts.Ordered {
		return c.queue.ClaimWithOrdering(ctx, c.opts.BatchSize, workerID)
	}
	return c.queue.ClaimByPriority(ctx, c.opts.BatchSize, workerID)
}

// dispatch runs the handler for e inside a span. Handler panics are
// converted to errors so one bad entry cannot kill its worker.
func (c *Coordinator) dispatch(ctx context.Context, e ir.OutboxEntry) (err error) {
	ctx, span := tracer.Start(ctx, "outbox.handle",
		trace.WithAttributes(
			attribute.String("outbox.id", e.ID),
			attribute.String("outbox.event_type", e.EventType),
			attribute.String("outbox.aggregate_id", e.AggregateID),
			attribute.Int("outbox.retry_count", e.RetryCount),
		))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
		handleDuration.WithLabelValues(e.EventType).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	h, ok := c.handlers[e.EventType]
	if !ok {
		return fmt.Errorf("no handler registered for event type %q", e.EventType)
	}
	return h.Handle(ctx, e)
}

func (c *Coordinator) janitor(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("outbox janitor sweep failed", "error", err)
			}
		}
	}
}

// SweepResult counts the entries moved by one janitor sweep.
type SweepResult struct {
	Released int
	Retried  int
	DLQ      int
	Cleaned  int
}

// Sweep runs one janitor pass: release claims older than the visibility
// timeout, park entries over the retry threshold in the DLQ, re-queue the
// remaining FAILED entries, and delete PROCESSED entries past retention.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var err error

	if res.Released, err = c.queue.ReleaseExpiredClaims(ctx, c.opts.VisibilityTimeout); err != nil {
		return res, fmt.Errorf("release expired claims: %w", err)
	}
	if res.DLQ, err = c.queue.MoveToDLQ(ctx, c.opts.MaxRetries); err != nil {
		return res, fmt.Errorf("move to dlq: %w", err)
	}
	if res.Retried, err = c.queue.Retry(ctx, c.opts.MaxRetries); err != nil {
		return res, fmt.Errorf("retry failed entries: %w", err)
	}
	if c.opts.Retention > 0 {
		if res.Cleaned, err = c.queue.CleanupProcessed(ctx, c.opts.Retention); err != nil {
			return res, fmt.Errorf("cleanup processed: %w", err)
		}
	}

	janitorMoves.WithLabelValues("released").Add(float64(res.Released))
	janitorMoves.WithLabelValues("dlq").Add(float64(res.DLQ))
	janitorMoves.WithLabelValues("retried").Add(float64(res.Retried))
	janitorMoves.WithLabelValues("cleaned").Add(float64(res.Cleaned))

	if res.Released > 0 || res.DLQ > 0 {
		c.logger.Warn("outbox janitor moved entries",
			"released", res.Released,
			"dlq", res.DLQ,
			"retried", res.Retried)
	}
	if res.Retried > 0 {
		c.Notify()
	}
	return res, nil
}
