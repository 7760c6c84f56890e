// Package executor runs the asynchronous worker pool that drives pending
// orders to a terminal state against the venue.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pipethedev/polymarket-trader/internal/provider"
	"github.com/pipethedev/polymarket-trader/internal/trading"
	"github.com/pipethedev/polymarket-trader/internal/types"
)

// Job is one execution attempt for an order. Attempt is 1-based; the intake
// handler enqueues attempt 1 and the executor re-creates the job with
// attempt+1 on every retryable outcome.
type Job struct {
	OrderID uint
	Attempt int
}

// Config tunes the worker pool and its retry policy.
type Config struct {
	Workers     int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	QueueSize   int
	// PartialFillPolicy decides whether a partially filled order keeps
	// being polled for further fills or is left as it stands.
	PartialFillPolicy trading.PartialFillPolicy
	// PollInterval spaces status polls for orders resting at the venue.
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.PartialFillPolicy == "" {
		c.PartialFillPolicy = trading.PartialFillResting
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Executor consumes jobs and applies venue results through the lifecycle
// state machine. Different orders execute concurrently; a per-order claim
// guarantees a single order never has two jobs in flight at once, and the
// repository's version check serializes any writer this guard cannot see.
type Executor struct {
	db       *trading.Database
	provider provider.Provider
	cfg      Config

	jobs chan Job

	mu       sync.Mutex
	inflight map[uint]struct{}
	backoffs map[uint]*backoff.ExponentialBackOff

	wg sync.WaitGroup
}

func New(db *trading.Database, venue provider.Provider, cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{
		db:       db,
		provider: venue,
		cfg:      cfg,
		jobs:     make(chan Job, cfg.QueueSize),
		inflight: make(map[uint]struct{}),
		backoffs: make(map[uint]*backoff.ExponentialBackOff),
	}
}

// Enqueue schedules attempt 1 for a newly created order. Implements
// trading.Enqueuer.
func (e *Executor) Enqueue(orderID uint) {
	e.jobs <- Job{OrderID: orderID, Attempt: 1}
}

// Start launches the worker pool and blocks until ctx is cancelled and all
// workers have drained.
func (e *Executor) Start(ctx context.Context) {
	logger := log.With().Str("component", "executor").Logger()
	logger.Info().Int("workers", e.cfg.Workers).Msg("starting order executor")

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-e.jobs:
					e.process(ctx, job)
				}
			}
		}()
	}

	e.recover(ctx, &logger)

	<-ctx.Done()
	logger.Info().Msg("shutting down order executor")
	e.wg.Wait()
}

// recover re-enqueues every non-terminal order left behind by the previous
// process. The queue is in-memory only, so without this sweep a restart
// would strand orders mid-flight; the workers are already consuming when it
// runs, so a backlog larger than the queue buffer still drains.
func (e *Executor) recover(ctx context.Context, logger *zerolog.Logger) {
	ids, err := e.db.ListActiveOrderIDs()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list in-flight orders for recovery")
		return
	}
	for _, id := range ids {
		select {
		case e.jobs <- Job{OrderID: id, Attempt: 1}:
		case <-ctx.Done():
			return
		}
	}
	if len(ids) > 0 {
		logger.Info().Int("orders", len(ids)).Msg("re-enqueued in-flight orders after restart")
	}
}

func (e *Executor) process(ctx context.Context, job Job) {
	logger := log.With().
		Str("component", "executor").
		Uint("order_id", job.OrderID).
		Int("attempt", job.Attempt).
		Logger()

	if !e.claim(job.OrderID) {
		// Another job for this order is mid-flight; try again shortly
		// without burning an attempt.
		e.requeueAfter(ctx, job, e.cfg.BackoffBase)
		return
	}
	defer e.release(job.OrderID)

	order, err := e.db.GetOrderByID(job.OrderID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load order")
		e.retryOrFail(ctx, job, nil, "order load failed", &logger)
		return
	}
	if order == nil {
		logger.Error().Msg("order disappeared, dropping job")
		e.forget(job.OrderID)
		return
	}
	if order.Status.IsTerminal() {
		// Duplicate enqueue or a cancel won the race; nothing to do.
		logger.Debug().Str("status", string(order.Status)).Msg("order already terminal, dropping job")
		e.forget(job.OrderID)
		return
	}

	res, err := e.dispatch(ctx, order)
	if err != nil {
		if types.IsPermanentProvider(err) {
			logger.Warn().Err(err).Msg("venue rejected order")
			e.markFailed(order, err.Error(), &logger)
			e.forget(job.OrderID)
			return
		}
		logger.Warn().Err(err).Msg("transient venue failure")
		e.retryOrFail(ctx, job, order, "retries exhausted", &logger)
		return
	}

	updated, err := e.db.TransitionAndPersist(order, res)
	switch {
	case err == nil:
	case errors.Is(err, trading.ErrTerminalTransition):
		logger.Warn().Msg("result for terminal order discarded")
		e.forget(job.OrderID)
		return
	case errors.Is(err, trading.ErrFillExceedsQuantity):
		logger.Error().
			Str("reported_fill", res.FilledQuantity.String()).
			Str("quantity", order.Quantity.String()).
			Msg("venue reported fill above order quantity, dropping result")
		e.requeueAfter(ctx, Job{OrderID: job.OrderID, Attempt: job.Attempt + 1}, e.nextBackoff(job.OrderID))
		return
	case errors.Is(err, types.ErrVersionConflict):
		// TransitionAndPersist already reloaded once; hand the order back
		// to the queue rather than fight the other writer here.
		logger.Info().Msg("persist conflict after reload, re-enqueueing")
		e.requeueAfter(ctx, job, e.cfg.BackoffBase)
		return
	default:
		logger.Error().Err(err).Msg("failed to persist execution result")
		e.retryOrFail(ctx, job, order, "persist failed", &logger)
		return
	}

	logger.Info().
		Str("status", string(updated.Status)).
		Str("filled_quantity", updated.FilledQuantity.String()).
		Msg("execution result applied")

	if updated.Status.IsTerminal() {
		e.forget(job.OrderID)
		return
	}
	if updated.Status == types.OrderStatusPartiallyFilled && e.cfg.PartialFillPolicy == trading.PartialFillTerminal {
		logger.Info().Msg("partial fill treated as final by policy")
		e.forget(job.OrderID)
		return
	}

	// Accepted at the venue but not done; keep polling within the attempt
	// budget. An order still resting when the budget runs out keeps its
	// last persisted state, it is not failed.
	if job.Attempt >= e.cfg.MaxAttempts {
		logger.Info().Msg("poll budget exhausted, leaving order in last persisted state")
		e.forget(job.OrderID)
		return
	}
	e.requeueAfter(ctx, Job{OrderID: job.OrderID, Attempt: job.Attempt + 1}, e.cfg.PollInterval)
}

// dispatch picks the venue call for the order's position in its lifecycle:
// place on first contact, status poll once the venue has accepted it.
func (e *Executor) dispatch(ctx context.Context, order *types.Order) (*provider.OrderResult, error) {
	caps := e.provider.Capabilities()
	if order.ExternalOrderID == nil {
		if !caps.PlaceOrders {
			return nil, provider.ErrCapabilityMissing(e.provider.Name(), "order placement")
		}
		return e.provider.PlaceOrder(ctx, provider.PlaceRequest{
			MarketID:  order.MarketID,
			Side:      order.Side,
			OrderType: order.OrderType,
			Outcome:   order.Outcome,
			Quantity:  order.Remaining(),
			Price:     order.Price,
			Reference: order.ID,
		})
	}
	if !caps.OrderStatus {
		return nil, provider.ErrCapabilityMissing(e.provider.Name(), "order status")
	}
	return e.provider.GetOrderStatus(ctx, *order.ExternalOrderID)
}

// retryOrFail re-enqueues the job with attempt+1 after backoff, or marks
// the order FAILED once the attempt budget is spent.
func (e *Executor) retryOrFail(ctx context.Context, job Job, order *types.Order, reason string, logger *zerolog.Logger) {
	if job.Attempt < e.cfg.MaxAttempts {
		delay := e.nextBackoff(job.OrderID)
		logger.Info().Dur("delay", delay).Msg("re-enqueueing execution job")
		e.requeueAfter(ctx, Job{OrderID: job.OrderID, Attempt: job.Attempt + 1}, delay)
		return
	}

	if order == nil {
		var err error
		order, err = e.db.GetOrderByID(job.OrderID)
		if err != nil || order == nil {
			logger.Error().Err(err).Msg("cannot load order to mark failed")
			e.forget(job.OrderID)
			return
		}
	}
	e.markFailed(order, reason, logger)
	e.forget(job.OrderID)
}

func (e *Executor) markFailed(order *types.Order, reason string, logger *zerolog.Logger) {
	failed, err := e.db.FailAndPersist(order, reason)
	if err != nil {
		if errors.Is(err, trading.ErrTerminalTransition) {
			logger.Warn().Msg("order reached a terminal state before failure could be recorded")
			return
		}
		logger.Error().Err(err).Msg("failed to mark order failed")
		return
	}
	logger.Info().Str("reason", *failed.FailureReason).Msg("order marked failed")
}

// requeueAfter re-inserts the job once delay elapses without holding a
// worker. The claim is released by the caller before the timer fires.
func (e *Executor) requeueAfter(ctx context.Context, job Job, delay time.Duration) {
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			select {
			case e.jobs <- job:
			case <-ctx.Done():
			}
		}
	}()
}

func (e *Executor) claim(orderID uint) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[orderID]; busy {
		return false
	}
	e.inflight[orderID] = struct{}{}
	return true
}

func (e *Executor) release(orderID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, orderID)
}

// nextBackoff advances the per-order exponential backoff and returns the
// next delay.
func (e *Executor) nextBackoff(orderID uint) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.backoffs[orderID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = e.cfg.BackoffBase
		b.MaxInterval = e.cfg.BackoffCap
		b.RandomizationFactor = 0.2
		e.backoffs[orderID] = b
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop || delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	return delay
}

// forget clears per-order retry state once no further jobs will run.
func (e *Executor) forget(orderID uint) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.backoffs, orderID)
}
