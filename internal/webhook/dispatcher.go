// Package webhook delivers signed terminal-status notifications to each
// task's callback URL. The queue is persisted on every change so retries
// survive a restart.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/msageha/conductor/internal/backoff"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/signing"
	"github.com/msageha/conductor/internal/ticker"
)

const (
	HeaderDeliveryID      = "X-Delivery-ID"
	HeaderDeliveryAttempt = "X-Delivery-Attempt"
)

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DeliverySink persists the pending delivery queue.
type DeliverySink interface {
	SaveDeliveries(ds []model.PendingDelivery) error
}

// DeliveredFunc is called after a 2xx response and before the entry is
// removed. Returning an error keeps the entry for another attempt.
type DeliveredFunc func(taskID string) error

// DeadLetteredFunc is called once an entry has been given up on and removed.
type DeadLetteredFunc func(taskID string) error

type Config struct {
	DrainInterval  time.Duration
	BackoffBase    time.Duration
	BackoffFactor  float64
	BackoffCap     time.Duration
	MaxAttempts    int // 0 = unbounded
	RequestTimeout time.Duration
	DeadLetterDir  string
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithDoer(doer Doer) Option {
	return func(d *Dispatcher) { d.doer = doer }
}

func WithOnDelivered(fn DeliveredFunc) Option {
	return func(d *Dispatcher) { d.onDelivered = fn }
}

func WithOnDeadLettered(fn DeadLetteredFunc) Option {
	return func(d *Dispatcher) { d.onDeadLettered = fn }
}

func WithTickerOptions(opts ...ticker.Option) Option {
	return func(d *Dispatcher) { d.tickerOpts = opts }
}

type Dispatcher struct {
	cfg            Config
	sink           DeliverySink
	doer           Doer
	logger         *zap.Logger
	now            func() time.Time
	onDelivered    DeliveredFunc
	onDeadLettered DeadLetteredFunc
	tickerOpts     []ticker.Option
	loop           *ticker.Loop

	// drainMu serializes Drain and Flush so one entry is never in flight twice.
	drainMu sync.Mutex

	mu    sync.Mutex
	queue []model.PendingDelivery
}

func New(cfg Config, sink DeliverySink, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		doer:   &http.Client{},
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.loop = ticker.New("webhook_drain", cfg.DrainInterval, func(ctx context.Context) { d.Drain(ctx) }, logger, d.tickerOpts...)
	return d
}

// Restore replaces the queue with entries loaded from a snapshot. It does
// not persist.
func (d *Dispatcher) Restore(ds []model.PendingDelivery) {
	d.mu.Lock()
	d.queue = append([]model.PendingDelivery(nil), ds...)
	d.mu.Unlock()
}

// Pending returns a copy of the queue.
func (d *Dispatcher) Pending() []model.PendingDelivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.PendingDelivery(nil), d.queue...)
}

// Has reports whether a delivery for taskID+status is queued.
func (d *Dispatcher) Has(taskID string, status model.Status) bool {
	key := model.DeliveryKey(taskID, status)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.queue {
		if e.Key() == key {
			return true
		}
	}
	return false
}

// Enqueue queues the terminal-status notification for task. It returns false
// when an entry with the same task and status is already queued.
func (d *Dispatcher) Enqueue(task model.Task) (bool, error) {
	if !model.IsTerminal(task.Status) {
		return false, model.NewError(model.KindInvalidTransition,
			fmt.Sprintf("task %s is %s; only terminal statuses are delivered", task.ID, task.Status))
	}
	body, err := json.Marshal(NewPayload(task))
	if err != nil {
		return false, fmt.Errorf("marshal webhook payload: %w", err)
	}

	key := model.DeliveryKey(task.ID, task.Status)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.queue {
		if e.Key() == key {
			return false, nil
		}
	}
	now := d.now().UTC()
	entry := model.PendingDelivery{
		ID:            uuid.NewString(),
		TaskID:        task.ID,
		Status:        task.Status,
		TargetURL:     task.WebhookURL,
		Secret:        task.WebhookSecret,
		Payload:       body,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	d.queue = append(d.queue, entry)
	if err := d.persistLocked(); err != nil {
		d.queue = d.queue[:len(d.queue)-1]
		return false, err
	}
	d.logger.Info("delivery_enqueued",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("delivery_id", entry.ID))
	return true, nil
}

func (d *Dispatcher) Start() {
	if d.loop.Start() {
		d.logger.Info("dispatcher_started", zap.Duration("interval", d.cfg.DrainInterval))
	}
}

func (d *Dispatcher) Stop() {
	d.loop.Stop()
}

// Drain attempts every entry whose next attempt is due and returns the
// number delivered.
func (d *Dispatcher) Drain(ctx context.Context) int {
	return d.run(ctx, false)
}

// Flush makes one attempt at every queued entry regardless of schedule,
// stopping early when ctx is done. Used during shutdown.
func (d *Dispatcher) Flush(ctx context.Context) int {
	n := d.run(ctx, true)
	if remaining := len(d.Pending()); remaining > 0 {
		d.logger.Warn("flush_incomplete", zap.Int("remaining", remaining))
	}
	return n
}

type result struct {
	entry model.PendingDelivery
	err   error
}

func (d *Dispatcher) run(ctx context.Context, all bool) int {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	now := d.now()
	var due []model.PendingDelivery
	d.mu.Lock()
	for _, e := range d.queue {
		if all || !e.NextAttemptAt.After(now) {
			due = append(due, e)
		}
	}
	d.mu.Unlock()

	var results []result
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		results = append(results, result{entry: e, err: d.attempt(ctx, e)})
	}
	if len(results) == 0 {
		return 0
	}
	delivered, abandoned := d.apply(results)
	for _, taskID := range abandoned {
		if d.onDeadLettered == nil {
			break
		}
		if err := d.onDeadLettered(taskID); err != nil && model.KindOf(err) != model.KindNotFound {
			d.logger.Error("record_dead_letter_failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return delivered
}

// attempt sends one delivery and, on a 2xx, runs the delivered callback.
func (d *Dispatcher) attempt(ctx context.Context, e model.PendingDelivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = model.NewError(model.KindDeliveryFailed, fmt.Sprintf("panic during delivery: %v", r))
		}
	}()

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.TargetURL, bytes.NewReader(e.Payload))
	if err != nil {
		return model.WrapError(model.KindDeliveryFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "conductor-webhook")
	req.Header.Set(signing.HeaderSignature, signing.Sign(e.Secret, e.Payload))
	req.Header.Set(HeaderDeliveryID, e.ID)
	req.Header.Set(HeaderDeliveryAttempt, strconv.Itoa(e.AttemptCount+1))

	resp, err := d.doer.Do(req)
	if err != nil {
		return model.WrapError(model.KindDeliveryFailed, "post webhook", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.NewError(model.KindDeliveryFailed, fmt.Sprintf("webhook returned %d", resp.StatusCode))
	}

	if d.onDelivered != nil {
		if err := d.onDelivered(e.TaskID); err != nil && model.KindOf(err) != model.KindNotFound {
			return fmt.Errorf("record delivery: %w", err)
		}
	}
	return nil
}

// apply records attempt results and returns the delivered count and the
// task IDs whose entries were dead-lettered.
func (d *Dispatcher) apply(results []result) (int, []string) {
	now := d.now().UTC()
	delivered := 0
	var abandoned []string

	d.mu.Lock()
	defer d.mu.Unlock()

	byID := make(map[string]result, len(results))
	for _, r := range results {
		byID[r.entry.ID] = r
	}

	kept := d.queue[:0:0]
	for _, e := range d.queue {
		r, ok := byID[e.ID]
		if !ok {
			kept = append(kept, e)
			continue
		}
		fields := []zap.Field{
			zap.String("task_id", e.TaskID),
			zap.String("status", string(e.Status)),
			zap.String("delivery_id", e.ID),
			zap.Int("attempt", e.AttemptCount+1),
		}
		if r.err == nil {
			delivered++
			d.logger.Info("delivery_succeeded", fields...)
			continue
		}

		e.AttemptCount++
		e.LastError = r.err.Error()
		delay := backoff.Exponential(d.cfg.BackoffBase, d.cfg.BackoffFactor, d.cfg.BackoffCap, e.AttemptCount)
		if d.cfg.MaxAttempts > 0 && e.AttemptCount >= d.cfg.MaxAttempts {
			if d.deadLetterLocked(e, now, fields) {
				abandoned = append(abandoned, e.TaskID)
				continue
			}
			// archive failed: keep the entry and try again later
			e.NextAttemptAt = now.Add(delay)
			kept = append(kept, e)
			continue
		}
		e.NextAttemptAt = now.Add(delay)
		d.logger.Warn("delivery_failed", append(fields, zap.Error(r.err), zap.Duration("retry_in", delay))...)
		kept = append(kept, e)
	}
	d.queue = kept

	if err := d.persistLocked(); err != nil {
		d.logger.Error("persist_deliveries_failed", zap.Error(err))
	}
	return delivered, abandoned
}

// deadLetterLocked archives e and reports whether it may leave the queue.
func (d *Dispatcher) deadLetterLocked(e model.PendingDelivery, now time.Time, fields []zap.Field) bool {
	reason := fmt.Sprintf("attempts (%d) >= max_attempts (%d)", e.AttemptCount, d.cfg.MaxAttempts)
	fields = append(fields, zap.String("reason", reason), zap.String("last_error", e.LastError))
	if d.cfg.DeadLetterDir == "" {
		d.logger.Error("delivery_dropped", fields...)
		return true
	}
	path, err := archiveDeadLetter(d.cfg.DeadLetterDir, e, reason, now)
	if err != nil {
		d.logger.Error("archive_dead_letter_failed", append(fields, zap.Error(err))...)
		return false
	}
	d.logger.Error("delivery_dead_lettered", append(fields, zap.String("archive", path))...)
	return true
}

func (d *Dispatcher) persistLocked() error {
	if d.sink == nil {
		return nil
	}
	if err := d.sink.SaveDeliveries(append([]model.PendingDelivery(nil), d.queue...)); err != nil {
		return fmt.Errorf("persist deliveries: %w", err)
	}
	return nil
}
