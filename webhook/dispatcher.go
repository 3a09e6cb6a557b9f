package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skymesh/skymesh/internal/metrics"
	"github.com/skymesh/skymesh/retry"
	"github.com/skymesh/skymesh/store"
	"github.com/skymesh/skymesh/types"
	"github.com/skymesh/skymesh/workflow"
)

// Delivery states recorded with each delivery.
const (
	StateDelivered    = "DELIVERED"
	StateDeadLettered = "DEAD_LETTERED"
)

// Payload is the wire format posted to subscribers.
type Payload struct {
	Event     string         `json:"event"`
	Timestamp string         `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Data      map[string]any `json:"data"`
}

// DeliveryRecord is the persisted outcome of one delivery.
type DeliveryRecord struct {
	DeliveryID     string    `json:"delivery_id"`
	SubscriptionID string    `json:"subscription_id"`
	URL            string    `json:"url"`
	Event          string    `json:"event"`
	RunID          string    `json:"run_id"`
	State          string    `json:"state"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Config configures the Dispatcher.
type Config struct {
	// Timeout bounds each HTTP delivery attempt.
	Timeout time.Duration
	// Retry schedules re-attempts after non-2xx responses or timeouts.
	Retry retry.Policy
	// QueueSize is the per-subscription event buffer; events beyond it are
	// dropped rather than blocking the executor.
	QueueSize int
	// RatePerMinute caps deliveries per subscription when the subscription
	// itself declares no rate.
	RatePerMinute int
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		Retry:         retry.DefaultPolicy(),
		QueueSize:     256,
		RatePerMinute: 60,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	c.Retry = c.Retry.Normalized()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = d.RatePerMinute
	}
	return c
}

// delivery is one event bound to one subscription. The id is assigned at
// enqueue time and stays stable across every retry.
type delivery struct {
	id    string
	sub   Subscription
	event workflow.Event
	body  []byte
}

// subWorker serializes deliveries for one subscription so events for a run
// go out in log order.
type subWorker struct {
	queue   chan delivery
	limiter *rate.Limiter
}

// Dispatcher fans workflow events out to matching subscriptions. Emit is
// fire-and-forget: delivery happens on per-subscription workers, entirely
// off the execution path.
type Dispatcher struct {
	config  Config
	subs    *SubscriptionStore
	store   store.Store
	client  *http.Client
	retryer *retry.Retryer
	metrics *metrics.Collector
	logger  *zap.Logger

	mu      sync.Mutex
	workers map[string]*subWorker
	wg      sync.WaitGroup
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = c }
}

// WithHTTPClient overrides the delivery client.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) { d.client = client }
}

// NewDispatcher creates a Dispatcher. Delivery records and dead letters are
// appended to the given store; a nil store disables persistence.
func NewDispatcher(config Config, subs *SubscriptionStore, st store.Store, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.normalized()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		config:  config,
		subs:    subs,
		store:   st,
		client:  &http.Client{Timeout: config.Timeout},
		retryer: retry.New(config.Retry, logger),
		logger:  logger.With(zap.String("component", "webhook_dispatcher")),
		workers: make(map[string]*subWorker),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var _ workflow.EventSink = (*Dispatcher)(nil)

// Emit implements workflow.EventSink. It never blocks: when a
// subscription's queue is full the event is dropped for that subscriber
// and counted.
func (d *Dispatcher) Emit(event workflow.Event) {
	for _, sub := range d.subs.matching(event.Type) {
		body, err := json.Marshal(Payload{
			Event:     event.Type,
			Timestamp: event.Timestamp.Format(time.RFC3339),
			RunID:     event.RunID,
			Data:      eventData(event),
		})
		if err != nil {
			d.logger.Error("failed to encode event payload",
				zap.String("event_id", event.ID), zap.Error(err))
			continue
		}

		del := delivery{
			id:    uuid.New().String(),
			sub:   sub,
			event: event,
			body:  body,
		}

		worker := d.worker(sub)
		if worker == nil {
			continue
		}
		select {
		case worker.queue <- del:
		default:
			d.metrics.RecordDelivery("dropped")
			d.logger.Warn("subscription queue full, dropping event",
				zap.String("subscription_id", sub.ID),
				zap.String("event_id", event.ID),
			)
		}
	}
}

// eventData flattens the event's step id into the payload data.
func eventData(event workflow.Event) map[string]any {
	data := make(map[string]any, len(event.Data)+2)
	for k, v := range event.Data {
		data[k] = v
	}
	if event.StepID != "" {
		data["step_id"] = event.StepID
	}
	data["event_id"] = event.ID
	return data
}

// worker returns the subscription's worker, starting one on first use.
func (d *Dispatcher) worker(sub Subscription) *subWorker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	w, ok := d.workers[sub.ID]
	if ok {
		return w
	}

	perMinute := sub.RatePerMinute
	if perMinute <= 0 {
		perMinute = d.config.RatePerMinute
	}
	w = &subWorker{
		queue:   make(chan delivery, d.config.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
	d.workers[sub.ID] = w

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for del := range w.queue {
			if err := w.limiter.Wait(d.ctx); err != nil {
				return
			}
			d.deliver(del)
		}
	}()
	return w
}

// Close stops accepting events and waits for queued deliveries to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}

// deliver attempts one delivery, with retries scheduled by the shared
// retryer. The delivery id and body are identical on every attempt so
// subscribers can deduplicate.
func (d *Dispatcher) deliver(del delivery) {
	attempts := 0
	err := d.retryer.Do(d.ctx, func() error {
		attempts++
		attemptErr := d.attempt(del)
		if attemptErr == nil {
			return nil
		}
		d.metrics.RecordDelivery("failed_attempt")
		d.logger.Warn("webhook delivery attempt failed",
			zap.String("delivery_id", del.id),
			zap.String("subscription_id", del.sub.ID),
			zap.Int("attempt", attempts),
			zap.Error(attemptErr),
		)
		return types.NewError(types.ErrDeliveryFailed, "webhook delivery failed").
			WithTarget(del.sub.ID).WithCause(attemptErr)
	})

	if err == nil {
		d.metrics.RecordDelivery("delivered")
		d.record(del, StateDelivered, attempts, nil)
		d.logger.Debug("webhook delivered",
			zap.String("delivery_id", del.id),
			zap.String("subscription_id", del.sub.ID),
			zap.Int("attempts", attempts),
		)
		return
	}
	if types.IsCancellation(err) {
		// Dispatcher shutdown mid-backoff; the delivery stays unresolved.
		return
	}

	d.metrics.RecordDeadLetter()
	d.record(del, StateDeadLettered, attempts, err)
	d.deadLetter(del, attempts, err)
}

// attempt posts the payload once.
func (d *Dispatcher) attempt(del delivery) error {
	ctx, cancel := context.WithTimeout(d.ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.sub.URL, bytes.NewReader(del.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(del.sub.Secret, del.body))
	req.Header.Set("X-Timestamp", del.event.Timestamp.Format(time.RFC3339))
	req.Header.Set("X-Delivery-ID", del.id)
	req.Header.Set("X-Event-Type", del.event.Type)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}

// record appends the delivery outcome under the subscription's log.
func (d *Dispatcher) record(del delivery, state string, attempts int, deliveryErr error) {
	if d.store == nil {
		return
	}
	rec := DeliveryRecord{
		DeliveryID:     del.id,
		SubscriptionID: del.sub.ID,
		URL:            del.sub.URL,
		Event:          del.event.Type,
		RunID:          del.event.RunID,
		State:          state,
		Attempts:       attempts,
		CompletedAt:    time.Now().UTC(),
	}
	if deliveryErr != nil {
		rec.LastError = deliveryErr.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.Append(ctx, "deliveries:"+del.sub.ID, data); err != nil {
		d.logger.Error("failed to record delivery",
			zap.String("delivery_id", del.id), zap.Error(err))
	}
}

// deadLetter hands the full undeliverable payload to the store for
// operator inspection.
func (d *Dispatcher) deadLetter(del delivery, attempts int, deliveryErr error) {
	d.logger.Error("webhook dead-lettered",
		zap.String("delivery_id", del.id),
		zap.String("subscription_id", del.sub.ID),
		zap.String("url", del.sub.URL),
		zap.Int("attempts", attempts),
		zap.Error(deliveryErr),
	)
	if d.store == nil {
		return
	}
	entry, err := json.Marshal(map[string]any{
		"delivery_id":     del.id,
		"subscription_id": del.sub.ID,
		"url":             del.sub.URL,
		"attempts":        attempts,
		"error":           deliveryErr.Error(),
		"payload":         json.RawMessage(del.body),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.Append(ctx, "deadletter", entry); err != nil {
		d.logger.Error("failed to append dead letter",
			zap.String("delivery_id", del.id), zap.Error(err))
	}
}
