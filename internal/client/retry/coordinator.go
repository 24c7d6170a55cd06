// Package retry drains the outbox back to the server. Drains run on a
// timer and on connectivity recovery, with at most one in flight.
package retry

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/lotline/lotline/internal/client/delivery"
	"github.com/lotline/lotline/internal/client/outbox"
)

// Config controls drain cadence and the give-up threshold.
type Config struct {
	// DrainInterval is the timer-driven drain period.
	DrainInterval time.Duration
	// HealthInterval is how often server reachability is probed.
	HealthInterval time.Duration
	// RetryCeiling is the attempt count after which an item is parked
	// for operator attention instead of retried.
	RetryCeiling int
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{
		DrainInterval:  60 * time.Second,
		HealthInterval: 15 * time.Second,
		RetryCeiling:   10,
	}
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Delivered int // accepted by the server, removed from the queue
	Rejected  int // final 4xx answers, removed from the queue
	Deferred  int // retryable failures, kept with a bumped count
	Parked    int // at the retry ceiling, left for the operator
}

// Outcome classifies one item's fate during a drain.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRejected  Outcome = "rejected"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeParked    Outcome = "parked"
)

// DrainEvent reports one item's outcome. Observers (UI, tests) consume
// these instead of sharing state with the drain goroutine.
type DrainEvent struct {
	Outcome    Outcome
	Type       string
	Endpoint   string
	Filename   string
	RetryCount int
	Detail     string
}

// Coordinator owns the background drain of the outbox.
type Coordinator struct {
	queue     *outbox.Outbox
	transport *delivery.Transport
	config    Config

	// Drain guard: concurrent triggers coalesce into the running pass.
	mu       sync.Mutex
	draining bool

	online  bool
	trigger chan struct{}
	events  chan DrainEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator over the queue and transport.
func New(q *outbox.Outbox, t *delivery.Transport, cfg Config) *Coordinator {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultConfig().DrainInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultConfig().HealthInterval
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = DefaultConfig().RetryCeiling
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		queue:     q,
		transport: t,
		config:    cfg,
		trigger:   make(chan struct{}, 1),
		events:    make(chan DrainEvent, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the drain and health loops.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.drainLoop()
	go c.healthLoop()
	log.Println("Retry coordinator started")
}

// Stop shuts both loops down and waits for an in-flight drain to finish.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	log.Println("Retry coordinator stopped")
}

// Trigger requests an immediate drain. Never blocks; a request made
// while one is already pending coalesces with it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Events exposes per-item drain outcomes for observers (CLI, tests).
func (c *Coordinator) Events() <-chan DrainEvent {
	return c.events
}

func (c *Coordinator) drainLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drain()
		case <-c.trigger:
			c.drain()
		}
	}
}

// healthLoop probes the server and triggers a drain on the offline to
// online edge, so recovery is not left waiting on the timer.
func (c *Coordinator) healthLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			up := c.transport.Ping() == nil
			if up && !c.online {
				log.Println("Server reachable again, draining outbox")
				c.Trigger()
			}
			c.online = up
		}
	}
}

// DrainOnce runs a single synchronous drain pass. The CLI uses this for
// operator-initiated drains.
func (c *Coordinator) DrainOnce() DrainStats {
	return c.drain()
}

// drain walks the queue in FIFO attempt order and tries each item once.
// At most one drain runs at a time. A failing item does not block the
// items behind it; it keeps its place with a bumped retry count.
func (c *Coordinator) drain() DrainStats {
	var stats DrainStats

	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return stats
	}
	c.draining = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	items, err := c.queue.List()
	if err != nil {
		log.Printf("Error listing outbox: %v", err)
		return stats
	}
	if len(items) == 0 {
		return stats
	}

	for i := range items {
		item := &items[i]

		select {
		case <-c.ctx.Done():
			// Shutdown mid-drain: whatever is left stays queued and is
			// safe to redeliver later thanks to idempotency keys.
			return stats
		default:
		}

		if item.RetryCount >= c.config.RetryCeiling {
			stats.Parked++
			c.publish(item, OutcomeParked, "retry ceiling reached, awaiting manual review")
			continue
		}

		_, err := c.transport.Post(item.Endpoint, json.RawMessage(item.Payload))
		if err == nil {
			if err := c.queue.Remove(item); err != nil {
				log.Printf("Error removing delivered item %s: %v", item.Filename, err)
			}
			stats.Delivered++
			c.publish(item, OutcomeDelivered, "")
			continue
		}

		re, ok := err.(*delivery.RemoteError)
		if ok && !re.Retryable() {
			// A 4xx is the server's final word on this event; keeping
			// the item would wedge the queue behind it forever.
			log.Printf("Queued item %s rejected by server: %v", item.Filename, re)
			if err := c.queue.Remove(item); err != nil {
				log.Printf("Error removing rejected item %s: %v", item.Filename, err)
			}
			stats.Rejected++
			c.publish(item, OutcomeRejected, re.Error())
			continue
		}

		if err := c.queue.IncrementRetry(item); err != nil {
			log.Printf("Error updating retry count for %s: %v", item.Filename, err)
		}
		stats.Deferred++
		c.publish(item, OutcomeDeferred, err.Error())
	}

	return stats
}

func (c *Coordinator) publish(item *outbox.Item, outcome Outcome, detail string) {
	ev := DrainEvent{
		Outcome:    outcome,
		Type:       item.Type,
		Endpoint:   item.Endpoint,
		Filename:   item.Filename,
		RetryCount: item.RetryCount,
		Detail:     detail,
	}
	select {
	case c.events <- ev:
	default:
	}
}
