package events

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DispatcherOptions tunes the worker pool.
type DispatcherOptions struct {
	Workers        int
	Buffer         int
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Buffer < 0 {
		o.Buffer = 0
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 10 * time.Second
	}
	return o
}

// Dispatcher publishes board events from a pool of workers so request handlers
// never wait on the broker. When the pool is saturated past the handoff timeout
// the event is published inline instead of being dropped.
type Dispatcher struct {
	pub  Publisher
	opts DispatcherOptions
	log  *log.Logger

	mu     sync.RWMutex
	jobs   chan BoardEvent
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts the workers. logger may be nil to use the standard logger.
func NewDispatcher(pub Publisher, opts DispatcherOptions, logger *log.Logger) *Dispatcher {
	if pub == nil {
		panic("events.NewDispatcher: publisher is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	opts = opts.withDefaults()
	d := &Dispatcher{pub: pub, opts: opts, log: logger, jobs: make(chan BoardEvent, opts.Buffer)}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("event dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.PublishTimeout, opts.HandoffTimeout)
	return d
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for ev := range d.jobs {
		d.publish(ev, id)
	}
}

func (d *Dispatcher) publish(ev BoardEvent, worker int) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.PublishTimeout)
	defer cancel()
	if err := d.pub.Publish(ctx, ev); err != nil {
		d.log.WithFields(log.Fields{
			"event":  ev.Type,
			"org":    ev.OrganizationID,
			"task":   ev.TaskID,
			"worker": worker,
		}).WithError(err).Error("publish board event failed")
	}
}

// Dispatch hands ev to a worker, falling back to an inline publish.
func (d *Dispatcher) Dispatch(ev BoardEvent) {
	if d.tryHandoff(ev) {
		return
	}
	d.publish(ev, -1)
}

func (d *Dispatcher) tryHandoff(ev BoardEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}

	select {
	case d.jobs <- ev:
		return true
	default:
	}

	if d.opts.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(d.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting work and waits for queued events to be published.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}
