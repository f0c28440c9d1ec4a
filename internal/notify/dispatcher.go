package notify

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DeadLetters receives messages the sink failed to deliver.
type DeadLetters interface {
	Put(ctx context.Context, sink string, msg Message, cause error) error
}

// Observer is told about every delivery attempt. Metrics implement it.
type Observer interface {
	Delivered(sink string)
	Failed(sink string)
	Dropped()
}

// Options tune the dispatcher. QueueSize is shared evenly between workers.
type Options struct {
	Workers     int
	QueueSize   int
	FanOut      int
	PushTimeout time.Duration
}

var ErrClosed = stderrors.New("notify: dispatcher closed")

// Dispatcher queues batches and delivers them on background workers, so a
// slow or failing sink never holds up the caller. Each worker owns a queue
// and batches are routed by Batch.Key, so batches sharing a key are
// delivered one after another in enqueue order.
type Dispatcher struct {
	sink     Sink
	opts     Options
	dead     DeadLetters
	observer Observer
	log      zerolog.Logger

	queues []chan Batch
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher creates a dispatcher; call Start to launch the workers.
// dead and observer may be nil.
func NewDispatcher(sink Sink, opts Options, dead DeadLetters, observer Observer, log zerolog.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.FanOut <= 0 {
		opts.FanOut = 8
	}
	if opts.PushTimeout <= 0 {
		opts.PushTimeout = 3 * time.Second
	}
	perWorker := opts.QueueSize / opts.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	queues := make([]chan Batch, opts.Workers)
	for i := range queues {
		queues[i] = make(chan Batch, perWorker)
	}
	return &Dispatcher{
		sink:     sink,
		opts:     opts,
		dead:     dead,
		observer: observer,
		log:      log.With().Str("component", "notify").Str("sink", sink.Name()).Logger(),
		queues:   queues,
	}
}

// Start launches one worker per queue.
func (d *Dispatcher) Start() {
	for _, q := range d.queues {
		d.wg.Add(1)
		go func(q <-chan Batch) {
			defer d.wg.Done()
			for b := range q {
				d.Deliver(context.Background(), b)
			}
		}(q)
	}
}

// queueFor picks the worker queue for a batch key.
func (d *Dispatcher) queueFor(key string) chan Batch {
	if len(d.queues) == 1 {
		return d.queues[0]
	}
	return d.queues[xxhash.Sum64String(key)%uint64(len(d.queues))]
}

// Enqueue hands a batch to the workers without blocking. A full queue drops
// the batch and reports false.
func (d *Dispatcher) Enqueue(b Batch) bool {
	if b.Len() == 0 {
		return true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Warn().Int("messages", b.Len()).Msg("Notification dropped: dispatcher closed")
		d.dropped()
		return false
	}
	select {
	case d.queueFor(b.Key) <- b:
		return true
	default:
		d.log.Warn().Int("messages", b.Len()).Msg("Notification dropped: queue full")
		d.dropped()
		return false
	}
}

// Deliver pushes a batch synchronously, phase by phase. Failures are logged
// and spooled; they never stop later phases.
func (d *Dispatcher) Deliver(ctx context.Context, b Batch) {
	for _, phase := range b.Phases {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.opts.FanOut)
		for _, msg := range phase {
			msg := msg
			g.Go(func() error {
				d.push(gctx, msg)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (d *Dispatcher) push(ctx context.Context, msg Message) {
	pctx, cancel := context.WithTimeout(ctx, d.opts.PushTimeout)
	defer cancel()

	err := d.sink.Push(pctx, msg)
	if err == nil {
		if d.observer != nil {
			d.observer.Delivered(d.sink.Name())
		}
		return
	}

	if d.observer != nil {
		d.observer.Failed(d.sink.Name())
	}
	d.log.Warn().Err(err).
		Str("recipient", msg.Recipient).
		Str("kind", string(msg.Kind)).
		Msg("Notification delivery failed (non-fatal)")

	if d.dead == nil {
		return
	}
	// the push context may already be spent
	sctx, scancel := context.WithTimeout(context.Background(), d.opts.PushTimeout)
	defer scancel()
	if err := d.dead.Put(sctx, d.sink.Name(), msg, err); err != nil {
		d.log.Warn().Err(err).Str("recipient", msg.Recipient).Msg("Failed to spool notification")
	}
}

func (d *Dispatcher) dropped() {
	if d.observer != nil {
		d.observer.Dropped()
	}
}

// Close stops accepting batches and waits for queued ones to drain, or for
// ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
