package ami

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/gaspardpetit/amilink/internal/logx"
	"github.com/gaspardpetit/amilink/internal/metrics"
)

// dispatcher hands events to the consumer from a fixed set of workers. The
// backlog is unbounded so the read loop never blocks on a slow consumer.
type dispatcher struct {
	consumer EventConsumer

	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatcher(workers int, consumer EventConsumer) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &dispatcher{
		consumer: consumer,
		q:        queue.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

// enqueue adds ev to the backlog. It returns false once the dispatcher is
// closed.
func (d *dispatcher) enqueue(ev Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.q.Add(ev)
	d.cond.Signal()
	return true
}

func (d *dispatcher) backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.q.Length()
}

func (d *dispatcher) work() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for d.q.Length() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.q.Length() == 0 {
			d.mu.Unlock()
			return
		}
		ev := d.q.Remove().(Event)
		d.mu.Unlock()

		d.handle(ev)
	}
}

func (d *dispatcher) handle(ev Event) {
	if d.consumer == nil {
		metrics.RecordEvent(metrics.OutcomeDiscarded)
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.consumer.HandleEvent(d.ctx, ev)
	}()
	if err != nil {
		metrics.RecordEvent(metrics.OutcomeFailed)
		logx.Log.Error().Err(err).Str("event", ev.Name).Str("uniqueid", ev.Uniqueid).Msg("event consumer failed")
		return
	}
	metrics.RecordEvent(metrics.OutcomeHandled)
}

// close stops accepting events and waits for the workers to drain the
// backlog. When ctx ends first the remaining events are discarded, the
// consumer context is cancelled and ctx.Err() is returned.
func (d *dispatcher) close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
	}

	d.mu.Lock()
	n := d.q.Length()
	d.q = queue.New()
	d.mu.Unlock()
	d.cancel()
	for i := 0; i < n; i++ {
		metrics.RecordEvent(metrics.OutcomeDiscarded)
	}
	if n > 0 {
		logx.Log.Warn().Int("discarded", n).Msg("event backlog discarded on shutdown")
	}
	return ctx.Err()
}
