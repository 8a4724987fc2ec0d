package ami

import (
	"context"
	"sync"
	"time"
)

// Response is an owned copy of a Success response frame.
type Response struct {
	ActionID string
	Status   string
	Fields   []KeyValue
}

// Get returns the value of the last pair named key.
func (r *Response) Get(key string) (string, bool) { return lookup(r.Fields, key) }

// Message returns the Message field, if any.
func (r *Response) Message() string {
	v, _ := r.Get("Message")
	return v
}

// Action is the completion handle of a submitted action. It settles exactly
// once: with a Response, with an *ActionError, or with ErrActionTimeout,
// ErrClosed, a write error or the caller's context error.
type Action struct {
	ID   string
	Name string

	sent time.Time
	done chan struct{}
	once sync.Once
	resp *Response
	err  error

	timerMu sync.Mutex
	timer   *time.Timer

	// evict removes the action from the pending set and settles it.
	evict func(err error)
}

func newAction(id, name string) *Action {
	return &Action{
		ID:   id,
		Name: name,
		sent: time.Now(),
		done: make(chan struct{}),
	}
}

// settle completes the action. It reports whether this call did it.
func (a *Action) settle(resp *Response, err error) bool {
	settled := false
	a.once.Do(func() {
		a.resp, a.err = resp, err
		close(a.done)
		settled = true
	})
	if settled {
		a.timerMu.Lock()
		if a.timer != nil {
			a.timer.Stop()
		}
		a.timerMu.Unlock()
	}
	return settled
}

// expireAfter evicts the action with err once d elapses.
func (a *Action) expireAfter(d time.Duration, err error) {
	a.timerMu.Lock()
	defer a.timerMu.Unlock()
	select {
	case <-a.done:
		return
	default:
	}
	a.timer = time.AfterFunc(d, func() { a.evict(err) })
}

// Done is closed once the action is settled.
func (a *Action) Done() <-chan struct{} { return a.done }

// Result returns the outcome. It must only be called after Done is closed.
func (a *Action) Result() (*Response, error) { return a.resp, a.err }

// Wait blocks until the action settles or ctx ends. When ctx ends first the
// action is evicted from the pending set and settled with ctx.Err().
func (a *Action) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		if a.evict != nil {
			a.evict(ctx.Err())
		} else {
			a.settle(nil, ctx.Err())
		}
		<-a.done
	}
	return a.resp, a.err
}

type pendingSet struct {
	mu sync.Mutex
	m  map[string]*Action
}

func newPendingSet() *pendingSet {
	return &pendingSet{m: make(map[string]*Action)}
}

func (p *pendingSet) add(a *Action) {
	p.mu.Lock()
	p.m[a.ID] = a
	p.mu.Unlock()
}

func (p *pendingSet) take(id string) (*Action, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	return a, ok
}

func (p *pendingSet) drain() []*Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Action, 0, len(p.m))
	for id, a := range p.m {
		out = append(out, a)
		delete(p.m, id)
	}
	return out
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}
