// Package notify is the ambient event bridge (§4.3): every publication
// create, bundle create, approval, promotion, release, and sweep emits an
// Event onto an internal queue for asynchronous delivery to one or more
// sinks. Grounded on notifications/sinks.go's eventQueue idiom
// (docker/go-events), generalized from HTTP webhook dispatch to an
// in-process audit/metrics bridge. Besides the fan-out plumbing, its one
// network transport is HTTPSink (http_sink.go), a webhook JSON POST.
package notify

import (
	"container/list"
	"fmt"
	"sync"

	events "github.com/docker/go-events"
	"github.com/sirupsen/logrus"

	"github.com/converge/converge/metrics"
)

// Kind enumerates the lifecycle events the core emits (§4.3, §9).
type Kind string

const (
	KindPublicationCreated Kind = "publication.created"
	KindBundleCreated      Kind = "bundle.created"
	KindBundleApproved     Kind = "bundle.approved"
	KindPromotion          Kind = "promotion.recorded"
	KindRelease            Kind = "release.recorded"
	KindSweep              Kind = "gc.swept"
)

// Event is one occurrence on a repository. It implements events.Event (an
// empty interface) so it can travel through a docker/go-events Sink
// unmodified.
type Event struct {
	Kind       Kind           `json:"kind"`
	RepoID     string         `json:"repo_id"`
	Scope      string         `json:"scope,omitempty"`
	Lane       string         `json:"lane,omitempty"`
	Subject    string         `json:"subject"`
	Actor      string         `json:"actor,omitempty"`
	OccurredAt string         `json:"occurred_at"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// Bridge accepts Events and fans them out to every registered sink via an
// unbounded, goroutine-backed queue per sink — mirrors
// notifications/sinks.go's eventQueue exactly, just with Converge's own
// Event payload instead of a manifest-push webhook body.
type Bridge struct {
	mu     sync.RWMutex
	queues []*eventQueue
}

// NewBridge returns an empty Bridge; sinks are added with AddSink.
func NewBridge() *Bridge {
	return &Bridge{}
}

// AddSink registers sink to receive every future Event published through
// this Bridge. Each sink gets its own queue so a slow or failing sink
// cannot block delivery to the others.
func (b *Bridge) AddSink(sink events.Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues = append(b.queues, newEventQueue(sink))
}

// Publish enqueues ev for delivery to every registered sink. It never
// blocks on sink I/O and never returns an error for a single bad sink —
// consistent with the at-least-effort delivery the teacher's own
// notification system provides (a dropped webhook does not fail the push
// that triggered it).
func (b *Bridge) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	metrics.EventsPublished.WithValues(string(ev.Kind)).Inc(1)
	for _, q := range b.queues {
		if err := q.Write(ev); err != nil {
			logrus.Warnf("notify: dropping event %s: %v", ev.Kind, err)
			metrics.EventsDropped.WithValues(string(ev.Kind)).Inc(1)
		}
	}
}

// Close shuts down every sink's queue, flushing pending events first.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, q := range b.queues {
		if err := q.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// eventQueue is notifications/sinks.go's eventQueue, copied verbatim in
// structure and adapted to this package's Event type via the events.Event
// interface (which Event satisfies trivially, being any concrete type).
type eventQueue struct {
	sink   events.Sink
	events *list.List
	cond   *sync.Cond
	mu     sync.Mutex
	closed bool
}

func newEventQueue(sink events.Sink) *eventQueue {
	eq := &eventQueue{
		sink:   sink,
		events: list.New(),
	}
	eq.cond = sync.NewCond(&eq.mu)
	go eq.run()
	return eq
}

func (eq *eventQueue) Write(ev events.Event) error {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if eq.closed {
		return fmt.Errorf("notify: event queue closed")
	}
	eq.events.PushBack(ev)
	eq.cond.Signal()
	return nil
}

func (eq *eventQueue) Close() error {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	if eq.closed {
		return fmt.Errorf("notify: event queue already closed")
	}
	eq.closed = true
	eq.cond.Signal()
	eq.cond.Wait()
	return eq.sink.Close()
}

func (eq *eventQueue) run() {
	for {
		ev := eq.next()
		if ev == nil {
			return
		}
		if err := eq.sink.Write(ev); err != nil {
			logrus.Warnf("notify: sink write failed, event lost: %v", err)
		}
	}
}

func (eq *eventQueue) next() events.Event {
	eq.mu.Lock()
	defer eq.mu.Unlock()
	for eq.events.Len() < 1 {
		if eq.closed {
			eq.cond.Broadcast()
			return nil
		}
		eq.cond.Wait()
	}
	front := eq.events.Front()
	ev := front.Value.(events.Event)
	eq.events.Remove(front)
	return ev
}

// ChannelSink is a trivial events.Sink that forwards every Event onto a Go
// channel, useful for in-process consumers (metrics counters, test
// assertions) that do not need their own network sink.
type ChannelSink struct {
	C      chan Event
	closed chan struct{}
	once   sync.Once
}

// NewChannelSink returns a ChannelSink with the given channel buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, buffer), closed: make(chan struct{})}
}

// Write implements events.Sink.
func (s *ChannelSink) Write(ev events.Event) error {
	e, ok := ev.(Event)
	if !ok {
		return fmt.Errorf("notify: unexpected event type %T", ev)
	}
	select {
	case s.C <- e:
		return nil
	case <-s.closed:
		return fmt.Errorf("notify: channel sink closed")
	}
}

// Close implements events.Sink.
func (s *ChannelSink) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}
