// Package events carries grid lifecycle notifications between components.
//
// Publishers hand events to an outbound queue and return; a single dispatcher
// goroutine invokes subscribers. Components publish after releasing their own
// locks, so a subscriber may call back into the publisher without deadlocking.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// Type names an event kind
type Type string

const (
	NodeAdded            Type = "node.added"
	NodeRemoved          Type = "node.removed"
	NodeStatusChanged    Type = "node.status"
	NodeDraining         Type = "node.draining"
	SessionCreated       Type = "session.created"
	SessionClosed        Type = "session.closed"
	QueueRequestAdded    Type = "queue.request-added"
	QueueRequestRejected Type = "queue.request-rejected"
	QueueCleared         Type = "queue.cleared"
)

// ErrClosed is returned when publishing on a closed bus
var ErrClosed = errors.New("event bus closed")

// Event is a single grid notification
type Event struct {
	Type         Type                `msgpack:"type" json:"type"`
	NodeID       models.NodeID       `msgpack:"nodeId,omitempty" json:"nodeId,omitempty"`
	SessionID    models.SessionID    `msgpack:"sessionId,omitempty" json:"sessionId,omitempty"`
	RequestID    models.RequestID    `msgpack:"requestId,omitempty" json:"requestId,omitempty"`
	Availability models.Availability `msgpack:"availability,omitempty" json:"availability,omitempty"`
	Message      string              `msgpack:"message,omitempty" json:"message,omitempty"`
	Time         time.Time           `msgpack:"time" json:"time"`
}

// Handler receives events of the type it subscribed to
type Handler func(ctx context.Context, e Event)

// Bus is the event transport shared by the hub's components
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(t Type, h Handler) (unsubscribe func())
	Close() error
}

type subscription struct {
	id int
	h  Handler
}

// Local is an in-process Bus backed by a buffered outbound queue
type Local struct {
	out    chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	logger logrus.FieldLogger

	mu       sync.RWMutex
	handlers map[Type][]subscription
	nextID   int
	closed   bool
}

var _ Bus = (*Local)(nil)

// NewLocal starts an in-process bus with room for buffer undelivered events
func NewLocal(buffer int, logger logrus.FieldLogger) *Local {
	if buffer <= 0 {
		buffer = 1024
	}
	b := &Local{
		out:      make(chan Event, buffer),
		done:     make(chan struct{}),
		logger:   logger.WithField("component", "events"),
		handlers: make(map[Type][]subscription),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish enqueues e for delivery. It blocks only while the queue is full.
func (b *Local) Publish(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	select {
	case b.out <- e:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers h for events of type t
func (b *Local) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[t] = append(b.handlers[t], subscription{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.handlers[t]
		for i, s := range subs {
			if s.id == id {
				b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Close stops the dispatcher after delivering what is already queued
func (b *Local) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}

func (b *Local) dispatch() {
	defer b.wg.Done()
	ctx := context.Background()

	for {
		select {
		case e := <-b.out:
			b.deliver(ctx, e)
		case <-b.done:
			for {
				select {
				case e := <-b.out:
					b.deliver(ctx, e)
				default:
					return
				}
			}
		}
	}
}

func (b *Local) deliver(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.WithField("event", e.Type).Errorf("event handler panicked: %v", r)
				}
			}()
			s.h(ctx, e)
		}()
	}
}
