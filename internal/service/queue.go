package service

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/carrierlabs/shadowbroker/internal/shadow"
)

// streamQueueCapacity bounds the number of undelivered change events one
// client stream may have outstanding before it is considered too slow and
// disconnected.
const streamQueueCapacity = 100

var (
	errQueueClosed     = errors.New("service: change stream closed")
	errQueueOverflowed = errors.New("service: change stream overflowed")
)

// eventQueue is the per-stream buffer between a Shadow's fan-out and a
// client's server-streaming response. Shadow actors enqueue without
// blocking; a single drain goroutine writes to the stream in enqueue order,
// so the sequence of events one client observes matches the order its
// Shadow processed them. A client that falls streamQueueCapacity events
// behind is cut off rather than allowed to stall the registry; its own
// drop hook then reaps the registration.
type eventQueue struct {
	ch   chan shadow.Event
	done chan struct{}
	once sync.Once
}

// newEventQueue starts the drain goroutine writing events via send.
func newEventQueue(send func(shadow.Event) error, log *logrus.Entry) *eventQueue {
	q := &eventQueue{
		ch:   make(chan shadow.Event, streamQueueCapacity),
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-q.done:
				return
			case ev := <-q.ch:
				if err := send(ev); err != nil {
					log.WithError(err).Debug("service: change stream send failed")
					q.Close()
					return
				}
			}
		}
	}()
	return q
}

// Send enqueues ev for delivery. It never blocks: a full queue tears the
// stream down and reports the overflow.
func (q *eventQueue) Send(ev shadow.Event) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		q.Close()
		return errQueueOverflowed
	}
}

// Close stops the drain goroutine and fails all further Sends. Safe to call
// more than once, from any goroutine.
func (q *eventQueue) Close() {
	q.once.Do(func() { close(q.done) })
}

// Done is closed once the queue has shut down, whether by Close, a send
// failure, or overflow.
func (q *eventQueue) Done() <-chan struct{} { return q.done }
