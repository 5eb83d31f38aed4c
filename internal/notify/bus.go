// Package notify fans engine events out to delivery channels (log, Telegram).
// Publishing never blocks the trading loop: events are queued on a buffered
// channel and dropped with a warning if the queue is full.
package notify

import (
	"context"
	"sync"
	"time"

	"cryptoAutoTrader/internal/domain"
	"cryptoAutoTrader/internal/ports"
)

// Sink is one delivery channel for engine events.
type Sink interface {
	// Deliver sends a single event. Slow or failing delivery only affects
	// this sink; the bus keeps dispatching to the others.
	Deliver(ctx context.Context, event domain.Event) error
	// Name identifies the sink in logs (e.g. "telegram").
	Name() string
}

const defaultQueueSize = 256

// Bus implements ports.Notifier. It decouples the engine from delivery: one
// background goroutine drains the queue and dispatches each event to every
// registered sink in order.
type Bus struct {
	logger ports.Logger
	sinks  []Sink

	queue chan domain.Event
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

var _ ports.Notifier = (*Bus)(nil)

// NewBus creates and starts the event bus. Call Close to drain and stop it.
func NewBus(logger ports.Logger, sinks ...Sink) *Bus {
	b := &Bus{
		logger: logger,
		sinks:  sinks,
		queue:  make(chan domain.Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Publish enqueues an event without blocking. If the queue is full the event
// is dropped; notifications are best-effort, trade state never depends on
// them.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- event:
	default:
		b.logger.Warn(ctx, "Notification queue full, dropping event", map[string]interface{}{
			"type": event.Type, "symbol": event.Symbol,
		})
	}
}

// Close stops accepting events, drains what is already queued and waits for
// the dispatcher to finish. The queue channel is never closed: Publish may
// race with Close, and a send on a closed channel would panic.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
	})
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-b.done:
			// Deliver whatever made it into the queue before shutdown.
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, sink := range b.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			b.logger.Warn(ctx, "Notification delivery failed", map[string]interface{}{
				"sink": sink.Name(), "type": event.Type, "error": err.Error(),
			})
		}
	}
}
