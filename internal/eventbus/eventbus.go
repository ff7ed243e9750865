// Package eventbus bridges broker activity (internal/queue.Event) to every
// in-process consumer that subscribes to it: in cmd/api these are the
// webhook dispatcher and the realtime hub (§4.4); the flow coordinator is
// notified by the worker pool's OnFlowTerminal hook instead. Each consumer gets its
// own bounded channel so a slow subscriber can never block job processing;
// progress and delta events are dropped under backpressure, terminal
// events (completed/failed) are never dropped.
package eventbus

import (
	"sync"

	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/queue"
)

const subscriberBuffer = 512

type Bus struct {
	log *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]chan queue.Event
}

func New(log *logger.Logger) *Bus {
	return &Bus{
		log:         log,
		subscribers: make(map[string]chan queue.Event),
	}
}

// Subscribe registers a named consumer and returns its event channel. Name
// collisions replace the previous subscription; the replaced channel is not
// closed.
func (b *Bus) Subscribe(name string) <-chan queue.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan queue.Event, subscriberBuffer)
	b.subscribers[name] = ch
	return ch
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[name]; ok {
		close(ch)
		delete(b.subscribers, name)
	}
}

// Pump reads every event the broker emits for queueName and fans it out to
// all current subscribers. One goroutine per watched queue, grounded on the
// broker's Events(queue) channel.
func (b *Bus) Pump(broker queue.Broker, queueName string) {
	for ev := range broker.Events(queueName) {
		b.fanOut(ev)
	}
}

func (b *Bus) fanOut(ev queue.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	terminal := ev.Kind == queue.EventCompleted || ev.Kind == queue.EventFailed

	for name, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			if !terminal {
				continue
			}
			// Drain one slot to make room for the terminal event; the
			// drained entry is the oldest queued one, whatever its kind.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
				b.log.Warn("eventbus: subscriber still full after drain, dropping terminal event", "subscriber", name, "jobId", ev.JobID)
			}
		}
	}
}
