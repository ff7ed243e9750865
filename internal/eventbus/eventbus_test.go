package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/queue"
)

type fixedLookup map[string]queue.HandlerFunc

func (f fixedLookup) Lookup(name string) (queue.HandlerFunc, bool) {
	h, ok := f[name]
	return h, ok
}

func setupBroker(t *testing.T) *queue.RedisBroker {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return queue.NewRedisBroker(client, "test", logger.New("error"))
}

func TestBus_SubscribeAndPump_DeliversTerminalEvent(t *testing.T) {
	broker := setupBroker(t)
	bus := New(logger.New("error"))
	ch := bus.Subscribe("consumer-1")
	go bus.Pump(broker, "jobQueue")

	ctx := context.Background()
	id, err := broker.Enqueue(ctx, "jobQueue", "send-email", map[string]interface{}{"userId": "u1"}, queue.Options{})
	require.NoError(t, err)

	handler := func(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}
	pool := queue.NewPool(broker, fixedLookup{"send-email": handler}, map[string]int{"jobQueue": 1}, logger.New("error"))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(runCtx)
	t.Cleanup(pool.Stop)

	// The active event for the job is fanned out first; skip it and check
	// the terminal event that follows.
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == queue.EventActive {
				continue
			}
			assert.Equal(t, queue.EventCompleted, ev.Kind)
			assert.Equal(t, id, ev.JobID)
			return
		case <-timeout:
			t.Fatal("timed out waiting for fanned-out event")
		}
	}
}

func TestBus_Unsubscribe_ClosesChannel(t *testing.T) {
	bus := New(logger.New("error"))
	ch := bus.Subscribe("consumer-1")

	bus.Unsubscribe("consumer-1")

	_, open := <-ch
	assert.False(t, open)
}

func TestBus_Unsubscribe_StopsFurtherDelivery(t *testing.T) {
	bus := New(logger.New("error"))
	bus.Subscribe("consumer-1")
	bus.Unsubscribe("consumer-1")

	bus.fanOut(queue.Event{JobID: "job-1", Kind: queue.EventCompleted})

	bus.mu.RLock()
	defer bus.mu.RUnlock()
	assert.Empty(t, bus.subscribers)
}

func TestBus_FanOut_DropsProgressUnderBackpressureButKeepsTerminal(t *testing.T) {
	bus := New(logger.New("error"))
	ch := bus.Subscribe("slow-consumer")

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.fanOut(queue.Event{JobID: "job-1", Kind: queue.EventProgress})
	}
	bus.fanOut(queue.Event{JobID: "job-1", Kind: queue.EventCompleted})

	var last queue.Event
	for {
		select {
		case ev := <-ch:
			last = ev
			continue
		default:
		}
		break
	}
	assert.Equal(t, queue.EventCompleted, last.Kind)
}
