package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/pytake/orchestrator/internal/queue"
)

// Builtins are handlers compiled into the binary rather than loaded from a
// script directory. LoadDirectories always includes them, so these names
// exist regardless of the configured handler directories.
func Builtins() map[string]queue.HandlerFunc {
	return map[string]queue.HandlerFunc{
		"noop":    noopHandler,
		"echo":    echoHandler,
		"sleep":   sleepHandler,
		"failing": failingHandler,
	}
}

func noopHandler(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
	return map[string]interface{}{"ok": true}, nil
}

func echoHandler(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
	updateProgress(map[string]interface{}{"stage": "echoing"})
	return map[string]interface{}{"echo": job.Payload, "serialized": marshalJSON(job.Payload)}, nil
}

// sleepHandler reads payload.durationMs (default 100ms), reporting
// percentage progress at four checkpoints — useful for exercising the
// realtime fan-out and flow progress aggregation end to end.
func sleepHandler(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
	durationMs := 100.0
	if v, ok := job.Payload["durationMs"].(float64); ok && v > 0 {
		durationMs = v
	}
	step := time.Duration(durationMs/4) * time.Millisecond

	for i := 1; i <= 4; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(step):
		}
		updateProgress(i * 25)
	}
	return map[string]interface{}{"sleptMs": durationMs}, nil
}

func failingHandler(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
	reason := "intentional failure"
	if v, ok := job.Payload["reason"].(string); ok && v != "" {
		reason = v
	}
	return nil, fmt.Errorf("%s", reason)
}
