// Package registry maps handler names to the HandlerFunc the worker pool
// invokes for them (§4.2), and watches the configured handler directories
// with fsnotify so a file change is picked up without restarting the
// process. Reads are wait-free: lookups load an atomically-swapped map, so
// an in-flight dequeue is never blocked by a reload in progress.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pytake/orchestrator/internal/logger"
	"github.com/pytake/orchestrator/internal/queue"
)

// Loader builds the full set of named handlers from the configured source
// directories. The concrete loader (Go plugin, scripting runtime, or in
// this repo's case, the Lua script loader and built-ins from
// internal/handlers plus the webhook delivery handler, combined in
// cmd/api) is supplied by the caller; the registry only owns registration, the
// disabled-handler filter, and the reload trigger.
type Loader func() (map[string]queue.HandlerFunc, error)

type Registry struct {
	load     Loader
	disabled map[string]bool
	log      *logger.Logger

	current atomic.Value // map[string]queue.HandlerFunc

	watcher     *fsnotify.Watcher
	debounce    time.Duration
	mu          sync.Mutex
	reloadTimer *time.Timer
	stopCh      chan struct{}
}

func New(load Loader, disabledHandlers []string, debounceMs int, log *logger.Logger) *Registry {
	disabled := make(map[string]bool, len(disabledHandlers))
	for _, name := range disabledHandlers {
		disabled[name] = true
	}
	if debounceMs <= 0 {
		debounceMs = 300
	}
	r := &Registry{
		load:     load,
		disabled: disabled,
		log:      log,
		debounce: time.Duration(debounceMs) * time.Millisecond,
		stopCh:   make(chan struct{}),
	}
	r.current.Store(map[string]queue.HandlerFunc{})
	return r
}

// Lookup satisfies queue.HandlerLookup.
func (r *Registry) Lookup(name string) (queue.HandlerFunc, bool) {
	handlers := r.current.Load().(map[string]queue.HandlerFunc)
	h, ok := handlers[name]
	return h, ok
}

// LoadOnce performs the initial load synchronously so the worker pool never
// starts against an empty registry.
func (r *Registry) LoadOnce() error {
	return r.reload()
}

func (r *Registry) reload() error {
	handlers, err := r.load()
	if err != nil {
		return err
	}
	filtered := make(map[string]queue.HandlerFunc, len(handlers))
	for name, h := range handlers {
		if r.disabled[name] {
			continue
		}
		filtered[name] = h
	}
	r.current.Store(filtered)
	r.log.Info("handler registry reloaded", "count", len(filtered))
	return nil
}

// Watch starts an fsnotify watcher on dirs and debounces bursts of writes
// (editors frequently emit several events per save) into a single reload.
func (r *Registry) Watch(dirs []string) error {
	if len(dirs) == 0 {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = w

	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			r.log.Warn("registry: failed to watch directory", "dir", dir, "error", err)
		}
	}

	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			r.scheduleReload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Error("registry: watcher error", "error", err)
		}
	}
}

func (r *Registry) scheduleReload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reloadTimer != nil {
		r.reloadTimer.Stop()
	}
	r.reloadTimer = time.AfterFunc(r.debounce, func() {
		if err := r.reload(); err != nil {
			r.log.Error("registry: reload failed", "error", err)
		}
	})
}

func (r *Registry) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}
