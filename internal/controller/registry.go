package controller

import (
	"context"
	"errors"
	"sync"
)

var ErrNotRunning = errors.New("workflow not running in this process")

// handle is the live pause/cancel surface of one running workflow.
type handle struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	cancel context.CancelFunc
}

func newHandle(cancel context.CancelFunc) *handle {
	h := &handle{cancel: cancel}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *handle) pause() {
	h.mu.Lock()
	h.paused = true
	h.mu.Unlock()
}

func (h *handle) resume() {
	h.mu.Lock()
	h.paused = false
	h.mu.Unlock()
	h.cond.Broadcast()
}

func (h *handle) cancelRun() {
	h.cancel()
	h.cond.Broadcast()
}

func (h *handle) isPaused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// await blocks while the run is paused. Cancellation wins over pause: a
// cancelled context returns its error even mid-pause.
func (h *handle) await(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.paused {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.cond.Wait()
	}
	return ctx.Err()
}

// Registry tracks workflows running in this process so pause, resume and
// cancel requests can reach them.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*handle
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*handle)}
}

func (r *Registry) add(id string, h *handle) {
	r.mu.Lock()
	r.runs[id] = h
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.runs, id)
	r.mu.Unlock()
}

func (r *Registry) lookup(id string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[id]
	return h, ok
}

func (r *Registry) Pause(id string) error {
	h, ok := r.lookup(id)
	if !ok {
		return ErrNotRunning
	}
	h.pause()
	return nil
}

func (r *Registry) Resume(id string) error {
	h, ok := r.lookup(id)
	if !ok {
		return ErrNotRunning
	}
	h.resume()
	return nil
}

func (r *Registry) Cancel(id string) error {
	h, ok := r.lookup(id)
	if !ok {
		return ErrNotRunning
	}
	h.cancelRun()
	return nil
}
