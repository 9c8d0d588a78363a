package durable

import (
	"context"
	"sync"
)

// WaitingResult is the handle returned when an orchestrator suspends: the
// caller blocks on it until the instance completes. Each handle delivers
// its value exactly once per waiter queue slot.
type WaitingResult struct {
	ch chan any
}

func newWaitingResult() *WaitingResult {
	return &WaitingResult{ch: make(chan any, 1)}
}

// Wait blocks until the orchestrator's final result arrives.
func (w *WaitingResult) Wait(ctx context.Context) (any, error) {
	select {
	case v := <-w.ch:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ResultHub routes completion values to the callers awaiting an
// orchestrator instance.
type ResultHub struct {
	mu      sync.Mutex
	waiting map[string]*WaitingResult
}

// NewResultHub returns an empty hub.
func NewResultHub() *ResultHub {
	return &ResultHub{waiting: map[string]*WaitingResult{}}
}

// For returns the waiting handle for an instance, creating it on first use.
func (h *ResultHub) For(instanceID string) *WaitingResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.waiting[instanceID]
	if !ok {
		w = newWaitingResult()
		h.waiting[instanceID] = w
	}
	return w
}

// Deliver posts the instance's final value. A second delivery for the same
// instance is dropped.
func (h *ResultHub) Deliver(instanceID string, value any) {
	h.mu.Lock()
	w, ok := h.waiting[instanceID]
	if !ok {
		w = newWaitingResult()
		h.waiting[instanceID] = w
	}
	h.mu.Unlock()
	select {
	case w.ch <- value:
	default:
	}
}
