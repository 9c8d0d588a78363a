package runtime

import (
	"context"
	"fmt"

	"github.com/stagerun-org/stagerun/internal/store"
	"github.com/stagerun-org/stagerun/internal/workflow"
)

// LocalOnce runs every stage inline in the calling goroutine. A nested DAG
// in the callee evaluates to completion before Call returns. Storage is the
// lock-file disk store, so separate processes on one host observe the same
// keys.
type LocalOnce struct {
	routes *workflow.RouteTable
	store  store.Store
}

// NewLocalOnce builds the inline backend over a route table and a store.
func NewLocalOnce(routes *workflow.RouteTable, st store.Store) *LocalOnce {
	return &LocalOnce{routes: routes, store: st}
}

var _ Backend = (*LocalOnce)(nil)

func (b *LocalOnce) Call(ctx context.Context, stage string, params map[string]any) (any, error) {
	h, err := b.routes.Route(stage)
	if err != nil {
		return nil, err
	}
	result, err := h(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("runtime: stage %s: %w", stage, err)
	}
	return result, nil
}

// Tell defers the handler behind a thunk. Nothing runs until the thunk is
// invoked.
func (b *LocalOnce) Tell(_ context.Context, stage string, params map[string]any) (Thunk, error) {
	h, err := b.routes.Route(stage)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) (any, error) {
		return h(ctx, params)
	}, nil
}

func (b *LocalOnce) Storage() store.Store { return b.store }
