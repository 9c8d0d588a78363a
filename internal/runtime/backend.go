// Package runtime provides the backend adapters that realize call, tell and
// storage over a concrete transport: inline local execution, the cluster
// controller/worker path, or a vendor FaaS endpoint.
package runtime

import (
	"context"

	"github.com/stagerun-org/stagerun/internal/durable"
	"github.com/stagerun-org/stagerun/internal/store"
)

// Thunk is a deferred stage execution returned by Tell. Backends that
// dispatch eagerly return a no-op thunk.
type Thunk func(ctx context.Context) (any, error)

func noopThunk(context.Context) (any, error) { return nil, nil }

// Backend realizes stage invocation over one transport. Call blocks for the
// stage's value; Tell schedules without awaiting one.
type Backend interface {
	Call(ctx context.Context, stage string, params map[string]any) (any, error)
	Tell(ctx context.Context, stage string, params map[string]any) (Thunk, error)
	Storage() store.Store
}

// durableBackend bridges a Backend to the durable runtime, which wants a
// fire-and-forget Tell.
type durableBackend struct {
	b Backend
}

// AsDurable adapts a Backend for the durable orchestrator runtime. Tell
// thunks are invoked immediately, matching the durable log's dispatch point.
func AsDurable(b Backend) durable.Backend {
	return durableBackend{b: b}
}

func (d durableBackend) Call(ctx context.Context, stage string, params map[string]any) (any, error) {
	return d.b.Call(ctx, stage, params)
}

func (d durableBackend) Tell(ctx context.Context, stage string, params map[string]any) error {
	thunk, err := d.b.Tell(ctx, stage, params)
	if err != nil {
		return err
	}
	_, err = thunk(ctx)
	return err
}
