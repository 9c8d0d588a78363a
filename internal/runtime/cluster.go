package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/invoker"
	"github.com/stagerun-org/stagerun/internal/store"
)

const (
	clusterPollInterval  = 100 * time.Millisecond
	clusterResultTimeout = 1200 * time.Second
)

// ErrStageFailed is returned when a cluster stage reports an Err envelope.
var ErrStageFailed = errors.New("runtime: stage execution failed")

// ClusterConfig wires the cluster backend into one workflow namespace.
type ClusterConfig struct {
	Namespace string
	Schedule  map[string]invocation.Address
	TransMode invocation.TransportMode
	Store     store.Store
	Invoker   *invoker.Invoker

	RemoteCallTimeout time.Duration
	PostRatio         float64
	// ResultTimeout bounds the wait for a dispatched stage's result.
	ResultTimeout time.Duration
}

// Cluster dispatches stages to their scheduled workers and polls the shared
// Store for results. This is the transport the controller's engines use.
type Cluster struct {
	cfg ClusterConfig
}

// NewCluster builds the cluster backend.
func NewCluster(cfg ClusterConfig) *Cluster {
	if cfg.Invoker == nil {
		cfg.Invoker = invoker.New()
	}
	if cfg.ResultTimeout <= 0 {
		cfg.ResultTimeout = clusterResultTimeout
	}
	return &Cluster{cfg: cfg}
}

var _ Backend = (*Cluster)(nil)

func (b *Cluster) dispatch(ctx context.Context, stage string, params map[string]any) (*invocation.Metadata, error) {
	md, err := invocation.New(invocation.Config{
		Namespace:         b.cfg.Namespace,
		Stage:             stage,
		Schedule:          b.cfg.Schedule,
		TransMode:         b.cfg.TransMode,
		Params:            params,
		Store:             b.cfg.Store,
		Invoker:           b.cfg.Invoker,
		RemoteCallTimeout: b.cfg.RemoteCallTimeout,
		PostRatio:         b.cfg.PostRatio,
	})
	if err != nil {
		return nil, err
	}
	if err := md.RemoteCall(ctx); err != nil {
		return nil, err
	}
	return md, nil
}

func (b *Cluster) Call(ctx context.Context, stage string, params map[string]any) (any, error) {
	md, err := b.dispatch(ctx, stage, params)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(b.cfg.ResultTimeout)
	for !md.FetchRetval(ctx) {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("runtime: stage %s produced no result within %s", stage, b.cfg.ResultTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(clusterPollInterval):
		}
	}

	result, err := md.Reply()
	if err != nil {
		return nil, err
	}
	if !result.Ok {
		return nil, fmt.Errorf("%w: %s: %s", ErrStageFailed, stage, result.Error)
	}
	var value any
	if len(result.Value) > 0 {
		if err := json.Unmarshal(result.Value, &value); err != nil {
			return nil, fmt.Errorf("runtime: decode %s result: %w", stage, err)
		}
	}
	return value, nil
}

// Tell dispatches the stage without awaiting its result. The returned thunk
// is a no-op.
func (b *Cluster) Tell(ctx context.Context, stage string, params map[string]any) (Thunk, error) {
	if _, err := b.dispatch(ctx, stage, params); err != nil {
		return nil, err
	}
	return noopThunk, nil
}

func (b *Cluster) Storage() store.Store { return b.cfg.Store }
