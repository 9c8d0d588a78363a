package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/stagerun-org/stagerun/internal/store"
)

// ErrSuspend is the signal, not an error, that the current action cannot
// complete synchronously. It unwinds the orchestrator function to its
// driver, which checkpoints the log and hands back a WaitingResult.
var ErrSuspend = errors.New("durable: suspended on a pending action")

// Backend dispatches the orchestrator's outbound invocations. A Call that
// cannot return synchronously reports ErrSuspend.
type Backend interface {
	Call(ctx context.Context, stage string, params map[string]any) (any, error)
	Tell(ctx context.Context, stage string, params map[string]any) error
}

// Runtime is the call/tell interface handed to an orchestrator function.
// Every invocation consults the action log first, so a replayed run skips
// completed work and returns cached results without contacting the backend.
type Runtime struct {
	state      *State
	store      store.Store
	backend    Backend
	instanceID string
	pc         int
}

// InstanceID returns the stable id of this orchestrator instance.
func (r *Runtime) InstanceID() string { return r.instanceID }

// Call invokes a stage and returns its result. On replay a completed
// action returns its cached value; a pending action at the head suspends.
func (r *Runtime) Call(ctx context.Context, stage string, params map[string]any) (any, error) {
	return r.step(ctx, KindCall, stage, params)
}

// Tell fires a stage without awaiting a value. The action is logged like a
// call so replays do not re-send it.
func (r *Runtime) Tell(ctx context.Context, stage string, params map[string]any) error {
	_, err := r.step(ctx, KindTell, stage, params)
	return err
}

func (r *Runtime) step(ctx context.Context, kind, stage string, params map[string]any) (any, error) {
	i := r.pc
	r.pc++

	if i < len(r.state.Actions) {
		action := r.state.Actions[i]
		switch action.Status {
		case StatusCompleted:
			return action.Result, nil
		case StatusPending:
			// exactly one pending action sits at the head when suspended
			return nil, ErrSuspend
		default:
			return nil, fmt.Errorf("durable: action %d against %s previously failed", i, action.Target)
		}
	}

	r.state.Actions = append(r.state.Actions, Action{
		PC:     i,
		Kind:   kind,
		Target: stage,
		Params: params,
		Status: StatusPending,
	})
	if err := r.state.Store(ctx, r.store, r.instanceID); err != nil {
		return nil, err
	}

	var result any
	var err error
	if kind == KindTell {
		err = r.backend.Tell(ctx, stage, params)
	} else {
		result, err = r.backend.Call(ctx, stage, params)
	}
	if errors.Is(err, ErrSuspend) {
		return nil, ErrSuspend
	}
	if err != nil {
		r.state.Actions[i].Status = StatusFailed
		if storeErr := r.state.Store(ctx, r.store, r.instanceID); storeErr != nil {
			return nil, storeErr
		}
		return nil, err
	}

	r.state.Actions[i].Status = StatusCompleted
	r.state.Actions[i].Result = result
	r.state.TaskPC = i + 1
	if err := r.state.Store(ctx, r.store, r.instanceID); err != nil {
		return nil, err
	}
	return result, nil
}
