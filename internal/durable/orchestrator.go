package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/store"
)

// Func is a sequential user orchestrator: it issues calls and tells
// through the Runtime and returns the workflow's final value. It must be
// deterministic given the same action log.
type Func func(ctx context.Context, r *Runtime, input map[string]any) (any, error)

// Outcome is what one orchestrator invocation produced: either a final
// value, or a waiting handle when the instance suspended.
type Outcome struct {
	InstanceID string
	Value      any
	Waiting    *WaitingResult
}

// Suspended reports whether the instance is awaiting a pending action.
func (o Outcome) Suspended() bool { return o.Waiting != nil }

// Orchestrator drives a durable function: it loads the instance's action
// log, replays the user function over it, checkpoints on every boundary,
// and delivers the final value to anyone holding a WaitingResult.
type Orchestrator struct {
	fn      Func
	store   store.Store
	backend Backend
	hub     *ResultHub
}

// NewOrchestrator wires a durable function to its store and backend.
func NewOrchestrator(fn Func, st store.Store, backend Backend) *Orchestrator {
	return &Orchestrator{fn: fn, store: st, backend: backend, hub: NewResultHub()}
}

// Hub exposes the result hub so external completion paths can deliver.
func (o *Orchestrator) Hub() *ResultHub { return o.hub }

// Invoke runs the orchestrator for one event. A fresh instance id is
// minted unless the event carries `instanceId`.
func (o *Orchestrator) Invoke(ctx context.Context, event map[string]any) (Outcome, error) {
	instanceID, _ := event["instanceId"].(string)
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return o.run(ctx, instanceID, event)
}

// Resume completes the suspension-point action with the arriving value and
// replays the user function from the top.
func (o *Orchestrator) Resume(ctx context.Context, instanceID string, value any) (Outcome, error) {
	state, fresh, err := LoadState(ctx, o.store, instanceID)
	if err != nil {
		return Outcome{}, err
	}
	if fresh {
		return Outcome{}, fmt.Errorf("durable: resume of unknown instance %s", instanceID)
	}
	if state.TaskPC >= len(state.Actions) {
		return Outcome{}, fmt.Errorf("durable: instance %s has no pending action to resume", instanceID)
	}
	state.Actions[state.TaskPC].Status = StatusCompleted
	state.Actions[state.TaskPC].Result = value
	state.TaskPC++
	if err := state.Store(ctx, o.store, instanceID); err != nil {
		return Outcome{}, err
	}
	return o.replay(ctx, instanceID, state)
}

func (o *Orchestrator) run(ctx context.Context, instanceID string, event map[string]any) (Outcome, error) {
	state, _, err := LoadState(ctx, o.store, instanceID)
	if err != nil {
		return Outcome{}, err
	}
	if state.Done {
		return Outcome{InstanceID: instanceID, Value: state.FinalResult}, nil
	}
	if state.Input == nil {
		state.Input = event
	}
	return o.replay(ctx, instanceID, state)
}

func (o *Orchestrator) replay(ctx context.Context, instanceID string, state *State) (Outcome, error) {
	rt := &Runtime{state: state, store: o.store, backend: o.backend, instanceID: instanceID}

	result, err := o.fn(ctx, rt, state.Input)
	if errors.Is(err, ErrSuspend) {
		logger.Debug(ctx, "Orchestrator suspended", "instance", instanceID, "taskpc", state.TaskPC)
		if storeErr := state.Store(ctx, o.store, instanceID); storeErr != nil {
			return Outcome{}, storeErr
		}
		return Outcome{InstanceID: instanceID, Waiting: o.hub.For(instanceID)}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	state.Done = true
	state.FinalResult = result
	if err := state.Store(ctx, o.store, instanceID); err != nil {
		return Outcome{}, err
	}
	o.hub.Deliver(instanceID, result)
	logger.Debug(ctx, "Orchestrator finished", "instance", instanceID, "actions", len(state.Actions))
	return Outcome{InstanceID: instanceID, Value: result}, nil
}
