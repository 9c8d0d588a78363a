package workflow

import (
	"context"
	"fmt"
)

// CallFunc invokes a named stage through the active backend and returns its
// result value.
type CallFunc func(ctx context.Context, stage string, params map[string]any) (any, error)

// Workflow accumulates a DAG of stage invocations and pure-function nodes,
// then evaluates it against one input event.
type Workflow struct {
	dag      *DAG
	call     CallFunc
	inputs   map[string]*Lambda
	defaults map[string]any
	terminal DataID
}

// New creates an empty workflow whose Call nodes dispatch through callFn.
func New(callFn CallFunc) *Workflow {
	return &Workflow{
		dag:      newDAG(),
		call:     callFn,
		inputs:   map[string]*Lambda{},
		defaults: map[string]any{},
		terminal: noNode,
	}
}

// EventSource exposes the workflow's input parameters as Lambdas.
type EventSource struct{ wf *Workflow }

// Event returns the workflow-input accessor.
func (w *Workflow) Event() *EventSource { return &EventSource{wf: w} }

// Get returns the input Lambda for key, creating it on first access. An
// optional default value is used when the triggering event omits the key.
func (e *EventSource) Get(key string, defaultVal ...any) *Lambda {
	w := e.wf
	if ld, ok := w.inputs[key]; ok {
		return ld
	}
	ld := &Lambda{wf: w, id: w.dag.newLambda(nil, false)}
	w.dag.newDataNode(ld.id)
	w.inputs[key] = ld
	if len(defaultVal) > 0 {
		w.defaults[key] = defaultVal[0]
	}
	return ld
}

// lift wraps a literal in a fresh Lambda; an existing Lambda passes through.
func (w *Workflow) lift(v any) *Lambda {
	if ld, ok := v.(*Lambda); ok {
		return ld
	}
	ld := &Lambda{wf: w, id: w.dag.newLambda(v, true)}
	w.dag.newDataNode(ld.id)
	return ld
}

// attachResult gives a control node a fresh output data node and returns
// its Lambda handle.
func (w *Workflow) attachResult(ctrl CtrlID) *Lambda {
	ld := &Lambda{wf: w, id: w.dag.newLambda(nil, false)}
	out := w.dag.newDataNode(ld.id)
	w.dag.bindOutput(ctrl, out)
	return ld
}

// Call emits a node that invokes the named stage with the collected params.
// Param values may be literals or Lambdas.
func (w *Workflow) Call(stage string, params map[string]any) *Lambda {
	ctrl := w.dag.newControlNode(stage, func(ctx context.Context, args map[string]any) (any, error) {
		return w.call(ctx, stage, args)
	})
	for key, v := range params {
		w.dag.bindInput(ctrl, key, w.lift(v).dataNode())
	}
	return w.attachResult(ctrl)
}

// Func emits a node running fn over the collected params, with the same
// Lambda-or-literal discipline as Call.
func (w *Workflow) Func(name string, fn CalcFunc, params map[string]any) *Lambda {
	ctrl := w.dag.newControlNode(name, fn)
	for key, v := range params {
		w.dag.bindInput(ctrl, key, w.lift(v).dataNode())
	}
	return w.attachResult(ctrl)
}

// Exec invokes a stage immediately through the backend, bypassing the
// graph. Used from inside Map and Join element functions.
func (w *Workflow) Exec(ctx context.Context, stage string, params map[string]any) (any, error) {
	return w.call(ctx, stage, params)
}

// EndWith marks ld's data node as the workflow result.
func (w *Workflow) EndWith(ld *Lambda) {
	node := ld.dataNode()
	if w.terminal != noNode {
		w.dag.datas[w.terminal].terminal = false
	}
	w.dag.datas[node].terminal = true
	w.terminal = node
}

// Execute binds the input Lambdas from event (falling back to declared
// defaults) and evaluates the DAG to the terminal value.
func (w *Workflow) Execute(ctx context.Context, event map[string]any) (any, error) {
	for key, ld := range w.inputs {
		node := w.dag.lambdas[ld.id].node
		if v, ok := event[key]; ok {
			w.dag.setValue(node, v)
			continue
		}
		if v, ok := w.defaults[key]; ok {
			w.dag.setValue(node, v)
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingInput, key)
	}
	return w.dag.run(ctx)
}
