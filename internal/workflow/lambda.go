package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrBadOperand is returned by the built-in combinators when a value does
// not support the requested operation.
var ErrBadOperand = errors.New("workflow: operand does not support this operation")

// Lambda is a lazy handle for a value produced by the workflow graph. All
// combinators emit new graph nodes and return a fresh handle; nothing is
// computed until Execute runs.
type Lambda struct {
	wf *Workflow
	id LambdaID
}

// ElemFunc is the per-element callable used by Map and Join.
type ElemFunc func(ctx context.Context, elem any) (any, error)

// Value returns the realized value, available only after Execute.
func (l *Lambda) Value() (any, bool) {
	slot := l.wf.dag.lambdas[l.id]
	return slot.value, slot.set
}

func (l *Lambda) dataNode() DataID {
	if node := l.wf.dag.lambdas[l.id].node; node != noNode {
		return node
	}
	return l.wf.dag.newDataNode(l.id)
}

// unary emits a one-input control node over this handle.
func (l *Lambda) unary(name string, fn func(ctx context.Context, v any) (any, error)) *Lambda {
	ctrl := l.wf.dag.newControlNode(name, func(ctx context.Context, args map[string]any) (any, error) {
		return fn(ctx, args["0"])
	})
	l.wf.dag.bindInput(ctrl, "0", l.dataNode())
	return l.wf.attachResult(ctrl)
}

// Map produces the list [fn(x) for x in self].
func (l *Lambda) Map(fn ElemFunc) *Lambda {
	return l.unary("map", func(ctx context.Context, v any) (any, error) {
		elems, err := asSlice(v)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(elems))
		for _, elem := range elems {
			r, err := fn(ctx, elem)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	})
}

// Fork splits a sequence into ceil(len/n) contiguous chunks of at most n
// elements each.
func (l *Lambda) Fork(n int) *Lambda {
	return l.unary("fork", func(_ context.Context, v any) (any, error) {
		if n <= 0 {
			return nil, fmt.Errorf("%w: fork size %d", ErrBadOperand, n)
		}
		elems, err := asSlice(v)
		if err != nil {
			return nil, err
		}
		chunks := make([]any, 0, (len(elems)+n-1)/n)
		for start := 0; start < len(elems); start += n {
			end := min(start+n, len(elems))
			chunks = append(chunks, elems[start:end])
		}
		return chunks, nil
	})
}

// Join flattens a list of sequences and applies fn to the flattened list.
func (l *Lambda) Join(fn ElemFunc) *Lambda {
	return l.unary("join", func(ctx context.Context, v any) (any, error) {
		groups, err := asSlice(v)
		if err != nil {
			return nil, err
		}
		var flat []any
		for _, group := range groups {
			elems, err := asSlice(group)
			if err != nil {
				return nil, err
			}
			flat = append(flat, elems...)
		}
		return fn(ctx, flat)
	})
}

// Index projects self[k]; k may be a literal or another Lambda. String keys
// index maps, integer keys index sequences.
func (l *Lambda) Index(key any) *Lambda {
	ctrl := l.wf.dag.newControlNode("index", func(_ context.Context, args map[string]any) (any, error) {
		return indexValue(args["0"], args["1"])
	})
	l.wf.dag.bindInput(ctrl, "0", l.dataNode())
	l.wf.dag.bindInput(ctrl, "1", l.wf.lift(key).dataNode())
	return l.wf.attachResult(ctrl)
}

// Project is Index with a field name. Method-style attribute access is
// always explicit.
func (l *Lambda) Project(name string) *Lambda { return l.Index(name) }

// Add emits a two-input node computing self + other. Numbers add, strings
// and sequences concatenate.
func (l *Lambda) Add(other any) *Lambda {
	ctrl := l.wf.dag.newControlNode("add", func(_ context.Context, args map[string]any) (any, error) {
		return addValues(args["0"], args["1"])
	})
	l.wf.dag.bindInput(ctrl, "0", l.dataNode())
	l.wf.dag.bindInput(ctrl, "1", l.wf.lift(other).dataNode())
	return l.wf.attachResult(ctrl)
}

// asSlice coerces a realized value to []any. Typed slices from in-process
// handlers are widened element by element.
func asSlice(v any) ([]any, error) {
	if elems, ok := v.([]any); ok {
		return elems, nil
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%w: %T is not a sequence", ErrBadOperand, v)
	}
	elems := make([]any, rv.Len())
	for i := range elems {
		elems[i] = rv.Index(i).Interface()
	}
	return elems, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func addValues(a, b any) (any, error) {
	if x, ok := asFloat(a); ok {
		y, ok := asFloat(b)
		if !ok {
			return nil, fmt.Errorf("%w: %T + %T", ErrBadOperand, a, b)
		}
		return x + y, nil
	}
	if x, ok := a.(string); ok {
		y, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %T + %T", ErrBadOperand, a, b)
		}
		return x + y, nil
	}
	if xs, err := asSlice(a); err == nil {
		ys, err := asSlice(b)
		if err != nil {
			return nil, err
		}
		return append(append([]any{}, xs...), ys...), nil
	}
	return nil, fmt.Errorf("%w: %T + %T", ErrBadOperand, a, b)
}

func indexValue(container, key any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map indexed with %T", ErrBadOperand, key)
		}
		v, ok := c[k]
		if !ok {
			return nil, fmt.Errorf("%w: no key %q", ErrBadOperand, k)
		}
		return v, nil
	}
	elems, err := asSlice(container)
	if err != nil {
		return nil, err
	}
	idx, ok := asFloat(key)
	if !ok {
		return nil, fmt.Errorf("%w: sequence indexed with %T", ErrBadOperand, key)
	}
	i := int(idx)
	if i < 0 || i >= len(elems) {
		return nil, fmt.Errorf("%w: index %d out of range %d", ErrBadOperand, i, len(elems))
	}
	return elems[i], nil
}
