package workflow

import (
	"context"
	"errors"
	"fmt"
)

// DataID and CtrlID index into the DAG arena. Their lifetime is the
// lifetime of the owning DAG.
type (
	DataID   int
	CtrlID   int
	LambdaID int
)

const noNode = -1

var (
	// ErrMissingInput is returned by Execute when a workflow input has
	// neither an event value nor a declared default.
	ErrMissingInput = errors.New("workflow: missing input")
	// ErrStalled is returned when evaluation drains without reaching the
	// terminal value, which means the graph has a cycle or an unbound root.
	ErrStalled = errors.New("workflow: evaluation stalled before the terminal node")
	// ErrNoTerminal is returned by Execute when EndWith was never called.
	ErrNoTerminal = errors.New("workflow: no terminal node")
)

// CalcFunc is the callable of a control node: a pure computation over its
// bound arguments.
type CalcFunc func(ctx context.Context, args map[string]any) (any, error)

// lambdaSlot holds one lazy value. Once set it is never overwritten.
type lambdaSlot struct {
	value any
	set   bool
	node  DataID
}

type dataNode struct {
	lambda   LambdaID
	ready    bool
	terminal bool
	pred     CtrlID // producing control node, noNode for roots
	succs    []CtrlID
}

type controlNode struct {
	fn      CalcFunc
	name    string
	argKeys []string // argument key per input slot, parallel to inputs
	inputs  []DataID
	out     DataID
	bound   map[string]any
	fired   bool
}

// DAG is an arena of data and control nodes. All cross-references are
// indices, never pointers.
type DAG struct {
	datas   []dataNode
	ctrls   []controlNode
	lambdas []lambdaSlot
}

func newDAG() *DAG { return &DAG{} }

func (d *DAG) newLambda(value any, set bool) LambdaID {
	d.lambdas = append(d.lambdas, lambdaSlot{value: value, set: set, node: noNode})
	return LambdaID(len(d.lambdas) - 1)
}

func (d *DAG) newDataNode(ld LambdaID) DataID {
	id := DataID(len(d.datas))
	d.datas = append(d.datas, dataNode{lambda: ld, ready: d.lambdas[ld].set, pred: noNode})
	d.lambdas[ld].node = id
	return id
}

func (d *DAG) newControlNode(name string, fn CalcFunc) CtrlID {
	d.ctrls = append(d.ctrls, controlNode{fn: fn, name: name, out: noNode, bound: map[string]any{}})
	return CtrlID(len(d.ctrls) - 1)
}

// bindInput wires a data node as the argument `key` of a control node.
func (d *DAG) bindInput(ctrl CtrlID, key string, data DataID) {
	d.datas[data].succs = append(d.datas[data].succs, ctrl)
	c := &d.ctrls[ctrl]
	c.inputs = append(c.inputs, data)
	c.argKeys = append(c.argKeys, key)
}

// bindOutput wires a control node's result data node.
func (d *DAG) bindOutput(ctrl CtrlID, data DataID) {
	d.ctrls[ctrl].out = data
	d.datas[data].pred = ctrl
}

func (d *DAG) setValue(data DataID, value any) {
	slot := &d.lambdas[d.datas[data].lambda]
	if slot.set {
		return
	}
	slot.value = value
	slot.set = true
	d.datas[data].ready = true
}

// run evaluates the graph with a FIFO worklist. Data nodes wake their
// successor control nodes; a control node fires once every argument slot is
// bound, writes its output data node, and re-enters the queue through it.
// Control nodes therefore fire in a topological order of the data
// dependences. Returns the terminal value.
func (d *DAG) run(ctx context.Context) (any, error) {
	terminal := DataID(noNode)
	for id := range d.datas {
		if d.datas[id].terminal {
			terminal = DataID(id)
			break
		}
	}
	if terminal == noNode {
		return nil, ErrNoTerminal
	}

	type item struct {
		data DataID
		ctrl CtrlID
	}
	var queue []item
	for id := range d.datas {
		if d.datas[id].ready {
			queue = append(queue, item{data: DataID(id), ctrl: noNode})
		}
	}
	for id := range d.ctrls {
		if len(d.ctrls[id].inputs) == 0 {
			queue = append(queue, item{data: noNode, ctrl: CtrlID(id)})
		}
	}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if next.ctrl == noNode {
			node := d.datas[next.data]
			if node.terminal {
				return d.lambdas[node.lambda].value, nil
			}
			for _, succ := range node.succs {
				if d.bindArg(succ, next.data) {
					queue = append(queue, item{data: noNode, ctrl: succ})
				}
			}
			continue
		}

		c := &d.ctrls[next.ctrl]
		if c.fired {
			continue
		}
		c.fired = true
		result, err := c.fn(ctx, c.bound)
		if err != nil {
			return nil, fmt.Errorf("workflow: node %s: %w", c.name, err)
		}
		d.setValue(c.out, result)
		queue = append(queue, item{data: c.out, ctrl: noNode})
	}

	return nil, ErrStalled
}

// bindArg copies a ready data node's value into the control node's argument
// map; reports whether every slot is now bound.
func (d *DAG) bindArg(ctrl CtrlID, data DataID) bool {
	c := &d.ctrls[ctrl]
	for i, in := range c.inputs {
		if in == data {
			c.bound[c.argKeys[i]] = d.lambdas[d.datas[data].lambda].value
		}
	}
	return len(c.bound) == len(c.inputs)
}
