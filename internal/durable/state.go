package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stagerun-org/stagerun/internal/store"
)

// Action kinds and statuses recorded in the log.
const (
	KindCall = "call"
	KindTell = "tell"

	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ScopedID is the Store key holding one orchestrator instance's state.
func ScopedID(instanceID string) string {
	return "orchestrator::__state__::" + instanceID
}

// Action is one entry of the durable action log: a call or tell the
// orchestrator has issued, with its replay-cached result once completed.
type Action struct {
	PC     int            `json:"pc"`
	Kind   string         `json:"kind"`
	Target string         `json:"target"`
	Params map[string]any `json:"params,omitempty"`
	Status string         `json:"status"`
	Result any            `json:"result,omitempty"`
}

// State is the persisted record driving replay: the ordered action log and
// the program counter of the first non-completed action.
type State struct {
	Actions []Action `json:"actions"`
	TaskPC  int      `json:"taskpc"`

	// Input is the event that started the instance; replays reuse it.
	Input map[string]any `json:"input,omitempty"`

	// Done and FinalResult record terminal completion of the instance.
	Done        bool `json:"done,omitempty"`
	FinalResult any  `json:"finalResult,omitempty"`
}

// LoadState reads an instance's state from the Store. The second return
// reports whether this is a fresh instance.
func LoadState(ctx context.Context, st store.Store, instanceID string) (*State, bool, error) {
	raw, err := st.Get(ctx, ScopedID(instanceID))
	if errors.Is(err, store.ErrNotFound) {
		return &State{}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("durable: load state %s: %w", instanceID, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false, fmt.Errorf("durable: decode state %s: %w", instanceID, err)
	}
	return &s, false, nil
}

// Store checkpoints the state. Called on every action boundary before the
// handler returns to its caller.
func (s *State) Store(ctx context.Context, st store.Store, instanceID string) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("durable: encode state %s: %w", instanceID, err)
	}
	return st.Put(ctx, ScopedID(instanceID), raw)
}

// OrchestratorMetadata identifies one durable instance. Immutable once the
// first invocation is recorded.
type OrchestratorMetadata struct {
	ID          string `json:"id"`
	InitialData struct {
		Input       map[string]any `json:"input"`
		CallerStage string         `json:"callerStage,omitempty"`
	} `json:"initialData"`
}
