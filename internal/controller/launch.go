package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// LaunchMode decides when stage workers are started relative to their work.
type LaunchMode string

const (
	// LaunchTradition starts every worker before any request is sent.
	LaunchTradition LaunchMode = "tradition"
	// LaunchColdstart starts a worker at its first invocation.
	LaunchColdstart LaunchMode = "coldstart"
	// LaunchPrewarm starts each worker at its planned start point so it is
	// warm exactly when its work arrives.
	LaunchPrewarm LaunchMode = "prewarm"
)

// ErrUnknownLaunchMode is returned for unrecognized mode names.
var ErrUnknownLaunchMode = errors.New("controller: unknown launch mode")

// ParseLaunchMode maps a CLI string to a LaunchMode.
func ParseLaunchMode(s string) (LaunchMode, error) {
	switch LaunchMode(s) {
	case LaunchTradition, LaunchColdstart, LaunchPrewarm:
		return LaunchMode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownLaunchMode, s)
	}
}

// launchTracker applies each stage's manifest at most once per round. It is
// shared by every engine of the round.
type launchTracker struct {
	mu       sync.Mutex
	launched map[string]bool
	apply    func(ctx context.Context, stage string) error
}

func newLaunchTracker(stages []string, apply func(ctx context.Context, stage string) error) *launchTracker {
	launched := make(map[string]bool, len(stages))
	for _, s := range stages {
		launched[s] = false
	}
	return &launchTracker{launched: launched, apply: apply}
}

// ensure applies the stage's manifest unless a prior caller already did.
func (l *launchTracker) ensure(ctx context.Context, stage string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launched[stage] {
		return nil
	}
	if err := l.apply(ctx, stage); err != nil {
		return err
	}
	l.launched[stage] = true
	return nil
}

// markAll records every stage as launched without applying anything.
func (l *launchTracker) markAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.launched {
		l.launched[s] = true
	}
}
