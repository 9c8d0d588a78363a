package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/store"
)

// ErrNoStages is returned when an engine is configured with nothing to run.
var ErrNoStages = errors.New("engine: no stages to execute")

const (
	defaultPollInterval     = 100 * time.Millisecond
	defaultExecutingTimeout = 1200 * time.Second
	defaultFailureTolerance = 100
	defaultJoinTimeout      = 3600 * time.Second
	cacheClearTimeout       = 10 * time.Second
)

// ExecFunc launches one remote try of a stage and returns its invocation
// record. The engine calls it again after every failure.
type ExecFunc func(ctx context.Context) (*invocation.Metadata, error)

// TimerTask runs its function once, Delay after engine launch. Used to
// pre-warm stage containers ahead of their work moment.
type TimerTask struct {
	Delay time.Duration
	Run   func(ctx context.Context)
}

// Config wires one engine run.
type Config struct {
	Name         string
	Namespace    string
	Dependencies map[string][]string
	Exec         map[string]ExecFunc
	Timers       []TimerTask
	Store        store.Store

	ExecutingTimeout time.Duration
	FailureTolerance int
	JoinTimeout      time.Duration
	PollInterval     time.Duration

	// GetOutputs dumps the workflow's final outputs to OutputDir before the
	// namespace is wiped from the Store.
	GetOutputs bool
	OutputDir  string

	// Exit replaces os.Exit for fatal conditions. Tests hook it.
	Exit func(code int)
}

// Engine drives one workflow instance across remote stage workers: it
// launches ready stages, polls their results, retries failures, and wipes
// the instance's Store namespace when done.
type Engine struct {
	cfg Config

	mu         sync.Mutex
	failureCnt int
	retval     map[string]invocation.Result

	startTime  time.Time
	finishTime time.Time
	finished   bool

	done   chan struct{}
	timers sync.WaitGroup
}

// New validates the config and applies defaults.
func New(cfg Config) (*Engine, error) {
	if len(cfg.Exec) == 0 {
		return nil, ErrNoStages
	}
	if cfg.ExecutingTimeout <= 0 {
		cfg.ExecutingTimeout = defaultExecutingTimeout
	}
	if cfg.FailureTolerance <= 0 {
		cfg.FailureTolerance = defaultFailureTolerance
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "outputs")
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}
	return &Engine{cfg: cfg, retval: map[string]invocation.Result{}, done: make(chan struct{})}, nil
}

// Launch starts the engine loop and its pre-warm timers.
func (e *Engine) Launch(ctx context.Context) {
	logger.Info(ctx, "Engine launching", "engine", e.cfg.Name, "stages", len(e.cfg.Exec))
	e.startTime = time.Now()
	go e.execute(ctx)

	for _, t := range e.cfg.Timers {
		e.timers.Add(1)
		go func(t TimerTask) {
			defer e.timers.Done()
			select {
			case <-time.After(t.Delay):
				t.Run(ctx)
			case <-ctx.Done():
			}
		}(t)
	}
}

// Join blocks until the engine finishes and returns the wall-clock run
// time. Exceeding the outer join timeout is fatal.
func (e *Engine) Join(ctx context.Context) time.Duration {
	select {
	case <-e.done:
	case <-time.After(e.cfg.JoinTimeout):
		logger.Error(ctx, "Engine join timed out", "engine", e.cfg.Name, "timeout", e.cfg.JoinTimeout)
		e.cfg.Exit(1)
		return 0
	}

	timersDone := make(chan struct{})
	go func() {
		e.timers.Wait()
		close(timersDone)
	}()
	select {
	case <-timersDone:
	case <-time.After(e.cfg.JoinTimeout):
		logger.Error(ctx, "Engine timer tasks join timed out", "engine", e.cfg.Name)
		e.cfg.Exit(1)
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.finished {
		logger.Error(ctx, "Engine did not finish its execution", "engine", e.cfg.Name)
		e.cfg.Exit(1)
		return 0
	}
	return e.finishTime.Sub(e.startTime)
}

// Results returns every stage's final Ok envelope. Valid after Join.
func (e *Engine) Results() map[string]invocation.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]invocation.Result, len(e.retval))
	for stage, r := range e.retval {
		out[stage] = r
	}
	return out
}

// FailureCount reports the aggregate stage failures observed so far.
func (e *Engine) FailureCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureCnt
}

func (e *Engine) execute(ctx context.Context) {
	defer close(e.done)

	executing := map[string]*invocation.Metadata{}
	success := map[string]*invocation.Metadata{}

	for len(success) < len(e.cfg.Exec) {
		for _, md := range executing {
			md.FetchRetval(ctx)
		}

		var failed, succeeded []string
		for stage, md := range executing {
			switch {
			case md.Succeeded():
				succeeded = append(succeeded, stage)
				success[stage] = md
			case md.Failed() || md.Deadline(e.cfg.ExecutingTimeout):
				failed = append(failed, stage)
			}
		}
		for _, stage := range succeeded {
			delete(executing, stage)
		}
		for _, stage := range failed {
			delete(executing, stage)
		}

		if len(failed) > 0 {
			logger.Warn(ctx, "Stages failed, retrying", "engine", e.cfg.Name, "stages", failed)
		}
		if len(succeeded) > 0 {
			logger.Info(ctx, "Stages succeeded", "engine", e.cfg.Name, "stages", succeeded)
		}

		e.mu.Lock()
		e.failureCnt += len(failed)
		cnt := e.failureCnt
		e.mu.Unlock()
		if cnt >= e.cfg.FailureTolerance {
			logger.Error(ctx, "Failure tolerance exceeded", "engine", e.cfg.Name,
				"failures", cnt, "tolerance", e.cfg.FailureTolerance)
			e.cfg.Exit(1)
			return
		}

		for stage, exec := range e.cfg.Exec {
			if _, ok := success[stage]; ok {
				continue
			}
			if _, ok := executing[stage]; ok {
				continue
			}
			if !e.depsSatisfied(stage, success) {
				continue
			}
			md, err := exec(ctx)
			if err != nil {
				logger.Error(ctx, "Stage launch failed", "engine", e.cfg.Name, "stage", stage, "err", err)
				continue
			}
			executing[stage] = md
		}

		select {
		case <-time.After(e.cfg.PollInterval):
		case <-ctx.Done():
			return
		}
	}

	e.mu.Lock()
	for stage, md := range success {
		if r, err := md.Reply(); err == nil {
			e.retval[stage] = r
		}
	}
	e.finishTime = time.Now()
	e.mu.Unlock()

	for _, md := range success {
		md.CacheClear(ctx, cacheClearTimeout)
	}
	e.cleanup(ctx)

	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
	logger.Info(ctx, "Engine finished", "engine", e.cfg.Name)
}

func (e *Engine) depsSatisfied(stage string, success map[string]*invocation.Metadata) bool {
	for _, dep := range e.cfg.Dependencies[stage] {
		if _, ok := success[dep]; !ok {
			return false
		}
	}
	return true
}

// cleanup dumps final outputs when requested, then deletes every Store key
// of this instance's namespace.
func (e *Engine) cleanup(ctx context.Context) {
	if e.cfg.Store == nil {
		return
	}
	prefix := e.cfg.Namespace + "-"
	if e.cfg.GetOutputs {
		folder := filepath.Join(e.cfg.OutputDir, e.cfg.Namespace)
		if err := store.DumpPrefix(ctx, e.cfg.Store, prefix+invocation.FinalOutputsPrefix, folder); err != nil {
			logger.Error(ctx, "Dump final outputs failed", "engine", e.cfg.Name, "err", err)
		}
	}
	if _, err := e.cfg.Store.DeletePrefix(ctx, prefix); err != nil {
		logger.Error(ctx, "Namespace cleanup failed", "engine", e.cfg.Name, "err", err)
	}
}
