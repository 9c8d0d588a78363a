// Package controller hosts the benchmark front-end: it deploys the stage
// workers, preloads the shared store, and drives repeat rounds of parallel
// workflow engines, reporting the latency distribution at the end.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stagerun-org/stagerun/internal/deploy"
	"github.com/stagerun-org/stagerun/internal/engine"
	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/invoker"
	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/placement"
	"github.com/stagerun-org/stagerun/internal/store"
)

// Config wires one controller run.
type Config struct {
	Profile   *deploy.Profile
	Generator *deploy.Generator
	// Deployer manages worker manifests. Nil means workers are managed
	// outside the controller (local mode).
	Deployer deploy.Deployer
	Store    store.Store
	Invoker  *invoker.Invoker

	TransMode   invocation.TransportMode
	Repeat      int
	Parallelism int
	Launch      LaunchMode

	// PreloadFolder's files are loaded into the Store, keyed by basename,
	// before every round.
	PreloadFolder string

	FailureTolerance int
	GetOutputs       bool
	OutputDir        string

	RemoteCallTimeout time.Duration
	PostRatio         float64
	// SafeGuard pads prewarm start points, in seconds.
	SafeGuard float64

	ManifestDir string
	// SettleDelay is the wait after a tradition-mode bulk apply.
	SettleDelay time.Duration

	// Exit replaces os.Exit for fatal engine conditions. Tests hook it.
	Exit func(code int)
}

// Controller runs the benchmark loop.
type Controller struct {
	cfg Config

	stages    []string
	params    map[string]map[string]any
	manifests map[string]string
	schedule  map[string]invocation.Address
}

// New validates the configuration and renders the worker manifests.
func New(cfg Config) (*Controller, error) {
	if cfg.Profile == nil || cfg.Generator == nil {
		return nil, errors.New("controller: profile and generator are required")
	}
	if cfg.Store == nil {
		return nil, errors.New("controller: store is required")
	}
	if cfg.Repeat <= 0 {
		cfg.Repeat = 1
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Launch == "" {
		cfg.Launch = LaunchTradition
	}
	if cfg.Invoker == nil {
		cfg.Invoker = invoker.New()
	}
	if cfg.ManifestDir == "" {
		cfg.ManifestDir = filepath.Join(os.TempDir(), "stagerun-manifests")
	}
	if cfg.Exit == nil {
		cfg.Exit = os.Exit
	}

	stages, err := cfg.Profile.Stages()
	if err != nil {
		return nil, err
	}
	params := make(map[string]map[string]any, len(stages))
	for _, stage := range stages {
		p, ok := cfg.Profile.DefaultParams[stage].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("controller: stage %s has no default params", stage)
		}
		params[stage] = p
	}

	c := &Controller{
		cfg:      cfg,
		stages:   stages,
		params:   params,
		schedule: cfg.Generator.Ingress(),
	}
	if cfg.Deployer != nil {
		c.manifests, err = cfg.Generator.Manifests(cfg.ManifestDir)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Run executes the configured rounds and returns the overall distribution.
func (c *Controller) Run(ctx context.Context) (LatencyStats, error) {
	var all []time.Duration
	var window time.Duration

	for round := 0; round < c.cfg.Repeat; round++ {
		logger.Info(ctx, "Round starting", "round", round, "parallelism", c.cfg.Parallelism)
		lats, dur, err := c.runOnce(ctx)
		if err != nil {
			return LatencyStats{}, err
		}
		all = append(all, lats...)
		window += dur
		logger.Info(ctx, "Round finished", "round", round,
			"stats", "\n"+Summarize(lats, dur).Render())
	}

	stats := Summarize(all, window)
	logger.Info(ctx, "All rounds finished",
		"repeat", c.cfg.Repeat, "parallelism", c.cfg.Parallelism,
		"stats", "\n"+stats.Render())
	return stats, nil
}

func (c *Controller) runOnce(ctx context.Context) ([]time.Duration, time.Duration, error) {
	if c.cfg.Deployer != nil {
		if err := c.cfg.Deployer.Remove(ctx, c.manifests); err != nil {
			logger.Warn(ctx, "Removing stale workers failed", "err", err)
		}
	}
	if err := c.cfg.Store.Clear(ctx); err != nil {
		return nil, 0, fmt.Errorf("controller: clear store: %w", err)
	}
	if err := c.preload(ctx); err != nil {
		return nil, 0, err
	}

	tracker := newLaunchTracker(c.stages, func(ctx context.Context, stage string) error {
		if c.cfg.Deployer == nil {
			return nil
		}
		return c.cfg.Deployer.Apply(ctx, map[string]string{stage: c.manifests[stage]})
	})

	if c.cfg.Launch == LaunchTradition {
		if c.cfg.Deployer != nil {
			if err := c.cfg.Deployer.Apply(ctx, c.manifests); err != nil {
				return nil, 0, fmt.Errorf("controller: launch workers: %w", err)
			}
		}
		tracker.markAll()
		if c.cfg.SettleDelay > 0 {
			select {
			case <-time.After(c.cfg.SettleDelay):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
	}

	var startPoints map[string]placement.StartPoint
	if c.cfg.Launch == LaunchPrewarm {
		var err error
		startPoints, err = c.cfg.Generator.StartPoints(c.cfg.SafeGuard)
		if err != nil {
			return nil, 0, err
		}
	}

	engines := make([]*engine.Engine, 0, c.cfg.Parallelism)
	for i := 0; i < c.cfg.Parallelism; i++ {
		e, err := c.buildEngine(i, tracker, startPoints)
		if err != nil {
			return nil, 0, err
		}
		engines = append(engines, e)
	}

	begin := time.Now()
	for _, e := range engines {
		e.Launch(ctx)
	}
	lats := make([]time.Duration, 0, len(engines))
	for _, e := range engines {
		lats = append(lats, e.Join(ctx))
	}
	return lats, time.Since(begin), nil
}

func (c *Controller) buildEngine(idx int, tracker *launchTracker, startPoints map[string]placement.StartPoint) (*engine.Engine, error) {
	namespace := fmt.Sprintf("%s-%d", c.cfg.Profile.AppName, idx)

	mds := make(map[string]*invocation.Metadata, len(c.stages))
	for _, stage := range c.stages {
		md, err := invocation.New(invocation.Config{
			Namespace:         namespace,
			Stage:             stage,
			Schedule:          c.schedule,
			TransMode:         c.cfg.TransMode,
			Params:            c.params[stage],
			Store:             c.cfg.Store,
			Invoker:           c.cfg.Invoker,
			RemoteCallTimeout: c.cfg.RemoteCallTimeout,
			PostRatio:         c.cfg.PostRatio,
		})
		if err != nil {
			return nil, err
		}
		mds[stage] = md
	}

	execFns := make(map[string]engine.ExecFunc, len(c.stages))
	for _, stage := range c.stages {
		stage := stage
		execFns[stage] = func(ctx context.Context) (*invocation.Metadata, error) {
			if c.cfg.Launch == LaunchColdstart {
				if err := tracker.ensure(ctx, stage); err != nil {
					return nil, err
				}
			}
			md := mds[stage]
			if err := md.RemoteCall(ctx); err != nil {
				return nil, err
			}
			return md, nil
		}
	}

	var timers []engine.TimerTask
	for stage, sp := range startPoints {
		stage := stage
		timers = append(timers, engine.TimerTask{
			Delay: time.Duration(sp.ContainerStart * float64(time.Second)),
			Run: func(ctx context.Context) {
				if err := tracker.ensure(ctx, stage); err != nil {
					logger.Error(ctx, "Prewarm launch failed", "stage", stage, "err", err)
				}
			},
		})
	}

	return engine.New(engine.Config{
		Name:             strconv.Itoa(idx),
		Namespace:        namespace,
		Dependencies:     c.cfg.Profile.DAG,
		Exec:             execFns,
		Timers:           timers,
		Store:            c.cfg.Store,
		FailureTolerance: c.cfg.FailureTolerance,
		GetOutputs:       c.cfg.GetOutputs,
		OutputDir:        c.cfg.OutputDir,
		Exit:             c.cfg.Exit,
	})
}

// preload loads every file of the preload folder into the Store, keyed by
// its basename.
func (c *Controller) preload(ctx context.Context) error {
	if c.cfg.PreloadFolder == "" {
		return nil
	}
	entries, err := os.ReadDir(c.cfg.PreloadFolder)
	if err != nil {
		return fmt.Errorf("controller: read preload folder: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.cfg.PreloadFolder, entry.Name()))
		if err != nil {
			return fmt.Errorf("controller: read preload file: %w", err)
		}
		if err := c.cfg.Store.Put(ctx, entry.Name(), data); err != nil {
			return err
		}
	}
	logger.Info(ctx, "Store preloaded", "folder", c.cfg.PreloadFolder, "files", len(entries))
	return nil
}

// StartLocalWorkers launches the profile's worker commandlines as host
// processes. The returned stop function kills them all.
func StartLocalWorkers(ctx context.Context, cmdlines map[string]string) (func(), error) {
	var procs []*exec.Cmd
	stop := func() {
		for _, p := range procs {
			if p.Process != nil {
				_ = p.Process.Kill()
			}
			_ = p.Wait()
		}
	}
	for stage, line := range cmdlines {
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		if err := cmd.Start(); err != nil {
			stop()
			return nil, fmt.Errorf("controller: start worker %s: %w", stage, err)
		}
		procs = append(procs, cmd)
	}
	return stop, nil
}
