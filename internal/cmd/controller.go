package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stagerun-org/stagerun/internal/config"
	"github.com/stagerun-org/stagerun/internal/controller"
	"github.com/stagerun-org/stagerun/internal/deploy"
	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/logger"
	"github.com/stagerun-org/stagerun/internal/placement"
	"github.com/stagerun-org/stagerun/internal/store"
)

func CmdController() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the benchmark controller",
		Long: `Deploy the stage workers of an application profile, preload the shared
store, and drive repeated rounds of concurrent workflow requests, printing
the latency distribution at the end.`,
		RunE: runController,
	}
	config.BindControllerFlags(cmd)
	return cmd
}

func runController(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := config.ControllerFromCommand(cmd)
	if err != nil {
		return err
	}

	transMode, err := invocation.ParseTransportMode(cfg.TransMode)
	if err != nil {
		return err
	}
	launch, err := controller.ParseLaunchMode(cfg.Launch)
	if err != nil {
		return err
	}

	profile, err := deploy.LoadProfile(cfg.Profile)
	if err != nil {
		return err
	}

	// A knative service exposes a single port, so transfers must go through
	// the store and no placement decision is ours to make.
	if cfg.Knative {
		logger.Info(ctx, "Knative mode, disabling placement and TCP transport")
		cfg.DittoPlacement = false
		transMode = invocation.TransportAllRedis
		launch = controller.LaunchColdstart
	}

	var deployer deploy.Deployer
	mode := deploy.PlacementRandom
	switch {
	case cfg.Local:
		mode = deploy.PlacementLocal
	case cfg.Knative:
		mode = deploy.PlacementKnative
		deployer = &deploy.KubectlDeployer{}
	default:
		deployer = &deploy.KubectlDeployer{}
		if cfg.DittoPlacement {
			mode = deploy.PlacementDitto
		}
	}

	nodes := profile.StaticNodeResources()
	if deployer != nil {
		if live, err := deployer.NodeResources(ctx); err == nil && len(live) > 0 {
			nodes = live
		} else if err != nil {
			logger.Warn(ctx, "Falling back to profile node resources", "err", err)
		}
	}

	gen, err := deploy.NewGenerator(profile, mode, nodes)
	if err != nil {
		return err
	}

	st := store.NewRedisStore(cfg.Redis)
	defer st.Close()
	if cfg.RedisWaitTime > 0 {
		logger.Info(ctx, "Waiting for redis", "wait", cfg.RedisWaitTime)
		select {
		case <-time.After(cfg.RedisWaitTime):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if cfg.Local {
		stop, err := controller.StartLocalWorkers(ctx, gen.WorkerCommandlines())
		if err != nil {
			return err
		}
		defer stop()
	}

	c, err := controller.New(controller.Config{
		Profile:           profile,
		Generator:         gen,
		Deployer:          deployer,
		Store:             st,
		TransMode:         transMode,
		Repeat:            cfg.Repeat,
		Parallelism:       cfg.Parallelism,
		Launch:            launch,
		PreloadFolder:     cfg.PreloadFolder,
		FailureTolerance:  cfg.FailureTolerance,
		GetOutputs:        cfg.GetOutputs,
		OutputDir:         cfg.OutputDir,
		RemoteCallTimeout: cfg.RemoteCallTimeout,
		PostRatio:         cfg.PostRatio,
		SafeGuard:         placement.DefaultSafeGuard,
		SettleDelay:       10 * time.Second,
	})
	if err != nil {
		return err
	}

	stats, err := c.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Println(stats.Render())
	return nil
}
