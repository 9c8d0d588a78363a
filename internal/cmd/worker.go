package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stagerun-org/stagerun/internal/cache"
	"github.com/stagerun-org/stagerun/internal/config"
	"github.com/stagerun-org/stagerun/internal/invocation"
	"github.com/stagerun-org/stagerun/internal/store"
	"github.com/stagerun-org/stagerun/internal/worker"
)

func CmdWorker() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Host one stage's handler",
		Long: `Serve a registered stage handler behind the worker HTTP endpoint, with
the deduplicating request buffer, the bounded executor pool, and the
optional TCP cache server.`,
		RunE: runWorker,
	}
	config.BindWorkerFlags(cmd)
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.WorkerFromCommand(cmd)
	if err != nil {
		return err
	}

	h, err := stageRoutes.Route(cfg.Stage)
	if err != nil {
		return err
	}

	st := store.NewRedisStore(cfg.Redis)
	defer st.Close()

	w, err := worker.New(worker.Config{
		Stage: cfg.Stage,
		Handler: func(ctx context.Context, md *invocation.Metadata) (any, error) {
			return h(ctx, md.Params)
		},
		Store:       st,
		Cache:       cache.New(),
		Host:        cfg.Host,
		Port:        cfg.Port,
		CachePort:   cfg.CachePort,
		Parallelism: cfg.Parallelism,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.Start(ctx)
}
