package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/backend/wasm"
	"github.com/seantiz/anvil/internal/blob"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/provider"
	"github.com/seantiz/anvil/internal/runner"
	"github.com/seantiz/anvil/internal/store"
)

const stopTimeout = 30 * time.Second

// workerSelf runs workers as subprocesses of this binary.
const workerSelf = "self"

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until interrupted",
	Long: `Run the agent: fetch tasks, execute them on the worker pool, send results
and serve the local control surface.

Workers run in-process unless worker_binary (ANVIL_WORKER_BINARY) is set.
"self" starts "anvil worker" subprocesses from this binary.

SIGINT, SIGTERM or POST /v1/runner/stop stop the agent gracefully.`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"provider_url", cfg.ProviderURL,
		"store_driver", cfg.StoreDriver,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storage, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	client := provider.NewHTTP(cfg.ProviderURL, provider.WithLogger(logger))
	repo, err := blob.Open(ctx, storage, client,
		blob.WithCacheMax(cfg.CacheMaxBytes),
		blob.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("open blob repository: %w", err)
	}

	spawner, err := newSpawner(cfg, logger)
	if err != nil {
		return err
	}
	p := pool.New(spawner, pool.WithConcurrency(cfg.Concurrency), pool.WithLogger(logger))

	r := runner.New(repo, p, client, cfg.Tunables, logger)
	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr, r, logger,
		api.WithPoolStats(p.Stats),
		api.WithBlobStats(repo.Stats),
		api.WithStop(stop),
	)
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.Run(ctx) }()

	var runErr error
	served := false
	select {
	case <-ctx.Done():
	case runErr = <-srvErr:
		served = true
		stop()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	runErr = errors.Join(runErr,
		r.Stop(stopCtx),
		p.Close(stopCtx),
		repo.Close(stopCtx),
	)
	if !served {
		runErr = errors.Join(runErr, <-srvErr)
	}
	logger.Info("anvil: stopped")
	return runErr
}

// newSpawner picks in-process or subprocess workers.
func newSpawner(cfg config.Config, logger *slog.Logger) (pool.Spawner, error) {
	switch cfg.WorkerBinary {
	case "":
		return pool.InProcess(func(ctx context.Context) (backend.Backend, error) {
			return wasm.New(ctx, wasm.WithLogger(logger))
		}, logger), nil
	case workerSelf:
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		return pool.Subprocess(self, workerArgs(), logger), nil
	default:
		return pool.Subprocess(cfg.WorkerBinary, workerArgs(), logger), nil
	}
}

func workerArgs() []string {
	args := []string{"worker"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}
