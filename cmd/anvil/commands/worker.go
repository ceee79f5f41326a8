package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/backend/wasm"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/worker"
)

var (
	workerMemoryPages uint32
	workerCacheSize   int
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve jobs over stdin/stdout (started by the agent)",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().Uint32Var(&workerMemoryPages, "memory-pages", wasm.DefaultMemoryLimitPages, "Sandbox memory limit in 64 KiB pages")
	workerCmd.Flags().IntVar(&workerCacheSize, "cache-size", wasm.DefaultCacheSize, "Compiled programs kept per worker")
	rootCmd.AddCommand(workerCmd)
}

// runWorker serves one worker process. Stdout carries frames, so logs go
// to stderr.
func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel).With("pid", os.Getpid())
	ctx := cmd.Context()

	b, err := wasm.New(ctx,
		wasm.WithLogger(logger),
		wasm.WithMemoryLimitPages(workerMemoryPages),
		wasm.WithCacheSize(workerCacheSize),
	)
	if err != nil {
		return fmt.Errorf("start sandbox: %w", err)
	}
	defer b.Close(ctx)

	t := worker.NewStream(os.Stdin, os.Stdout, os.Stdout)
	defer t.Close()
	return worker.NewAgent(t, b, logger).Serve(ctx)
}
