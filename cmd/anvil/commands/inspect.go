package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/anvil/internal/blob"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/runner"
	"github.com/seantiz/anvil/internal/store"
)

var (
	inspectAddr    string
	inspectStatus  string
	inspectOffline bool
	inspectOutput  string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List the tasks held by the agent",
	Long: `List the tasks held by the agent.

By default the running agent is asked over its control surface. With
--offline the checkpoint is read straight from storage; use it only while
the agent is not running.

Output Formats:
  default - Colored table
  jsonl   - One task per line as JSON

Examples:
  anvil inspect
  anvil inspect --status finished
  anvil inspect --offline -o jsonl | jq .id`,
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectAddr, "addr", "", "Control surface address (defaults to the configured listen address)")
	inspectCmd.Flags().StringVar(&inspectStatus, "status", "", "Only show tasks with this status")
	inspectCmd.Flags().BoolVar(&inspectOffline, "offline", false, "Read the checkpoint from storage instead of the running agent")
	inspectCmd.Flags().StringVarP(&inspectOutput, "output", "o", "default", "Output format: default or jsonl")
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var tasks []model.Task
	if inspectOffline {
		tasks, err = readCheckpoint(cmd.Context(), cfg)
	} else {
		addr := inspectAddr
		if addr == "" {
			addr = cfg.ListenAddr
		}
		tasks, err = fetchTasks(cmd.Context(), addr)
	}
	if err != nil {
		return err
	}

	tasks = filterTasks(tasks, inspectStatus)
	switch inspectOutput {
	case "jsonl":
		return writeJSONL(cmd.OutOrStdout(), tasks)
	case "default":
		printTasks(cmd.OutOrStdout(), tasks)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", inspectOutput)
	}
}

// fetchTasks asks a running agent for its tasks.
func fetchTasks(ctx context.Context, addr string) ([]model.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u := url.URL{Scheme: "http", Host: addr, Path: "/v1/tasks", RawQuery: "limit=500"}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned %s", resp.Status)
	}

	var body struct {
		Tasks []model.Task `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return body.Tasks, nil
}

// readCheckpoint decodes the runner checkpoint from storage.
func readCheckpoint(ctx context.Context, cfg config.Config) ([]model.Task, error) {
	storage, err := store.Open(cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	defer storage.Close()

	offline := blob.FetcherFunc(func(context.Context, string, int64) ([]byte, error) {
		return nil, errors.New("offline")
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo, err := blob.Open(ctx, storage, offline, blob.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open blob repository: %w", err)
	}
	defer repo.Close(ctx)

	data, err := repo.ReadState(ctx, runner.CheckpointName)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.DecodeCheckpoint(data)
}

func filterTasks(tasks []model.Task, status string) []model.Task {
	if status == "" {
		return tasks
	}
	var out []model.Task
	for _, t := range tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

func writeJSONL(w io.Writer, tasks []model.Task) error {
	enc := json.NewEncoder(w)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return nil
}
