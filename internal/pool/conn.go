package pool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/seantiz/anvil/internal/backend"
	"github.com/seantiz/anvil/internal/worker"
)

// Conn is the pool's end of a channel to one worker.
type Conn interface {
	Send(ctx context.Context, m worker.Message) error
	Recv(ctx context.Context) (worker.Message, error)
	// Kill terminates the worker without waiting for it to finish. Pending
	// and later Recv calls fail.
	Kill() error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context) (Conn, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context) (Conn, error)

func (f SpawnerFunc) Spawn(ctx context.Context) (Conn, error) { return f(ctx) }

// BackendFactory builds the executor a worker runs jobs on.
type BackendFactory func(ctx context.Context) (backend.Backend, error)

// InProcess returns a spawner that runs each worker as a goroutine with its
// own backend, connected over an in-memory pipe.
func InProcess(newBackend BackendFactory, logger *slog.Logger) Spawner {
	return SpawnerFunc(func(ctx context.Context) (Conn, error) {
		b, err := newBackend(ctx)
		if err != nil {
			return nil, fmt.Errorf("create backend: %w", err)
		}
		poolEnd, workerEnd := worker.Pipe()
		wctx, cancel := context.WithCancel(context.Background())
		c := &inProcessConn{Transport: poolEnd, cancel: cancel}
		go func() {
			defer b.Close(context.Background())
			if err := worker.NewAgent(workerEnd, b, logger).Serve(wctx); err != nil && wctx.Err() == nil {
				logger.Warn("in-process worker exited", "error", err)
			}
			workerEnd.Close()
		}()
		return c, nil
	})
}

type inProcessConn struct {
	worker.Transport
	cancel context.CancelFunc
}

func (c *inProcessConn) Kill() error {
	c.cancel()
	return c.Transport.Close()
}

// Subprocess returns a spawner that runs each worker as a child process,
// typically the agent binary itself with the "worker" command. Messages are
// framed over the child's stdin and stdout; its stderr is inherited.
func Subprocess(path string, args []string, logger *slog.Logger) Spawner {
	return SpawnerFunc(func(ctx context.Context) (Conn, error) {
		cmd := exec.Command(path, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
		// Wait closes pipes made by StdoutPipe, which could drop frames still
		// buffered when the child exits, so the read end is owned here.
		stdout, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("stdout pipe: %w", err)
		}
		cmd.Stdout = pw
		if err := cmd.Start(); err != nil {
			stdout.Close()
			pw.Close()
			return nil, fmt.Errorf("start worker: %w", err)
		}
		pw.Close()
		logger.Debug("worker process started", "pid", cmd.Process.Pid)

		c := &processConn{Stream: worker.NewStream(stdout, stdin, stdin), stdout: stdout, cmd: cmd}
		go func() {
			err := cmd.Wait()
			logger.Debug("worker process exited", "pid", cmd.Process.Pid, "error", err)
		}()
		return c, nil
	})
}

type processConn struct {
	*worker.Stream
	stdout *os.File
	cmd    *exec.Cmd
	once   sync.Once
}

func (c *processConn) Kill() error {
	var err error
	c.once.Do(func() {
		c.Stream.Close()
		err = c.cmd.Process.Kill()
		c.stdout.Close()
	})
	return err
}

var (
	_ Conn = (*inProcessConn)(nil)
	_ Conn = (*processConn)(nil)
)
