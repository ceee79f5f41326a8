package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/seantiz/anvil/internal/backend"
	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

// Agent runs jobs received over a transport on a single backend, one at a
// time.
type Agent struct {
	t      Transport
	b      backend.Backend
	logger *slog.Logger
}

// NewAgent creates an agent.
func NewAgent(t Transport, b backend.Backend, logger *slog.Logger) *Agent {
	return &Agent{t: t, b: b, logger: logger.With("component", "worker")}
}

// Serve announces readiness and handles jobs until the peer goes away or
// ctx is cancelled. A clean shutdown by the peer returns nil.
func (a *Agent) Serve(ctx context.Context) error {
	if err := a.t.Send(ctx, Message{Type: TypeStarted}); err != nil {
		return fmt.Errorf("send started: %w", err)
	}
	for {
		msg, err := a.t.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		if msg.Type != TypeJob {
			return xerrors.New(xerrors.KindValidation, fmt.Sprintf("unexpected %s message while idle", msg.Type))
		}

		reply := a.runJob(ctx, msg.Job)
		if err := a.t.Send(ctx, reply); err != nil {
			return fmt.Errorf("send %s: %w", reply.Type, err)
		}
	}
}

// runJob executes job and builds the terminal message for it.
func (a *Agent) runJob(ctx context.Context, job *Job) Message {
	logger := a.logger.With("job_id", job.ID)
	start := time.Now()

	spec := backend.Spec{
		JobID:   job.ID,
		Program: job.Program,
		Control: job.Control,
		Inputs:  job.Inputs,
		Fetch: func(ctx context.Context, ref model.BlobRef) ([]byte, error) {
			return a.fetch(ctx, ref)
		},
		Print: func(line string) {
			err := a.t.Send(ctx, Message{Type: TypeControl, Control: &Control{Op: OpPrint, Line: line}})
			if err != nil {
				logger.Warn("forward print", "error", err)
			}
		},
	}

	res, err := a.b.Execute(ctx, spec)
	if err != nil {
		if xerrors.IsCancelled(err) {
			logger.Debug("job cancelled", "error", err)
		} else {
			logger.Info("job failed", "error", err)
		}
		return Message{Type: TypeError, Error: xerrors.ToPayload(err)}
	}

	logger.Debug("job done", "outputs", len(res.Outputs), "duration", time.Since(start))
	return Message{Type: TypeResult, Result: &Result{
		Control:    res.Control,
		Outputs:    res.Outputs,
		DurationMS: int64(res.DurationMS),
	}}
}

// fetch asks the pool for a blob and waits for the matching reply. Jobs run
// one at a time, so the next message must be the reply.
func (a *Agent) fetch(ctx context.Context, ref model.BlobRef) ([]byte, error) {
	req := Message{Type: TypeControl, Control: &Control{Op: OpBlobRequest, Blob: ref}}
	if err := a.t.Send(ctx, req); err != nil {
		return nil, fmt.Errorf("request blob %s: %w", ref.ID, err)
	}
	msg, err := a.t.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("await blob %s: %w", ref.ID, err)
	}
	if msg.Type != TypeBlob || msg.Blob.ID != ref.ID {
		return nil, xerrors.New(xerrors.KindValidation, fmt.Sprintf("expected blob %s, got %s message", ref.ID, msg.Type))
	}
	if msg.Blob.Error != nil {
		return nil, msg.Blob.Error.Err()
	}
	return msg.Blob.Data, nil
}
