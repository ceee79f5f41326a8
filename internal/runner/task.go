package runner

import (
	"context"
	"fmt"
	"time"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/worker"
)

// admit adds fetched tasks. Ids already known are ignored. Tasks whose blob
// references contradict available blobs finish with an error straight away.
func (r *Runner) admit(tasks []model.Task) {
	var started []*entry
	r.mu.Lock()
	stopping := r.stoppingLocked()
	for _, t := range tasks {
		if _, dup := r.tasks[t.ID]; dup {
			r.logger.Warn("ignoring duplicate task", "task_id", t.ID)
			continue
		}
		t.Status = model.StatusPending
		t.Outcome, t.Outputs, t.Error = "", nil, nil
		e := r.addLocked(t)

		if err := r.resolveLocked(e); err != nil {
			r.finishLocked(e, model.OutcomeError, nil, err)
			continue
		}
		if stopping {
			r.finishLocked(e, model.OutcomeRefused, nil, nil)
			continue
		}
		started = append(started, e)
	}
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("admitted tasks", "count", len(tasks))
	r.requestSave(true)
	for _, e := range started {
		r.spawnTask(e)
	}
}

// resolveLocked deduplicates the task's blob references against the
// repository.
func (r *Runner) resolveLocked(e *entry) error {
	prog, err := r.blobs.Resolve(e.task.Program)
	if err != nil {
		return err
	}
	e.task.Program = prog
	for i, ref := range e.task.Inputs {
		if e.task.Inputs[i], err = r.blobs.Resolve(ref); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) spawnTask(e *entry) {
	r.work.Add(1)
	go func() {
		defer r.work.Done()
		r.runTask(e)
	}()
}

// jobOutcome is what a pool job reported.
type jobOutcome struct {
	res worker.Result
	err error
}

// runTask drives one task from pending to finished.
func (r *Runner) runTask(e *entry) {
	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	r.mu.Lock()
	if r.stoppingLocked() {
		r.finishLocked(e, model.OutcomeRefused, nil, nil)
		r.mu.Unlock()
		r.afterFinish()
		return
	}
	if err := r.transitionLocked(e, model.StatusBlocked); err != nil {
		r.mu.Unlock()
		r.logger.Error("task not runnable", "task_id", e.task.ID, "error", err)
		return
	}
	e.cancel = cancel
	task := e.task
	r.mu.Unlock()

	logger := r.logger.With("task_id", task.ID)
	refs := task.Blobs()
	r.feed.Publish(fmt.Sprintf("task %s blocked: waiting for %d blobs (%d bytes)", task.ID, len(refs), model.TotalSize(refs)))

	var (
		ran bool
		out jobOutcome
	)
	waitErr := r.blobs.WithBlobs(ctx, refs, func(ctx context.Context) error {
		r.mu.Lock()
		if r.stoppingLocked() {
			r.mu.Unlock()
			return xerrors.New(xerrors.KindCancelled, "runner stopping")
		}
		if err := r.transitionLocked(e, model.StatusRunning); err != nil {
			r.mu.Unlock()
			return err
		}
		r.mu.Unlock()

		ran = true
		out = r.execute(ctx, task)
		return nil
	})

	var (
		outcome string
		outputs []model.BlobRef
		cause   error
	)
	switch {
	case ran && out.err == nil:
		outputs, cause = r.commitOutputs(out.res.Outputs)
		outcome = model.OutcomeOK
		if cause != nil {
			outcome = model.OutcomeError
		}
	case ran:
		outcome, cause = model.OutcomeError, out.err
	default:
		outcome, cause = model.OutcomeError, waitErr
	}

	r.mu.Lock()
	// Shutdown refuses tasks it cut short. A program that failed on its own
	// keeps its error.
	if outcome != model.OutcomeOK && r.stoppingLocked() && (!ran || xerrors.IsCancelled(cause)) {
		outcome, cause = model.OutcomeRefused, nil
	}
	e.cancel = nil
	r.finishLocked(e, outcome, outputs, cause)
	r.mu.Unlock()

	switch {
	case outcome == model.OutcomeOK:
		logger.Info("task finished", "outputs", len(outputs))
	case outcome == model.OutcomeRefused:
		logger.Info("task refused")
	case xerrors.IsCancelled(cause):
		logger.Debug("task cancelled", "error", cause)
	default:
		logger.Warn("task failed", "error", cause)
	}
	r.afterFinish()
}

// execute runs task on the pool and waits for its outcome. Cancelling ctx
// kills the worker.
func (r *Runner) execute(ctx context.Context, task model.Task) jobOutcome {
	done := make(chan jobOutcome, 1)
	cancelJob := r.pool.Push(pool.Callbacks{
		OnStart: func() {
			r.feed.Publish(fmt.Sprintf("task %s running", task.ID))
		},
		OnControl: func(ctl worker.Control, reply pool.Reply) bool {
			if ctl.Op != worker.OpBlobRequest {
				return false
			}
			data, err := r.blobs.Read(ctx, ctl.Blob)
			msg := worker.Message{Type: worker.TypeBlob, Blob: &worker.BlobReply{ID: ctl.Blob.ID, Data: data}}
			if err != nil {
				msg.Blob.Data = nil
				msg.Blob.Error = xerrors.ToPayload(err)
			}
			return reply(ctx, msg) == nil
		},
		OnDone:  func(res worker.Result) { done <- jobOutcome{res: res} },
		OnError: func(err error) { done <- jobOutcome{err: err} },
	}, worker.Job{
		ID:      task.ID,
		Program: task.Program,
		Control: task.Control,
		Inputs:  task.Inputs,
	})

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		cancelJob()
		return <-done
	}
}

// commitOutputs stores each output as a pinned local blob. On failure the
// ones already stored are unpinned.
func (r *Runner) commitOutputs(outputs [][]byte) ([]model.BlobRef, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	refs := make([]model.BlobRef, 0, len(outputs))
	for _, data := range outputs {
		ref, err := r.blobs.Create(ctx, data)
		if err != nil {
			for _, done := range refs {
				r.blobs.Unpin(done)
			}
			return nil, fmt.Errorf("commit output: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// finishLocked records the outcome of e.
func (r *Runner) finishLocked(e *entry, outcome string, outputs []model.BlobRef, cause error) {
	if err := r.transitionLocked(e, model.StatusFinished); err != nil {
		r.logger.Error("finish task", "error", err)
		return
	}
	e.task.Outcome = outcome
	e.task.Outputs = outputs
	e.task.Error = nil
	if outcome == model.OutcomeError {
		e.task.Error = xerrors.ToPayload(cause)
	}
	taskOutcomesTotal.WithLabelValues(outcome).Inc()
	r.feed.Publish(fmt.Sprintf("task %s finished: %s", e.task.ID, outcome))
}

// afterFinish wakes whatever a newly finished task may unblock.
func (r *Runner) afterFinish() {
	r.requestSave(false)
	notify(r.fetchWake)
	notify(r.sendWake)
}
