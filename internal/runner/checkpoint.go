package runner

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// corruptSuffix names the state blob a bad checkpoint is moved to.
const corruptSuffix = ".corrupt"

// loadCheckpoint reads the task set written by a previous run. Tasks that
// were mid-flight come back as pending and finished tasks keep their
// outcome. Unreadable data is set aside and nil returned.
func (r *Runner) loadCheckpoint(ctx context.Context) []model.Task {
	data, err := r.blobs.ReadState(ctx, CheckpointName)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		r.logger.Error("checkpoint unreadable, starting empty", "error", err)
		return nil
	}

	tasks, err := model.DecodeCheckpoint(data)
	if err != nil {
		r.logger.Error("checkpoint corrupt, starting empty", "error", err, "bytes", len(data))
		if qerr := r.blobs.WriteState(ctx, CheckpointName+corruptSuffix, data); qerr != nil {
			r.logger.Error("quarantine checkpoint", "error", qerr)
		}
		return nil
	}

	for i := range tasks {
		t := &tasks[i]
		switch t.Status {
		case model.StatusBlocked, model.StatusRunning:
			t.Status = model.StatusPending
		case model.StatusSending:
			t.Status = model.StatusFinished
		}
		if t.Status == model.StatusPending {
			t.Outcome, t.Outputs, t.Error = "", nil, nil
		}
	}
	return tasks
}

// requestSave schedules a checkpoint write. Immediate writes skip the
// debounce delay.
func (r *Runner) requestSave(immediate bool) {
	r.mu.Lock()
	r.saveDirty = true
	if immediate {
		r.saveNow = true
	}
	r.mu.Unlock()
	notify(r.saveWake)
}

// saveLoop is the only writer of the checkpoint while running. It exits
// when the runner starts stopping; Stop writes the final checkpoint.
func (r *Runner) saveLoop() {
	defer close(r.saverDone)

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.saveWake:
			r.mu.Lock()
			now, dirty, delay := r.saveNow, r.saveDirty, r.tunables.SaveTimeout
			r.mu.Unlock()
			if !dirty {
				continue
			}
			if !now && delay > 0 {
				if timer == nil {
					timer = time.NewTimer(delay)
					timerC = timer.C
				}
				continue
			}
			stopTimer()
		case <-timerC:
			timer, timerC = nil, nil
		}

		if err := r.save(r.ctx); err != nil {
			r.logger.Error("checkpoint failed", "error", err)
		}
	}
}

// save writes the current task set.
func (r *Runner) save(ctx context.Context) error {
	r.mu.Lock()
	snapshot := r.snapshotLocked()
	r.saveDirty, r.saveNow = false, false
	r.mu.Unlock()

	tasks := make([]*model.Task, len(snapshot))
	for i := range snapshot {
		tasks[i] = &snapshot[i]
	}

	start := time.Now()
	data, err := model.EncodeCheckpoint(tasks)
	if err != nil {
		return err
	}
	if err := r.blobs.WriteState(ctx, CheckpointName, data); err != nil {
		r.mu.Lock()
		r.saveDirty = true
		r.mu.Unlock()
		return err
	}
	checkpointDuration.Observe(time.Since(start).Seconds())
	r.logger.Debug("checkpoint written", "tasks", len(tasks), "bytes", len(data))
	return nil
}
