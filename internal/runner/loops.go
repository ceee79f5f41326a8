package runner

import (
	"fmt"
	"sort"
	"time"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
)

// wait blocks until one of wake fires, delay passes or the runner stops.
// It reports false once the runner is stopping.
func (r *Runner) wait(delay time.Duration, wake ...chan struct{}) bool {
	var timerC <-chan time.Time
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timerC = timer.C
	}
	var w1, w2 chan struct{}
	if len(wake) > 0 {
		w1 = wake[0]
	}
	if len(wake) > 1 {
		w2 = wake[1]
	}
	select {
	case <-r.stopCh:
		return false
	case <-w1:
	case <-w2:
	case <-timerC:
	}
	return true
}

func (r *Runner) setFetchWait(reason string, err error) {
	r.mu.Lock()
	r.fetchWait = reason
	if err != nil {
		r.lastError = err.Error()
	}
	r.mu.Unlock()
}

// fetchLoop requests tasks while there is room below both water marks.
func (r *Runner) fetchLoop() {
	defer r.loops.Done()

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.mu.Lock()
		tun := r.tunables
		active, unsent := r.countsLocked()
		r.mu.Unlock()

		if active >= tun.TasksPendingMin || unsent >= tun.TasksFinishedMax {
			r.setFetchWait("", nil)
			if !r.wait(0, r.fetchWake) {
				return
			}
			continue
		}

		r.setFetchWait("fetching tasks", nil)
		tasks, err := r.provider.GetTasks(r.ctx)
		if err != nil {
			r.logger.Warn("fetch tasks failed", "error", err, "retry_in", tun.EmptyRetryDelay)
			r.setFetchWait(fmt.Sprintf("fetch failed, retrying in %s", tun.EmptyRetryDelay), err)
			if !r.wait(tun.EmptyRetryDelay, r.settingsWake) {
				return
			}
			continue
		}
		if len(tasks) == 0 {
			r.logger.Debug("no tasks available", "retry_in", tun.EmptyRetryDelay)
			r.setFetchWait(fmt.Sprintf("no tasks available, retrying in %s", tun.EmptyRetryDelay), nil)
			if !r.wait(tun.EmptyRetryDelay, r.settingsWake) {
				return
			}
			continue
		}

		r.setFetchWait("", nil)
		r.admit(tasks)
	}
}

// sendLoop submits finished results whenever some are waiting.
func (r *Runner) sendLoop() {
	defer r.loops.Done()

	for {
		if !r.wait(0, r.sendWake) {
			return
		}
		for {
			batch := r.takeBatch()
			if len(batch) == 0 {
				break
			}
			if err := r.sendBatch(batch); err != nil {
				delay := r.Tunables().EmptyRetryDelay
				r.logger.Warn("send failed, batch requeued", "tasks", len(batch), "error", err, "retry_in", delay)
				if !r.wait(delay, r.settingsWake) {
					return
				}
			}
		}
	}
}

// takeBatch moves the oldest finished tasks to sending while the byte budget
// allows. The first task is always taken, whatever its size.
func (r *Runner) takeBatch() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stoppingLocked() {
		return nil
	}

	var finished []*entry
	for _, e := range r.tasks {
		if e.task.Status == model.StatusFinished {
			finished = append(finished, e)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].seq < finished[j].seq })

	budget := r.tunables.SendMaxBytes
	var (
		batch []*entry
		used  int
	)
	for _, e := range finished {
		n := resultSize(&e.task)
		if len(batch) > 0 && used+n > budget {
			break
		}
		used += n
		batch = append(batch, e)
	}
	for _, e := range batch {
		if err := r.transitionLocked(e, model.StatusSending); err != nil {
			r.logger.Error("take batch", "error", err)
		}
	}
	return batch
}

// resultSize predicts model.Result.Size from the task's declared output
// sizes.
func resultSize(t *model.Task) int {
	n := len(t.ID) + int(model.TotalSize(t.Outputs))
	if t.Error != nil {
		n += len(t.Error.Message)
	}
	return n
}

// sendBatch reads the outputs of batch and submits them. On any failure the
// whole batch returns to finished.
func (r *Runner) sendBatch(batch []*entry) error {
	ctx := r.ctx
	results := make([]model.Result, 0, len(batch))
	ids := make([]string, 0, len(batch))

	err := func() error {
		r.mu.Lock()
		tasks := make([]model.Task, len(batch))
		for i, e := range batch {
			tasks[i] = e.task
		}
		r.mu.Unlock()

		for _, t := range tasks {
			res := model.Result{TaskID: t.ID, Outcome: t.Outcome, Error: t.Error}
			for _, ref := range t.Outputs {
				data, err := r.blobs.Read(ctx, ref)
				if err != nil {
					sendBatchesTotal.WithLabelValues(sendInvalid).Inc()
					return xerrors.Wrap(xerrors.KindRuntime, err, "read output",
						xerrors.WithField("task_id", t.ID), xerrors.WithField("blob", ref.ID))
				}
				res.Data = append(res.Data, data)
			}
			results = append(results, res)
			ids = append(ids, t.ID)
		}

		if err := r.provider.SendTasks(ctx, results); err != nil {
			label := sendFailed
			if xerrors.KindOf(err) == xerrors.KindValidation {
				label = sendInvalid
			}
			sendBatchesTotal.WithLabelValues(label).Inc()
			return err
		}
		return nil
	}()

	r.mu.Lock()
	if err != nil {
		r.lastError = err.Error()
		for _, e := range batch {
			if e.task.Status == model.StatusSending {
				e.task.Status = model.StatusFinished
			}
		}
		r.publishLocked()
		r.mu.Unlock()
		return err
	}

	var unpin []model.BlobRef
	for _, e := range batch {
		unpin = append(unpin, e.task.Outputs...)
		delete(r.tasks, e.task.ID)
	}
	r.publishLocked()
	r.mu.Unlock()

	for _, ref := range unpin {
		if uerr := r.blobs.Unpin(ref); uerr != nil {
			r.logger.Warn("unpin output", "blob", ref.ID, "error", uerr)
		}
	}
	sendBatchesTotal.WithLabelValues(sendOK).Inc()
	r.logger.Info("results sent", "tasks", len(ids))
	r.feed.Publish(fmt.Sprintf("sent %d results", len(ids)))
	r.requestSave(true)
	notify(r.fetchWake)
	return nil
}
