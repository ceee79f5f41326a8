// Package runner drives tasks from the work provider through the blob
// repository and the worker pool, keeps a durable checkpoint of the task set
// and returns results.
//
// A task moves pending → blocked → running → finished → sending and is
// removed once its result is accepted. A failed send returns it to finished.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/provider"
	"github.com/seantiz/anvil/internal/worker"
)

// CheckpointName is the state blob holding the task set.
const CheckpointName = "runner"

// Runner states.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

// Tunables control fetching, sending and checkpointing. They may be changed
// while running.
type Tunables struct {
	// Fetch only while fewer tasks than this are unfinished.
	TasksPendingMin int `json:"tasks_pending_min" yaml:"tasks_pending_min"`
	// Fetch only while fewer finished tasks than this are unsent.
	TasksFinishedMax int `json:"tasks_finished_max" yaml:"tasks_finished_max"`
	// Byte budget of one result batch.
	SendMaxBytes int `json:"send_max_bytes" yaml:"send_max_bytes"`
	// Debounce delay for checkpoint writes.
	SaveTimeout time.Duration `json:"save_timeout" yaml:"save_timeout"`
	// Wait after an empty or failed fetch, and after a failed send.
	EmptyRetryDelay time.Duration `json:"empty_retry_delay" yaml:"empty_retry_delay"`
}

// DefaultTunables returns the defaults.
func DefaultTunables() Tunables {
	return Tunables{
		TasksPendingMin:  4,
		TasksFinishedMax: 64,
		SendMaxBytes:     1 << 20,
		SaveTimeout:      time.Second,
		EmptyRetryDelay:  30 * time.Second,
	}
}

// Blobs is the part of the blob repository the runner uses.
type Blobs interface {
	Resolve(ref model.BlobRef) (model.BlobRef, error)
	WithBlobs(ctx context.Context, refs []model.BlobRef, body func(ctx context.Context) error) error
	Read(ctx context.Context, ref model.BlobRef) ([]byte, error)
	Create(ctx context.Context, data []byte) (model.BlobRef, error)
	Pin(ref model.BlobRef) error
	Unpin(ref model.BlobRef) error
	ReadState(ctx context.Context, name string) ([]byte, error)
	WriteState(ctx context.Context, name string, data []byte) error
}

// Dispatcher runs jobs on workers.
type Dispatcher interface {
	Push(cb pool.Callbacks, job worker.Job) (cancel func())
}

// Status is a snapshot for the control surface.
type Status struct {
	State     string         `json:"state"`
	Tasks     map[string]int `json:"tasks"`
	Outcomes  map[string]int `json:"outcomes"`
	Unsent    int            `json:"unsent"`
	Blocked   []string       `json:"blocked,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	Tunables  Tunables       `json:"tunables"`
}

type entry struct {
	task   model.Task
	seq    uint64
	cancel context.CancelFunc
}

// Runner orchestrates the task lifecycle.
type Runner struct {
	blobs    Blobs
	pool     Dispatcher
	provider provider.Provider
	logger   *slog.Logger
	feed     *Feed

	// ctx ends only when Stop gives up waiting; work is not tied to the
	// caller's context.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     string
	tunables  Tunables
	tasks     map[string]*entry
	seq       uint64
	sending   bool
	lastError string
	fetchWait string

	saveDirty bool
	saveNow   bool

	fetchWake    chan struct{}
	settingsWake chan struct{}
	sendWake     chan struct{}
	saveWake     chan struct{}
	stopCh       chan struct{}
	saverDone    chan struct{}

	loops sync.WaitGroup // fetch and send loops
	work  sync.WaitGroup // task goroutines and in-flight sends
}

// New creates a runner. Nothing happens until Start.
func New(blobs Blobs, dispatcher Dispatcher, p provider.Provider, tunables Tunables, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		blobs:        blobs,
		pool:         dispatcher,
		provider:     p,
		logger:       logger.With("component", "runner"),
		feed:         NewFeed(),
		ctx:          ctx,
		cancel:       cancel,
		state:        StateIdle,
		tunables:     tunables,
		tasks:        make(map[string]*entry),
		fetchWake:    make(chan struct{}, 1),
		settingsWake: make(chan struct{}, 1),
		sendWake:     make(chan struct{}, 1),
		saveWake:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		saverDone:    make(chan struct{}),
	}
}

// Feed returns the status feed.
func (r *Runner) Feed() *Feed {
	return r.feed
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Start loads the checkpoint, re-pins finished outputs and starts the
// control loops. A checkpoint that cannot be read or decoded is set aside
// and the runner starts empty.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return xerrors.New(xerrors.KindState, "runner already started", xerrors.WithField("state", r.state))
	}
	r.mu.Unlock()

	tasks := r.loadCheckpoint(ctx)

	r.mu.Lock()
	var (
		resume   []*entry
		rejected int
	)
	for _, t := range tasks {
		if _, dup := r.tasks[t.ID]; dup {
			r.logger.Warn("duplicate task in checkpoint", "task_id", t.ID)
			continue
		}
		if t.Status == model.StatusFinished && t.Outcome == model.OutcomeOK {
			if err := r.pinOutputs(t.Outputs); err != nil {
				r.logger.Error("output lost across restart", "task_id", t.ID, "error", err)
				t.Outputs = nil
				t.Outcome = model.OutcomeError
				t.Error = xerrors.ToPayload(xerrors.Wrap(xerrors.KindState, err, "output lost across restart"))
			}
		}
		e := r.addLocked(t)
		if e.task.Status != model.StatusPending {
			continue
		}
		if err := r.resolveLocked(e); err != nil {
			r.logger.Warn("reloaded task rejected", "task_id", t.ID, "error", err)
			r.finishLocked(e, model.OutcomeError, nil, err)
			rejected++
			continue
		}
		resume = append(resume, e)
	}
	r.state = StateRunning
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("runner started", "tasks", len(tasks), "resumed", len(resume))
	r.feed.Publish(fmt.Sprintf("runner started with %d tasks", len(tasks)))

	go r.saveLoop()
	if rejected > 0 {
		r.requestSave(true)
	}
	r.loops.Add(2)
	go r.fetchLoop()
	go r.sendLoop()
	for _, e := range resume {
		r.spawnTask(e)
	}
	notify(r.sendWake)
	return nil
}

// pinOutputs pins refs, undoing partial progress on failure.
func (r *Runner) pinOutputs(refs []model.BlobRef) error {
	for i, ref := range refs {
		if err := r.blobs.Pin(ref); err != nil {
			for _, done := range refs[:i] {
				r.blobs.Unpin(done)
			}
			return err
		}
	}
	return nil
}

func (r *Runner) addLocked(t model.Task) *entry {
	r.seq++
	e := &entry{task: t, seq: r.seq}
	r.tasks[t.ID] = e
	return e
}

// Stop shuts down gracefully: no new fetches or sends start, tasks not yet
// running are refused, running jobs and an in-flight send finish, and a
// final checkpoint is written. If ctx ends first, running jobs are killed
// and refused too.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	var cancels []context.CancelFunc
	for _, e := range r.tasks {
		if e.task.Status == model.StatusBlocked && e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("runner stopping", "refusing", len(cancels))
	r.feed.Publish("runner stopping")
	close(r.stopCh)
	for _, cancel := range cancels {
		cancel()
	}

	var stopErr error
	settled := make(chan struct{})
	go func() {
		r.loops.Wait()
		r.work.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		stopErr = ctx.Err()
		r.logger.Warn("stop deadline reached, killing running jobs")
		r.cancelRunning()
		r.cancel()
		<-settled
	}

	<-r.saverDone
	if err := r.save(context.Background()); err != nil {
		r.logger.Error("final checkpoint failed", "error", err)
		stopErr = errors.Join(stopErr, err)
	}

	r.mu.Lock()
	r.state = StateStopped
	r.publishLocked()
	r.mu.Unlock()
	r.cancel()

	r.logger.Info("runner stopped")
	r.feed.Publish("runner stopped")
	r.feed.Close()
	return stopErr
}

func (r *Runner) cancelRunning() {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for _, e := range r.tasks {
		if e.cancel != nil {
			cancels = append(cancels, e.cancel)
		}
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// SetTunables replaces the tunables and wakes a fetch loop waiting after an
// empty response.
func (r *Runner) SetTunables(t Tunables) {
	r.mu.Lock()
	r.tunables = t
	r.mu.Unlock()
	r.logger.Info("tunables changed", "tunables", t)
	notify(r.settingsWake)
	notify(r.fetchWake)
	notify(r.sendWake)
}

// Tunables returns the current tunables.
func (r *Runner) Tunables() Tunables {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tunables
}

// Inspect returns copies of all tasks in admission order.
func (r *Runner) Inspect() []model.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Runner) snapshotLocked() []model.Task {
	entries := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]model.Task, len(entries))
	for i, e := range entries {
		out[i] = e.task
	}
	return out
}

// Status returns a snapshot of the runner.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		State:     r.state,
		Tasks:     make(map[string]int),
		Outcomes:  make(map[string]int),
		LastError: r.lastError,
		Tunables:  r.tunables,
	}
	for _, e := range r.tasks {
		s.Tasks[e.task.Status]++
		if e.task.Outcome != "" {
			s.Outcomes[e.task.Outcome]++
		}
		if e.task.Status == model.StatusFinished {
			s.Unsent++
		}
	}
	if r.fetchWait != "" {
		s.Blocked = append(s.Blocked, r.fetchWait)
	}
	return s
}

// countsLocked returns the unfinished and unsent-finished task counts.
func (r *Runner) countsLocked() (active, unsent int) {
	for _, e := range r.tasks {
		switch e.task.Status {
		case model.StatusPending, model.StatusBlocked, model.StatusRunning:
			active++
		case model.StatusFinished:
			unsent++
		}
	}
	return active, unsent
}

func (r *Runner) publishLocked() {
	counts := make(map[string]int)
	for _, e := range r.tasks {
		counts[e.task.Status]++
	}
	for _, s := range []string{model.StatusPending, model.StatusBlocked, model.StatusRunning, model.StatusFinished, model.StatusSending} {
		tasksGauge.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// transitionLocked moves e to status, rejecting transitions the lifecycle
// does not allow.
func (r *Runner) transitionLocked(e *entry, status string) error {
	if !model.ValidTransition(e.task.Status, status) {
		return xerrors.New(xerrors.KindState, "invalid task transition",
			xerrors.WithField("task_id", e.task.ID),
			xerrors.WithField("from", e.task.Status),
			xerrors.WithField("to", status),
		)
	}
	e.task.Status = status
	r.publishLocked()
	return nil
}

func (r *Runner) stoppingLocked() bool {
	return r.state != StateRunning
}
