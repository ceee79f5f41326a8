// Package pool runs jobs on an elastic set of isolated workers, one job per
// worker at a time.
//
// Workers are started lazily as jobs queue up, up to the concurrency limit.
// A worker left idle with nothing queued is terminated after the drain
// timeout. While a job runs its worker may send control messages, which are
// offered to the job's OnControl callback and then to the pool fallback.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/worker"
)

// Defaults.
const (
	DefaultDrainTimeout = 5 * time.Second
	DefaultStartTimeout = 30 * time.Second
	MaxConcurrency      = 128
)

// Concurrency returns the worker limit for a requested value. Zero or a
// negative request means one less than the number of CPUs. The result is
// clamped to [1, MaxConcurrency].
func Concurrency(requested int) int {
	n := requested
	if n <= 0 {
		n = runtime.NumCPU() - 1
	}
	return max(1, min(n, MaxConcurrency))
}

// Reply sends a message back to the worker running the job. It must be
// called before the handler returns.
type Reply func(ctx context.Context, m worker.Message) error

// Callbacks receive the progress of one job. Exactly one of OnDone and
// OnError is called, once. Callbacks run on pool goroutines, never under the
// pool lock.
type Callbacks struct {
	OnStart func()
	// OnControl returns false to pass the message on to the fallback.
	OnControl func(ctl worker.Control, reply Reply) bool
	OnDone    func(res worker.Result)
	OnError   func(err error)
}

// FallbackFunc handles control messages no job callback took.
type FallbackFunc func(jobID string, ctl worker.Control) bool

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Active   int `json:"active"`
	Idle     int `json:"idle"`
	Starting int `json:"starting"`
	Queued   int `json:"queued"`
	Limit    int `json:"limit"`
}

type item struct {
	cb        Callbacks
	job       worker.Job
	w         *slot
	cancelled bool
	done      bool
	started   time.Time
}

type slot struct {
	id    int
	conn  Conn
	state string
	jobs  chan *item
	quit  chan struct{}
	drain *time.Timer
}

// Pool dispatches jobs to workers.
type Pool struct {
	spawner      Spawner
	limit        int
	drainTimeout time.Duration
	startTimeout time.Duration
	fallback     FallbackFunc
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []*item
	slots    map[*slot]struct{}
	idle     []*slot
	starting int
	nextID   int
	closed   bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency sets the worker limit; see Concurrency.
func WithConcurrency(n int) Option {
	return func(p *Pool) { p.limit = Concurrency(n) }
}

// WithDrainTimeout sets how long an idle worker is kept with nothing queued.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pool) { p.drainTimeout = d }
}

// WithStartTimeout bounds the wait for a new worker's started message.
func WithStartTimeout(d time.Duration) Option {
	return func(p *Pool) { p.startTimeout = d }
}

// WithFallback replaces the pool-level control handler.
func WithFallback(f FallbackFunc) Option {
	return func(p *Pool) { p.fallback = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a pool. No worker is started until a job is pushed.
func New(spawner Spawner, opts ...Option) *Pool {
	p := &Pool{
		spawner:      spawner,
		limit:        Concurrency(0),
		drainTimeout: DefaultDrainTimeout,
		startTimeout: DefaultStartTimeout,
		logger:       slog.Default(),
		slots:        make(map[*slot]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")
	if p.fallback == nil {
		p.fallback = p.logPrint
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// logPrint is the default fallback: program output goes to the log.
func (p *Pool) logPrint(jobID string, ctl worker.Control) bool {
	if ctl.Op != worker.OpPrint {
		return false
	}
	p.logger.Info("program output", "job_id", jobID, "line", ctl.Line)
	return true
}

// Push queues a job and returns a function that cancels it. Cancelling a
// queued job removes it and fails it as cancelled without starting it;
// cancelling a running job kills its worker.
func (p *Pool) Push(cb Callbacks, job worker.Job) (cancel func()) {
	it := &item{cb: cb, job: job}

	p.mu.Lock()
	if p.closed {
		it.done = true
		p.mu.Unlock()
		go p.complete(it, worker.Result{}, xerrors.New(xerrors.KindCancelled, "pool closed"))
		return func() {}
	}
	p.queue = append(p.queue, it)
	p.dispatchLocked()
	p.publishLocked()
	p.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { p.cancelItem(it) }) }
}

func (p *Pool) cancelItem(it *item) {
	p.mu.Lock()
	if it.done || it.cancelled {
		p.mu.Unlock()
		return
	}
	if it.w == nil {
		for i, q := range p.queue {
			if q == it {
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		it.done = true
		p.publishLocked()
		p.mu.Unlock()
		go p.complete(it, worker.Result{}, cancelledErr(it))
		return
	}
	it.cancelled = true
	s := it.w
	p.mu.Unlock()

	p.logger.Debug("killing worker of cancelled job", "worker", s.id, "job_id", it.job.ID)
	workersKilledTotal.Inc()
	s.conn.Kill()
}

func cancelledErr(it *item) error {
	return xerrors.New(xerrors.KindCancelled, "job cancelled", xerrors.WithField("job_id", it.job.ID))
}

// dispatchLocked hands queued jobs to idle workers and starts new workers
// for the remainder, within the limit.
func (p *Pool) dispatchLocked() {
	for len(p.queue) > 0 && len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		it := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]

		if s.drain != nil {
			s.drain.Stop()
			s.drain = nil
		}
		s.state = stateBusy
		it.w = s
		s.jobs <- it
	}
	for len(p.queue) > p.starting && len(p.slots) < p.limit {
		p.spawnLocked()
	}
}

func (p *Pool) spawnLocked() {
	p.nextID++
	s := &slot{
		id:    p.nextID,
		state: stateStarting,
		jobs:  make(chan *item, 1),
		quit:  make(chan struct{}),
	}
	p.slots[s] = struct{}{}
	p.starting++
	p.wg.Add(1)
	go p.run(s)
}

// idleLocked parks s and arms its drain timer if nothing took it.
func (p *Pool) idleLocked(s *slot) {
	s.state = stateIdle
	p.idle = append(p.idle, s)
	p.dispatchLocked()
	if s.state == stateIdle {
		s.drain = time.AfterFunc(p.drainTimeout, func() { p.expire(s) })
	}
}

func (p *Pool) removeIdleLocked(s *slot) bool {
	for i, x := range p.idle {
		if x == s {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) expire(s *slot) {
	p.mu.Lock()
	if s.state != stateIdle || !p.removeIdleLocked(s) {
		p.mu.Unlock()
		return
	}
	delete(p.slots, s)
	close(s.quit)
	p.publishLocked()
	p.mu.Unlock()

	p.logger.Debug("idle worker drained", "worker", s.id)
	s.conn.Kill()
}

func (p *Pool) publishLocked() {
	idle := len(p.idle)
	workersGauge.WithLabelValues(stateStarting).Set(float64(p.starting))
	workersGauge.WithLabelValues(stateIdle).Set(float64(idle))
	workersGauge.WithLabelValues(stateBusy).Set(float64(len(p.slots) - p.starting - idle))
	queueLength.Set(float64(len(p.queue)))
}

// run owns one worker from spawn to exit.
func (p *Pool) run(s *slot) {
	defer p.wg.Done()
	logger := p.logger.With("worker", s.id)

	conn, err := p.spawner.Spawn(p.ctx)
	if err == nil {
		p.mu.Lock()
		s.conn = conn
		closed := p.closed
		p.mu.Unlock()
		if closed {
			err = xerrors.New(xerrors.KindCancelled, "pool closed")
		} else {
			err = p.awaitStarted(conn)
		}
		if err != nil {
			conn.Kill()
		}
	}

	p.mu.Lock()
	p.starting--
	if err != nil || p.closed {
		delete(p.slots, s)
		var orphans []*item
		// With no worker left the queue would never drain; fail it rather
		// than respawn in a loop.
		if err != nil && len(p.slots) == 0 {
			orphans = p.queue
			p.queue = nil
			for _, it := range orphans {
				it.done = true
			}
		}
		p.publishLocked()
		p.mu.Unlock()

		if err == nil {
			conn.Kill()
			return
		}
		if !xerrors.IsCancelled(err) {
			logger.Error("worker failed to start", "error", err)
		}
		for _, it := range orphans {
			p.complete(it, worker.Result{}, xerrors.Wrap(xerrors.KindRuntime, err, "start worker"))
		}
		return
	}
	logger.Debug("worker ready")
	p.idleLocked(s)
	p.publishLocked()
	p.mu.Unlock()

	for {
		select {
		case it := <-s.jobs:
			if !p.runJob(s, it, logger) {
				return
			}
		case <-s.quit:
			return
		}
	}
}

func (p *Pool) awaitStarted(conn Conn) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.startTimeout)
	defer cancel()
	// Stream transports only notice the deadline once the worker is gone.
	stop := context.AfterFunc(ctx, func() { conn.Kill() })
	defer stop()

	msg, err := conn.Recv(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && p.ctx.Err() == nil {
			return xerrors.Wrap(xerrors.KindRuntime, ctx.Err(), "worker did not start in time",
				xerrors.WithField("timeout", p.startTimeout.String()))
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return fmt.Errorf("await started: %w", err)
	}
	if msg.Type != worker.TypeStarted {
		return xerrors.New(xerrors.KindValidation, fmt.Sprintf("expected started, got %s", msg.Type))
	}
	return nil
}

// runJob drives one job on s. It reports whether s may take another job.
func (p *Pool) runJob(s *slot, it *item, logger *slog.Logger) bool {
	p.mu.Lock()
	cancelled := it.cancelled
	p.mu.Unlock()
	if cancelled {
		return p.retire(s, it, errors.New("job cancelled before start"), logger)
	}

	it.started = time.Now()
	if it.cb.OnStart != nil {
		it.cb.OnStart()
	}
	logger = logger.With("job_id", it.job.ID)

	job := it.job
	if err := s.conn.Send(p.ctx, worker.Message{Type: worker.TypeJob, Job: &job}); err != nil {
		return p.retire(s, it, fmt.Errorf("send job: %w", err), logger)
	}

	reply := func(ctx context.Context, m worker.Message) error { return s.conn.Send(ctx, m) }
	for {
		msg, err := s.conn.Recv(p.ctx)
		if err != nil {
			return p.retire(s, it, fmt.Errorf("worker lost: %w", err), logger)
		}
		switch msg.Type {
		case worker.TypeStarted:
		case worker.TypeControl:
			handled, err := p.relay(it, *msg.Control, reply)
			if err != nil {
				return p.retire(s, it, err, logger)
			}
			if !handled {
				return p.retire(s, it, fmt.Errorf("unhandled control op %q", msg.Control.Op), logger)
			}
		case worker.TypeResult:
			p.finish(it, *msg.Result, nil)
			return p.release(s, it)
		case worker.TypeError:
			p.finish(it, worker.Result{}, msg.Error.Err())
			return p.release(s, it)
		default:
			return p.retire(s, it, fmt.Errorf("unexpected %s message", msg.Type), logger)
		}
	}
}

// relay offers a control message to the job and then to the fallback. A
// panicking handler is reported as an error.
func (p *Pool) relay(it *item, ctl worker.Control, reply Reply) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("control handler panic: %v", r)
		}
	}()
	if it.cb.OnControl != nil && it.cb.OnControl(ctl, reply) {
		return true, nil
	}
	return p.fallback(it.job.ID, ctl), nil
}

// retire kills s after a protocol violation or lost channel and fails its
// job. A replacement is started if work remains.
func (p *Pool) retire(s *slot, it *item, cause error, logger *slog.Logger) bool {
	s.conn.Kill()

	p.mu.Lock()
	cancelled := it.cancelled
	delete(p.slots, s)
	p.dispatchLocked()
	p.publishLocked()
	p.mu.Unlock()

	if cancelled {
		p.finish(it, worker.Result{}, cancelledErr(it))
		return false
	}
	workersKilledTotal.Inc()
	logger.Warn("worker killed", "error", cause)
	p.finish(it, worker.Result{}, xerrors.Wrap(xerrors.KindRuntime, cause, "worker failed", xerrors.WithField("job_id", it.job.ID)))
	return false
}

// release returns s to the idle set after a completed job, unless the job
// was cancelled meanwhile (its worker is being killed) or the pool closed.
func (p *Pool) release(s *slot, it *item) bool {
	p.mu.Lock()
	if it.cancelled || p.closed {
		delete(p.slots, s)
		p.dispatchLocked()
		p.publishLocked()
		p.mu.Unlock()
		s.conn.Kill()
		return false
	}
	p.idleLocked(s)
	p.publishLocked()
	p.mu.Unlock()
	return true
}

func (p *Pool) finish(it *item, res worker.Result, err error) {
	p.mu.Lock()
	if it.done {
		p.mu.Unlock()
		return
	}
	it.done = true
	if it.cancelled {
		res, err = worker.Result{}, cancelledErr(it)
	}
	p.mu.Unlock()

	if !it.started.IsZero() {
		jobDuration.Observe(time.Since(it.started).Seconds())
	}
	p.complete(it, res, err)
}

// complete fires the terminal callback. The caller has marked it done.
func (p *Pool) complete(it *item, res worker.Result, err error) {
	switch {
	case err == nil:
		jobsTotal.WithLabelValues(jobOK).Inc()
		if it.cb.OnDone != nil {
			it.cb.OnDone(res)
		}
		return
	case xerrors.IsCancelled(err):
		jobsTotal.WithLabelValues(jobCancelled).Inc()
	default:
		jobsTotal.WithLabelValues(jobError).Inc()
	}
	if it.cb.OnError != nil {
		it.cb.OnError(err)
	}
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.idle)
	return Stats{
		Active:   len(p.slots) - p.starting - idle,
		Idle:     idle,
		Starting: p.starting,
		Queued:   len(p.queue),
		Limit:    p.limit,
	}
}

// Close fails queued jobs as cancelled, kills idle workers and waits for
// running jobs to finish. If ctx ends first the remaining workers are killed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	queued := p.queue
	p.queue = nil
	for _, it := range queued {
		it.done = true
	}
	idle := p.idle
	p.idle = nil
	for _, s := range idle {
		if s.drain != nil {
			s.drain.Stop()
		}
		s.state = stateDead
		delete(p.slots, s)
		close(s.quit)
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, s := range idle {
		s.conn.Kill()
	}
	for _, it := range queued {
		p.complete(it, worker.Result{}, cancelledErr(it))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		p.logger.Info("pool closed")
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	var conns []Conn
	for s := range p.slots {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.Kill()
	}
	p.cancel()
	<-done
	return ctx.Err()
}
