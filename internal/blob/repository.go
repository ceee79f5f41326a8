// Package blob makes immutable, id-addressed blobs available in local storage
// under a cache budget, downloading missing ones from the work provider.
//
// Blobs with a non-zero refcount are never evicted. Downloads run FIFO by
// request group with bounded concurrency; a blob whose download fails with a
// network error goes back to its original group position after a delay.
package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "github.com/seantiz/anvil/internal/errors"
	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/store"
)

// Defaults.
const (
	DefaultMaxDownloads = 3
	DefaultRetryDelay   = 5 * time.Second
	DefaultCacheMax     = 1 << 30
)

// statePrefix namespaces checkpoint blobs, which sit outside cache accounting.
const statePrefix = "state:"

// ErrCacheFull is the cause of a request refused by admission control.
var ErrCacheFull = errors.New("cache budget exceeded")

// Fetcher downloads blob contents.
type Fetcher interface {
	GetBlob(ctx context.Context, id string, size int64) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, id string, size int64) ([]byte, error)

func (f FetcherFunc) GetBlob(ctx context.Context, id string, size int64) ([]byte, error) {
	return f(ctx, id, size)
}

// Stats is a snapshot of repository accounting.
type Stats struct {
	CacheUsed   int64  `json:"cache_used"`
	CachePinned int64  `json:"cache_pinned"`
	CacheMax    int64  `json:"cache_max"`
	Blobs       int    `json:"blobs"`
	Queued      int    `json:"queued"`
	InFlight    int    `json:"in_flight"`
	Groups      uint64 `json:"groups"`
}

type entry struct {
	ref       model.BlobRef
	available bool
	state     bool
	refs      int
	// group is the download batch this blob was enqueued with, 0 if not
	// queued. It is kept across a retry delay so the blob is neither
	// enqueued twice nor loses its place.
	group       uint64
	queued      bool
	downloading bool
	discarded   bool
	lastUse     uint64
	waiters     []chan error
}

func (e *entry) notify(err error) {
	for _, ch := range e.waiters {
		ch <- err
	}
	e.waiters = nil
}

// Repository is the sole owner of local blob storage.
type Repository struct {
	storage store.Storage
	fetcher Fetcher
	logger  *slog.Logger

	cacheMax     int64
	maxDownloads int
	retryDelay   time.Duration

	// wmu serializes storage writes so eviction deletes and stores are
	// observed in decision order.
	wmu sync.Mutex

	mu       sync.Mutex
	entries  map[string]*entry
	queue    []*entry
	groups   uint64
	inflight int
	used     int64
	pinned   int64
	tick     uint64
	closed   bool
	fatal    error
	timers   map[*entry]*time.Timer

	dlCtx    context.Context
	dlCancel context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Repository.
type Option func(*Repository)

// WithCacheMax sets the cache budget in bytes.
func WithCacheMax(n int64) Option {
	return func(r *Repository) { r.cacheMax = n }
}

// WithMaxDownloads bounds concurrent downloads.
func WithMaxDownloads(n int) Option {
	return func(r *Repository) {
		if n > 0 {
			r.maxDownloads = n
		}
	}
}

// WithRetryDelay sets the delay before a failed download is requeued.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Repository) { r.retryDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.logger = l }
}

// Open rebuilds availability from storage. Stored blobs start unpinned; if
// they exceed the budget the least recently listed are evicted.
func Open(ctx context.Context, storage store.Storage, fetcher Fetcher, opts ...Option) (*Repository, error) {
	r := &Repository{
		storage:      storage,
		fetcher:      fetcher,
		logger:       slog.Default(),
		cacheMax:     DefaultCacheMax,
		maxDownloads: DefaultMaxDownloads,
		retryDelay:   DefaultRetryDelay,
		entries:      make(map[string]*entry),
		timers:       make(map[*entry]*time.Timer),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "blob")
	r.dlCtx, r.dlCancel = context.WithCancel(context.Background())

	list, err := storage.List(ctx)
	if err != nil {
		r.dlCancel()
		return nil, fmt.Errorf("list storage: %w", err)
	}
	for _, se := range list {
		e := &entry{ref: model.BlobRef{ID: se.ID, Size: se.Size}, available: true}
		if strings.HasPrefix(se.ID, statePrefix) {
			e.state = true
		} else {
			r.used += se.Size
		}
		r.entries[se.ID] = e
	}

	r.wmu.Lock()
	r.mu.Lock()
	victims := r.evictLocked(0)
	r.mu.Unlock()
	err = r.deleteVictims(ctx, victims)
	r.wmu.Unlock()
	if err != nil {
		r.dlCancel()
		return nil, err
	}

	r.logger.Info("blob repository opened", "blobs", len(r.entries), "cache_used", r.used, "cache_max", r.cacheMax)
	r.publish()
	return r, nil
}

func (r *Repository) errLocked() error {
	if r.fatal != nil {
		return r.fatal
	}
	if r.closed {
		return xerrors.New(xerrors.KindCancelled, "blob repository closed")
	}
	return nil
}

func (r *Repository) touch(e *entry) {
	r.tick++
	e.lastUse = r.tick
}

// publish updates gauges. Caller holds mu or owns r exclusively.
func (r *Repository) publish() {
	cacheUsedBytes.Set(float64(r.used))
	cachePinnedBytes.Set(float64(r.pinned))
	downloadQueueLength.Set(float64(len(r.queue)))
}

// Resolve deduplicates ref against a known blob with the same id. A size
// disagreement is an error only when the known blob is already available.
func (r *Repository) Resolve(ref model.BlobRef) (model.BlobRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(ref)
}

func (r *Repository) resolveLocked(ref model.BlobRef) (model.BlobRef, error) {
	e, ok := r.entries[ref.ID]
	if !ok || e.ref.Size == ref.Size {
		return ref, nil
	}
	if e.available {
		return ref, xerrors.New(xerrors.KindValidation, "blob size mismatch",
			xerrors.WithField("blob", ref.ID),
			xerrors.WithField("size", ref.Size),
			xerrors.WithField("known_size", e.ref.Size),
		)
	}
	r.logger.Warn("blob size disagreement", "blob", ref.ID, "size", ref.Size, "known_size", e.ref.Size)
	return e.ref, nil
}

// WithBlobs pins refs, waits until all are available and runs body. The pins
// are released when body returns, whatever the outcome. Cancelling ctx
// abandons the wait without cancelling downloads other requests share.
func (r *Repository) WithBlobs(ctx context.Context, refs []model.BlobRef, body func(ctx context.Context) error) error {
	entries, waits, err := r.acquire(refs)
	if err != nil {
		return err
	}
	defer r.release(entries)

	for _, ch := range waits {
		select {
		case err := <-ch:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.KindCancelled, ctx.Err(), "wait for blobs")
		}
	}
	return body(ctx)
}

func (r *Repository) acquire(refs []model.BlobRef) ([]*entry, []chan error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.errLocked(); err != nil {
		return nil, nil, err
	}

	uniq := make([]model.BlobRef, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	var add int64
	for _, ref := range refs {
		if seen[ref.ID] {
			continue
		}
		seen[ref.ID] = true
		if strings.HasPrefix(ref.ID, statePrefix) {
			return nil, nil, xerrors.New(xerrors.KindValidation, "reserved blob id", xerrors.WithField("blob", ref.ID))
		}
		ref, err := r.resolveLocked(ref)
		if err != nil {
			return nil, nil, err
		}
		if e, ok := r.entries[ref.ID]; !ok || e.refs == 0 {
			add += ref.Size
		}
		uniq = append(uniq, ref)
	}
	if r.pinned+add > r.cacheMax {
		return nil, nil, xerrors.Wrap(xerrors.KindCancelled, ErrCacheFull, "admit blobs",
			xerrors.WithField("requested", add),
			xerrors.WithField("pinned", r.pinned),
			xerrors.WithField("cache_max", r.cacheMax),
		)
	}

	entries := make([]*entry, 0, len(uniq))
	var waits []chan error
	var group uint64
	for _, ref := range uniq {
		e, ok := r.entries[ref.ID]
		if !ok {
			e = &entry{ref: ref}
			r.entries[ref.ID] = e
		}
		if e.refs == 0 {
			r.pinned += e.ref.Size
		}
		e.refs++
		r.touch(e)
		entries = append(entries, e)
		if e.available {
			continue
		}
		ch := make(chan error, 1)
		e.waiters = append(e.waiters, ch)
		waits = append(waits, ch)
		if e.group == 0 {
			if group == 0 {
				r.groups++
				group = r.groups
			}
			e.group = group
			r.insertLocked(e)
		}
	}
	r.pumpLocked()
	r.publish()
	return entries, waits, nil
}

func (r *Repository) release(entries []*entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		r.unpinLocked(e)
	}
	r.publish()
}

func (r *Repository) unpinLocked(e *entry) {
	if e.discarded || e.refs == 0 {
		return
	}
	e.refs--
	r.touch(e)
	if e.refs > 0 {
		return
	}
	r.pinned -= e.ref.Size
	if !e.available && !e.downloading {
		// Nobody wants it any more; drop it from the queue.
		r.removeQueuedLocked(e)
		if t, ok := r.timers[e]; ok {
			t.Stop()
			delete(r.timers, e)
		}
		r.discardLocked(e)
	}
}

// discardLocked forgets e entirely.
func (r *Repository) discardLocked(e *entry) {
	if e.discarded {
		return
	}
	e.discarded = true
	if e.refs > 0 {
		r.pinned -= e.ref.Size
	}
	if cur, ok := r.entries[e.ref.ID]; ok && cur == e {
		delete(r.entries, e.ref.ID)
	}
	e.group = 0
}

// insertLocked places e in the queue by group, after any same-group entries.
func (r *Repository) insertLocked(e *entry) {
	i := sort.Search(len(r.queue), func(i int) bool { return r.queue[i].group > e.group })
	r.queue = append(r.queue, nil)
	copy(r.queue[i+1:], r.queue[i:])
	r.queue[i] = e
	e.queued = true
}

func (r *Repository) removeQueuedLocked(e *entry) {
	if !e.queued {
		return
	}
	for i, q := range r.queue {
		if q == e {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	e.queued = false
}

func (r *Repository) pumpLocked() {
	for !r.closed && r.fatal == nil && r.inflight < r.maxDownloads && len(r.queue) > 0 {
		e := r.queue[0]
		r.queue = r.queue[1:]
		e.queued = false
		e.downloading = true
		r.inflight++
		r.wg.Add(1)
		go r.download(e)
	}
}

func (r *Repository) download(e *entry) {
	defer r.wg.Done()

	data, err := r.fetcher.GetBlob(r.dlCtx, e.ref.ID, e.ref.Size)
	if err == nil && int64(len(data)) != e.ref.Size {
		err = xerrors.New(xerrors.KindValidation, "downloaded blob size mismatch",
			xerrors.WithField("blob", e.ref.ID),
			xerrors.WithField("size", e.ref.Size),
			xerrors.WithField("got", int64(len(data))),
		)
	}
	if err == nil {
		err = r.store(e, data)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight--
	e.downloading = false

	switch {
	case err == nil:
		downloadsTotal.WithLabelValues(resultOK).Inc()
		r.used += e.ref.Size
		e.available = true
		e.group = 0
		r.touch(e)
		e.notify(nil)
	case xerrors.IsRetryable(err) && !r.closed && e.refs > 0:
		downloadsTotal.WithLabelValues(resultRetry).Inc()
		r.logger.Warn("blob download failed, will retry", "blob", e.ref.ID, "group", e.group, "delay", r.retryDelay, "error", err)
		r.timers[e] = time.AfterFunc(r.retryDelay, func() { r.requeue(e) })
	default:
		if xerrors.KindOf(err) == xerrors.KindValidation {
			downloadsTotal.WithLabelValues(resultInvalid).Inc()
		} else {
			downloadsTotal.WithLabelValues(resultFailed).Inc()
		}
		if r.closed && xerrors.IsRetryable(err) {
			err = xerrors.Wrap(xerrors.KindCancelled, err, "blob repository closed")
		}
		if !xerrors.IsCancelled(err) {
			r.logger.Error("blob download failed", "blob", e.ref.ID, "error", err)
		}
		e.notify(err)
		r.discardLocked(e)
	}
	r.pumpLocked()
	r.publish()
}

func (r *Repository) requeue(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timers, e)
	if e.discarded {
		return
	}
	if err := r.errLocked(); err != nil {
		e.notify(err)
		r.discardLocked(e)
		return
	}
	r.insertLocked(e)
	r.pumpLocked()
	r.publish()
}

// store writes data for e, evicting unpinned blobs first to stay within the
// budget. A storage write failure is fatal to the repository.
func (r *Repository) store(e *entry, data []byte) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	if r.fatal != nil {
		r.mu.Unlock()
		return r.fatal
	}
	victims := r.evictLocked(e.ref.Size)
	r.mu.Unlock()

	if err := r.deleteVictims(context.Background(), victims); err != nil {
		return err
	}
	if err := r.storage.Set(context.Background(), e.ref.ID, data); err != nil {
		return r.setFatal(err)
	}
	return nil
}

// evictLocked removes refcount-0 available blobs, least recently used first,
// until need more bytes fit in the budget.
func (r *Repository) evictLocked(need int64) []string {
	if r.used+need <= r.cacheMax {
		return nil
	}
	var candidates []*entry
	for _, e := range r.entries {
		if e.available && !e.state && e.refs == 0 {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].lastUse != candidates[j].lastUse {
			return candidates[i].lastUse < candidates[j].lastUse
		}
		return candidates[i].ref.ID < candidates[j].ref.ID
	})
	var victims []string
	for _, e := range candidates {
		if r.used+need <= r.cacheMax {
			break
		}
		r.used -= e.ref.Size
		e.available = false
		r.discardLocked(e)
		victims = append(victims, e.ref.ID)
		evictionsTotal.Inc()
	}
	return victims
}

// deleteVictims removes evicted blobs from storage. Caller holds wmu.
func (r *Repository) deleteVictims(ctx context.Context, ids []string) error {
	for _, id := range ids {
		r.logger.Debug("evicting blob", "blob", id)
		if err := r.storage.Delete(ctx, id); err != nil {
			return r.setFatal(err)
		}
	}
	return nil
}

func (r *Repository) setFatal(cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = xerrors.Wrap(xerrors.KindState, cause, "storage write failed")
		r.logger.Error("blob storage failed, repository disabled", "error", cause)
		for _, e := range r.queue {
			e.queued = false
			e.notify(r.fatal)
		}
		r.queue = nil
	}
	return r.fatal
}

// Read returns the contents of an available blob, verifying its size.
func (r *Repository) Read(ctx context.Context, ref model.BlobRef) ([]byte, error) {
	r.mu.Lock()
	if r.fatal != nil {
		r.mu.Unlock()
		return nil, r.fatal
	}
	e, ok := r.entries[ref.ID]
	if !ok || !e.available || e.state {
		r.mu.Unlock()
		return nil, xerrors.New(xerrors.KindState, "blob not available", xerrors.WithField("blob", ref.ID))
	}
	r.touch(e)
	r.mu.Unlock()

	data, err := r.storage.Get(ctx, ref.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, xerrors.Wrap(xerrors.KindState, err, "blob missing from storage", xerrors.WithField("blob", ref.ID))
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref.ID, err)
	}
	if int64(len(data)) != ref.Size {
		return nil, xerrors.New(xerrors.KindValidation, "stored blob size mismatch",
			xerrors.WithField("blob", ref.ID),
			xerrors.WithField("size", ref.Size),
			xerrors.WithField("stored", int64(len(data))),
		)
	}
	return data, nil
}

// Create stores data under a fresh local id and returns it pinned. It
// returns once the data is durable.
func (r *Repository) Create(ctx context.Context, data []byte) (model.BlobRef, error) {
	ref := model.BlobRef{ID: model.NewLocalBlobID(), Size: int64(len(data))}

	r.mu.Lock()
	if err := r.errLocked(); err != nil {
		r.mu.Unlock()
		return model.BlobRef{}, err
	}
	if r.pinned+ref.Size > r.cacheMax {
		r.mu.Unlock()
		return model.BlobRef{}, xerrors.Wrap(xerrors.KindCancelled, ErrCacheFull, "create blob",
			xerrors.WithField("size", ref.Size),
			xerrors.WithField("pinned", r.pinned),
		)
	}
	e := &entry{ref: ref, refs: 1, downloading: true}
	r.entries[ref.ID] = e
	r.pinned += ref.Size
	r.mu.Unlock()

	err := r.store(e, data)

	r.mu.Lock()
	defer r.mu.Unlock()
	e.downloading = false
	if err != nil {
		r.discardLocked(e)
		r.publish()
		return model.BlobRef{}, err
	}
	e.available = true
	r.used += ref.Size
	r.touch(e)
	r.publish()
	return ref, nil
}

// Pin adds a reference to an available blob that outlives a single call,
// such as a finished task's output across a restart.
func (r *Repository) Pin(ref model.BlobRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.errLocked(); err != nil {
		return err
	}
	e, ok := r.entries[ref.ID]
	if !ok || !e.available || e.state {
		return xerrors.New(xerrors.KindState, "pin of unavailable blob", xerrors.WithField("blob", ref.ID))
	}
	if e.refs == 0 {
		if r.pinned+e.ref.Size > r.cacheMax {
			return xerrors.Wrap(xerrors.KindCancelled, ErrCacheFull, "pin blob", xerrors.WithField("blob", ref.ID))
		}
		r.pinned += e.ref.Size
	}
	e.refs++
	r.touch(e)
	r.publish()
	return nil
}

// Unpin drops a reference added by Pin or Create.
func (r *Repository) Unpin(ref model.BlobRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref.ID]
	if !ok || e.refs == 0 {
		return xerrors.New(xerrors.KindState, "unpin of unpinned blob", xerrors.WithField("blob", ref.ID))
	}
	r.unpinLocked(e)
	r.publish()
	return nil
}

// ReadState returns the named checkpoint blob. A missing one yields an error
// matching store.ErrNotFound.
func (r *Repository) ReadState(ctx context.Context, name string) ([]byte, error) {
	id := statePrefix + name
	r.mu.Lock()
	if r.fatal != nil {
		r.mu.Unlock()
		return nil, r.fatal
	}
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("read state %s: %w", name, store.ErrNotFound)
	}
	e.refs++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		e.refs--
		r.mu.Unlock()
	}()

	data, err := r.storage.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read state %s: %w", name, err)
	}
	return data, nil
}

// WriteState overwrites the named checkpoint blob. It fails with a state
// error while a ReadState of the same name is in progress.
func (r *Repository) WriteState(ctx context.Context, name string, data []byte) error {
	id := statePrefix + name

	r.wmu.Lock()
	defer r.wmu.Unlock()

	r.mu.Lock()
	if r.fatal != nil {
		r.mu.Unlock()
		return r.fatal
	}
	e, ok := r.entries[id]
	if ok && e.refs > 0 {
		r.mu.Unlock()
		return xerrors.New(xerrors.KindState, "state blob in use", xerrors.WithField("state", name))
	}
	if !ok {
		e = &entry{ref: model.BlobRef{ID: id}, state: true}
		r.entries[id] = e
	}
	// Hold a reference so a concurrent ReadState cannot observe a partial
	// write; storage Set is atomic but the entry size is updated after.
	e.refs++
	r.mu.Unlock()

	err := r.storage.Set(ctx, id, data)

	r.mu.Lock()
	e.refs--
	if err == nil {
		e.available = true
		e.ref.Size = int64(len(data))
	}
	r.mu.Unlock()

	if err != nil {
		return r.setFatal(err)
	}
	return nil
}

// Stats returns current accounting.
func (r *Repository) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if !e.state {
			n++
		}
	}
	return Stats{
		CacheUsed:   r.used,
		CachePinned: r.pinned,
		CacheMax:    r.cacheMax,
		Blobs:       n,
		Queued:      len(r.queue),
		InFlight:    r.inflight,
		Groups:      r.groups,
	}
}

// Close stops starting downloads and fails queued waiters as cancelled.
// In-flight downloads are allowed to finish until ctx is done, after which
// they are cancelled.
func (r *Repository) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancelled := xerrors.New(xerrors.KindCancelled, "blob repository closed")
	for e, t := range r.timers {
		t.Stop()
		e.notify(cancelled)
		r.discardLocked(e)
	}
	r.timers = make(map[*entry]*time.Timer)
	for _, e := range r.queue {
		e.queued = false
		e.notify(cancelled)
		r.discardLocked(e)
	}
	r.queue = nil
	r.publish()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		r.dlCancel()
		<-done
	}
	r.dlCancel()
	r.logger.Info("blob repository closed")
	return nil
}
