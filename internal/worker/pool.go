package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"schedflow/internal/clock"
	"schedflow/internal/domain"
	"schedflow/internal/queue"
	"schedflow/internal/task"
)

type Store interface {
	RunnerStatus(ctx context.Context) (domain.RunnerStatus, error)
	SwapRunnerStatus(ctx context.Context, expected, next domain.RunnerStatus) (bool, error)
	Inactive(ctx context.Context, cutoff time.Time) ([]domain.QueueItem, error)
	CountByStatus(ctx context.Context) (map[domain.Status]int, error)
	Lease(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error)
	Progress(ctx context.Context, id string, percent float64) error
	Complete(ctx context.Context, id string) error
	Abort(ctx context.Context, id, reason string) error
	Fail(ctx context.Context, it domain.QueueItem, reason string, maxRetries int, delay time.Duration) (domain.Status, error)
}

type Settings interface {
	MaxConcurrency() int
	MaxRetries() int
	InactivityTimeout() time.Duration
	WakeupDelay() time.Duration
	MaxAlive() time.Duration
}

// Runner executes queued items. Only one runner per store is active at a
// time: the active one writes its GUID and a fresh timestamp on every cycle,
// and any other instance takes over once that timestamp is older than
// MaxAlive.
type Runner struct {
	store    Store
	registry *task.Registry
	settings Settings
	clock    clock.Clock
	guid     string
	wake     chan struct{}
	limit    int
	sem      *semaphore.Weighted

	mu      sync.Mutex
	status  domain.RunnerStatus
	running map[string]*attempt
	wg      sync.WaitGroup
}

func NewRunner(store Store, registry *task.Registry, settings Settings, clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.System{}
	}
	return &Runner{
		store:    store,
		registry: registry,
		settings: settings,
		clock:    clk,
		guid:     uuid.NewString(),
		wake:     make(chan struct{}, 1),
		limit:    settings.MaxConcurrency(),
		sem:      semaphore.NewWeighted(int64(settings.MaxConcurrency())),
		running:  map[string]*attempt{},
	}
}

func (r *Runner) GUID() string { return r.guid }

// Wake cuts the current wakeup delay short.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled, then waits for running items and gives
// up the active slot.
func (r *Runner) Run(ctx context.Context) error {
	log.Info().Str("runner", r.guid).Int("max_concurrency", r.settings.MaxConcurrency()).Msg("runner started")
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("runner", r.guid).Msg("runner cycle failed")
		}
		t := time.NewTimer(r.settings.WakeupDelay())
		select {
		case <-ctx.Done():
			t.Stop()
			r.Wait()
			if err := r.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn().Err(err).Str("runner", r.guid).Msg("release runner status")
			}
			log.Info().Str("runner", r.guid).Msg("runner stopped")
			return nil
		case <-r.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Wait blocks until every item started by this runner has finished.
func (r *Runner) Wait() { r.wg.Wait() }

// RunOnce performs one polling cycle and returns how many items it started.
// A runner that is not the active one does nothing.
func (r *Runner) RunOnce(ctx context.Context) (int, error) {
	active, err := r.claim(ctx)
	if err != nil || !active {
		return 0, err
	}
	if err := r.expire(ctx); err != nil {
		return 0, err
	}

	counts, err := r.store.CountByStatus(ctx)
	if err != nil {
		return 0, err
	}
	// the local semaphore is sized at start; a reloaded ceiling can only shrink it
	free := min(r.settings.MaxConcurrency(), r.limit) - counts[domain.StatusInProgress]
	// a goroutine that outlived its expiry still holds a local slot, so only
	// lease what can start right away
	slots := 0
	for slots < free && r.sem.TryAcquire(1) {
		slots++
	}
	if slots == 0 {
		return 0, nil
	}
	items, err := r.store.Lease(ctx, r.clock.Now(), slots)
	if err != nil {
		r.sem.Release(int64(slots))
		if errors.Is(err, queue.ErrEmpty) {
			return 0, nil
		}
		return 0, err
	}
	if unused := slots - len(items); unused > 0 {
		r.sem.Release(int64(unused))
	}
	for _, it := range items {
		r.start(ctx, it)
	}
	return len(items), nil
}

// claim refreshes this runner's liveness record, taking it over when the
// current holder has not checked in within MaxAlive.
func (r *Runner) claim(ctx context.Context) (bool, error) {
	now := r.clock.Now()
	cur, err := r.store.RunnerStatus(ctx)
	if err != nil {
		return false, err
	}
	if cur.GUID != r.guid && !cur.Expired(now, r.settings.MaxAlive()) {
		log.Debug().Str("runner", r.guid).Str("active", cur.GUID).Msg("another runner is active")
		return false, nil
	}
	next := domain.RunnerStatus{GUID: r.guid, AliveSince: now}
	ok, err := r.store.SwapRunnerStatus(ctx, cur, next)
	if err != nil || !ok {
		return false, err
	}
	if cur.GUID != r.guid {
		log.Info().Str("runner", r.guid).Str("previous", cur.GUID).Msg("runner took over")
	}
	r.mu.Lock()
	r.status = next
	r.mu.Unlock()
	return true, nil
}

// Release clears the liveness record if this runner still holds it.
func (r *Runner) Release(ctx context.Context) error {
	r.mu.Lock()
	cur := r.status
	r.mu.Unlock()
	if cur.GUID == "" {
		return nil
	}
	_, err := r.store.SwapRunnerStatus(ctx, cur, domain.RunnerStatus{})
	return err
}

// expire fails in-progress items that stopped reporting progress.
func (r *Runner) expire(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.settings.InactivityTimeout())
	items, err := r.store.Inactive(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, it := range items {
		status, err := r.store.Fail(ctx, it, "expired", r.settings.MaxRetries(), backoffExp(it.Retries+1))
		if err != nil {
			log.Warn().Err(err).Str("task_id", it.ID).Msg("expire inactive item")
			continue
		}
		// stop a local execution only after the item was handed back, so its
		// own outcome is no longer recorded
		r.mu.Lock()
		a := r.running[it.ID]
		r.mu.Unlock()
		if a != nil {
			a.cancel()
		}
		log.Warn().Str("task_id", it.ID).Str("task_type", it.TaskType).Str("status", status.String()).Msg("item expired")
	}
	return nil
}

type attempt struct {
	cancel context.CancelFunc
}

func (r *Runner) start(ctx context.Context, it domain.QueueItem) {
	itemCtx, cancel := context.WithCancel(ctx)
	a := &attempt{cancel: cancel}
	r.mu.Lock()
	r.running[it.ID] = a
	r.mu.Unlock()
	r.wg.Add(1)
	go func() {
		defer func() {
			cancel()
			r.mu.Lock()
			if r.running[it.ID] == a {
				delete(r.running, it.ID)
			}
			r.mu.Unlock()
			r.sem.Release(1)
			r.wg.Done()
		}()
		r.execute(itemCtx, it)
	}()
}

func (r *Runner) execute(ctx context.Context, it domain.QueueItem) {
	l := log.With().Str("task_id", it.ID).Str("task_type", it.TaskType).Str("queue", it.QueueName).Logger()
	// results are recorded even when the runner is shutting down
	store := context.WithoutCancel(ctx)

	t, err := r.registry.Decode(it.Task)
	if err != nil {
		l.Error().Err(err).Msg("cannot decode task")
		if err := r.store.Abort(store, it.ID, err.Error()); err != nil {
			l.Warn().Err(err).Msg("abort item")
		}
		return
	}

	progress := func(pct float64) {
		if err := r.store.Progress(store, it.ID, pct); err != nil {
			l.Debug().Err(err).Float64("progress", pct).Msg("progress not recorded")
		}
	}
	began := r.clock.Now()
	err = t.Execute(ctx, progress)
	switch {
	case err == nil:
		if err := r.store.Complete(store, it.ID); err != nil {
			l.Warn().Err(err).Msg("complete item")
			return
		}
		l.Info().Dur("took", r.clock.Now().Sub(began)).Msg("task completed")
	case errors.Is(err, task.ErrAbort):
		if err := r.store.Abort(store, it.ID, err.Error()); err != nil {
			l.Warn().Err(err).Msg("abort item")
			return
		}
		l.Warn().Err(err).Msg("task aborted")
	default:
		status, ferr := r.store.Fail(store, it, err.Error(), r.settings.MaxRetries(), backoffExp(it.Retries+1))
		if ferr != nil {
			// an expired item was already handed back
			l.Debug().Err(ferr).Msg("failure not recorded")
			return
		}
		l.Warn().Err(err).Int("retries", it.Retries+1).Str("status", status.String()).Msg("task failed")
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
