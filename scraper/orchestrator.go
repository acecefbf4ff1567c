package scraper

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"rc_tracker/auth"
	"rc_tracker/detect"
	"rc_tracker/models"
	"rc_tracker/storage"
)

const (
	defaultMaxConcurrency = 4
	defaultFetchTimeout   = 45 * time.Second
	defaultLockRefresh    = 20 * time.Second

	failureCancelled = "cancelled"
	failureInternal  = "internal"
	failureNoAdapter = "no_adapter"

	// metaAlertFrom holds the price an undelivered alert was measured from,
	// so a later record can report the whole change.
	metaAlertFrom = "alert_from"
)

// Sessions hands out authenticated sessions per credential scope.
type Sessions interface {
	Get(ctx context.Context, scope string) (*auth.Session, error)
	Invalidate(scope string)
}

// Notifier sends alerts for eligible deltas.
type Notifier interface {
	Dispatch(ctx context.Context, delta models.Delta, rec *models.ObservationRecord) (*models.NotificationEvent, error)
	Eligible(delta models.Delta) bool
}

// DistributedLock guards runs across processes sharing one history store.
type DistributedLock interface {
	TryAcquire(ctx context.Context, token string) (bool, error)
	Refresh(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string) error
}

// Archiver stores a summary of each finished run.
type Archiver interface {
	Archive(ctx context.Context, state models.RunState, entries []models.RunLogEntry) error
}

type Options struct {
	MaxConcurrency int
	FetchTimeout   time.Duration
	Lock           DistributedLock
	LockRefresh    time.Duration // how often a held Lock is extended
	Archiver       Archiver
}

// Orchestrator runs the fetch, diff, persist and notify pipeline over the
// watchlist. At most one run is active at a time.
type Orchestrator struct {
	store    storage.HistoryStore
	adapters map[models.AdapterKind]Adapter
	sessions Sessions
	notifier Notifier
	items    []models.WatchedItem
	opts     Options

	runMu sync.Mutex

	stateMu sync.RWMutex
	state   models.RunState

	now func() time.Time
}

func NewOrchestrator(store storage.HistoryStore, adapters []Adapter, sessions Sessions, notifier Notifier, items []models.WatchedItem, opts Options) *Orchestrator {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.LockRefresh <= 0 {
		opts.LockRefresh = defaultLockRefresh
	}
	byKind := make(map[models.AdapterKind]Adapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}
	return &Orchestrator{
		store:    store,
		adapters: byKind,
		sessions: sessions,
		notifier: notifier,
		items:    items,
		opts:     opts,
		state: models.RunState{
			Status: models.RunStatusIdle,
			Counts: map[models.AdapterKind]*models.AdapterCounts{},
		},
		now: time.Now,
	}
}

// RunAccepted is returned when a run has been started.
type RunAccepted struct {
	RunID string
	done  chan struct{}
}

// Wait blocks until the run has finished and its lock is released.
func (r *RunAccepted) Wait() {
	<-r.done
}

// TriggerRun starts a run over the active items of the given kinds (all kinds
// when none are given). It never queues: if a run is active it returns
// ErrAlreadyRunning.
func (o *Orchestrator) TriggerRun(ctx context.Context, kinds ...models.AdapterKind) (*RunAccepted, error) {
	if !o.runMu.TryLock() {
		return nil, ErrAlreadyRunning
	}

	runID := uuid.New().String()
	if o.opts.Lock != nil {
		ok, err := o.opts.Lock.TryAcquire(ctx, runID)
		if err != nil {
			o.runMu.Unlock()
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !ok {
			o.runMu.Unlock()
			return nil, ErrAlreadyRunning
		}
	}

	if len(kinds) == 0 {
		kinds = models.AllKinds
	}
	started := o.now().UTC()
	o.setState(models.RunState{
		RunID:     runID,
		Status:    models.RunStatusRunning,
		Adapters:  append([]models.AdapterKind(nil), kinds...),
		StartedAt: &started,
		Counts:    map[models.AdapterKind]*models.AdapterCounts{},
	})

	accepted := &RunAccepted{RunID: runID, done: make(chan struct{})}
	go func() {
		defer close(accepted.done)
		defer o.runMu.Unlock()
		defer o.releaseDistributed(runID)
		stop := o.keepDistributed(runID)
		defer stop()
		o.run(ctx, runID, kinds)
	}()
	return accepted, nil
}

// RunNow starts a run and waits for it to finish.
func (o *Orchestrator) RunNow(ctx context.Context, kinds ...models.AdapterKind) (models.RunState, error) {
	accepted, err := o.TriggerRun(ctx, kinds...)
	if err != nil {
		return models.RunState{}, err
	}
	accepted.Wait()
	return o.RunState(), nil
}

// RunState returns a copy of the current or last run's state.
func (o *Orchestrator) RunState() models.RunState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state.Clone()
}

func (o *Orchestrator) RunLog(ctx context.Context, limit int) ([]models.RunLogEntry, error) {
	return o.store.RunLog(ctx, limit)
}

// LatestObservations returns the latest record of every product of an item.
func (o *Orchestrator) LatestObservations(ctx context.Context, itemKey string) ([]models.ObservationRecord, error) {
	return o.store.LatestForItem(ctx, itemKey)
}

func (o *Orchestrator) Items() []models.WatchedItem {
	return append([]models.WatchedItem(nil), o.items...)
}

func (o *Orchestrator) setState(s models.RunState) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// keepDistributed extends the distributed lock until the returned func is
// called.
func (o *Orchestrator) keepDistributed(runID string) func() {
	if o.opts.Lock == nil {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(o.opts.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				ok, err := o.opts.Lock.Refresh(ctx, runID)
				cancel()
				if err != nil {
					log.Printf("Warning: refreshing run lock: %v", err)
				} else if !ok {
					log.Printf("Warning: run lock for %s was lost", runID)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (o *Orchestrator) releaseDistributed(runID string) {
	if o.opts.Lock == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.opts.Lock.Release(ctx, runID); err != nil {
		log.Printf("Warning: releasing run lock: %v", err)
	}
}

// itemOutcome is sent by workers to the run goroutine, which alone updates
// the run state.
type itemOutcome struct {
	item          models.WatchedItem
	failure       string
	message       string
	skipped       bool
	observations  int
	notifications int
	warnings      int
}

func (oc *itemOutcome) ok() bool { return oc.failure == "" }

// workUnit is processed by one worker, in order. Items sharing a credential
// scope form one unit so an expired session stops the rest of the scope.
type workUnit struct {
	kind  models.AdapterKind
	scope string
	items []models.WatchedItem
}

func (o *Orchestrator) units(kinds []models.AdapterKind) []workUnit {
	var units []workUnit
	for _, kind := range kinds {
		byScope := make(map[string]int)
		for _, item := range o.items {
			if !item.Active || item.Kind != kind {
				continue
			}
			if !item.NeedsSession() {
				units = append(units, workUnit{kind: kind, items: []models.WatchedItem{item}})
				continue
			}
			if i, ok := byScope[item.Scope]; ok {
				units[i].items = append(units[i].items, item)
				continue
			}
			byScope[item.Scope] = len(units)
			units = append(units, workUnit{kind: kind, scope: item.Scope, items: []models.WatchedItem{item}})
		}
	}
	return units
}

func (o *Orchestrator) run(ctx context.Context, runID string, kinds []models.AdapterKind) {
	state := o.RunState()
	counts := make(map[models.AdapterKind]*models.AdapterCounts, len(kinds))
	for _, k := range kinds {
		counts[k] = &models.AdapterCounts{}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[error] run %s: panic: %v\n%s", runID, r, debug.Stack())
			state.Message = "run aborted by an internal error"
			o.finish(runID, &state, counts, models.RunStatusFailed)
		}
	}()

	units := o.units(kinds)
	total := 0
	for _, u := range units {
		total += len(u.items)
		counts[u.kind].Items += len(u.items)
	}
	log.Printf("[info] run %s: starting %d items (%s)", runID, total, joinKinds(kinds))

	outcomes := make(chan itemOutcome, o.opts.MaxConcurrency)
	go func() {
		var g errgroup.Group
		g.SetLimit(o.opts.MaxConcurrency)
		for _, u := range units {
			if ctx.Err() != nil {
				o.cancelUnit(u, outcomes)
				continue
			}
			g.Go(func() error {
				o.processUnit(ctx, u, outcomes)
				return nil
			})
		}
		g.Wait()
		close(outcomes)
	}()

	succeeded, failed := 0, 0
	for oc := range outcomes {
		c := counts[oc.item.Kind]
		c.Observations += oc.observations
		c.Notifications += oc.notifications
		c.Warnings += oc.warnings
		if oc.ok() {
			c.Succeeded++
			succeeded++
		} else {
			c.Failed++
			failed++
			if oc.skipped {
				c.Skipped++
			}
			state.Failures = append(state.Failures, models.ItemFailure{
				ItemKey:   oc.item.Key,
				Adapter:   oc.item.Kind,
				ErrorKind: oc.failure,
				Message:   oc.message,
			})
		}
		o.publish(&state, counts)
	}

	status := models.StatusFor(succeeded, failed)
	state.Message = fmt.Sprintf("%d items: %d ok, %d failed", total, succeeded, failed)
	o.finish(runID, &state, counts, status)
}

// publish makes in-progress counts visible to readers.
func (o *Orchestrator) publish(state *models.RunState, counts map[models.AdapterKind]*models.AdapterCounts) {
	s := *state
	s.Counts = counts
	o.setState(s.Clone())
}

func (o *Orchestrator) finish(runID string, state *models.RunState, counts map[models.AdapterKind]*models.AdapterCounts, status models.RunStatus) {
	finished := o.now().UTC()
	state.Status = status
	state.FinishedAt = &finished
	state.Counts = counts
	sort.SliceStable(state.Failures, func(i, j int) bool {
		return state.Failures[i].ItemKey < state.Failures[j].ItemKey
	})

	// Run bookkeeping outlives a cancelled trigger context.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var entries []models.RunLogEntry
	for _, kind := range state.Adapters {
		c := counts[kind]
		if c == nil {
			continue
		}
		entry := models.RunLogEntry{
			RunID:   runID,
			Date:    finished,
			Adapter: kind,
			Status:  models.StatusFor(c.Succeeded, c.Failed),
			Message: fmt.Sprintf("%d items: %d ok, %d failed (%d skipped); %d observations, %d notifications, %d warnings",
				c.Items, c.Succeeded, c.Failed, c.Skipped, c.Observations, c.Notifications, c.Warnings),
		}
		if err := o.store.AppendRunLog(ctx, &entry); err != nil {
			log.Printf("Warning: failed to append run log for %s: %v", kind, err)
		}
		entries = append(entries, entry)
	}

	o.setState(state.Clone())
	log.Printf("[info] run %s: %s (%s)", runID, status, state.Message)

	if o.opts.Archiver != nil {
		if err := o.opts.Archiver.Archive(ctx, state.Clone(), entries); err != nil {
			log.Printf("Warning: failed to archive run %s: %v", runID, err)
		}
	}
}

func (o *Orchestrator) cancelUnit(u workUnit, outcomes chan<- itemOutcome) {
	for _, item := range u.items {
		outcomes <- itemOutcome{item: item, failure: failureCancelled, message: "run cancelled before the item started"}
	}
}

func (o *Orchestrator) processUnit(ctx context.Context, u workUnit, outcomes chan<- itemOutcome) {
	adapter, ok := o.adapters[u.kind]
	for i, item := range u.items {
		if !ok {
			outcomes <- itemOutcome{item: item, failure: failureNoAdapter, message: fmt.Sprintf("no adapter registered for %s", u.kind)}
			continue
		}
		if ctx.Err() != nil {
			o.cancelUnit(workUnit{items: u.items[i:]}, outcomes)
			return
		}

		oc := o.processItem(ctx, adapter, item)
		outcomes <- oc

		if oc.failure == string(ErrAuthExpired) && u.scope != "" {
			if o.sessions != nil {
				o.sessions.Invalidate(u.scope)
			}
			for _, rest := range u.items[i+1:] {
				outcomes <- itemOutcome{
					item:    rest,
					failure: string(ErrAuthExpired),
					message: fmt.Sprintf("skipped: session for %s expired", u.scope),
					skipped: true,
				}
			}
			return
		}
	}
}

func (o *Orchestrator) processItem(ctx context.Context, adapter Adapter, item models.WatchedItem) (oc itemOutcome) {
	oc.item = item
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[error] %s: panic while processing %s: %v\n%s", item.Kind, item.Key, r, debug.Stack())
			oc = itemOutcome{item: item, failure: failureInternal, message: "internal error while processing item"}
		}
	}()

	records, err := o.fetch(ctx, adapter, item)
	if err != nil {
		fe := AsFetchError(err)
		log.Printf("[warn] %s: %s (%s): %v", item.Kind, item.Label, item.Key, err)
		oc.failure = string(fe.Kind)
		oc.message = fe.Message
		return oc
	}

	// Writes for fetched data complete even when the run is being cancelled.
	wctx := context.WithoutCancel(ctx)

	previous, err := o.store.LatestForItem(wctx, item.Key)
	if err != nil {
		log.Printf("[error] %s: loading history for %s: %v", item.Kind, item.Key, err)
		oc.failure = string(ErrUpstreamUnavailable)
		oc.message = "history store unavailable"
		return oc
	}

	deltas := detect.Diff(previous, records, o.now().UTC())
	for _, d := range deltas {
		if d.Warning() {
			oc.warnings++
			log.Printf("[warn] %s: %s currency changed from %s to %s", item.Kind, d.ProductCode,
				d.Previous.Currency, d.Current.Currency)
		}

		if !d.Kind.Persisted() {
			if from, ok := o.undelivered(d.Previous); ok {
				oc.notifications += o.dispatch(wctx, alertSince(from, d.Previous), d.Previous)
			}
			continue
		}

		rec := d.Current
		alert := d
		// A further move the same way carries the undelivered change forward.
		if from, ok := o.undelivered(d.Previous); ok && d.Kind == d.Previous.Delta {
			if rec.Metadata == nil {
				rec.Metadata = make(map[string]string)
			}
			rec.Metadata[metaAlertFrom] = from.String()
			alert = alertSince(from, rec)
		}
		if err := o.store.Insert(wctx, rec); err != nil {
			log.Printf("[error] %s: saving %s/%s: %v", item.Kind, item.Key, d.ProductCode, err)
			oc.failure = string(ErrUpstreamUnavailable)
			oc.message = "history store unavailable"
			return oc
		}
		oc.observations++

		if alert.Kind == models.DeltaPriceDrop || alert.Kind == models.DeltaPriceRise {
			oc.notifications += o.dispatch(wctx, alert, rec)
		}
	}
	return oc
}

func (o *Orchestrator) fetch(ctx context.Context, adapter Adapter, item models.WatchedItem) ([]models.ObservationRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.FetchTimeout)
	defer cancel()

	var sess *auth.Session
	if item.NeedsSession() {
		if o.sessions == nil {
			return nil, fetchErr(ErrAuthExpired, fmt.Sprintf("no session source for %s", item.Scope), nil)
		}
		s, err := o.sessions.Get(callCtx, item.Scope)
		if err != nil {
			return nil, err
		}
		sess = s
	}

	records, err := adapter.Fetch(callCtx, item, sess)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].ItemKey = item.Key
		records[i].Source = item.Kind
		records[i].Notified = false
	}
	return records, nil
}

// undelivered returns the price a stored drop or rise was measured from when
// its alert was due but never delivered.
func (o *Orchestrator) undelivered(prev *models.ObservationRecord) (decimal.Decimal, bool) {
	if o.notifier == nil || prev == nil || prev.Notified || prev.ID == 0 {
		return decimal.Zero, false
	}
	from, ok := alertFrom(prev)
	if !ok || !o.notifier.Eligible(alertSince(from, prev)) {
		return decimal.Zero, false
	}
	return from, true
}

func alertFrom(rec *models.ObservationRecord) (decimal.Decimal, bool) {
	if v := rec.Metadata[metaAlertFrom]; v != "" {
		if from, err := decimal.NewFromString(v); err == nil {
			return from, true
		}
	}
	switch rec.Delta {
	case models.DeltaPriceDrop:
		return rec.Price.Add(rec.Magnitude), true
	case models.DeltaPriceRise:
		return rec.Price.Sub(rec.Magnitude), true
	}
	return decimal.Zero, false
}

// alertSince describes the change from price from to rec.
func alertSince(from decimal.Decimal, rec *models.ObservationRecord) models.Delta {
	d := models.Delta{Kind: models.DeltaUnchanged, ProductCode: rec.ProductCode, Current: rec}
	switch rec.Price.Cmp(from) {
	case -1:
		d.Kind = models.DeltaPriceDrop
		d.Magnitude = from.Sub(rec.Price)
	case 1:
		d.Kind = models.DeltaPriceRise
		d.Magnitude = rec.Price.Sub(from)
	}
	return d
}

func (o *Orchestrator) dispatch(ctx context.Context, d models.Delta, rec *models.ObservationRecord) int {
	if o.notifier == nil {
		return 0
	}
	ev, err := o.notifier.Dispatch(ctx, d, rec)
	if err != nil {
		log.Printf("[warn] %s: alert for %s not fully delivered: %v", rec.Source, rec.ProductCode, err)
	}
	if ev == nil || len(ev.Channels) == 0 {
		return 0
	}
	return 1
}

func joinKinds(kinds []models.AdapterKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}
