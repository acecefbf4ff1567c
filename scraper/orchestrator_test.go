package scraper

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"rc_tracker/auth"
	"rc_tracker/models"
	"rc_tracker/notify"
	"rc_tracker/storage"
)

type fakeAdapter struct {
	kind  models.AdapterKind
	fetch func(item models.WatchedItem, call int) ([]models.ObservationRecord, error)

	mu    sync.Mutex
	calls map[string]int
}

func newFakeAdapter(kind models.AdapterKind, fetch func(models.WatchedItem, int) ([]models.ObservationRecord, error)) *fakeAdapter {
	return &fakeAdapter{kind: kind, fetch: fetch, calls: map[string]int{}}
}

func (a *fakeAdapter) Kind() models.AdapterKind { return a.kind }

func (a *fakeAdapter) Fetch(_ context.Context, item models.WatchedItem, _ *auth.Session) ([]models.ObservationRecord, error) {
	a.mu.Lock()
	a.calls[item.Key]++
	call := a.calls[item.Key]
	a.mu.Unlock()
	return a.fetch(item, call)
}

func (a *fakeAdapter) callCount(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[key]
}

type fakeSessions struct {
	mu          sync.Mutex
	invalidated []string
}

func (s *fakeSessions) Get(_ context.Context, scope string) (*auth.Session, error) {
	return &auth.Session{Scope: scope, AccessToken: "tok", AccountID: "ACC1"}, nil
}

func (s *fakeSessions) Invalidate(scope string) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, scope)
	s.mu.Unlock()
}

type recordingChannel struct {
	mu   sync.Mutex
	fail bool
	sent []notify.Message
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(_ context.Context, msg notify.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return &notify.DeliveryError{Kind: notify.DeliveryUnreachable, Channel: "recording"}
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func watched(kind models.AdapterKind, n int, scope string) []models.WatchedItem {
	items := make([]models.WatchedItem, n)
	for i := range items {
		items[i] = models.WatchedItem{
			Key:      fmt.Sprintf("%s-%d", kind, i+1),
			Kind:     kind,
			Label:    fmt.Sprintf("%s item %d", kind, i+1),
			Currency: "USD",
			Scope:    scope,
			Active:   true,
		}
	}
	return items
}

func priced(item models.WatchedItem, price string) []models.ObservationRecord {
	return []models.ObservationRecord{{
		ItemKey:     item.Key,
		ProductCode: "P1",
		ProductName: item.Label,
		Price:       decimal.RequireFromString(price),
		Currency:    "USD",
		Available:   true,
		ObservedAt:  time.Now().UTC(),
	}}
}

func TestTriggerRunRejectsConcurrentRun(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, _ int) ([]models.ObservationRecord, error) {
		started <- struct{}{}
		<-release
		return priced(item, "100"), nil
	})
	o := NewOrchestrator(store, []Adapter{adapter}, nil, nil, watched(models.KindCruise, 1, ""), Options{})

	first, err := o.TriggerRun(context.Background())
	if err != nil {
		t.Fatalf("first trigger failed: %v", err)
	}
	<-started

	if _, err := o.TriggerRun(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if got := o.RunState().Status; got != models.RunStatusRunning {
		t.Fatalf("expected running, got %s", got)
	}

	close(release)
	first.Wait()

	second, err := o.TriggerRun(context.Background())
	if err != nil {
		t.Fatalf("trigger after completion failed: %v", err)
	}
	second.Wait()
	if second.RunID == first.RunID {
		t.Fatal("expected a new run id")
	}
}

func TestRunContinuesPastFailedItem(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 5, "")
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, _ int) ([]models.ObservationRecord, error) {
		if item.Key == "cruise-3" {
			return nil, fetchErr(ErrUpstreamUnavailable, "booking site returned HTTP 503", errors.New("upstream body"))
		}
		return priced(item, "100"), nil
	})
	o := NewOrchestrator(store, []Adapter{adapter}, nil, nil, items, Options{MaxConcurrency: 2})

	state, err := o.RunNow(context.Background(), models.KindCruise)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if state.Status != models.RunStatusPartialFailure {
		t.Fatalf("expected partial_failure, got %s", state.Status)
	}
	c := state.Counts[models.KindCruise]
	if c.Items != 5 || c.Succeeded != 4 || c.Failed != 1 || c.Observations != 4 {
		t.Fatalf("unexpected counts %+v", c)
	}
	if len(state.Failures) != 1 || state.Failures[0].ItemKey != "cruise-3" || state.Failures[0].ErrorKind != string(ErrUpstreamUnavailable) {
		t.Fatalf("unexpected failures %+v", state.Failures)
	}
	if state.Failures[0].Message != "booking site returned HTTP 503" {
		t.Fatalf("failure message leaked detail: %q", state.Failures[0].Message)
	}

	for _, item := range items {
		recs, err := store.LatestForItem(context.Background(), item.Key)
		if err != nil {
			t.Fatalf("LatestForItem: %v", err)
		}
		want := 1
		if item.Key == "cruise-3" {
			want = 0
		}
		if len(recs) != want {
			t.Fatalf("%s: expected %d records, got %d", item.Key, want, len(recs))
		}
	}

	entries, err := o.RunLog(context.Background(), 10)
	if err != nil {
		t.Fatalf("RunLog: %v", err)
	}
	if len(entries) != 1 || entries[0].Adapter != models.KindCruise || entries[0].Status != models.RunStatusPartialFailure {
		t.Fatalf("unexpected run log %+v", entries)
	}
}

func TestUnchangedPriceIsNotPersisted(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 1, "")
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, _ int) ([]models.ObservationRecord, error) {
		return priced(item, "500.00"), nil
	})
	ch := &recordingChannel{}
	dispatcher := notify.NewDispatcher(store, notify.Policy{Threshold: decimal.NewFromInt(5)}, ch)
	o := NewOrchestrator(store, []Adapter{adapter}, nil, dispatcher, items, Options{})

	for i := 0; i < 2; i++ {
		if _, err := o.RunNow(context.Background()); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	state := o.RunState()
	if state.Counts[models.KindCruise].Observations != 0 {
		t.Fatalf("expected no new observations on second run, got %d", state.Counts[models.KindCruise].Observations)
	}
	if ch.count() != 0 {
		t.Fatalf("expected no alerts, got %d", ch.count())
	}
	latest, err := store.Latest(context.Background(), "cruise-1", "P1")
	if err != nil || latest == nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Delta != models.DeltaFirstSeen {
		t.Fatalf("expected only the first_seen record, latest is %s", latest.Delta)
	}
}

func TestDropIsAlertedOnceAndRetriedAfterFailure(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 1, "")
	prices := []string{"1200", "999", "999", "999"}
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, call int) ([]models.ObservationRecord, error) {
		return priced(item, prices[call-1]), nil
	})
	ch := &recordingChannel{}
	dispatcher := notify.NewDispatcher(store, notify.Policy{Threshold: decimal.NewFromInt(50)}, ch)
	o := NewOrchestrator(store, []Adapter{adapter}, nil, dispatcher, items, Options{})

	run := func() models.RunState {
		t.Helper()
		state, err := o.RunNow(context.Background())
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		return state
	}

	run()
	ch.fail = true
	run()
	if ch.count() != 0 {
		t.Fatalf("expected failed delivery, got %d messages", ch.count())
	}
	latest, _ := store.Latest(context.Background(), "cruise-1", "P1")
	if latest.Delta != models.DeltaPriceDrop || !latest.Magnitude.Equal(decimal.NewFromInt(201)) || latest.Notified {
		t.Fatalf("unexpected drop record %+v", latest)
	}

	ch.fail = false
	state := run()
	if ch.count() != 1 {
		t.Fatalf("expected retried alert, got %d messages", ch.count())
	}
	if state.Counts[models.KindCruise].Notifications != 1 {
		t.Fatalf("expected 1 notification, got %+v", state.Counts[models.KindCruise])
	}

	run()
	if ch.count() != 1 {
		t.Fatalf("expected no duplicate alert, got %d messages", ch.count())
	}
}

func TestUndeliveredDropIsCarriedIntoFurtherDrop(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 1, "")
	prices := []string{"1200", "999", "990", "990"}
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, call int) ([]models.ObservationRecord, error) {
		return priced(item, prices[call-1]), nil
	})
	ch := &recordingChannel{}
	dispatcher := notify.NewDispatcher(store, notify.Policy{Threshold: decimal.NewFromInt(50)}, ch)
	o := NewOrchestrator(store, []Adapter{adapter}, nil, dispatcher, items, Options{})

	for i := range prices {
		ch.fail = i == 1
		if _, err := o.RunNow(context.Background()); err != nil {
			t.Fatalf("run %d failed: %v", i+1, err)
		}
	}

	if ch.count() != 1 {
		t.Fatalf("expected one alert after the channel recovered, got %d", ch.count())
	}
	msg := ch.sent[0]
	if msg.Price != "990.00" || msg.Change != "210.00" {
		t.Fatalf("expected full drop 1200 -> 990, got price %s change %s", msg.Price, msg.Change)
	}
	latest, _ := store.Latest(context.Background(), "cruise-1", "P1")
	if !latest.Notified || latest.Metadata[metaAlertFrom] != "1200" {
		t.Fatalf("unexpected latest record %+v", latest)
	}
}

func TestSmallDropsDoNotAccumulate(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 1, "")
	prices := []string{"1200", "1180", "1160", "1140"}
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, call int) ([]models.ObservationRecord, error) {
		return priced(item, prices[call-1]), nil
	})
	ch := &recordingChannel{}
	dispatcher := notify.NewDispatcher(store, notify.Policy{Threshold: decimal.NewFromInt(50)}, ch)
	o := NewOrchestrator(store, []Adapter{adapter}, nil, dispatcher, items, Options{})

	for i := range prices {
		if _, err := o.RunNow(context.Background()); err != nil {
			t.Fatalf("run %d failed: %v", i+1, err)
		}
	}
	if ch.count() != 0 {
		t.Fatalf("drops below the threshold must not alert, got %d messages", ch.count())
	}
}

func TestCurrencyMismatchIsStoredAsWarning(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 1, "")
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, call int) ([]models.ObservationRecord, error) {
		recs := priced(item, "500")
		if call == 2 {
			recs[0].Price = decimal.NewFromInt(300)
			recs[0].Currency = "EUR"
		}
		return recs, nil
	})
	ch := &recordingChannel{}
	dispatcher := notify.NewDispatcher(store, notify.Policy{Threshold: decimal.Zero}, ch)
	o := NewOrchestrator(store, []Adapter{adapter}, nil, dispatcher, items, Options{})

	o.RunNow(context.Background())
	state, err := o.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	counts := state.Counts[models.KindCruise]
	if counts.Warnings != 1 || counts.Observations != 1 || counts.Notifications != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}
	if state.Status != models.RunStatusSuccess {
		t.Fatalf("a currency warning must not fail the item, got %s", state.Status)
	}
	latest, _ := store.Latest(context.Background(), "cruise-1", "P1")
	if latest.Delta != models.DeltaCurrencyMismatch || latest.Currency != "EUR" || latest.Notified {
		t.Fatalf("unexpected record %+v", latest)
	}
	if ch.count() != 0 {
		t.Fatalf("currency mismatch must not alert, got %d messages", ch.count())
	}
}

func TestMissingProductBecomesUnavailable(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 1, "")
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, call int) ([]models.ObservationRecord, error) {
		if call == 1 {
			return priced(item, "800"), nil
		}
		return nil, nil
	})
	o := NewOrchestrator(store, []Adapter{adapter}, nil, nil, items, Options{})

	for i := 0; i < 3; i++ {
		state, err := o.RunNow(context.Background())
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if state.Status != models.RunStatusSuccess {
			t.Fatalf("run %d: expected success, got %s", i, state.Status)
		}
	}

	latest, err := store.Latest(context.Background(), "cruise-1", "P1")
	if err != nil || latest == nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Available || latest.Delta != models.DeltaBecameUnavailable {
		t.Fatalf("expected unavailable sentinel, got %+v", latest)
	}
	if !latest.Price.IsZero() {
		t.Fatalf("expected zero price on sentinel, got %s", latest.Price)
	}
	// The third run must not write a second sentinel.
	if o.RunState().Counts[models.KindCruise].Observations != 0 {
		t.Fatal("expected no observation on repeated absence")
	}
}

func TestAuthExpiredSkipsRestOfScope(t *testing.T) {
	store := newTestStore(t)
	items := append(watched(models.KindAddons, 3, "me"), watched(models.KindOffers, 1, "other")...)
	addons := newFakeAdapter(models.KindAddons, func(item models.WatchedItem, _ int) ([]models.ObservationRecord, error) {
		return nil, fetchErr(ErrAuthExpired, "catalog returned HTTP 401", nil)
	})
	offers := newFakeAdapter(models.KindOffers, func(item models.WatchedItem, _ int) ([]models.ObservationRecord, error) {
		return priced(item, "0"), nil
	})
	sessions := &fakeSessions{}
	o := NewOrchestrator(store, []Adapter{addons, offers}, sessions, nil, items, Options{})

	state, err := o.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	calls := addons.callCount("addons-1") + addons.callCount("addons-2") + addons.callCount("addons-3")
	if calls != 1 {
		t.Fatalf("expected one upstream call for the scope, got %d", calls)
	}
	c := state.Counts[models.KindAddons]
	if c.Failed != 3 || c.Skipped != 2 {
		t.Fatalf("unexpected addon counts %+v", c)
	}
	for _, f := range state.Failures {
		if f.ErrorKind != string(ErrAuthExpired) {
			t.Fatalf("unexpected failure kind %+v", f)
		}
	}
	if len(sessions.invalidated) != 1 || sessions.invalidated[0] != "me" {
		t.Fatalf("expected session for me to be invalidated, got %v", sessions.invalidated)
	}
	if state.Counts[models.KindOffers].Succeeded != 1 {
		t.Fatalf("expected other scope to succeed, got %+v", state.Counts[models.KindOffers])
	}
	if state.Status != models.RunStatusPartialFailure {
		t.Fatalf("expected partial_failure, got %s", state.Status)
	}
}

func TestPanicInAdapterReleasesLock(t *testing.T) {
	store := newTestStore(t)
	items := watched(models.KindCruise, 1, "")
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, call int) ([]models.ObservationRecord, error) {
		if call == 1 {
			panic("parser bug")
		}
		return priced(item, "10"), nil
	})
	o := NewOrchestrator(store, []Adapter{adapter}, nil, nil, items, Options{})

	state, err := o.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if state.Status != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}

	state, err = o.RunNow(context.Background())
	if err != nil {
		t.Fatalf("second run rejected: %v", err)
	}
	if state.Status != models.RunStatusSuccess {
		t.Fatalf("expected success, got %s", state.Status)
	}
}

func TestRunWithoutItemsSucceeds(t *testing.T) {
	o := NewOrchestrator(newTestStore(t), nil, nil, nil, nil, Options{})
	if got := o.RunState().Status; got != models.RunStatusIdle {
		t.Fatalf("expected idle before first run, got %s", got)
	}
	state, err := o.RunNow(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if state.Status != models.RunStatusSuccess {
		t.Fatalf("expected success, got %s", state.Status)
	}
}

func TestMissingAdapterFailsItems(t *testing.T) {
	o := NewOrchestrator(newTestStore(t), nil, nil, nil, watched(models.KindOffers, 2, "me"), Options{})
	state, err := o.RunNow(context.Background(), models.KindOffers)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if state.Status != models.RunStatusFailed || state.Counts[models.KindOffers].Failed != 2 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestCancelledRunCountsUnstartedItems(t *testing.T) {
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, _ int) ([]models.ObservationRecord, error) {
		return priced(item, "10"), nil
	})
	o := NewOrchestrator(newTestStore(t), []Adapter{adapter}, nil, nil, watched(models.KindCruise, 3, ""), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := o.RunNow(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if state.Status != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	for _, f := range state.Failures {
		if f.ErrorKind != failureCancelled {
			t.Fatalf("unexpected failure %+v", f)
		}
	}
	if adapter.callCount("cruise-1") != 0 {
		t.Fatal("adapter called after cancellation")
	}
}

type fakeLock struct {
	held bool

	mu        sync.Mutex
	refreshes int
}

func (l *fakeLock) TryAcquire(context.Context, string) (bool, error) {
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *fakeLock) Refresh(context.Context, string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return true, nil
}

func (l *fakeLock) refreshCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes
}

func (l *fakeLock) Release(context.Context, string) error {
	l.held = false
	return nil
}

func TestDistributedLockContention(t *testing.T) {
	lock := &fakeLock{held: true}
	o := NewOrchestrator(newTestStore(t), nil, nil, nil, nil, Options{Lock: lock})
	if _, err := o.TriggerRun(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	lock.held = false
	if _, err := o.RunNow(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if lock.held {
		t.Fatal("expected distributed lock to be released")
	}
}

func TestDistributedLockRefreshedDuringLongRun(t *testing.T) {
	lock := &fakeLock{}
	items := watched(models.KindCruise, 1, "")
	adapter := newFakeAdapter(models.KindCruise, func(item models.WatchedItem, _ int) ([]models.ObservationRecord, error) {
		deadline := time.Now().Add(2 * time.Second)
		for lock.refreshCount() < 3 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return priced(item, "1200"), nil
	})
	o := NewOrchestrator(newTestStore(t), []Adapter{adapter}, &fakeSessions{}, nil, items, Options{Lock: lock, LockRefresh: 10 * time.Millisecond})

	if _, err := o.RunNow(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if n := lock.refreshCount(); n < 3 {
		t.Fatalf("expected the lock to be refreshed during the run, got %d refreshes", n)
	}
	after := lock.refreshCount()
	time.Sleep(50 * time.Millisecond)
	if n := lock.refreshCount(); n != after {
		t.Fatalf("expected refreshing to stop after the run, got %d more", n-after)
	}
	if lock.held {
		t.Fatal("expected distributed lock to be released")
	}
}
