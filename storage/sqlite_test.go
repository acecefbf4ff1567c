package storage

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"rc_tracker/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func observation(item, code, price string, at time.Time) *models.ObservationRecord {
	return &models.ObservationRecord{
		ItemKey:     item,
		ProductCode: code,
		ProductName: "Balcony " + code,
		Price:       decimal.RequireFromString(price),
		Currency:    "USD",
		Available:   true,
		ObservedAt:  at,
		Source:      models.KindCruise,
		Delta:       models.DeltaFirstSeen,
		Magnitude:   decimal.Zero,
	}
}

func TestInsertThenLatestRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	at := time.Date(2026, 5, 4, 7, 0, 0, 123456789, time.UTC)
	in := observation("item-a", "ICON-20260601-BL", "1199.99", at)
	in.Delta = models.DeltaPriceDrop
	in.Magnitude = decimal.RequireFromString("50.01")
	in.Metadata = map[string]string{"ship_code": "IC", "paid_price": "1250.00"}

	if err := store.Insert(ctx, in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if in.ID == 0 {
		t.Fatalf("insert did not assign an id")
	}

	out, err := store.Latest(ctx, "item-a", "ICON-20260601-BL")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if out == nil {
		t.Fatalf("latest returned nothing")
	}

	if out.ID != in.ID || out.ItemKey != in.ItemKey || out.ProductCode != in.ProductCode ||
		out.ProductName != in.ProductName || out.Currency != in.Currency || out.Available != in.Available ||
		out.Source != in.Source || out.Delta != in.Delta || out.Notified != in.Notified {
		t.Fatalf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
	if !out.Price.Equal(in.Price) || !out.Magnitude.Equal(in.Magnitude) {
		t.Fatalf("decimal mismatch: %s/%s vs %s/%s", out.Price, out.Magnitude, in.Price, in.Magnitude)
	}
	if !out.ObservedAt.Equal(in.ObservedAt) {
		t.Fatalf("timestamp mismatch: %s vs %s", out.ObservedAt, in.ObservedAt)
	}
	if !reflect.DeepEqual(out.Metadata, in.Metadata) {
		t.Fatalf("metadata mismatch: %v vs %v", out.Metadata, in.Metadata)
	}
}

func TestLatestMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)
	rec, err := store.Latest(context.Background(), "nope", "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil, got %+v", rec)
	}
}

func TestLatestTieBreaksOnInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)

	first := observation("item-a", "p", "100", at)
	second := observation("item-a", "p", "90", at)
	older := observation("item-a", "p", "80", at.Add(-time.Hour))
	for _, r := range []*models.ObservationRecord{first, second, older} {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := store.Latest(ctx, "item-a", "p")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("expected record %d, got %d", second.ID, got.ID)
	}
}

func TestLatestForItem(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)

	records := []*models.ObservationRecord{
		observation("item-a", "b", "200", at),
		observation("item-a", "a", "100", at),
		observation("item-a", "a", "95", at.Add(time.Hour)),
		observation("item-b", "a", "1", at.Add(2*time.Hour)),
	}
	for _, r := range records {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	latest, err := store.LatestForItem(ctx, "item-a")
	if err != nil {
		t.Fatalf("latest for item: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 products, got %d", len(latest))
	}
	if latest[0].ProductCode != "a" || !latest[0].Price.Equal(decimal.NewFromInt(95)) {
		t.Fatalf("unexpected latest for a: %+v", latest[0])
	}
	if latest[1].ProductCode != "b" {
		t.Fatalf("unexpected second product: %+v", latest[1])
	}
}

func TestClaimNotifiedIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	rec := observation("item-a", "p", "10", time.Now())
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ok, err := store.ClaimNotified(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = store.ClaimNotified(ctx, rec.ID)
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v", ok, err)
	}

	if err := store.ReleaseNotified(ctx, rec.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = store.ClaimNotified(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("claim after release = %v, %v", ok, err)
	}
}

func TestRunLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)

	for i, kind := range models.AllKinds {
		entry := &models.RunLogEntry{
			RunID:   "run-1",
			Date:    at.Add(time.Duration(i) * time.Minute),
			Adapter: kind,
			Status:  models.RunStatusSuccess,
			Message: "ok",
		}
		if err := store.AppendRunLog(ctx, entry); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := store.RunLog(ctx, 2)
	if err != nil {
		t.Fatalf("run log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Adapter != models.KindOffers || entries[1].Adapter != models.KindAddons {
		t.Fatalf("unexpected order: %s, %s", entries[0].Adapter, entries[1].Adapter)
	}
}

func TestPurgeKeepsLatestPerProduct(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	old := time.Now().Add(-200 * 24 * time.Hour)

	a1 := observation("item-a", "a", "100", old)
	a2 := observation("item-a", "a", "90", old.Add(time.Hour))
	b1 := observation("item-a", "b", "50", time.Now())
	for _, r := range []*models.ObservationRecord{a1, a2, b1} {
		if err := store.Insert(ctx, r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := store.PurgeBefore(ctx, time.Now().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 purged row, got %d", n)
	}
	latest, err := store.Latest(ctx, "item-a", "a")
	if err != nil || latest == nil || latest.ID != a2.ID {
		t.Fatalf("latest after purge = %+v, %v", latest, err)
	}
}

func TestCommandsQueue(t *testing.T) {
	store := newTestStore(t)

	id, err := store.EnqueueCommand(models.CmdRunNow, &models.CommandParams{Modules: []models.AdapterKind{models.KindAddons}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	cmds, err := store.GetPendingCommands()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(cmds) != 1 || cmds[0].ID != id || cmds[0].Command != models.CmdRunNow {
		t.Fatalf("unexpected commands: %+v", cmds)
	}
	params, err := store.ParseCommandParams(&cmds[0])
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Modules) != 1 || params.Modules[0] != models.KindAddons {
		t.Fatalf("unexpected params: %+v", params)
	}

	if err := store.MarkCommandProcessed(id); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	cmds, err = store.GetPendingCommands()
	if err != nil || len(cmds) != 0 {
		t.Fatalf("expected no pending commands, got %d (%v)", len(cmds), err)
	}
}
