package detect

import (
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"rc_tracker/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(code, price string, at time.Time) models.ObservationRecord {
	return models.ObservationRecord{
		ItemKey:     "item-1",
		ProductCode: code,
		Price:       decimal.RequireFromString(price),
		Currency:    "USD",
		Available:   true,
		ObservedAt:  at,
		Source:      models.KindCruise,
	}
}

func TestClassifyPairwiseRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for seq := 0; seq < 200; seq++ {
		n := 2 + rng.Intn(20)
		records := make([]models.ObservationRecord, n)
		for i := range records {
			// Small range so equal neighbours show up regularly.
			cents := rng.Int63n(50) * 2500
			records[i] = models.ObservationRecord{
				ProductCode: "p",
				Price:       decimal.New(cents, -2),
				Currency:    "USD",
				Available:   true,
				ObservedAt:  base.Add(time.Duration(i) * time.Hour),
			}
		}
		for i := 1; i < n; i++ {
			prev, cur := &records[i-1], &records[i]
			d := Classify(prev, cur)
			switch cmp := cur.Price.Cmp(prev.Price); {
			case cmp < 0:
				if d.Kind != models.DeltaPriceDrop {
					t.Fatalf("seq %d step %d: %s -> %s classified %s, want price_drop", seq, i, prev.Price, cur.Price, d.Kind)
				}
				if !d.Magnitude.Equal(prev.Price.Sub(cur.Price)) {
					t.Fatalf("seq %d step %d: magnitude %s, want %s", seq, i, d.Magnitude, prev.Price.Sub(cur.Price))
				}
			case cmp > 0:
				if d.Kind != models.DeltaPriceRise {
					t.Fatalf("seq %d step %d: %s -> %s classified %s, want price_rise", seq, i, prev.Price, cur.Price, d.Kind)
				}
				if !d.Magnitude.Equal(cur.Price.Sub(prev.Price)) {
					t.Fatalf("seq %d step %d: magnitude %s, want %s", seq, i, d.Magnitude, cur.Price.Sub(prev.Price))
				}
			default:
				if d.Kind != models.DeltaUnchanged {
					t.Fatalf("seq %d step %d: %s -> %s classified %s, want unchanged", seq, i, prev.Price, cur.Price, d.Kind)
				}
			}
		}
	}
}

func TestClassifyScenarios(t *testing.T) {
	p1200 := rec("cabin", "1200.00", base)
	p999 := rec("cabin", "999.00", base.Add(time.Hour))
	p500 := rec("cabin", "500.00", base)
	p500b := rec("cabin", "500", base.Add(time.Hour))
	eur := rec("cabin", "999.00", base.Add(time.Hour))
	eur.Currency = "EUR"
	gone := rec("cabin", "0", base.Add(time.Hour))
	gone.Available = false
	back := rec("cabin", "700.00", base.Add(2*time.Hour))

	tests := []struct {
		name      string
		prev, cur *models.ObservationRecord
		want      models.DeltaKind
		magnitude string
	}{
		{"first seen", nil, &p1200, models.DeltaFirstSeen, "0"},
		{"drop", &p1200, &p999, models.DeltaPriceDrop, "201.00"},
		{"rise", &p999, &p1200, models.DeltaPriceRise, "201"},
		{"equal with different scale", &p500, &p500b, models.DeltaUnchanged, "0"},
		{"currency mismatch", &p1200, &eur, models.DeltaCurrencyMismatch, "0"},
		{"missing", &p1200, nil, models.DeltaBecameUnavailable, "0"},
		{"explicitly unavailable", &p1200, &gone, models.DeltaBecameUnavailable, "0"},
		{"still unavailable", &gone, nil, models.DeltaUnchanged, "0"},
		{"back again", &gone, &back, models.DeltaBecameAvailable, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.prev, tt.cur)
			if d.Kind != tt.want {
				t.Fatalf("kind = %s, want %s", d.Kind, tt.want)
			}
			if !d.Magnitude.Equal(decimal.RequireFromString(tt.magnitude)) {
				t.Fatalf("magnitude = %s, want %s", d.Magnitude, tt.magnitude)
			}
		})
	}
}

func TestClassifyIsExact(t *testing.T) {
	prev := rec("p", "0.30", base)
	cur := rec("p", "0", base.Add(time.Minute))
	cur.Price = decimal.RequireFromString("0.1").Add(decimal.RequireFromString("0.2"))
	if d := Classify(&prev, &cur); d.Kind != models.DeltaUnchanged {
		t.Fatalf("0.1+0.2 vs 0.30 classified %s", d.Kind)
	}

	cur.Price = decimal.RequireFromString("0.2999999999")
	d := Classify(&prev, &cur)
	if d.Kind != models.DeltaPriceDrop || d.Magnitude.String() != "0.0000000001" {
		t.Fatalf("got %s %s, want price_drop 0.0000000001", d.Kind, d.Magnitude)
	}
}

func TestLatestBreaksTiesByID(t *testing.T) {
	a := rec("p", "10", base)
	a.ID = 3
	b := rec("p", "11", base)
	b.ID = 7
	c := rec("p", "12", base.Add(-time.Hour))
	c.ID = 9

	got := Latest([]models.ObservationRecord{a, b, c})
	if got == nil || got.ID != 7 {
		t.Fatalf("expected record 7, got %+v", got)
	}
	if Latest(nil) != nil {
		t.Fatalf("expected nil for empty history")
	}
}

func TestDiff(t *testing.T) {
	now := base.Add(24 * time.Hour)
	previous := []models.ObservationRecord{
		rec("a", "100", base),
		rec("b", "200", base),
		rec("c", "300", base),
	}
	previous[0].ID, previous[1].ID, previous[2].ID = 1, 2, 3

	current := []models.ObservationRecord{
		rec("a", "90", now),
		rec("b", "200.00", now),
		rec("d", "50", now),
	}

	deltas := Diff(previous, current, now)
	if len(deltas) != 4 {
		t.Fatalf("expected 4 deltas, got %d", len(deltas))
	}

	want := map[string]models.DeltaKind{
		"a": models.DeltaPriceDrop,
		"b": models.DeltaUnchanged,
		"c": models.DeltaBecameUnavailable,
		"d": models.DeltaFirstSeen,
	}
	for i, d := range deltas {
		if i > 0 && deltas[i-1].ProductCode >= d.ProductCode {
			t.Fatalf("deltas not ordered by product code")
		}
		if d.Kind != want[d.ProductCode] {
			t.Errorf("%s: kind %s, want %s", d.ProductCode, d.Kind, want[d.ProductCode])
		}
	}

	sentinel := deltas[2].Current
	if sentinel == nil || sentinel.Available || sentinel.ProductCode != "c" || !sentinel.ObservedAt.Equal(now) {
		t.Fatalf("unexpected sentinel %+v", sentinel)
	}
	if sentinel.Delta != models.DeltaBecameUnavailable {
		t.Fatalf("sentinel delta = %s", sentinel.Delta)
	}
	if deltas[0].Current.Delta != models.DeltaPriceDrop || !deltas[0].Current.Magnitude.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("classification not carried on current record: %+v", deltas[0].Current)
	}
	if current[0].Delta != "" {
		t.Fatalf("Diff mutated caller's records")
	}
}

func TestDiffZeroRecordsMarksEverythingUnavailable(t *testing.T) {
	previous := []models.ObservationRecord{rec("cabin", "500.00", base)}
	deltas := Diff(previous, nil, base.Add(time.Hour))
	if len(deltas) != 1 || deltas[0].Kind != models.DeltaBecameUnavailable {
		t.Fatalf("expected became_unavailable, got %+v", deltas)
	}
}
