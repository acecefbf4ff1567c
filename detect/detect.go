// Package detect classifies price observations against stored history.
package detect

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"rc_tracker/models"
)

// Classify compares the latest stored record for a product with the current
// observation. A nil prev means the product has never been seen; a nil cur
// means the product is missing from the current fetch.
func Classify(prev, cur *models.ObservationRecord) models.Delta {
	d := models.Delta{Previous: prev, Current: cur, Magnitude: decimal.Zero}
	switch {
	case prev != nil:
		d.ProductCode = prev.ProductCode
	case cur != nil:
		d.ProductCode = cur.ProductCode
	}

	if prev == nil {
		if cur == nil {
			d.Kind = models.DeltaUnchanged
			return d
		}
		d.Kind = models.DeltaFirstSeen
		return d
	}

	if cur == nil || !cur.Available {
		if prev.Available {
			d.Kind = models.DeltaBecameUnavailable
		} else {
			d.Kind = models.DeltaUnchanged
		}
		return d
	}

	if !prev.Available {
		d.Kind = models.DeltaBecameAvailable
		return d
	}

	if prev.Currency != cur.Currency {
		d.Kind = models.DeltaCurrencyMismatch
		return d
	}

	switch cur.Price.Cmp(prev.Price) {
	case -1:
		d.Kind = models.DeltaPriceDrop
		d.Magnitude = prev.Price.Sub(cur.Price)
	case 1:
		d.Kind = models.DeltaPriceRise
		d.Magnitude = cur.Price.Sub(prev.Price)
	default:
		d.Kind = models.DeltaUnchanged
	}
	return d
}

// Latest returns the newest record, breaking timestamp ties by the highest ID.
func Latest(records []models.ObservationRecord) *models.ObservationRecord {
	var best *models.ObservationRecord
	for i := range records {
		r := &records[i]
		if best == nil || newer(r, best) {
			best = r
		}
	}
	return best
}

func newer(a, b *models.ObservationRecord) bool {
	if a.ObservedAt.Equal(b.ObservedAt) {
		return a.ID > b.ID
	}
	return a.ObservedAt.After(b.ObservedAt)
}

// Diff classifies a complete fetch for one item against its stored history.
// Products present before but missing now get an unavailable sentinel as their
// current record. Each returned delta's Current carries its classification.
// Results are ordered by product code.
func Diff(previous, current []models.ObservationRecord, now time.Time) []models.Delta {
	grouped := make(map[string][]models.ObservationRecord)
	for _, r := range previous {
		grouped[r.ProductCode] = append(grouped[r.ProductCode], r)
	}
	prevByCode := make(map[string]*models.ObservationRecord, len(grouped))
	for code, recs := range grouped {
		prevByCode[code] = Latest(recs)
	}

	curByCode := make(map[string]*models.ObservationRecord, len(current))
	for i := range current {
		rec := current[i]
		curByCode[rec.ProductCode] = &rec
	}

	codes := make([]string, 0, len(prevByCode)+len(curByCode))
	for code := range curByCode {
		codes = append(codes, code)
	}
	for code := range prevByCode {
		if _, ok := curByCode[code]; !ok {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)

	deltas := make([]models.Delta, 0, len(codes))
	for _, code := range codes {
		prev := prevByCode[code]
		cur := curByCode[code]
		d := Classify(prev, cur)
		if cur == nil && d.Kind == models.DeltaBecameUnavailable {
			sentinel := models.Unavailable(prev, now)
			cur = &sentinel
			d.Current = cur
		}
		if cur != nil {
			cur.Delta = d.Kind
			cur.Magnitude = d.Magnitude
		}
		deltas = append(deltas, d)
	}
	return deltas
}
