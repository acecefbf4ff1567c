package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DeltaKind string

const (
	DeltaFirstSeen         DeltaKind = "first_seen"
	DeltaPriceDrop         DeltaKind = "price_drop"
	DeltaPriceRise         DeltaKind = "price_rise"
	DeltaUnchanged         DeltaKind = "unchanged"
	DeltaBecameUnavailable DeltaKind = "became_unavailable"
	DeltaBecameAvailable   DeltaKind = "became_available"
	DeltaCurrencyMismatch  DeltaKind = "currency_mismatch"
)

// Persisted reports whether a delta of this kind produces a new history record.
func (k DeltaKind) Persisted() bool {
	return k != DeltaUnchanged && k != ""
}

// ObservationRecord is one normalized price snapshot. Records are append-only;
// Notified is the only field changed after insert.
type ObservationRecord struct {
	ID          int64             `json:"id" db:"id"`
	ItemKey     string            `json:"item_key" db:"item_key"`
	ProductCode string            `json:"product_code" db:"product_code"`
	ProductName string            `json:"product_name" db:"product_name"`
	Price       decimal.Decimal   `json:"price" db:"price"`
	Currency    string            `json:"currency" db:"currency"`
	Available   bool              `json:"available" db:"available"`
	ObservedAt  time.Time         `json:"observed_at" db:"observed_at"`
	Source      AdapterKind       `json:"source" db:"source"`
	Delta       DeltaKind         `json:"delta" db:"delta"`
	Magnitude   decimal.Decimal   `json:"magnitude" db:"magnitude"`
	Notified    bool              `json:"notified" db:"notified"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`
}

// Unavailable builds the sentinel written when a product disappears.
func Unavailable(prev *ObservationRecord, at time.Time) ObservationRecord {
	meta := make(map[string]string, len(prev.Metadata))
	for k, v := range prev.Metadata {
		meta[k] = v
	}
	return ObservationRecord{
		ItemKey:     prev.ItemKey,
		ProductCode: prev.ProductCode,
		ProductName: prev.ProductName,
		Price:       decimal.Zero,
		Currency:    prev.Currency,
		Available:   false,
		ObservedAt:  at,
		Source:      prev.Source,
		Metadata:    meta,
	}
}

// Delta is the classified difference between the latest stored record and
// the current observation for one (item, product) pair.
type Delta struct {
	Kind        DeltaKind          `json:"kind"`
	ProductCode string             `json:"product_code"`
	Magnitude   decimal.Decimal    `json:"magnitude"`
	Previous    *ObservationRecord `json:"previous,omitempty"`
	Current     *ObservationRecord `json:"current,omitempty"`
}

// Warning reports whether the delta is a data-quality warning.
func (d Delta) Warning() bool {
	return d.Kind == DeltaCurrencyMismatch
}
