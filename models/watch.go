package models

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AdapterKind selects which source adapter handles a watched item.
type AdapterKind string

const (
	KindCruise AdapterKind = "cruise"
	KindAddons AdapterKind = "addons"
	KindOffers AdapterKind = "offers"
)

// AllKinds is the processing order used when no filter is given.
var AllKinds = []AdapterKind{KindCruise, KindAddons, KindOffers}

func (k AdapterKind) Valid() bool {
	switch k {
	case KindCruise, KindAddons, KindOffers:
		return true
	}
	return false
}

// ParseKinds parses a comma-separated module list. An empty list means all
// kinds and yields nil.
func ParseKinds(s string) ([]AdapterKind, error) {
	var kinds []AdapterKind
	seen := make(map[AdapterKind]bool)
	for _, part := range strings.Split(s, ",") {
		k := AdapterKind(strings.ToLower(strings.TrimSpace(part)))
		if k == "" {
			continue
		}
		if !k.Valid() {
			return nil, fmt.Errorf("unknown module %q", part)
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}

type WatchedItem struct {
	Key      string              `json:"key"`
	Kind     AdapterKind         `json:"kind"`
	Label    string              `json:"label"`
	Locator  string              `json:"locator"`
	Baseline decimal.NullDecimal `json:"baseline"`
	Currency string              `json:"currency"`
	Scope    string              `json:"scope,omitempty"` // credential scope, empty when no session is needed
	Active   bool                `json:"active"`
	Filters  ItemFilters         `json:"filters"`
}

type ItemFilters struct {
	Categories        []string `json:"categories,omitempty"`
	Reservations      []string `json:"reservations,omitempty"`
	CatalogCategories []string `json:"catalog_categories,omitempty"`
}

// NeedsSession reports whether fetching the item requires an authenticated session.
func (w *WatchedItem) NeedsSession() bool {
	return w.Scope != ""
}
