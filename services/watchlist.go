package services

import (
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"rc_tracker/auth"
	"rc_tracker/config"
	"rc_tracker/identity"
	"rc_tracker/models"
)

// Watchlist is the set of tracked items and the credentials they need.
type Watchlist struct {
	Items       []models.WatchedItem
	Credentials []auth.Credentials
}

// BuildWatchlist expands the tracking configuration into watched items:
// one per enabled cruise entry, and per account one add-on item and one
// offers item when those trackers are enabled.
func BuildWatchlist(f *config.File) (*Watchlist, error) {
	wl := &Watchlist{}
	currency := f.Settings.Currency
	seen := make(map[string]bool)

	add := func(item models.WatchedItem) error {
		if seen[item.Key] {
			return fmt.Errorf("duplicate watched item %s (%s)", item.Label, item.Locator)
		}
		seen[item.Key] = true
		wl.Items = append(wl.Items, item)
		return nil
	}

	for _, c := range f.CruiseWatchlist {
		if !config.Enabled(c.Enabled) {
			continue
		}
		label := c.Label
		if label == "" {
			label = "Cruise Fare"
		}
		item := models.WatchedItem{
			Key:      identity.ItemKey(string(models.KindCruise), c.URL),
			Kind:     models.KindCruise,
			Label:    label,
			Locator:  c.URL,
			Currency: currency,
			Active:   true,
		}
		if c.Currency != "" {
			item.Currency = c.Currency
		}
		if c.PaidPrice != "" {
			paid, err := decimal.NewFromString(c.PaidPrice)
			if err != nil {
				return nil, fmt.Errorf("cruise %s: paid_price: %w", label, err)
			}
			item.Baseline = decimal.NewNullDecimal(paid)
		}
		if err := add(item); err != nil {
			return nil, err
		}
	}

	addonsOn := config.Enabled(f.AddonTracking.Enabled)
	offersOn := config.Enabled(f.CasinoTracking.Enabled)

	for _, a := range f.Accounts {
		wl.Credentials = append(wl.Credentials, auth.Credentials{
			Scope:    a.Username,
			Username: a.Username,
			Password: a.Password,
			Brand:    a.CruiseLine,
		})

		if addonsOn {
			locator := fmt.Sprintf("addons:%s:%s", a.CruiseLine, a.Username)
			err := add(models.WatchedItem{
				Key:      identity.ItemKey(string(models.KindAddons), locator),
				Kind:     models.KindAddons,
				Label:    fmt.Sprintf("Add-ons for %s", a.Username),
				Locator:  locator,
				Currency: currency,
				Scope:    a.Username,
				Active:   true,
				Filters: models.ItemFilters{
					Categories:        f.AddonTracking.Categories,
					Reservations:      a.Reservations,
					CatalogCategories: f.AddonTracking.CatalogCategories,
				},
			})
			if err != nil {
				return nil, err
			}
		}

		if offersOn {
			if a.CruiseLine != "royal" {
				log.Printf("Warning: casino offers are only tracked for Royal Caribbean accounts, skipping %s", a.Username)
				continue
			}
			locator := fmt.Sprintf("offers:%s", a.Username)
			err := add(models.WatchedItem{
				Key:      identity.ItemKey(string(models.KindOffers), locator),
				Kind:     models.KindOffers,
				Label:    fmt.Sprintf("Club Royale offers for %s", a.Username),
				Locator:  locator,
				Currency: currency,
				Scope:    a.Username,
				Active:   true,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	return wl, nil
}

// Counts summarizes the watchlist per adapter kind.
func (w *Watchlist) Counts() map[models.AdapterKind]int {
	counts := make(map[models.AdapterKind]int)
	for _, item := range w.Items {
		counts[item.Kind]++
	}
	return counts
}
