package scraper

import (
	"context"

	"rc_tracker/auth"
	"rc_tracker/models"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// Adapter fetches one watched item from its upstream source and normalizes
// the result. Adapters never persist anything. sess is nil for kinds that
// need no authentication.
type Adapter interface {
	Kind() models.AdapterKind
	Fetch(ctx context.Context, item models.WatchedItem, sess *auth.Session) ([]models.ObservationRecord, error)
}
