package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"rc_tracker/auth"
	"rc_tracker/identity"
	"rc_tracker/models"
)

const maxRedirectHops = 9

var (
	nextRedirectRegex = regexp.MustCompile(`NEXT_REDIRECT;replace;([^;]+);307;`)
	priceTotalRegex   = regexp.MustCompile(`\$\s*([0-9]+(?:\.[0-9]+)?)\s*([A-Z]{3})?`)
)

const (
	priceTotalSelector = `span[data-testid="pricing-total"]`
	// Markers of a booking page that rendered without a price (sold out or
	// cabin class no longer offered).
	bookingShellSelector = `[data-testid="pricing-summary"], [data-testid="sold-out"], [data-testid="cabin-unavailable"]`
)

// CruiseHandler scrapes the booking price document for a sailing and cabin.
type CruiseHandler struct {
	fetch *fetcher
	now   func() time.Time
}

func NewCruiseHandler(client *http.Client, limiter *HostLimiter) *CruiseHandler {
	return &CruiseHandler{
		fetch: &fetcher{client: client, limiter: limiter},
		now:   time.Now,
	}
}

func (h *CruiseHandler) Kind() models.AdapterKind {
	return models.KindCruise
}

func (h *CruiseHandler) Fetch(ctx context.Context, item models.WatchedItem, _ *auth.Session) ([]models.ObservationRecord, error) {
	cleaned := identity.StripParams(item.Locator)
	current := cleaned

	var page []byte
	for hop := 0; ; hop++ {
		if hop > maxRedirectHops {
			return nil, fetchErr(ErrUpstreamUnavailable, fmt.Sprintf("booking page redirected more than %d times", maxRedirectHops), nil)
		}
		body, err := h.get(ctx, current)
		if err != nil {
			return nil, err
		}
		m := nextRedirectRegex.FindSubmatch(body)
		if m == nil {
			page = body
			break
		}
		next, err := resolveRedirect(current, string(m[1]))
		if err != nil {
			return nil, fetchErr(ErrSelectorMismatch, "booking page has an unreadable redirect marker", err)
		}
		current = next
	}

	price, currency, found, err := parseBookingPrice(page)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	if currency == "" {
		currency = item.Currency
	}

	rec := models.ObservationRecord{
		ItemKey:     item.Key,
		ProductCode: cruiseProductCode(cleaned),
		ProductName: item.Label,
		Price:       price,
		Currency:    currency,
		Available:   true,
		ObservedAt:  h.now().UTC(),
		Source:      models.KindCruise,
		Metadata:    cruiseMetadata(cleaned, item),
	}
	return []models.ObservationRecord{rec}, nil
}

func (h *CruiseHandler) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fetchErr(ErrUpstreamUnavailable, "invalid booking URL", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")

	body, _, err := h.fetch.do(req)
	return body, err
}

func resolveRedirect(current, path string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// parseBookingPrice extracts the total from a booking page. found is false
// when the page is a recognizable booking page without a price.
func parseBookingPrice(page []byte) (price decimal.Decimal, currency string, found bool, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return decimal.Zero, "", false, fetchErr(ErrSelectorMismatch, "booking page is not HTML", err)
	}

	node := doc.Find(priceTotalSelector).First()
	if node.Length() == 0 {
		if doc.Find(bookingShellSelector).Length() > 0 {
			return decimal.Zero, "", false, nil
		}
		return decimal.Zero, "", false, fetchErr(ErrSelectorMismatch, "price total not found on booking page", nil)
	}

	text := strings.ReplaceAll(strings.Join(strings.Fields(node.Text()), " "), ",", "")
	m := priceTotalRegex.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, "", false, fetchErr(ErrSelectorMismatch, "price total has an unexpected format", nil)
	}
	price, err = decimal.NewFromString(m[1])
	if err != nil {
		return decimal.Zero, "", false, fetchErr(ErrSelectorMismatch, "price total is not a number", err)
	}
	return price, m[2], true, nil
}

// cruiseProductCode identifies the priced product as ship, sail date and
// cabin selection, falling back to the cleaned URL.
func cruiseProductCode(cleaned string) string {
	u, err := url.Parse(cleaned)
	if err != nil {
		return cleaned
	}
	q := u.Query()
	ship, sail := q.Get("shipCode"), q.Get("sailDate")
	if ship == "" || sail == "" {
		return cleaned
	}
	parts := []string{ship, sail}
	for _, key := range []string{"packageCode", "cabinClassType", "roomIndex", "stateroomType"} {
		if v := q.Get(key); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "-")
}

func cruiseMetadata(cleaned string, item models.WatchedItem) map[string]string {
	meta := map[string]string{"url": cleaned}
	if u, err := url.Parse(cleaned); err == nil {
		q := u.Query()
		if v := q.Get("shipCode"); v != "" {
			meta["ship_code"] = v
		}
		if v := q.Get("sailDate"); v != "" {
			meta["sail_date"] = v
		}
	}
	if item.Baseline.Valid {
		meta["paid_price"] = item.Baseline.Decimal.String()
	}
	return meta
}
