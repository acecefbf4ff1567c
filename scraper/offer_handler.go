package scraper

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"rc_tracker/auth"
	"rc_tracker/identity"
	"rc_tracker/models"
)

const DefaultOffersURL = "https://www.royalcaribbean.com/club-royale/offers/"

// Renderer loads a page in a real browser and returns the rendered HTML.
type Renderer interface {
	Render(ctx context.Context, url string, sess *auth.Session) (string, error)
}

var (
	offerCardSelectors = []string{"[data-offer-code]", ".offer-card", ".offer-item", ".offer-row"}
	offerCodeRegex     = regexp.MustCompile(`\b[A-Z0-9]{4,}\b`)
	offerValueRegex    = regexp.MustCompile(`\$\s*([0-9][0-9,]*(?:\.[0-9]+)?)`)
	letterRegex        = regexp.MustCompile(`[A-Z]`)
	digitRegex         = regexp.MustCompile(`[0-9]`)

	expiryISORegex   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	expirySlashRegex = regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/(?:\d{4}|\d{2}))\b`)
	expiryMonthRegex = regexp.MustCompile(`(?i)\b((?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)[a-z]*\.? \d{1,2},? \d{4})\b`)
)

const (
	loginMarkerSelector = `form[action*="login"], form#login-form, input[type="password"]`
	// Shorter card texts are labels or buttons, not offers.
	minOfferText  = 12
	maxOfferTitle = 120
)

// OfferHandler reads the casino offers of a logged-in account, from the
// offers API when configured and otherwise from the rendered offers page.
type OfferHandler struct {
	renderer Renderer
	url      string
	now      func() time.Time

	api       *OfferAPI
	fetch     *fetcher
	apiBase   string
	offersAPI string
}

func NewOfferHandler(renderer Renderer, offersURL string) *OfferHandler {
	if offersURL == "" {
		offersURL = DefaultOffersURL
	}
	return &OfferHandler{renderer: renderer, url: offersURL, now: time.Now}
}

func (h *OfferHandler) Kind() models.AdapterKind {
	return models.KindOffers
}

func (h *OfferHandler) Fetch(ctx context.Context, item models.WatchedItem, sess *auth.Session) ([]models.ObservationRecord, error) {
	if sess == nil || sess.AccessToken == "" {
		return nil, fetchErr(ErrAuthExpired, "no session for casino offers", nil)
	}

	var loyalty *Loyalty
	var offers []parsedOffer
	if h.api != nil {
		l, err := h.loyalty(ctx, sess)
		if err != nil {
			fe := AsFetchError(err)
			if fe.Kind == ErrAuthExpired {
				return nil, fe
			}
			log.Printf("Warning: loyalty lookup for %s failed: %v", item.Scope, err)
		}
		loyalty = l
		if loyalty != nil && loyalty.CrownAndAnchorID != "" {
			offers, err = h.apiOffers(ctx, sess, loyalty.CrownAndAnchorID)
			if err != nil {
				log.Printf("Warning: offers API for %s failed, using the offers page: %v", item.Scope, err)
			}
		}
	}

	if len(offers) == 0 {
		if h.renderer == nil {
			return nil, nil
		}
		page, err := h.renderPage(ctx, item, sess)
		if err != nil {
			return nil, err
		}
		offers = page
	}

	currency := item.Currency
	if currency == "" {
		currency = "USD"
	}
	now := h.now().UTC()
	records := make([]models.ObservationRecord, 0, len(offers))
	for _, o := range offers {
		meta := loyalty.Metadata()
		meta["scope"] = item.Scope
		if o.expires != "" {
			meta["expires"] = o.expires
		}
		if o.sailings > 0 {
			meta["sailings"] = strconv.Itoa(o.sailings)
		}
		records = append(records, models.ObservationRecord{
			ItemKey:     item.Key,
			ProductCode: o.code,
			ProductName: o.title,
			Price:       o.value,
			Currency:    currency,
			Available:   true,
			ObservedAt:  now,
			Source:      models.KindOffers,
			Metadata:    meta,
		})
	}
	return records, nil
}

func (h *OfferHandler) renderPage(ctx context.Context, item models.WatchedItem, sess *auth.Session) ([]parsedOffer, error) {
	target := h.url
	if strings.HasPrefix(item.Locator, "http://") || strings.HasPrefix(item.Locator, "https://") {
		target = item.Locator
	}
	html, err := h.renderer.Render(ctx, target, sess)
	if err != nil {
		return nil, AsFetchError(err)
	}
	return parseOffers(html)
}

type parsedOffer struct {
	code     string
	title    string
	value    decimal.Decimal
	expires  string
	sailings int
}

// parseOffers extracts offer cards from a rendered offers page. A page with
// a login form means the session was not accepted.
func parseOffers(html string) ([]parsedOffer, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fetchErr(ErrSelectorMismatch, "offers page is not HTML", err)
	}

	cards := doc.Find(strings.Join(offerCardSelectors, ", "))
	if cards.Length() == 0 {
		if doc.Find(loginMarkerSelector).Length() > 0 {
			return nil, fetchErr(ErrAuthExpired, "offers page asked for a login", nil)
		}
		if doc.Find(`[data-testid="offers-empty"], .offers-empty, .no-offers`).Length() > 0 {
			return nil, nil
		}
		return nil, fetchErr(ErrSelectorMismatch, "offers container not found", nil)
	}

	seenText := make(map[string]bool)
	seenCode := make(map[string]bool)
	var offers []parsedOffer
	cards.Each(func(_ int, card *goquery.Selection) {
		text := strings.Join(strings.Fields(card.Text()), " ")
		if len(text) < minOfferText || seenText[text] {
			return
		}
		seenText[text] = true

		code := strings.TrimSpace(card.AttrOr("data-offer-code", ""))
		if code == "" {
			code = offerCode(text)
		}
		if seenCode[code] {
			return
		}
		seenCode[code] = true

		title := strings.TrimSpace(card.Find("h2, h3, h4, .offer-title").First().Text())
		if title == "" {
			title = truncateRunes(text, maxOfferTitle)
		}

		offers = append(offers, parsedOffer{
			code:    code,
			title:   title,
			value:   offerValue(text),
			expires: offerExpiry(text),
		})
	})
	return offers, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// offerCode picks the first token that looks like a promotion code,
// preferring tokens that mix letters and digits.
func offerCode(text string) string {
	tokens := offerCodeRegex.FindAllString(strings.ToUpper(text), -1)
	for _, m := range tokens {
		if letterRegex.MatchString(m) && digitRegex.MatchString(m) {
			return m
		}
	}
	for _, m := range tokens {
		if letterRegex.MatchString(m) {
			return m
		}
	}
	return identity.ShortHash(text)
}

func offerValue(text string) decimal.Decimal {
	m := offerValueRegex.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero
	}
	v, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return v
}

// offerExpiry returns the first recognizable date as YYYY-MM-DD.
func offerExpiry(text string) string {
	if m := expiryISORegex.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := expirySlashRegex.FindStringSubmatch(text); m != nil {
		for _, layout := range []string{"1/2/2006", "1/2/06"} {
			if t, err := time.Parse(layout, m[1]); err == nil {
				return t.Format("2006-01-02")
			}
		}
	}
	if m := expiryMonthRegex.FindStringSubmatch(text); m != nil {
		s := strings.Replace(strings.Replace(m[1], ",", "", 1), ".", "", 1)
		parts := strings.Fields(s)
		if len(parts) == 3 {
			if len(parts[0]) > 3 {
				parts[0] = parts[0][:3]
			}
			if t, err := time.Parse("Jan 2 2006", strings.Join(parts, " ")); err == nil {
				return t.Format("2006-01-02")
			}
		}
	}
	return ""
}

func sessionHeaders(sess *auth.Session) map[string]string {
	if sess == nil {
		return nil
	}
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", sess.AccessToken),
		"Access-Token":  sess.AccessToken,
		"Account-Id":    sess.AccountID,
	}
}
