package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"rc_tracker/auth"
)

const DefaultOffersAPIURL = "https://www.royalcaribbean.com/api/casino/casino-offers/v2"

// OfferAPI configures the loyalty and casino offer APIs. When set on an
// OfferHandler the API is tried first and the rendered page is the fallback.
type OfferAPI struct {
	Client    *http.Client
	Limiter   *HostLimiter
	APIBase   string // loyalty lookups, DefaultCatalogAPIBase when empty
	OffersURL string // DefaultOffersAPIURL when empty
	AppKey    string
}

// WithAPI enables the loyalty lookup and the offers API in front of the
// rendered page.
func (h *OfferHandler) WithAPI(api OfferAPI) *OfferHandler {
	if api.Client == nil {
		api.Client = http.DefaultClient
	}
	h.api = &api
	h.fetch = &fetcher{client: api.Client, limiter: api.Limiter}
	h.apiBase = strings.TrimRight(api.APIBase, "/")
	if h.apiBase == "" {
		h.apiBase = DefaultCatalogAPIBase
	}
	h.offersAPI = api.OffersURL
	if h.offersAPI == "" {
		h.offersAPI = DefaultOffersAPIURL
	}
	return h
}

// Loyalty is an account's Crown & Anchor and Club Royale standing.
type Loyalty struct {
	CrownAndAnchorID     string
	CrownAndAnchorTier   string
	CrownAndAnchorPoints string
	ClubRoyaleTier       string
	ClubRoyalePoints     string
}

// Metadata is the loyalty standing as observation metadata.
func (l *Loyalty) Metadata() map[string]string {
	meta := make(map[string]string)
	if l == nil {
		return meta
	}
	for k, v := range map[string]string{
		"ca_id":              l.CrownAndAnchorID,
		"ca_tier":            l.CrownAndAnchorTier,
		"ca_points":          l.CrownAndAnchorPoints,
		"club_royale_tier":   l.ClubRoyaleTier,
		"club_royale_points": l.ClubRoyalePoints,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	return meta
}

type loyaltyInfo struct {
	CrownAndAnchorID                 flexString `json:"crownAndAnchorId"`
	CrownAndAnchorSocietyLoyaltyTier string     `json:"crownAndAnchorSocietyLoyaltyTier"`
	CrownAndAnchorIndividualPoints   flexString `json:"crownAndAnchorSocietyLoyaltyIndividualPoints"`
	ClubRoyaleLoyaltyTier            string     `json:"clubRoyaleLoyaltyTier"`
	ClubRoyaleIndividualPoints       flexString `json:"clubRoyaleLoyaltyIndividualPoints"`
}

type loyaltyResponse struct {
	LoyaltyInformation *loyaltyInfo `json:"loyaltyInformation"`
}

type apiOffer struct {
	OfferCode       flexString        `json:"offerCode"`
	ID              flexString        `json:"id"`
	CampaignCode    flexString        `json:"campaignCode"`
	ExternalOfferID flexString        `json:"externalOfferId"`
	Type            string            `json:"type"`
	OfferType       string            `json:"offerType"`
	Name            string            `json:"name"`
	ExpirationDate  string            `json:"expirationDate"`
	Value           flexString        `json:"value"`
	Sailings        []json.RawMessage `json:"sailings"`
	CampaignOffer   struct {
		Name     string            `json:"name"`
		Sailings []json.RawMessage `json:"sailings"`
	} `json:"campaignOffer"`
}

func (o *apiOffer) code() string {
	for _, c := range []flexString{o.OfferCode, o.ID, o.CampaignCode, o.ExternalOfferID} {
		if s := strings.TrimSpace(string(c)); s != "" {
			return s
		}
	}
	return ""
}

func (o *apiOffer) title() string {
	for _, t := range []string{o.Name, o.CampaignOffer.Name, o.Type, o.OfferType} {
		if t = strings.TrimSpace(t); t != "" {
			return truncateRunes(t, maxOfferTitle)
		}
	}
	return "Casino Offer"
}

func (o *apiOffer) sailings() int {
	if len(o.Sailings) > 0 {
		return len(o.Sailings)
	}
	return len(o.CampaignOffer.Sailings)
}

// offersResponse accepts a bare list or an object with an offers list.
type offersResponse struct {
	Offers []apiOffer
}

func (r *offersResponse) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &r.Offers)
	}
	var obj struct {
		Offers []apiOffer `json:"offers"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.Offers = obj.Offers
	return nil
}

func (h *OfferHandler) loyalty(ctx context.Context, sess *auth.Session) (*Loyalty, error) {
	brand := sess.Brand
	if brand == "" {
		brand = "royal"
	}
	target := fmt.Sprintf("%s/en/%s/web/v1/guestAccounts/loyalty/info", h.apiBase, brand)
	headers := map[string]string{
		"Access-Token": sess.AccessToken,
		"AppKey":       h.api.AppKey,
		"account-id":   sess.AccountID,
	}

	var resp loyaltyResponse
	if _, err := h.fetch.getJSON(ctx, target, headers, nil, &resp); err != nil {
		return nil, err
	}
	if resp.LoyaltyInformation == nil {
		return nil, fetchErr(ErrSelectorMismatch, "loyalty response has no loyaltyInformation", nil)
	}
	info := resp.LoyaltyInformation
	return &Loyalty{
		CrownAndAnchorID:     string(info.CrownAndAnchorID),
		CrownAndAnchorTier:   info.CrownAndAnchorSocietyLoyaltyTier,
		CrownAndAnchorPoints: string(info.CrownAndAnchorIndividualPoints),
		ClubRoyaleTier:       info.ClubRoyaleLoyaltyTier,
		ClubRoyalePoints:     string(info.ClubRoyaleIndividualPoints),
	}, nil
}

func (h *OfferHandler) apiOffers(ctx context.Context, sess *auth.Session, loyaltyID string) ([]parsedOffer, error) {
	brandCode := sess.BrandCode
	if brandCode == "" {
		brandCode = auth.BrandCode(sess.Brand)
	}
	body := map[string]any{
		"brand":           brandCode,
		"country":         "USA",
		"language":        "en",
		"cruiseLoyaltyId": loyaltyID,
		"includeSailings": true,
	}
	headers := sessionHeaders(sess)
	headers["Referer"] = h.url

	var resp offersResponse
	if _, err := h.fetch.postJSON(ctx, h.offersAPI, headers, body, &resp); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var offers []parsedOffer
	for i := range resp.Offers {
		o := &resp.Offers[i]
		code := o.code()
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true

		value, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(string(o.Value)), ",", ""))
		if err != nil {
			value = offerValue(o.title())
		}
		offers = append(offers, parsedOffer{
			code:     code,
			title:    o.title(),
			value:    value,
			expires:  apiExpiry(o.ExpirationDate),
			sailings: o.sailings(),
		})
	}
	return offers, nil
}

// apiExpiry reduces an API timestamp to YYYY-MM-DD when it can.
func apiExpiry(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 10 {
		if _, err := time.Parse("2006-01-02", s[:10]); err == nil {
			return s[:10]
		}
	}
	if e := offerExpiry(s); e != "" {
		return e
	}
	return s
}
