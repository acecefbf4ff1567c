package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"rc_tracker/auth"
	"rc_tracker/models"
)

const DefaultCatalogAPIBase = "https://aws-prd.api.rccl.com"

// CatalogHandler prices purchased and available cruise add-ons through the
// authenticated booking and commerce APIs.
type CatalogHandler struct {
	fetch   *fetcher
	apiBase string
	appKey  string
	now     func() time.Time
}

func NewCatalogHandler(client *http.Client, limiter *HostLimiter, apiBase, appKey string) *CatalogHandler {
	if apiBase == "" {
		apiBase = DefaultCatalogAPIBase
	}
	return &CatalogHandler{
		fetch:   &fetcher{client: client, limiter: limiter},
		apiBase: strings.TrimRight(apiBase, "/"),
		appKey:  appKey,
		now:     time.Now,
	}
}

func (h *CatalogHandler) Kind() models.AdapterKind {
	return models.KindAddons
}

// flexString accepts JSON strings and numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) Int() int {
	n, _ := strconv.Atoi(strings.TrimSpace(string(f)))
	return n
}

type bookingsResponse struct {
	ProfileBookings []booking `json:"profileBookings"`
}

type booking struct {
	ReservationID   flexString `json:"reservationId"`
	BookingID       flexString `json:"bookingId"`
	ShipCode        string     `json:"shipCode"`
	SailDate        string     `json:"sailDate"`
	ReturnDate      string     `json:"returnDate"`
	NumberOfNights  flexString `json:"numberOfNights"`
	Nights          flexString `json:"nights"`
	Duration        flexString `json:"duration"`
	StateroomNumber flexString `json:"stateroomNumber"`
	PassengerID     flexString `json:"passengerId"`
	Passengers      []struct {
		ID          flexString `json:"id"`
		PassengerID flexString `json:"passengerId"`
	} `json:"passengers"`
}

func (b *booking) reservation() string {
	if b.ReservationID != "" {
		return string(b.ReservationID)
	}
	return string(b.BookingID)
}

func (b *booking) passengerIDs() []string {
	seen := make(map[string]bool)
	if b.PassengerID != "" {
		seen[string(b.PassengerID)] = true
	}
	for _, p := range b.Passengers {
		id := p.ID
		if id == "" {
			id = p.PassengerID
		}
		if id != "" {
			seen[string(id)] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *booking) nights() int {
	for _, v := range []flexString{b.NumberOfNights, b.Nights, b.Duration} {
		if n := v.Int(); n > 0 {
			return n
		}
	}
	start, err1 := time.Parse("2006-01-02", prefix10(b.SailDate))
	end, err2 := time.Parse("2006-01-02", prefix10(b.ReturnDate))
	if err1 == nil && err2 == nil && end.After(start) {
		if n := int(end.Sub(start).Hours() / 24); n > 0 {
			return n
		}
	}
	return 1
}

func prefix10(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}

type orderHistoryResponse struct {
	MyOrders     []order `json:"myOrders"`
	OthersOrders []order `json:"ordersOthersHaveBookedForMe"`
}

type order struct {
	OrderCode   string `json:"orderCode"`
	OrderTotals struct {
		Total decimal.NullDecimal `json:"total"`
	} `json:"orderTotals"`
}

type orderDetailResponse struct {
	Items []orderItem `json:"orderHistoryDetailItems"`
}

type orderItem struct {
	OrderStatus    string `json:"orderStatus"`
	ProductSummary struct {
		ID                  flexString `json:"id"`
		BaseID              flexString `json:"baseId"`
		Title               string     `json:"title"`
		SalesUnit           string     `json:"salesUnit"`
		ProductTypeCategory struct {
			ID string `json:"id"`
		} `json:"productTypeCategory"`
	} `json:"productSummary"`
	Guests []struct {
		ID            flexString `json:"id"`
		ReservationID flexString `json:"reservationId"`
		FirstName     string     `json:"firstName"`
		OrderStatus   string     `json:"orderStatus"`
		PriceDetails  struct {
			Subtotal decimal.NullDecimal `json:"subtotal"`
			Quantity flexString          `json:"quantity"`
			Currency string              `json:"currency"`
		} `json:"priceDetails"`
	} `json:"guests"`
}

type catalogProduct struct {
	ID                flexString `json:"id"`
	Title             string     `json:"title"`
	StartingFromPrice *struct {
		AdultPromotionalPrice decimal.NullDecimal `json:"adultPromotionalPrice"`
		AdultShipboardPrice   decimal.NullDecimal `json:"adultShipboardPrice"`
	} `json:"startingFromPrice"`
	Price       decimal.NullDecimal `json:"price"`
	LowestPrice decimal.NullDecimal `json:"lowestPrice"`
}

// currentPrice prefers the promotional price, then the shipboard price.
func (p *catalogProduct) currentPrice() (decimal.Decimal, bool) {
	if sp := p.StartingFromPrice; sp != nil {
		if sp.AdultPromotionalPrice.Valid {
			return sp.AdultPromotionalPrice.Decimal, true
		}
		if sp.AdultShipboardPrice.Valid {
			return sp.AdultShipboardPrice.Decimal, true
		}
		return decimal.Zero, false
	}
	if p.Price.Valid {
		return p.Price.Decimal, true
	}
	if p.LowestPrice.Valid {
		return p.LowestPrice.Decimal, true
	}
	return decimal.Zero, false
}

type catalogListResponse []catalogProduct

func (c *catalogListResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []catalogProduct
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*c = list
		return nil
	}
	var wrapped struct {
		Products []catalogProduct `json:"products"`
	}
	if err := json.Unmarshal(b, &wrapped); err != nil {
		return err
	}
	*c = wrapped.Products
	return nil
}

// NormalizePaidPrice converts an order subtotal to the unit the catalog
// quotes: per night or day for such products, and per single quantity.
func NormalizePaidPrice(subtotal decimal.Decimal, salesUnit string, quantity, nights int) decimal.Decimal {
	v := subtotal
	if (salesUnit == "PER_NIGHT" || salesUnit == "PER_DAY") && nights > 0 {
		v = v.Div(decimal.NewFromInt(int64(nights)))
	}
	if quantity > 1 {
		v = v.Div(decimal.NewFromInt(int64(quantity)))
	}
	return v.Round(2)
}

func (h *CatalogHandler) Fetch(ctx context.Context, item models.WatchedItem, sess *auth.Session) ([]models.ObservationRecord, error) {
	if sess == nil || sess.AccessToken == "" {
		return nil, fetchErr(ErrAuthExpired, "no session for add-on catalog", nil)
	}

	currency := item.Currency
	if currency == "" {
		currency = "USD"
	}

	var bookings bookingsResponse
	bookingsURL := fmt.Sprintf("%s/v1/profileBookings/enriched/%s", h.apiBase, url.PathEscape(sess.AccountID))
	params := url.Values{"brand": {sess.BrandCode}, "includeCheckin": {"false"}}
	if _, err := h.fetch.getJSON(ctx, bookingsURL, h.headers(sess, "vds-id"), params, &bookings); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(item.Filters.Reservations))
	for _, r := range item.Filters.Reservations {
		wanted[r] = true
	}

	var records []models.ObservationRecord
	for _, b := range bookings.ProfileBookings {
		res := b.reservation()
		if res == "" || (len(wanted) > 0 && !wanted[res]) {
			continue
		}
		recs, err := h.fetchBooking(ctx, item, sess, &b, currency)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (h *CatalogHandler) fetchBooking(ctx context.Context, item models.WatchedItem, sess *auth.Session, b *booking, currency string) ([]models.ObservationRecord, error) {
	res := b.reservation()
	passengers := b.passengerIDs()
	if len(passengers) == 0 {
		log.Printf("[warn] addons: reservation %s has no passenger ids, skipping", res)
		return nil, nil
	}

	categories := make(map[string]bool, len(item.Filters.Categories))
	for _, c := range item.Filters.Categories {
		categories[c] = true
	}

	now := h.now().UTC()
	nights := b.nights()
	purchased := make(map[string]bool)
	seen := make(map[string]bool)
	var records []models.ObservationRecord

	for _, pid := range passengers {
		historyParams := url.Values{
			"passengerId":   {pid},
			"reservationId": {res},
			"sailingId":     {b.ShipCode + b.SailDate},
			"currencyIso":   {currency},
			"includeMedia":  {"false"},
		}
		historyURL := fmt.Sprintf("%s/en/%s/web/commerce-api/calendar/v1/%s/orderHistory", h.apiBase, sess.Brand, url.PathEscape(b.ShipCode))

		var history orderHistoryResponse
		if _, err := h.fetch.getJSON(ctx, historyURL, h.headers(sess, "Account-Id"), historyParams, &history); err != nil {
			return nil, err
		}

		for _, o := range append(history.MyOrders, history.OthersOrders...) {
			if o.OrderCode == "" || !o.OrderTotals.Total.Valid || !o.OrderTotals.Total.Decimal.IsPositive() {
				continue
			}

			var detail orderDetailResponse
			detailURL := historyURL + "/" + url.PathEscape(o.OrderCode)
			if _, err := h.fetch.getJSON(ctx, detailURL, h.headers(sess, "Account-Id"), historyParams, &detail); err != nil {
				return nil, err
			}

			for _, it := range detail.Items {
				prefix := strings.TrimSpace(it.ProductSummary.ProductTypeCategory.ID)
				if prefix == "" {
					continue
				}
				productCode := string(it.ProductSummary.ID)
				if prefix == "pt_beverage" || prefix == "pt_internet" {
					productCode = string(it.ProductSummary.BaseID)
				}
				if productCode == "" {
					continue
				}
				purchased[productCode] = true
				if len(categories) > 0 && !categories[prefix] {
					continue
				}

				title := it.ProductSummary.Title
				if title == "" {
					title = prefix + " " + productCode
				}

				for _, g := range it.Guests {
					status := g.OrderStatus
					if status == "" {
						status = it.OrderStatus
					}
					if strings.EqualFold(status, "CANCELLED") {
						continue
					}

					guestID := string(g.ID)
					if guestID == "" {
						guestID = pid
					}
					code := fmt.Sprintf("%s/%s/%s", res, productCode, guestID)
					if seen[code] {
						continue
					}
					seen[code] = true

					guestRes := string(g.ReservationID)
					if guestRes == "" {
						guestRes = res
					}
					paidCurrency := g.PriceDetails.Currency
					if paidCurrency == "" {
						paidCurrency = currency
					}
					qty := g.PriceDetails.Quantity.Int()
					if qty < 1 {
						qty = 1
					}

					product, ok, err := h.productPrice(ctx, sess, b, prefix, productCode, guestRes, guestID, paidCurrency)
					if err != nil {
						return nil, err
					}
					if !ok {
						continue
					}
					price, ok := product.currentPrice()
					if !ok {
						continue
					}

					name := g.FirstName
					if name == "" {
						name = guestID
					}
					meta := map[string]string{
						"reservation_id": res,
						"passenger":      name,
						"category":       prefix,
						"ship_code":      b.ShipCode,
						"sail_date":      b.SailDate,
					}
					if g.PriceDetails.Subtotal.Valid {
						meta["paid_price"] = NormalizePaidPrice(g.PriceDetails.Subtotal.Decimal, it.ProductSummary.SalesUnit, qty, nights).String()
					}
					if it.ProductSummary.SalesUnit != "" {
						meta["sales_unit"] = it.ProductSummary.SalesUnit
					}

					records = append(records, models.ObservationRecord{
						ItemKey:     item.Key,
						ProductCode: code,
						ProductName: fmt.Sprintf("%s (%s)", title, name),
						Price:       price,
						Currency:    paidCurrency,
						Available:   true,
						ObservedAt:  now,
						Source:      models.KindAddons,
						Metadata:    meta,
					})
				}
			}
		}
	}

	available, err := h.scanCatalog(ctx, item, sess, b, passengers[0], currency, purchased, now)
	if err != nil {
		return nil, err
	}
	return append(records, available...), nil
}

// productPrice looks up one product; ok is false when the catalog no longer
// offers it.
func (h *CatalogHandler) productPrice(ctx context.Context, sess *auth.Session, b *booking, prefix, productCode, res, guestID, currency string) (*catalogProduct, bool, error) {
	catalogURL := fmt.Sprintf("%s/en/%s/web/commerce-api/catalog/v2/%s/categories/%s/products/%s",
		h.apiBase, sess.Brand, url.PathEscape(b.ShipCode), url.PathEscape(prefix), url.PathEscape(productCode))
	params := url.Values{
		"reservationId": {res},
		"startDate":     {b.SailDate},
		"currencyIso":   {currency},
		"passengerId":   {guestID},
		"resGuests":     {guestID},
	}

	var product catalogProduct
	status, err := h.fetch.getJSON(ctx, catalogURL, h.headers(sess, "vds-id"), params, &product, http.StatusNotFound)
	if err != nil {
		return nil, false, err
	}
	if status == http.StatusNotFound {
		return nil, false, nil
	}
	return &product, true, nil
}

// scanCatalog records prices of products in the configured catalog
// categories that have not been purchased for the reservation.
func (h *CatalogHandler) scanCatalog(ctx context.Context, item models.WatchedItem, sess *auth.Session, b *booking, passengerID, currency string, purchased map[string]bool, now time.Time) ([]models.ObservationRecord, error) {
	res := b.reservation()
	var records []models.ObservationRecord
	for _, cat := range item.Filters.CatalogCategories {
		listURL := fmt.Sprintf("%s/en/%s/web/commerce-api/catalog/v2/%s/categories/%s/products",
			h.apiBase, sess.Brand, url.PathEscape(b.ShipCode), url.PathEscape(cat))
		params := url.Values{
			"reservationId": {res},
			"startDate":     {b.SailDate},
			"currencyIso":   {currency},
			"passengerId":   {passengerID},
		}

		var products catalogListResponse
		status, err := h.fetch.getJSON(ctx, listURL, h.headers(sess, "vds-id"), params, &products, http.StatusForbidden, http.StatusNotFound)
		if err != nil {
			return nil, err
		}
		if status == http.StatusForbidden || status == http.StatusNotFound {
			log.Printf("[warn] addons: catalog category %s not accessible (HTTP %d)", cat, status)
			continue
		}

		for _, p := range products {
			id := string(p.ID)
			if id == "" || purchased[id] {
				continue
			}
			price, ok := p.currentPrice()
			if !ok {
				continue
			}
			records = append(records, models.ObservationRecord{
				ItemKey:     item.Key,
				ProductCode: fmt.Sprintf("%s/%s/available", res, id),
				ProductName: p.Title,
				Price:       price,
				Currency:    currency,
				Available:   true,
				ObservedAt:  now,
				Source:      models.KindAddons,
				Metadata: map[string]string{
					"reservation_id": res,
					"category":       cat,
					"ship_code":      b.ShipCode,
					"sail_date":      b.SailDate,
					"purchased":      "false",
				},
			})
		}
	}
	return records, nil
}

func (h *CatalogHandler) headers(sess *auth.Session, accountHeader string) map[string]string {
	return map[string]string{
		"Access-Token": sess.AccessToken,
		"AppKey":       h.appKey,
		accountHeader:  sess.AccountID,
	}
}
