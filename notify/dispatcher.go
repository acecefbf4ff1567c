package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"rc_tracker/models"
)

// Store is the part of the history store the dispatcher needs.
type Store interface {
	ClaimNotified(ctx context.Context, recordID int64) (bool, error)
	ReleaseNotified(ctx context.Context, recordID int64) error
	InsertNotificationEvent(ctx context.Context, ev *models.NotificationEvent) error
	NotificationEvents(ctx context.Context, recordID int64) ([]models.NotificationEvent, error)
}

// Policy decides which deltas are worth an alert.
type Policy struct {
	Threshold    decimal.Decimal
	NotifyOnRise bool
}

// Eligible reports whether a delta should produce an alert.
func (p Policy) Eligible(d models.Delta) bool {
	switch d.Kind {
	case models.DeltaPriceDrop:
	case models.DeltaPriceRise:
		if !p.NotifyOnRise {
			return false
		}
	default:
		return false
	}
	return d.Magnitude.GreaterThanOrEqual(p.Threshold)
}

// Dispatcher sends at most one alert per observation record.
type Dispatcher struct {
	store    Store
	policy   Policy
	channels map[models.AdapterKind][]Channel
	now      func() time.Time
}

// NewDispatcher routes every category to the given channels; Route
// overrides the channels of a single category.
func NewDispatcher(store Store, policy Policy, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		policy:   policy,
		channels: make(map[models.AdapterKind][]Channel),
		now:      time.Now,
	}
	for _, kind := range models.AllKinds {
		d.channels[kind] = append([]Channel(nil), channels...)
	}
	return d
}

func (d *Dispatcher) Route(kind models.AdapterKind, channels ...Channel) {
	d.channels[kind] = channels
}

// Eligible reports whether the configured policy would alert on delta.
func (d *Dispatcher) Eligible(delta models.Delta) bool {
	return d.policy.Eligible(delta)
}

// Dispatch alerts on delta for rec. It returns a nil event when the delta is
// not eligible or the record was already notified. The record is marked
// notified only once every delivering channel has accepted the alert;
// channels that accepted on an earlier attempt are not sent to again. Audit
// channels never count toward delivery unless they are the only channels.
func (d *Dispatcher) Dispatch(ctx context.Context, delta models.Delta, rec *models.ObservationRecord) (*models.NotificationEvent, error) {
	if rec == nil || !d.policy.Eligible(delta) {
		return nil, nil
	}
	channels := d.channels[rec.Source]
	if len(channels) == 0 {
		return nil, nil
	}
	if rec.ID == 0 {
		return nil, fmt.Errorf("record for %s/%s has not been stored", rec.ItemKey, rec.ProductCode)
	}

	claimed, err := d.store.ClaimNotified(ctx, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("claim record %d: %w", rec.ID, err)
	}
	if !claimed {
		return nil, nil
	}

	accepted, err := d.acceptedChannels(ctx, rec.ID)
	if err != nil {
		d.release(ctx, rec)
		return nil, fmt.Errorf("load delivery history for %d: %w", rec.ID, err)
	}

	msg := FormatMessage(delta, rec)
	ev := &models.NotificationEvent{
		RecordID:    rec.ID,
		ItemKey:     rec.ItemKey,
		ProductCode: rec.ProductCode,
		Delta:       delta.Kind,
		Magnitude:   delta.Magnitude,
		CreatedAt:   d.now().UTC(),
	}

	var failures []error
	var firstErr error
	for _, ch := range channels {
		if accepted[ch.Name()] {
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			var de *DeliveryError
			if !errors.As(err, &de) {
				de = &DeliveryError{Kind: DeliveryUnreachable, Channel: ch.Name(), Err: err}
			}
			if firstErr == nil {
				firstErr = de
			}
			failures = append(failures, de)
			log.Printf("[warn] notify: %v", de)
			continue
		}
		accepted[ch.Name()] = true
		ev.Channels = append(ev.Channels, ch.Name())
	}
	if len(failures) > 0 {
		ev.Error = errors.Join(failures...).Error()
	}

	if !delivered(channels, accepted) {
		ev.Outcome = models.OutcomeFailed
		if len(ev.Channels) > 0 {
			ev.Outcome = models.OutcomePartial
		}
		d.release(ctx, rec)
		d.record(ctx, ev)
		return ev, firstErr
	}

	rec.Notified = true
	ev.Outcome = models.OutcomeDelivered
	d.record(ctx, ev)
	return ev, nil
}

// delivered reports whether every delivering channel has accepted. With
// only audit channels configured, any acceptance counts.
func delivered(channels []Channel, accepted map[string]bool) bool {
	required := 0
	for _, ch := range channels {
		if isAudit(ch) {
			continue
		}
		required++
		if !accepted[ch.Name()] {
			return false
		}
	}
	if required > 0 {
		return true
	}
	for _, ch := range channels {
		if accepted[ch.Name()] {
			return true
		}
	}
	return false
}

func (d *Dispatcher) acceptedChannels(ctx context.Context, recordID int64) (map[string]bool, error) {
	events, err := d.store.NotificationEvents(ctx, recordID)
	if err != nil {
		return nil, err
	}
	accepted := make(map[string]bool)
	for _, ev := range events {
		for _, name := range ev.Channels {
			accepted[name] = true
		}
	}
	return accepted, nil
}

func (d *Dispatcher) release(ctx context.Context, rec *models.ObservationRecord) {
	rec.Notified = false
	if err := d.store.ReleaseNotified(ctx, rec.ID); err != nil {
		log.Printf("[error] notify: releasing record %d: %v", rec.ID, err)
	}
}

func (d *Dispatcher) record(ctx context.Context, ev *models.NotificationEvent) {
	if err := d.store.InsertNotificationEvent(ctx, ev); err != nil {
		log.Printf("[error] notify: recording event for %d: %v", ev.RecordID, err)
	}
}

// SendTest sends a test message to every configured channel.
func (d *Dispatcher) SendTest(ctx context.Context) error {
	seen := make(map[string]bool)
	var errs []error
	for _, kind := range models.AllKinds {
		for _, ch := range d.channels[kind] {
			if seen[ch.Name()] {
				continue
			}
			seen[ch.Name()] = true
			err := ch.Send(ctx, Message{
				Title: "RC Price Tracker Test",
				Body:  "Notifications are working correctly!",
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(seen) == 0 {
		return errors.New("no notification channels configured")
	}
	return errors.Join(errs...)
}

var titles = map[models.AdapterKind]string{
	models.KindCruise: "RC Cruise Price",
	models.KindAddons: "RC Add-on Price",
	models.KindOffers: "Club Royale Offer",
}

// FormatMessage renders the alert for a price change.
func FormatMessage(delta models.Delta, rec *models.ObservationRecord) Message {
	title := titles[rec.Source]
	if title == "" {
		title = "RC Price"
	}
	change := "Drop"
	if delta.Kind == models.DeltaPriceRise {
		change = "Rise"
	}

	var b strings.Builder
	name := rec.ProductName
	if name == "" {
		name = rec.ProductCode
	}
	fmt.Fprintf(&b, "%s\n", name)
	fmt.Fprintf(&b, "Current: $%s %s\n", rec.Price.StringFixed(2), rec.Currency)
	if delta.Kind == models.DeltaPriceRise {
		fmt.Fprintf(&b, "Up: $%s", delta.Magnitude.StringFixed(2))
	} else {
		fmt.Fprintf(&b, "Down: $%s", delta.Magnitude.StringFixed(2))
	}
	if paid, err := decimal.NewFromString(rec.Metadata["paid_price"]); err == nil {
		fmt.Fprintf(&b, "\nPaid: $%s %s", paid.StringFixed(2), rec.Currency)
		if savings := paid.Sub(rec.Price); savings.IsPositive() {
			fmt.Fprintf(&b, "\nPotential savings: $%s", savings.StringFixed(2))
		}
	}
	if exp := rec.Metadata["expires"]; exp != "" {
		fmt.Fprintf(&b, "\nExpires: %s", exp)
	}

	return Message{
		Title:    fmt.Sprintf("%s %s", title, change),
		Body:     b.String(),
		Category: rec.Source,
		ItemKey:  rec.ItemKey,
		Product:  rec.ProductCode,
		Delta:    delta.Kind,
		Price:    rec.Price.StringFixed(2),
		Currency: rec.Currency,
		Change:   delta.Magnitude.StringFixed(2),
	}
}
