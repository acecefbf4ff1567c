package notify

import (
	"context"
	"fmt"
	"log"

	"rc_tracker/models"
)

// Message is one alert, rendered once and sent to every channel.
type Message struct {
	Title    string             `json:"title"`
	Body     string             `json:"body"`
	Category models.AdapterKind `json:"category"`
	ItemKey  string             `json:"item_key,omitempty"`
	Product  string             `json:"product_code,omitempty"`
	Delta    models.DeltaKind   `json:"delta,omitempty"`
	Price    string             `json:"price,omitempty"`
	Currency string             `json:"currency,omitempty"`
	Change   string             `json:"change,omitempty"`
}

// Channel delivers messages to one destination. Send returns a
// *DeliveryError on failure.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

type DeliveryErrorKind string

const (
	DeliveryUnreachable DeliveryErrorKind = "unreachable"
	DeliveryRejected    DeliveryErrorKind = "rejected"
)

type DeliveryError struct {
	Kind    DeliveryErrorKind
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: channel %s", e.Kind, e.Channel)
	}
	return fmt.Sprintf("%s: channel %s: %v", e.Kind, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// auditor is implemented by channels that only keep a record of alerts.
// Their acceptance does not make an alert delivered.
type auditor interface {
	Audit() bool
}

func isAudit(ch Channel) bool {
	a, ok := ch.(auditor)
	return ok && a.Audit()
}

// LogChannel writes alerts to the process log.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Audit() bool { return true }

func (LogChannel) Send(_ context.Context, msg Message) error {
	log.Printf("[info] alert: %s | %s", msg.Title, msg.Body)
	return nil
}
