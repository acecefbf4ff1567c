package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type DeliveryOutcome string

const (
	OutcomeDelivered DeliveryOutcome = "delivered"
	OutcomeFailed    DeliveryOutcome = "failed"
	// OutcomePartial means some channels accepted and the rest will be
	// retried.
	OutcomePartial   DeliveryOutcome = "partial"
)

// NotificationEvent records one delivery attempt. Channels lists the
// channels that accepted the alert on that attempt.
type NotificationEvent struct {
	ID          int64           `json:"id" db:"id"`
	RecordID    int64           `json:"record_id" db:"record_id"`
	ItemKey     string          `json:"item_key" db:"item_key"`
	ProductCode string          `json:"product_code" db:"product_code"`
	Delta       DeltaKind       `json:"delta" db:"delta"`
	Magnitude   decimal.Decimal `json:"magnitude" db:"magnitude"`
	Channels    []string        `json:"channels" db:"channels"`
	Outcome     DeliveryOutcome `json:"outcome" db:"outcome"`
	Error       string          `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
