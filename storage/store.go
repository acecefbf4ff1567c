package storage

import (
	"context"
	"encoding/json"
	"time"

	"rc_tracker/models"
)

// HistoryStore is the persistence surface used by the pipeline. Observation
// records are append-only; the notified flag is the only mutable column.
type HistoryStore interface {
	Latest(ctx context.Context, itemKey, productCode string) (*models.ObservationRecord, error)
	LatestForItem(ctx context.Context, itemKey string) ([]models.ObservationRecord, error)
	Insert(ctx context.Context, rec *models.ObservationRecord) error

	ClaimNotified(ctx context.Context, recordID int64) (bool, error)
	ReleaseNotified(ctx context.Context, recordID int64) error
	InsertNotificationEvent(ctx context.Context, ev *models.NotificationEvent) error
	NotificationEvents(ctx context.Context, recordID int64) ([]models.NotificationEvent, error)

	AppendRunLog(ctx context.Context, entry *models.RunLogEntry) error
	RunLog(ctx context.Context, limit int) ([]models.RunLogEntry, error)

	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// tsLayout is fixed width so lexical order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func decodeMetadata(data []byte) (map[string]string, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
