package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"rc_tracker/models"
)

// Purger deletes history older than a cutoff.
type Purger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker deletes observation history older than the configured
// number of days. Zero days disables purging.
type RetentionWorker struct {
	store     Purger
	days      int
	triggerCh chan struct{}
	logFunc   LogFunc
	now       func() time.Time
}

func NewRetentionWorker(store Purger, days int) *RetentionWorker {
	return &RetentionWorker{
		store:     store,
		days:      days,
		triggerCh: make(chan struct{}, 1),
		logFunc:   NoOpLogger,
		now:       time.Now,
	}
}

func (w *RetentionWorker) SetLogger(fn LogFunc) {
	w.logFunc = fn
}

// Trigger causes the worker to run immediately
func (w *RetentionWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// RunOnce purges records older than the retention window.
func (w *RetentionWorker) RunOnce(ctx context.Context) (int64, error) {
	if w.days <= 0 {
		return 0, nil
	}
	cutoff := w.now().UTC().AddDate(0, 0, -w.days)
	n, err := w.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		w.logFunc(models.LogLevelError, "retention", fmt.Sprintf("purge failed: %v", err))
		return 0, err
	}
	if n > 0 {
		w.logFunc(models.LogLevelInfo, "retention", fmt.Sprintf("purged %d records older than %d days", n, w.days))
	}
	return n, nil
}

// Run starts the retention worker loop
func (w *RetentionWorker) Run(ctx context.Context, interval time.Duration) {
	if w.days <= 0 {
		log.Println("Retention worker disabled (price_history_days = 0)")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Retention worker stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-w.triggerCh:
			log.Println("Retention worker triggered manually")
			w.RunOnce(ctx)
		}
	}
}
