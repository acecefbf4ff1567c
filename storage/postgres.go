package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"rc_tracker/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		id BIGSERIAL PRIMARY KEY,
		item_key TEXT NOT NULL,
		product_code TEXT NOT NULL,
		product_name TEXT NOT NULL DEFAULT '',
		price NUMERIC NOT NULL,
		currency TEXT NOT NULL,
		available BOOLEAN NOT NULL DEFAULT TRUE,
		observed_at TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		delta TEXT NOT NULL,
		magnitude NUMERIC NOT NULL DEFAULT 0,
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		metadata JSONB
	);

	CREATE TABLE IF NOT EXISTS notification_events (
		id BIGSERIAL PRIMARY KEY,
		record_id BIGINT NOT NULL,
		item_key TEXT NOT NULL,
		product_code TEXT NOT NULL,
		delta TEXT NOT NULL,
		magnitude NUMERIC NOT NULL,
		channels JSONB,
		outcome TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_log (
		id BIGSERIAL PRIMARY KEY,
		run_id TEXT NOT NULL,
		date TIMESTAMPTZ NOT NULL,
		adapter TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_observations_latest ON observations(item_key, product_code, observed_at DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_events_record ON notification_events(record_id);
	CREATE INDEX IF NOT EXISTS idx_run_log_date ON run_log(date DESC);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// =============================================================================
// Observations
// =============================================================================

const pgObservationColumns = `id, item_key, product_code, product_name, price::text, currency, available,
	observed_at, source, delta, magnitude::text, notified, metadata`

func scanPgObservation(row pgx.Row) (*models.ObservationRecord, error) {
	var rec models.ObservationRecord
	var price, magnitude, source, delta string
	var meta []byte
	if err := row.Scan(&rec.ID, &rec.ItemKey, &rec.ProductCode, &rec.ProductName, &price, &rec.Currency,
		&rec.Available, &rec.ObservedAt, &source, &delta, &magnitude, &rec.Notified, &meta); err != nil {
		return nil, err
	}
	rec.Source = models.AdapterKind(source)
	rec.Delta = models.DeltaKind(delta)
	rec.ObservedAt = rec.ObservedAt.UTC()

	var err error
	if rec.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("record %d price: %w", rec.ID, err)
	}
	if rec.Magnitude, err = decimal.NewFromString(magnitude); err != nil {
		return nil, fmt.Errorf("record %d magnitude: %w", rec.ID, err)
	}
	if rec.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("record %d metadata: %w", rec.ID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) Latest(ctx context.Context, itemKey, productCode string) (*models.ObservationRecord, error) {
	query := `
		SELECT ` + pgObservationColumns + `
		FROM observations
		WHERE item_key = $1 AND product_code = $2
		ORDER BY observed_at DESC, id DESC
		LIMIT 1`

	rec, err := scanPgObservation(s.pool.QueryRow(ctx, query, itemKey, productCode))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) LatestForItem(ctx context.Context, itemKey string) ([]models.ObservationRecord, error) {
	query := `
		SELECT DISTINCT ON (product_code) ` + pgObservationColumns + `
		FROM observations
		WHERE item_key = $1
		ORDER BY product_code, observed_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, query, itemKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ObservationRecord
	for rows.Next() {
		rec, err := scanPgObservation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Insert(ctx context.Context, rec *models.ObservationRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	query := `
		INSERT INTO observations (item_key, product_code, product_name, price, currency, available,
			observed_at, source, delta, magnitude, notified, metadata)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10::numeric, $11, $12)
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		rec.ItemKey, rec.ProductCode, rec.ProductName, rec.Price.String(), rec.Currency, rec.Available,
		rec.ObservedAt.UTC(), string(rec.Source), string(rec.Delta), rec.Magnitude.String(), rec.Notified, meta,
	).Scan(&rec.ID)
}

func (s *PostgresStore) ClaimNotified(ctx context.Context, recordID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE observations SET notified = TRUE WHERE id = $1 AND notified = FALSE`, recordID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseNotified(ctx context.Context, recordID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE observations SET notified = FALSE WHERE id = $1`, recordID)
	return err
}

func (s *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM observations o
		WHERE o.observed_at < $1
		AND o.id NOT IN (
			SELECT DISTINCT ON (item_key, product_code) id
			FROM observations
			ORDER BY item_key, product_code, observed_at DESC, id DESC
		)`

	tag, err := s.pool.Exec(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =============================================================================
// Notification Events
// =============================================================================

func (s *PostgresStore) InsertNotificationEvent(ctx context.Context, ev *models.NotificationEvent) error {
	channels, err := json.Marshal(ev.Channels)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO notification_events (record_id, item_key, product_code, delta, magnitude,
			channels, outcome, error, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		ev.RecordID, ev.ItemKey, ev.ProductCode, string(ev.Delta), ev.Magnitude.String(),
		channels, string(ev.Outcome), ev.Error, ev.CreatedAt.UTC(),
	).Scan(&ev.ID)
}

func (s *PostgresStore) NotificationEvents(ctx context.Context, recordID int64) ([]models.NotificationEvent, error) {
	query := `
		SELECT id, record_id, item_key, product_code, delta, magnitude::text, channels, outcome, error, created_at
		FROM notification_events WHERE record_id = $1 ORDER BY id`

	rows, err := s.pool.Query(ctx, query, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.NotificationEvent
	for rows.Next() {
		var ev models.NotificationEvent
		var delta, magnitude, outcome string
		var channels []byte
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.ItemKey, &ev.ProductCode, &delta, &magnitude,
			&channels, &outcome, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Delta = models.DeltaKind(delta)
		ev.Outcome = models.DeliveryOutcome(outcome)
		ev.CreatedAt = ev.CreatedAt.UTC()
		if ev.Magnitude, err = decimal.NewFromString(magnitude); err != nil {
			return nil, err
		}
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &ev.Channels); err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// =============================================================================
// Run Log
// =============================================================================

func (s *PostgresStore) AppendRunLog(ctx context.Context, entry *models.RunLogEntry) error {
	query := `
		INSERT INTO run_log (run_id, date, adapter, status, message)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return s.pool.QueryRow(ctx, query,
		entry.RunID, entry.Date.UTC(), string(entry.Adapter), string(entry.Status), entry.Message,
	).Scan(&entry.ID)
}

func (s *PostgresStore) RunLog(ctx context.Context, limit int) ([]models.RunLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, date, adapter, status, message
		FROM run_log ORDER BY date DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.RunLogEntry
	for rows.Next() {
		var e models.RunLogEntry
		var adapter, status string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Date, &adapter, &status, &e.Message); err != nil {
			return nil, err
		}
		e.Adapter = models.AdapterKind(adapter)
		e.Status = models.RunStatus(status)
		e.Date = e.Date.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
