package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"rc_tracker/models"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_key TEXT NOT NULL,
		product_code TEXT NOT NULL,
		product_name TEXT,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		available BOOLEAN NOT NULL DEFAULT TRUE,
		observed_at TEXT NOT NULL,
		source TEXT NOT NULL,
		delta TEXT NOT NULL,
		magnitude TEXT NOT NULL DEFAULT '0',
		notified BOOLEAN NOT NULL DEFAULT FALSE,
		metadata JSON
	);

	CREATE TABLE IF NOT EXISTS notification_events (
		id INTEGER PRIMARY KEY,
		record_id INTEGER NOT NULL,
		item_key TEXT NOT NULL,
		product_code TEXT NOT NULL,
		delta TEXT NOT NULL,
		magnitude TEXT NOT NULL,
		channels JSON,
		outcome TEXT NOT NULL,
		error TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS run_log (
		id INTEGER PRIMARY KEY,
		run_id TEXT NOT NULL,
		date TEXT NOT NULL,
		adapter TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_observations_latest ON observations(item_key, product_code, observed_at, id);
	CREATE INDEX IF NOT EXISTS idx_observations_observed ON observations(observed_at);
	CREATE INDEX IF NOT EXISTS idx_events_record ON notification_events(record_id);
	CREATE INDEX IF NOT EXISTS idx_run_log_date ON run_log(date);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// ===== Observations =====

const observationColumns = `id, item_key, product_code, product_name, price, currency, available,
	observed_at, source, delta, magnitude, notified, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (*models.ObservationRecord, error) {
	var rec models.ObservationRecord
	var name sql.NullString
	var price, magnitude, observedAt string
	var meta []byte
	if err := row.Scan(&rec.ID, &rec.ItemKey, &rec.ProductCode, &name, &price, &rec.Currency,
		&rec.Available, &observedAt, &rec.Source, &rec.Delta, &magnitude, &rec.Notified, &meta); err != nil {
		return nil, err
	}
	rec.ProductName = name.String

	var err error
	if rec.Price, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("record %d price: %w", rec.ID, err)
	}
	if rec.Magnitude, err = decimal.NewFromString(magnitude); err != nil {
		return nil, fmt.Errorf("record %d magnitude: %w", rec.ID, err)
	}
	if rec.ObservedAt, err = parseTime(observedAt); err != nil {
		return nil, fmt.Errorf("record %d observed_at: %w", rec.ID, err)
	}
	if rec.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("record %d metadata: %w", rec.ID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Latest(ctx context.Context, itemKey, productCode string) (*models.ObservationRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE item_key = ? AND product_code = ?
		ORDER BY observed_at DESC, id DESC
		LIMIT 1`, itemKey, productCode)

	rec, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) LatestForItem(ctx context.Context, itemKey string) ([]models.ObservationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY product_code ORDER BY observed_at DESC, id DESC
			) AS rn
			FROM observations WHERE item_key = ?
		) latest
		WHERE rn = 1
		ORDER BY product_code`, itemKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.ObservationRecord
	for rows.Next() {
		rec, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *models.ObservationRecord) error {
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO observations (item_key, product_code, product_name, price, currency, available,
			observed_at, source, delta, magnitude, notified, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ItemKey, rec.ProductCode, rec.ProductName, rec.Price.String(), rec.Currency, rec.Available,
		formatTime(rec.ObservedAt), rec.Source, rec.Delta, rec.Magnitude.String(), rec.Notified, nullBytes(meta))
	if err != nil {
		return err
	}
	rec.ID, err = result.LastInsertId()
	return err
}

// ClaimNotified sets the notified flag if it is not already set and reports
// whether this call was the one that set it.
func (s *SQLiteStore) ClaimNotified(ctx context.Context, recordID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE observations SET notified = TRUE WHERE id = ? AND notified = FALSE`, recordID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

func (s *SQLiteStore) ReleaseNotified(ctx context.Context, recordID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE observations SET notified = FALSE WHERE id = ?`, recordID)
	return err
}

// PurgeBefore deletes observations older than cutoff, keeping the latest
// record of every product so comparisons still have a baseline.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM observations
		WHERE observed_at < ?
		AND id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY item_key, product_code ORDER BY observed_at DESC, id DESC
				) AS rn
				FROM observations
			) latest WHERE rn = 1
		)`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ===== Notification events =====

func (s *SQLiteStore) InsertNotificationEvent(ctx context.Context, ev *models.NotificationEvent) error {
	channels, err := json.Marshal(ev.Channels)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_events (record_id, item_key, product_code, delta, magnitude,
			channels, outcome, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RecordID, ev.ItemKey, ev.ProductCode, ev.Delta, ev.Magnitude.String(),
		string(channels), ev.Outcome, ev.Error, formatTime(ev.CreatedAt))
	if err != nil {
		return err
	}
	ev.ID, err = result.LastInsertId()
	return err
}

func (s *SQLiteStore) NotificationEvents(ctx context.Context, recordID int64) ([]models.NotificationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, item_key, product_code, delta, magnitude, channels, outcome, error, created_at
		FROM notification_events WHERE record_id = ? ORDER BY id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.NotificationEvent
	for rows.Next() {
		var ev models.NotificationEvent
		var magnitude, createdAt string
		var channels, errText sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.ItemKey, &ev.ProductCode, &ev.Delta, &magnitude,
			&channels, &ev.Outcome, &errText, &createdAt); err != nil {
			return nil, err
		}
		if ev.Magnitude, err = decimal.NewFromString(magnitude); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if channels.Valid {
			if err := json.Unmarshal([]byte(channels.String), &ev.Channels); err != nil {
				return nil, err
			}
		}
		ev.Error = errText.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ===== Run log =====

func (s *SQLiteStore) AppendRunLog(ctx context.Context, entry *models.RunLogEntry) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO run_log (run_id, date, adapter, status, message)
		VALUES (?, ?, ?, ?, ?)`,
		entry.RunID, formatTime(entry.Date), entry.Adapter, entry.Status, entry.Message)
	if err != nil {
		return err
	}
	entry.ID, err = result.LastInsertId()
	return err
}

// RunLog returns the newest entries first.
func (s *SQLiteStore) RunLog(ctx context.Context, limit int) ([]models.RunLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, date, adapter, status, message
		FROM run_log ORDER BY date DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.RunLogEntry
	for rows.Next() {
		var e models.RunLogEntry
		var date string
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &date, &e.Adapter, &e.Status, &msg); err != nil {
			return nil, err
		}
		if e.Date, err = parseTime(date); err != nil {
			return nil, err
		}
		e.Message = msg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ===== Commands =====

func (s *SQLiteStore) EnqueueCommand(cmd models.CommandType, params *models.CommandParams) (int64, error) {
	var raw any
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return 0, err
		}
		raw = string(data)
	}
	result, err := s.db.Exec(`INSERT INTO commands (command, params) VALUES (?, ?)`, cmd, raw)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func (s *SQLiteStore) ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	if cmd.Params == nil || strings.TrimSpace(string(cmd.Params)) == "null" {
		return &models.CommandParams{}, nil
	}
	var params models.CommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
