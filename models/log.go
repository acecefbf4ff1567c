package models

import "time"

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// RunLogEntry records the outcome of one adapter kind within a run.
type RunLogEntry struct {
	ID      int64       `json:"id" db:"id"`
	RunID   string      `json:"run_id" db:"run_id"`
	Date    time.Time   `json:"date" db:"date"`
	Adapter AdapterKind `json:"adapter" db:"adapter"`
	Status  RunStatus   `json:"status" db:"status"`
	Message string      `json:"message" db:"message"`
}
