package workers

import (
	"log"

	"rc_tracker/models"
)

// LogFunc receives worker events worth keeping beyond the process log.
type LogFunc func(level models.LogLevel, source, message string)

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(level models.LogLevel, source, message string) {}

// StdLogger writes worker events to the standard logger.
var StdLogger LogFunc = func(level models.LogLevel, source, message string) {
	log.Printf("[%s] %s: %s", level, source, message)
}
