package models

import "time"

type RunStatus string

const (
	RunStatusIdle           RunStatus = "idle"
	RunStatusRunning        RunStatus = "running"
	RunStatusSuccess        RunStatus = "success"
	RunStatusPartialFailure RunStatus = "partial_failure"
	RunStatusFailed         RunStatus = "failed"
)

var validTransitions = map[RunStatus][]RunStatus{
	RunStatusIdle:           {RunStatusRunning},
	RunStatusRunning:        {RunStatusSuccess, RunStatusPartialFailure, RunStatusFailed},
	RunStatusSuccess:        {RunStatusIdle, RunStatusRunning},
	RunStatusPartialFailure: {RunStatusIdle, RunStatusRunning},
	RunStatusFailed:         {RunStatusIdle, RunStatusRunning},
}

// CanTransition reports whether a run may move from one status to another.
// Terminal statuses stay visible until the next run starts, so they may go
// straight back to running.
func CanTransition(from, to RunStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusPartialFailure || s == RunStatusFailed
}

// StatusFor derives a run (or per-adapter) status from item counts.
func StatusFor(succeeded, failed int) RunStatus {
	switch {
	case failed == 0:
		return RunStatusSuccess
	case succeeded == 0:
		return RunStatusFailed
	default:
		return RunStatusPartialFailure
	}
}

type AdapterCounts struct {
	Items         int `json:"items"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Skipped       int `json:"skipped"`
	Observations  int `json:"observations"`
	Notifications int `json:"notifications"`
	Warnings      int `json:"warnings"`
}

type ItemFailure struct {
	ItemKey   string      `json:"item_key"`
	Adapter   AdapterKind `json:"adapter"`
	ErrorKind string      `json:"error_kind"`
	Message   string      `json:"message"`
}

// RunState describes the current or most recently finished run. Only the
// orchestrator mutates it; readers get copies.
type RunState struct {
	RunID      string                         `json:"run_id"`
	Status     RunStatus                      `json:"status"`
	Adapters   []AdapterKind                  `json:"adapters"`
	StartedAt  *time.Time                     `json:"started_at"`
	FinishedAt *time.Time                     `json:"finished_at"`
	Message    string                         `json:"message"`
	Counts     map[AdapterKind]*AdapterCounts `json:"counts"`
	Failures   []ItemFailure                  `json:"failures"`
}

func (s RunState) Clone() RunState {
	out := s
	out.Adapters = append([]AdapterKind(nil), s.Adapters...)
	out.Failures = append([]ItemFailure(nil), s.Failures...)
	out.Counts = make(map[AdapterKind]*AdapterCounts, len(s.Counts))
	for k, v := range s.Counts {
		c := *v
		out.Counts[k] = &c
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
