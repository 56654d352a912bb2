package model

import (
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ProgressSample is one point of a run's progress series. Counters are
// cumulative; rates are absent on the first sample and whenever they
// could not be derived.
type ProgressSample struct {
	Time        int64    `json:"time"` // unix millis
	Counter     uint64   `json:"counter"`
	Bytes       uint64   `json:"bytes"`
	ReqPerSec   *float64 `json:"reqPerSec,omitempty"`
	BytesPerSec *float64 `json:"bytesPerSec,omitempty"`
}

// HistoryEntry is the summary of a run listed by the history endpoint.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}
