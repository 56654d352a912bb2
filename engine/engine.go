// Package engine is the boundary to the load generator. An Engine is handed
// one normalized job, reports cumulative progress through Sink.Tick and ends
// with exactly one Sink.Done or Sink.Fail.
package engine

import (
	"context"
	"time"

	"github.com/javking07/toadrunner/model"
)

// Job is the work handed to an engine.
type Job struct {
	ID   string
	Spec model.RunSpec
}

// Tick carries cumulative counters observed at Time.
type Tick struct {
	Time     time.Time
	Requests uint64
	Bytes    uint64
}

// Sink receives an engine's callbacks for a single job.
type Sink interface {
	Tick(Tick)
	Done(*Report)
	Fail(error)
}

// Engine starts jobs. Start must not block for the duration of the job; an
// error from Start means the job never began and no callback will follow.
type Engine interface {
	Start(ctx context.Context, job Job, sink Sink) error
}
