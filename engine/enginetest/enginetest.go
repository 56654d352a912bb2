// Package enginetest provides a scripted engine for tests of code that
// drives an engine.Engine.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/javking07/toadrunner/engine"
)

// Engine hands every started job to the test as a Handle. If Script is
// set it runs in its own goroutine for each job, otherwise the test
// drives the handle directly.
type Engine struct {
	// StartErr, when set, is returned from Start and no job is recorded.
	StartErr error
	Script   func(h *Handle)

	mu      sync.Mutex
	handles map[string]*Handle
	started chan *Handle
}

// New returns an engine that buffers up to 64 started jobs on Started.
func New() *Engine {
	return &Engine{
		handles: make(map[string]*Handle),
		started: make(chan *Handle, 64),
	}
}

func (e *Engine) Start(ctx context.Context, job engine.Job, sink engine.Sink) error {
	if e.StartErr != nil {
		return e.StartErr
	}
	h := &Handle{Job: job, Ctx: ctx, sink: sink}

	e.mu.Lock()
	e.handles[job.ID] = h
	e.mu.Unlock()

	select {
	case e.started <- h:
	default:
	}
	if e.Script != nil {
		go e.Script(h)
	}
	return nil
}

// Started yields jobs in start order.
func (e *Engine) Started() <-chan *Handle {
	return e.started
}

// Handle returns the job started with id, or nil.
func (e *Engine) Handle(id string) *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[id]
}

// Handle is one started job.
type Handle struct {
	Job engine.Job
	Ctx context.Context

	sink engine.Sink
}

func (h *Handle) Tick(at time.Time, requests, bytes uint64) {
	h.sink.Tick(engine.Tick{Time: at, Requests: requests, Bytes: bytes})
}

func (h *Handle) Done(report *engine.Report) {
	h.sink.Done(report)
}

func (h *Handle) Fail(err error) {
	h.sink.Fail(err)
}

// Report builds a consistent report: 2xx + non2xx + errors equals total.
func Report(ok, non2xx, errors uint64, elapsed time.Duration) *engine.Report {
	total := ok + non2xx + errors
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1
	}
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return &engine.Report{
		Start:     start,
		Finish:    start.Add(elapsed),
		Duration:  secs,
		Latency:   engine.Latency{Average: 2.5, Mean: 2.5, Min: 1, Max: 9, P50: 2, P90: 4, P97_5: 6, P99: 7, P99_9: 9},
		Requests:  engine.Counter{Average: float64(total) / secs, Total: total, Sent: total},
		Errors:    errors,
		Non2xx:    non2xx,
		Status2xx: ok,
		Status5xx: non2xx,
		Bytes:     total * 128,
		Throughput: engine.Counter{
			Average: float64(total*128) / secs,
			Total:   total * 128,
		},
		StatusCodeStats: map[string]uint64{"200": ok, "500": non2xx},
	}
}
