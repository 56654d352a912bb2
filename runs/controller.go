package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/javking07/toadrunner/engine"
	"github.com/javking07/toadrunner/model"
)

// Observer is told about run lifecycle events.
type Observer interface {
	RunStarted()
	RunFinished(status model.Status)
	LineAppended()
}

type nopObserver struct{}

func (nopObserver) RunStarted()               {}
func (nopObserver) RunFinished(_ model.Status) {}
func (nopObserver) LineAppended()             {}

// Controller owns run state transitions. It is the only writer of a Run:
// it creates the run, starts the engine, and applies the engine callbacks
// one at a time per run.
//
//	running -> done   engine reported a result
//	running -> error  engine failed, or the run could not be started
type Controller struct {
	Observer Observer
	Now      func() time.Time

	registry *Registry
	engine   engine.Engine
	logger   zerolog.Logger
}

func NewController(registry *Registry, eng engine.Engine, logger zerolog.Logger) *Controller {
	return &Controller{
		Observer: nopObserver{},
		Now:      time.Now,
		registry: registry,
		engine:   eng,
		logger:   logger,
	}
}

// Start registers a run for spec, logs its start line and hands it to the
// engine. If the engine cannot start, the run is finalized as an error and
// the error is returned wrapped in model.ErrInternal.
func (c *Controller) Start(ctx context.Context, spec model.RunSpec) (*Run, error) {
	now := c.Now()
	run, err := c.registry.create(spec, now)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating run id: %v", model.ErrInternal, err)
	}

	run.mu.Lock()
	c.appendLocked(run, now, startLine(run.id, spec))
	run.mu.Unlock()

	c.Observer.RunStarted()
	c.logger.Info().
		Str("run", run.id).
		Str("method", spec.Method).
		Str("url", spec.URL).
		Int("connections", spec.Connections).
		Msg("run started")

	sink := &runSink{controller: c, run: run}
	if err := c.engine.Start(ctx, engine.Job{ID: run.id, Spec: spec}, sink); err != nil {
		sink.Fail(err)
		return run, fmt.Errorf("%w: %v", model.ErrInternal, err)
	}
	return run, nil
}

func (c *Controller) appendLocked(run *Run, at time.Time, msg string) {
	if run.appendLocked(at, msg) {
		c.Observer.LineAppended()
	}
}

// runSink applies engine callbacks to one run. Every callback holds the
// run's write lock for its whole duration, so callbacks for a run never
// interleave and readers see each one entirely or not at all.
type runSink struct {
	controller *Controller
	run        *Run
}

func (s *runSink) Tick(t engine.Tick) {
	c, run := s.controller, s.run
	at := t.Time
	if at.IsZero() {
		at = c.Now()
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.status.Terminal() {
		c.logger.Warn().Str("run", run.id).Msg("tick after run finished ignored")
		return
	}
	sample := run.rates.Observe(at, t.Requests, t.Bytes)
	run.progress = append(run.progress, sample)
	c.appendLocked(run, at, tickLine(run.id, at.Sub(run.startedAt), sample))
}

func (s *runSink) Done(report *engine.Report) {
	if report == nil {
		s.Fail(errors.New("engine finished without a report"))
		return
	}
	s.finish(model.StatusDone, func(run *Run) string {
		run.result = report
		return doneLine(run.id, report)
	})
}

func (s *runSink) Fail(err error) {
	msg := "unknown engine error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	s.finish(model.StatusError, func(run *Run) string {
		run.errMsg = msg
		return errorLine(run.id, msg)
	})
}

// finish moves the run to a terminal status, records its payload and last
// line, and ends the log, all in one critical section.
func (s *runSink) finish(status model.Status, apply func(run *Run) string) {
	c, run := s.controller, s.run
	now := c.Now()

	run.mu.Lock()
	if run.status.Terminal() {
		run.mu.Unlock()
		c.logger.Warn().Str("run", run.id).Str("status", string(status)).Msg("second terminal callback ignored")
		return
	}
	run.status = status
	line := apply(run)
	c.appendLocked(run, now, line)
	run.logs.Complete()
	run.mu.Unlock()

	c.Observer.RunFinished(status)
	event := c.logger.Info()
	if status == model.StatusError {
		event = c.logger.Error().Str("error", run.errMsg)
	}
	event.Str("run", run.id).Str("status", string(status)).Msg("run finished")
}
