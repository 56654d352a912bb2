package runs

import (
	"sync"
	"time"

	"github.com/javking07/toadrunner/engine"
	"github.com/javking07/toadrunner/model"
	"github.com/javking07/toadrunner/telemetry"
)

// Run is the record of one submitted job. Its fields change only through
// the Controller; everything else reads through the accessors, which copy
// under the run's lock so a reader never sees a half-applied update.
type Run struct {
	id        string
	startedAt time.Time
	spec      model.RunSpec
	logs      *telemetry.LogBuffer

	mu       sync.RWMutex
	status   model.Status
	progress []model.ProgressSample
	result   *engine.Report
	errMsg   string
	rates    telemetry.RateTracker
}

// Snapshot is a point-in-time copy of a run.
type Snapshot struct {
	ID        string
	Status    model.Status
	StartedAt time.Time
	Progress  []model.ProgressSample
	Result    *engine.Report
	Error     string
}

func newRun(id string, startedAt time.Time, spec model.RunSpec, logCapacity int) *Run {
	return &Run{
		id:        id,
		startedAt: startedAt,
		spec:      spec,
		logs:      telemetry.NewLogBuffer(logCapacity),
		status:    model.StatusRunning,
	}
}

func (r *Run) ID() string { return r.id }

func (r *Run) StartedAt() time.Time { return r.startedAt }

func (r *Run) Status() model.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	progress := make([]model.ProgressSample, len(r.progress))
	copy(progress, r.progress)
	return Snapshot{
		ID:        r.id,
		Status:    r.status,
		StartedAt: r.startedAt,
		Progress:  progress,
		Result:    r.result,
		Error:     r.errMsg,
	}
}

// Logs returns the status together with the log lines written up to it.
func (r *Run) Logs() (model.Status, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status, r.logs.Lines()
}

// Subscribe attaches a live reader to the run log. The subscription
// replays buffered lines first; callers must Close it.
func (r *Run) Subscribe() *telemetry.Subscription {
	return r.logs.Subscribe()
}

// Subscribers is the number of attached live readers.
func (r *Run) Subscribers() int {
	return r.logs.Subscribers()
}

func (r *Run) history() model.HistoryEntry {
	return model.HistoryEntry{ID: r.id, Status: r.Status(), StartedAt: r.startedAt}
}

// appendLocked writes a run log line; r.mu must be held for writing.
func (r *Run) appendLocked(at time.Time, msg string) bool {
	_, ok := r.logs.Append(at, msg)
	return ok
}
