package runs

import (
	"crypto/rand"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/javking07/toadrunner/conf"
	"github.com/javking07/toadrunner/model"
)

// Registry holds every run of the process, keyed by id.
type Registry struct {
	mu           sync.RWMutex
	runs         map[string]*Run
	entropy      io.Reader
	logCapacity  int
	historyLimit int
	retention    int
}

// NewRegistry builds an empty registry sized by config.
func NewRegistry(config *conf.RunsConfig) *Registry {
	return &Registry{
		runs:         make(map[string]*Run),
		entropy:      ulid.Monotonic(rand.Reader, 0),
		logCapacity:  config.LogCapacity,
		historyLimit: config.HistoryLimit,
		retention:    config.Retention,
	}
}

// create registers a running run for spec. Ids are ULIDs: 80 random bits,
// URL safe, and ordered by creation time.
func (g *Registry) create(spec model.RunSpec, now time.Time) (*Run, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(now), g.entropy)
	if err != nil {
		return nil, err
	}
	if g.retention > 0 {
		g.evictLocked(g.retention - 1)
	}
	run := newRun(id.String(), now, spec, g.logCapacity)
	g.runs[run.id] = run
	return run, nil
}

// evictLocked drops the oldest terminal runs until at most keep remain.
// Running runs are never dropped.
func (g *Registry) evictLocked(keep int) {
	if len(g.runs) <= keep {
		return
	}
	terminal := make([]*Run, 0, len(g.runs))
	for _, r := range g.runs {
		if r.Status().Terminal() {
			terminal = append(terminal, r)
		}
	}
	sortOldestFirst(terminal)
	for _, r := range terminal {
		if len(g.runs) <= keep {
			return
		}
		delete(g.runs, r.id)
	}
}

// Get returns the run with id or model.ErrNotFound.
func (g *Registry) Get(id string) (*Run, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	run, ok := g.runs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return run, nil
}

// List returns the most recent runs, newest first, capped at the history limit.
func (g *Registry) List() []model.HistoryEntry {
	g.mu.RLock()
	all := make([]*Run, 0, len(g.runs))
	for _, r := range g.runs {
		all = append(all, r)
	}
	g.mu.RUnlock()

	sortOldestFirst(all)
	entries := make([]model.HistoryEntry, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(entries) < g.historyLimit; i-- {
		entries = append(entries, all[i].history())
	}
	return entries
}

// Len is the number of runs held.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.runs)
}

// sortOldestFirst orders by start time, then id, which is monotonic for
// runs created in the same millisecond.
func sortOldestFirst(runs []*Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].startedAt.Equal(runs[j].startedAt) {
			return runs[i].startedAt.Before(runs[j].startedAt)
		}
		return runs[i].id < runs[j].id
	})
}
