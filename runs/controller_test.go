package runs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javking07/toadrunner/engine/enginetest"
	"github.com/javking07/toadrunner/model"
	"github.com/javking07/toadrunner/telemetry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished map[model.Status]int
	lines    int
}

func (o *countingObserver) RunStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) RunFinished(status model.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = map[model.Status]int{}
	}
	o.finished[status]++
}

func (o *countingObserver) LineAppended() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines++
}

type fixture struct {
	registry *Registry
	engine   *enginetest.Engine
	ctrl     *Controller
	clock    *fakeClock
	observer *countingObserver
}

func newFixture() *fixture {
	registry := NewRegistry(testRunsConfig())
	eng := enginetest.New()
	ctrl := NewController(registry, eng, zerolog.Nop())
	clock := &fakeClock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	observer := &countingObserver{}
	ctrl.Now = clock.Now
	ctrl.Observer = observer
	return &fixture{registry: registry, engine: eng, ctrl: ctrl, clock: clock, observer: observer}
}

func validSpec(t *testing.T) model.RunSpec {
	t.Helper()
	spec, err := model.Normalize([]byte(`{
		"url": "http://target.local/ok?page=2&q=load",
		"connections": 5,
		"duration": 2,
		"body": {"hello": "world"},
		"headers": {"Authorization": "Bearer topsecret", "x-api-key": "k3yvalue", "COOKIE": "sid=cookievalue", "Accept": "application/json"}
	}`))
	require.NoError(t, err)
	return spec
}

func (f *fixture) start(t *testing.T) (*Run, *enginetest.Handle) {
	t.Helper()
	run, err := f.ctrl.Start(context.Background(), validSpec(t))
	require.NoError(t, err)
	h := f.engine.Handle(run.ID())
	require.NotNil(t, h)
	return run, h
}

func TestStartCreatesRunningRunWithStartLine(t *testing.T) {
	f := newFixture()
	run, _ := f.start(t)

	got, err := f.registry.Get(run.ID())
	require.NoError(t, err)
	snap := got.Snapshot()
	assert.Equal(t, model.StatusRunning, snap.Status)
	assert.Empty(t, snap.Progress)
	assert.Nil(t, snap.Result)

	status, lines := got.Logs()
	assert.Equal(t, model.StatusRunning, status)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Contains(t, line, "RUN "+run.ID()+" START GET http://target.local/ok?page=2&q=load")
	assert.Contains(t, line, `qs={"page":"2","q":"load"}`)
	assert.Contains(t, line, `body={"hello":"world"}`)
	assert.Contains(t, line, "conn=5 pipe=1 dur=2s amt=0 rate=(none) timeout=10000ms")
	assert.Contains(t, line, model.RedactedValue)
	assert.Contains(t, line, "application/json")
	for _, secret := range []string{"topsecret", "k3yvalue", "cookievalue"} {
		assert.NotContains(t, line, secret)
	}
	assert.True(t, strings.HasPrefix(line, "[2024-05-01T10:00:00.000Z] "))
	assert.Equal(t, 1, f.observer.started)
}

func TestStartTruncatesLargeBody(t *testing.T) {
	f := newFixture()
	spec := validSpec(t)
	spec.Body = []byte(strings.Repeat("a", BodyPreviewLimit+10))

	run, err := f.ctrl.Start(context.Background(), spec)
	require.NoError(t, err)
	_, lines := run.Logs()
	assert.Contains(t, lines[0], strings.Repeat("a", BodyPreviewLimit)+model.TruncationMarker+" |")
	assert.NotContains(t, lines[0], strings.Repeat("a", BodyPreviewLimit+1))
}

func TestTicksBuildProgressSeries(t *testing.T) {
	f := newFixture()
	run, h := f.start(t)

	type tick struct {
		after time.Duration
		count uint64
		bytes uint64
	}
	ticks := []tick{
		{time.Second, 100, 2048},
		{time.Second, 250, 5120},
		{500 * time.Millisecond, 250, 5120},
		{1500 * time.Millisecond, 700, 12288},
	}
	for _, tk := range ticks {
		h.Tick(f.clock.Advance(tk.after), tk.count, tk.bytes)
	}

	snap := run.Snapshot()
	require.Len(t, snap.Progress, len(ticks))
	assert.Nil(t, snap.Progress[0].ReqPerSec)
	assert.Nil(t, snap.Progress[0].BytesPerSec)
	for i := 1; i < len(ticks); i++ {
		dt := ticks[i].after.Seconds()
		sample := snap.Progress[i]
		require.NotNil(t, sample.ReqPerSec)
		require.NotNil(t, sample.BytesPerSec)
		assert.InDelta(t, float64(ticks[i].count-ticks[i-1].count)/dt, *sample.ReqPerSec, 1e-9)
		assert.InDelta(t, float64(ticks[i].bytes-ticks[i-1].bytes)/dt, *sample.BytesPerSec, 1e-9)
	}

	_, lines := run.Logs()
	require.Len(t, lines, 1+len(ticks))
	assert.Contains(t, lines[1], "TICK t=1.0s req/s=- KB/s=- totalReq=100 totalBytes=2048")
	assert.Contains(t, lines[2], "TICK t=2.0s req/s=150.0 KB/s=3.0 totalReq=250 totalBytes=5120")
}

var donePattern = regexp.MustCompile(`RUN \S+ DONE avgReq/s=([0-9.]+) p50=[0-9.]+ms p99=[0-9.]+ms 2xx=(\d+) non2xx=(\d+) errors=(\d+) bytes=(\d+)$`)

func TestDoneFinalizesRun(t *testing.T) {
	f := newFixture()
	run, h := f.start(t)
	sub := run.Subscribe()
	defer sub.Close()

	h.Tick(f.clock.Advance(time.Second), 90, 900)
	report := enginetest.Report(80, 15, 5, 2*time.Second)
	h.Done(report)

	snap := run.Snapshot()
	assert.Equal(t, model.StatusDone, snap.Status)
	assert.Same(t, report, snap.Result)
	assert.Empty(t, snap.Error)

	_, lines := run.Logs()
	last := lines[len(lines)-1]
	m := donePattern.FindStringSubmatch(last)
	require.NotNil(t, m, last)
	assert.Equal(t, "50.00", m[1])
	assert.Equal(t, []string{"80", "15", "5", "12800"}, m[2:])

	assert.Zero(t, run.Subscribers())
	batch := sub.Poll()
	assert.True(t, batch.Ended)

	// terminal state is final
	h.Tick(f.clock.Advance(time.Second), 500, 5000)
	h.Fail(errors.New("late"))
	h.Done(enginetest.Report(1, 0, 0, time.Second))
	after := run.Snapshot()
	assert.Equal(t, model.StatusDone, after.Status)
	assert.Same(t, report, after.Result)
	assert.Len(t, after.Progress, 1)
	_, again := run.Logs()
	assert.Equal(t, lines, again)
	assert.Equal(t, 1, f.observer.finished[model.StatusDone])
	assert.Zero(t, f.observer.finished[model.StatusError])
}

func TestFailFinalizesRun(t *testing.T) {
	f := newFixture()
	run, h := f.start(t)

	h.Fail(errors.New("connect ECONNREFUSED"))

	snap := run.Snapshot()
	assert.Equal(t, model.StatusError, snap.Status)
	assert.Equal(t, "connect ECONNREFUSED", snap.Error)
	assert.Nil(t, snap.Result)

	status, lines := run.Logs()
	assert.Equal(t, model.StatusError, status)
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], "RUN "+run.ID()+" ERROR connect ECONNREFUSED"))
	assert.True(t, run.logs.Ended())
}

func TestDoneWithoutReportIsAnError(t *testing.T) {
	f := newFixture()
	run, h := f.start(t)
	h.Done(nil)
	assert.Equal(t, model.StatusError, run.Status())
	assert.Equal(t, "engine finished without a report", run.Snapshot().Error)
}

func TestEngineStartFailure(t *testing.T) {
	f := newFixture()
	f.engine.StartErr = errors.New("no sockets left")

	run, err := f.ctrl.Start(context.Background(), validSpec(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInternal))
	require.NotNil(t, run)

	snap := run.Snapshot()
	assert.Equal(t, model.StatusError, snap.Status)
	assert.Equal(t, "no sockets left", snap.Error)
	assert.Zero(t, run.Subscribers())
	assert.True(t, run.logs.Ended())
}

func TestReadersNeverSeeHalfFinishedRuns(t *testing.T) {
	f := newFixture()
	var runs []*Run
	var handles []*enginetest.Handle
	for i := 0; i < 8; i++ {
		run, h := f.start(t)
		runs = append(runs, run)
		handles = append(handles, h)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for _, run := range runs {
		readers.Add(1)
		go func(run *Run) {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := run.Snapshot()
				switch snap.Status {
				case model.StatusDone:
					assert.NotNil(t, snap.Result)
					assert.Empty(t, snap.Error)
				case model.StatusError:
					assert.Nil(t, snap.Result)
					assert.NotEmpty(t, snap.Error)
				}
				status, lines := run.Logs()
				if status.Terminal() {
					last := lines[len(lines)-1]
					assert.True(t, strings.Contains(last, " DONE ") || strings.Contains(last, " ERROR "), last)
				}
				for i := 1; i < len(snap.Progress); i++ {
					assert.True(t, snap.Progress[i].Counter >= snap.Progress[i-1].Counter)
				}
			}
		}(run)
	}

	var writers sync.WaitGroup
	for i, h := range handles {
		writers.Add(1)
		go func(i int, h *enginetest.Handle) {
			defer writers.Done()
			at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
			for n := uint64(1); n <= 50; n++ {
				at = at.Add(100 * time.Millisecond)
				h.Tick(at, n*10, n*100)
			}
			if i%2 == 0 {
				h.Done(enginetest.Report(400, 50, 50, 5*time.Second))
			} else {
				h.Fail(fmt.Errorf("run %d failed", i))
			}
		}(i, h)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	for _, run := range runs {
		assert.True(t, run.Status().Terminal())
		assert.Len(t, run.Snapshot().Progress, 50)
	}
}

func collect(t *testing.T, sub *telemetry.Subscription) []string {
	t.Helper()
	defer sub.Close()
	var out []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-sub.Ready():
			batch := sub.Poll()
			for _, l := range batch.Lines {
				out = append(out, l.Text)
			}
			if batch.Ended {
				return out
			}
		case <-timeout:
			t.Error("subscription never ended")
			return out
		}
	}
}

func TestConcurrentSubscribersSeeTheSameStream(t *testing.T) {
	f := newFixture()
	run, h := f.start(t)

	early := make(chan []string, 1)
	go func(sub *telemetry.Subscription) { early <- collect(t, sub) }(run.Subscribe())

	for i := uint64(1); i <= 20; i++ {
		h.Tick(f.clock.Advance(time.Second), i*10, i*1000)
	}
	late := make(chan []string, 1)
	go func(sub *telemetry.Subscription) { late <- collect(t, sub) }(run.Subscribe())
	for i := uint64(21); i <= 40; i++ {
		h.Tick(f.clock.Advance(time.Second), i*10, i*1000)
	}
	h.Done(enginetest.Report(400, 0, 0, 40*time.Second))

	a, b := <-early, <-late
	_, pulled := run.Logs()
	assert.Len(t, a, 42)
	assert.Equal(t, a, b)
	assert.Equal(t, pulled, a)
	assert.Zero(t, run.Subscribers())
}

func TestSubscriberDetachIsIdempotent(t *testing.T) {
	f := newFixture()
	run, h := f.start(t)

	sub := run.Subscribe()
	assert.Equal(t, 1, run.Subscribers())
	sub.Close()
	sub.Close()
	assert.Zero(t, run.Subscribers())

	other := run.Subscribe()
	h.Fail(errors.New("boom"))
	assert.NotPanics(t, other.Close)
	assert.NotPanics(t, other.Close)
	assert.Zero(t, run.Subscribers())
}

func TestSpecIsHandedToEngine(t *testing.T) {
	f := newFixture()
	run, h := f.start(t)
	assert.Equal(t, run.ID(), h.Job.ID)
	assert.Equal(t, 5, h.Job.Spec.Connections)
	assert.Equal(t, "Bearer topsecret", h.Job.Spec.Headers.Get(http.CanonicalHeaderKey("authorization")))
}
