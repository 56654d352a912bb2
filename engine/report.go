package engine

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	vegeta "github.com/tsenart/vegeta/lib"
)

// Report is an engine's terminal statistics. The run service stores and
// serves it as is. Latencies are milliseconds, throughput is bytes.
type Report struct {
	URL         string    `json:"url"`
	Connections int       `json:"connections"`
	Pipelining  int       `json:"pipelining"`
	Start       time.Time `json:"start"`
	Finish      time.Time `json:"finish"`
	Duration    float64   `json:"duration"` // seconds

	Latency    Latency `json:"latency"`
	Requests   Counter `json:"requests"`
	Throughput Counter `json:"throughput"`

	Errors    uint64 `json:"errors"`
	Timeouts  uint64 `json:"timeouts"`
	Non2xx    uint64 `json:"non2xx"`
	Status1xx uint64 `json:"1xx"`
	Status2xx uint64 `json:"2xx"`
	Status3xx uint64 `json:"3xx"`
	Status4xx uint64 `json:"4xx"`
	Status5xx uint64 `json:"5xx"`
	Bytes     uint64 `json:"bytes"`

	SuccessRatio    float64           `json:"successRatio"`
	StatusCodeStats map[string]uint64 `json:"statusCodeStats"`
	ErrorMessages   []string          `json:"errorMessages,omitempty"`
}

type Latency struct {
	Average float64 `json:"average"`
	Mean    float64 `json:"mean"`
	Stddev  float64 `json:"stddev"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	P50     float64 `json:"p50"`
	P90     float64 `json:"p90"`
	P97_5   float64 `json:"p97_5"`
	P99     float64 `json:"p99"`
	P99_9   float64 `json:"p99_9"`
}

// Counter is a total with its per-second average over the run.
type Counter struct {
	Average float64 `json:"average"`
	Total   uint64  `json:"total"`
	Sent    uint64  `json:"sent,omitempty"`
}

// maxLatencyMicros is the histogram ceiling, one minute.
const maxLatencyMicros = int64(time.Minute / time.Microsecond)

// recorder accumulates attack results into a Report.
type recorder struct {
	start    time.Time
	hist     *hdrhistogram.Histogram
	metrics  vegeta.Metrics
	requests uint64
	bytes    uint64
	errors   uint64
	timeouts uint64
	classes  [6]uint64
	codes    map[string]uint64
}

func newRecorder(start time.Time) *recorder {
	return &recorder{
		start: start,
		// 1us to 1min with 3 significant figures
		hist:  hdrhistogram.New(1, maxLatencyMicros, 3),
		codes: make(map[string]uint64),
	}
}

func (r *recorder) add(res *vegeta.Result) {
	r.metrics.Add(res)
	r.requests++
	r.bytes += res.BytesIn

	us := int64(res.Latency / time.Microsecond)
	if us < r.hist.LowestTrackableValue() {
		us = r.hist.LowestTrackableValue()
	}
	if us > r.hist.HighestTrackableValue() {
		us = r.hist.HighestTrackableValue()
	}
	_ = r.hist.RecordValue(us)

	if res.Code == 0 {
		r.errors++
		if isTimeout(res.Error) {
			r.timeouts++
		}
		return
	}
	r.codes[strconv.Itoa(int(res.Code))]++
	if class := int(res.Code) / 100; class >= 1 && class <= 5 {
		r.classes[class]++
	}
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func isTimeout(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded")
}

func (r *recorder) report(job Job, finish time.Time) *Report {
	if r.requests > 0 {
		r.metrics.Close()
	}

	elapsed := finish.Sub(r.start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-3
	}

	report := &Report{
		URL:         job.Spec.URL,
		Connections: job.Spec.Connections,
		Pipelining:  job.Spec.Pipelining,
		Start:       r.start,
		Finish:      finish,
		Duration:    elapsed,
		Requests: Counter{
			Average: float64(r.requests) / elapsed,
			Total:   r.requests,
			Sent:    r.metrics.Requests,
		},
		Throughput: Counter{
			Average: float64(r.bytes) / elapsed,
			Total:   r.bytes,
		},
		Errors:          r.errors,
		Timeouts:        r.timeouts,
		Status1xx:       r.classes[1],
		Status2xx:       r.classes[2],
		Status3xx:       r.classes[3],
		Status4xx:       r.classes[4],
		Status5xx:       r.classes[5],
		Bytes:           r.bytes,
		SuccessRatio:    finite(r.metrics.Success),
		StatusCodeStats: r.codes,
	}
	report.Non2xx = r.requests - r.errors - report.Status2xx

	if r.hist.TotalCount() > 0 {
		ms := func(us int64) float64 { return float64(us) / 1000 }
		report.Latency = Latency{
			Average: r.hist.Mean() / 1000,
			Mean:    r.hist.Mean() / 1000,
			Stddev:  r.hist.StdDev() / 1000,
			Min:     ms(r.hist.Min()),
			Max:     ms(r.hist.Max()),
			P50:     ms(r.hist.ValueAtQuantile(50)),
			P90:     ms(r.hist.ValueAtQuantile(90)),
			P97_5:   ms(r.hist.ValueAtQuantile(97.5)),
			P99:     ms(r.hist.ValueAtQuantile(99)),
			P99_9:   ms(r.hist.ValueAtQuantile(99.9)),
		}
	}

	if len(r.metrics.Errors) > 0 {
		report.ErrorMessages = append([]string(nil), r.metrics.Errors...)
		sort.Strings(report.ErrorMessages)
	}
	return report
}
