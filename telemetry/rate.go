package telemetry

import (
	"math"
	"time"

	"github.com/javking07/toadrunner/model"
)

// MinInterval floors the elapsed time between two ticks so back-to-back
// ticks do not divide by zero.
const MinInterval = time.Millisecond

// RateTracker derives per-interval rates from the cumulative counters an
// engine reports. The zero value is ready to use and has no baseline.
// It is not safe for concurrent use; callers serialize ticks per run.
type RateTracker struct {
	prev *tickSnapshot
}

type tickSnapshot struct {
	at    time.Time
	count uint64
	bytes uint64
}

// Observe records a cumulative sample taken at t and returns the matching
// progress sample. The first observation has no rates. A clock that went
// backwards, or counters that went down, leave the rate absent.
func (r *RateTracker) Observe(t time.Time, count, bytes uint64) model.ProgressSample {
	sample := model.ProgressSample{
		Time:    t.UnixNano() / int64(time.Millisecond),
		Counter: count,
		Bytes:   bytes,
	}

	if prev := r.prev; prev != nil {
		if elapsed := t.Sub(prev.at); elapsed >= 0 {
			if elapsed < MinInterval {
				elapsed = MinInterval
			}
			secs := elapsed.Seconds()
			sample.ReqPerSec = perSecond(float64(count)-float64(prev.count), secs)
			sample.BytesPerSec = perSecond(float64(bytes)-float64(prev.bytes), secs)
		}
	}

	r.prev = &tickSnapshot{at: t, count: count, bytes: bytes}
	return sample
}

func perSecond(delta, secs float64) *float64 {
	v := delta / secs
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return nil
	}
	return &v
}
