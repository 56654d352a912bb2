package telemetry

import (
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
)

// TimestampLayout prefixes every log line, ISO-8601 in UTC with millis.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatLine renders msg the way it is stored and streamed.
func FormatLine(t time.Time, msg string) string {
	return "[" + t.UTC().Format(TimestampLayout) + "] " + msg
}

// Line is one entry of a run log. Seq increases by one per appended line
// and is never reused, even after the line is evicted.
type Line struct {
	Seq  uint64
	Time time.Time
	Text string
}

// LogBuffer is a bounded, append-only run log with live subscribers. The
// buffer is the only copy of the log: subscribers hold a cursor into it
// and are signalled, never handed lines, so a slow reader cannot hold up
// Append.
type LogBuffer struct {
	mu       sync.Mutex
	capacity int
	ring     []Line
	start    int
	next     uint64
	ended    bool
	subs     map[*Subscription]struct{}
}

// NewLogBuffer keeps at most capacity of the most recent lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
	}
}

// Append formats msg, stores it and wakes every subscriber. It reports
// false once the buffer has been completed.
func (b *LogBuffer) Append(t time.Time, msg string) (Line, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ended {
		return Line{}, false
	}

	line := Line{Seq: b.next, Time: t, Text: FormatLine(t, msg)}
	b.next++
	if len(b.ring) < b.capacity {
		b.ring = append(b.ring, line)
	} else {
		b.ring[b.start] = line
		b.start = (b.start + 1) % b.capacity
	}

	b.signalLocked()
	return line, true
}

// Complete marks the end of the log, wakes subscribers so they can drain
// and see the end, and releases every registration. Only the first call
// has an effect.
func (b *LogBuffer) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ended {
		return false
	}
	b.ended = true
	b.signalLocked()
	b.subs = make(map[*Subscription]struct{})
	return true
}

// Ended reports whether Complete has been called.
func (b *LogBuffer) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// Lines returns the buffered lines, oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.ring))
	for i := 0; i < len(b.ring); i++ {
		out = append(out, b.ring[(b.start+i)%len(b.ring)].Text)
	}
	return out
}

// Len is the number of buffered lines.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

// Subscribers is the number of live registrations.
func (b *LogBuffer) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscribe returns a subscription positioned at the oldest buffered line,
// so its first Poll replays the buffer and later polls continue from there
// with nothing skipped or repeated.
func (b *LogBuffer) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription{
		ID:     uuid.NewV4().String(),
		buf:    b,
		cursor: b.oldestLocked(),
		notify: make(chan struct{}, 1),
	}
	s.notify <- struct{}{}
	if !b.ended {
		b.subs[s] = struct{}{}
	}
	return s
}

func (b *LogBuffer) oldestLocked() uint64 {
	return b.next - uint64(len(b.ring))
}

func (b *LogBuffer) signalLocked() {
	for s := range b.subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// read copies the lines from cursor on.
func (b *LogBuffer) read(cursor uint64) Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var batch Batch
	oldest := b.oldestLocked()
	if cursor < oldest {
		batch.Missed = oldest - cursor
		cursor = oldest
	}
	if n := b.next - cursor; n > 0 {
		batch.Lines = make([]Line, 0, n)
		offset := int(cursor - oldest)
		for i := offset; i < len(b.ring); i++ {
			batch.Lines = append(batch.Lines, b.ring[(b.start+i)%len(b.ring)])
		}
	}
	batch.next = b.next
	batch.Ended = b.ended
	return batch
}

func (b *LogBuffer) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Batch is what a subscription has not seen yet. Missed counts lines that
// were evicted before the subscriber read them. Ended is set once the log
// is complete and every line has been handed out.
type Batch struct {
	Lines  []Line
	Missed uint64
	Ended  bool

	next uint64
}

// Subscription is a live reader of a LogBuffer.
type Subscription struct {
	ID string

	buf    *LogBuffer
	notify chan struct{}
	mu     sync.Mutex
	cursor uint64
	once   sync.Once
}

// Ready fires when new lines or the end may be available.
func (s *Subscription) Ready() <-chan struct{} {
	return s.notify
}

// Poll returns every line since the previous Poll.
func (s *Subscription) Poll() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.buf.read(s.cursor)
	s.cursor = batch.next
	return batch
}

// Close detaches the subscription. It is safe to call more than once and
// after the log has ended.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.buf.remove(s)
	})
}
