package events

import (
	"sync"
	"time"
)

const (
	// DefaultCapacity is the number of records kept before eviction
	DefaultCapacity = 256

	// TimeMaxValue bounds the index space (48 bits of milliseconds).
	// Clients wrap their cursor to 0 past it.
	TimeMaxValue uint64 = 1<<48 - 1
)

// Log is a bounded ring of records. Each appended record gets an index
// strictly greater than the previous one: the wall clock in milliseconds,
// or previous+1 when the clock did not advance or went backwards.
type Log struct {
	mu    sync.Mutex
	ring  []Record
	head  int // oldest record
	count int
	last  uint64

	started bool

	now     func() time.Time
	evicted uint64
}

// NewLog creates a log; a nil clock uses time.Now
func NewLog(capacity int, now func() time.Time) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Log{
		ring: make([]Record, capacity),
		now:  now,
	}
}

// Append stamps and stores a record, evicting the oldest when full
func (l *Log) Append(typ Type, subtype uint16, info uint8, value float32) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := uint64(0)
	if ms := l.now().UnixMilli(); ms > 0 {
		ts = uint64(ms)
	}
	if l.started && ts <= l.last {
		ts = l.last + 1
	}
	l.last = ts
	l.started = true

	r := Record{TimestampMS: ts, Type: typ, Subtype: subtype, Info: info, Value: value}

	if l.count == len(l.ring) {
		l.ring[l.head] = r
		l.head = (l.head + 1) % len(l.ring)
		l.evicted++
		return r
	}
	l.ring[(l.head+l.count)%len(l.ring)] = r
	l.count++
	return r
}

// After returns up to max records with TimestampMS >= index, oldest first,
// and whether further matching records remain. max <= 0 means no limit.
// The result is a copy; later appends do not affect it.
func (l *Log) After(index uint64, max int) ([]Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for i := 0; i < l.count; i++ {
		r := l.ring[(l.head+i)%len(l.ring)]
		if r.TimestampMS < index {
			continue
		}
		if max > 0 && len(out) == max {
			return out, true
		}
		out = append(out, r)
	}
	return out, false
}

// Newest returns the index of the latest record
func (l *Log) Newest() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return 0, false
	}
	return l.last, true
}

// Len returns the number of stored records
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Evicted returns how many records were dropped to make room
func (l *Log) Evicted() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evicted
}
