package events

import (
	"sync"

	"splitledger/core/types"
)

// DefaultFeedCapacity bounds the number of records retained by a Feed.
const DefaultFeedCapacity = 4096

// Record pairs a published event with its feed sequence number. Sequence
// numbers start at 1 and increase by one per published event.
type Record struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Feed retains a bounded window of published events and fans them out to live
// subscribers. It implements Emitter and is safe for concurrent use.
type Feed struct {
	mu       sync.RWMutex
	capacity int
	records  []Record
	next     uint64
	subs     map[int]chan Record
	nextSub  int
	onDrop   func()
}

// NewFeed creates a feed retaining up to capacity records. Non-positive values
// fall back to DefaultFeedCapacity.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{capacity: capacity, next: 1, subs: make(map[int]chan Record)}
}

// SetDropHook installs a callback invoked whenever a live subscriber misses a
// record because its channel is full.
func (f *Feed) SetDropHook(fn func()) {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.onDrop = fn
	f.mu.Unlock()
}

// Emit implements the Emitter interface.
func (f *Feed) Emit(evt Event) {
	payload := ToTypes(evt)
	if f == nil || payload == nil {
		return
	}
	f.mu.Lock()
	rec := Record{Sequence: f.next, Event: payload}
	f.next++
	f.records = append(f.records, rec)
	if overflow := len(f.records) - f.capacity; overflow > 0 {
		f.records = append([]Record(nil), f.records[overflow:]...)
	}
	// Sends happen under the lock so a concurrent cancel cannot close a
	// channel mid-send. They never block.
	for _, ch := range f.subs {
		select {
		case ch <- Record{Sequence: rec.Sequence, Event: rec.Event.Clone()}:
		default:
			// Slow subscribers miss live records and can catch up via Since.
			if f.onDrop != nil {
				f.onDrop()
			}
		}
	}
	f.mu.Unlock()
}

// Since returns up to limit records with a sequence number strictly greater
// than after. A non-positive limit returns every retained record.
func (f *Feed) Since(after uint64, limit int) []Record {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range f.records {
		if rec.Sequence <= after {
			continue
		}
		out = append(out, Record{Sequence: rec.Sequence, Event: rec.Event.Clone()})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// LastSequence reports the sequence number of the most recent record, or zero
// when nothing has been published.
func (f *Feed) LastSequence() uint64 {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.next - 1
}

// Subscribe registers a live subscriber. The returned cancel function closes
// the channel and must be called once the subscriber is done.
func (f *Feed) Subscribe(buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Record, buffer)
	f.mu.Lock()
	id := f.nextSub
	f.nextSub++
	f.subs[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
