// Package logsink keeps the human-readable lifecycle log shown to the user:
// engine start/stop entries and the notices the engine emits.
package logsink

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of entries kept when New is given zero.
const DefaultCapacity = 500

// Entry is one lifecycle log line.
type Entry struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// Log is a bounded ring of entries with fan-out to live subscribers.
// Subscribers that fall behind lose entries; AddEntry never blocks.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
	subs    map[int]chan Entry
	nextSub int
	now     func() time.Time
}

// New creates a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		entries: make([]Entry, capacity),
		subs:    make(map[int]chan Entry),
		now:     time.Now,
	}
}

// AddEntry appends a message, evicting the oldest entry when full.
func (l *Log) AddEntry(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := Entry{Time: l.now().UTC(), Message: message}
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Entries returns the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailLocked(0)
}

// Tail returns at most the last n entries, oldest first.
func (l *Log) Tail(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailLocked(n)
}

func (l *Log) tailLocked(n int) []Entry {
	var all []Entry
	if !l.full {
		all = append([]Entry(nil), l.entries[:l.next]...)
	} else {
		all = make([]Entry, 0, len(l.entries))
		all = append(all, l.entries[l.next:]...)
		all = append(all, l.entries[:l.next]...)
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all
}

// Subscribe returns a channel receiving entries added from now on, and a
// cancel func that closes it. buffer bounds how far a subscriber may lag.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	_, ch, cancel := l.SubscribeWithTail(0, buffer)
	return ch, cancel
}

// SubscribeWithTail is Subscribe that also returns the last n entries (none
// when n is zero). No entry appears in both the tail and the channel.
func (l *Log) SubscribeWithTail(n, buffer int) ([]Entry, <-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)
	l.mu.Lock()
	var tail []Entry
	if n > 0 {
		tail = l.tailLocked(n)
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
	return tail, ch, cancel
}
