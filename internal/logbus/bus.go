// Package logbus is the in-process log/event bus. It keeps a bounded ring of
// recent entries and fans every new entry out to live subscribers without
// ever blocking the publisher.
package logbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/ingestd/internal/models"
)

// Defaults used when New is given non-positive sizes.
const (
	DefaultCapacity         = 200
	DefaultSubscriberBuffer = 100
)

// Bus is a ring-buffered publish/subscribe log channel.
type Bus struct {
	mu      sync.Mutex
	ring    []models.LogEntry
	next    int
	full    bool
	seq     uint64
	subs    map[*Subscription]struct{}
	bufSize int
	closed  bool

	now func() time.Time
}

// New creates a bus keeping capacity recent entries, with subscriberBuffer
// pending entries per subscriber.
func New(capacity, subscriberBuffer int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if subscriberBuffer <= 0 {
		subscriberBuffer = DefaultSubscriberBuffer
	}
	return &Bus{
		ring:    make([]models.LogEntry, capacity),
		subs:    make(map[*Subscription]struct{}),
		bufSize: subscriberBuffer,
		now:     time.Now,
	}
}

// Publish appends an entry and delivers it to all subscribers.
func (b *Bus) Publish(level, message string) models.LogEntry {
	return b.PublishJob("", level, message)
}

// PublishJob is Publish with the entry attributed to a job.
func (b *Bus) PublishJob(jobID, level, message string) models.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	entry := models.LogEntry{
		Seq:       b.seq,
		Timestamp: b.now().UTC(),
		Level:     level,
		Message:   message,
		JobID:     jobID,
	}
	if b.closed {
		return entry
	}

	b.ring[b.next] = entry
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}

	for sub := range b.subs {
		sub.deliver(entry)
	}
	return entry
}

// Recent returns up to n of the most recent entries, oldest first.
// n <= 0 returns the whole ring.
func (b *Bus) Recent(n int) []models.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked(n)
}

func (b *Bus) recentLocked(n int) []models.LogEntry {
	size := b.next
	if b.full {
		size = len(b.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]models.LogEntry, n)
	start := (b.next - n + len(b.ring)) % len(b.ring)
	for i := range n {
		out[i] = b.ring[(start+i)%len(b.ring)]
	}
	return out
}

// Subscribe registers a live subscriber. It receives entries published from
// now on.
func (b *Bus) Subscribe() *Subscription {
	sub, _ := b.SubscribeWithReplay(0)
	return sub
}

// SubscribeWithReplay registers a subscriber and atomically returns the last
// replay entries, so nothing published in between is missed or duplicated.
func (b *Bus) SubscribeWithReplay(replay int) (*Subscription, []models.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus: b,
		ch:  make(chan models.LogEntry, b.bufSize),
	}
	if b.closed {
		close(sub.ch)
		sub.closed = true
		return sub, nil
	}
	b.subs[sub] = struct{}{}

	var history []models.LogEntry
	if replay > 0 {
		history = b.recentLocked(replay)
	}
	return sub, history
}

// Subscribers returns the number of live subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends all subscriptions. Later publishes are not delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeLocked()
	}
}

// Subscription is one live reader of the bus.
type Subscription struct {
	bus     *Bus
	ch      chan models.LogEntry
	dropped atomic.Uint64
	closed  bool // guarded by bus.mu
}

// C returns the entry channel. It is closed when the subscription or the
// bus is closed.
func (s *Subscription) C() <-chan models.LogEntry {
	return s.ch
}

// Dropped returns how many entries were discarded because the subscriber
// fell behind.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.ch)
}

// deliver sends without blocking; a full buffer drops its oldest entry.
// Called with bus.mu held, so only the reader competes for the channel.
func (s *Subscription) deliver(e models.LogEntry) {
	select {
	case s.ch <- e:
		return
	default:
	}

	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}
