package monitor

import (
	"log/slog"
	"sync"
)

// Bus is a publish/subscribe fan-out with a replay log. Publishing
// appends to the log and wakes subscriber goroutines; it never waits
// for a subscriber. Late subscribers first receive a replay of every
// past event, then live ones, all in emission order.
type Bus struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
	active int // running subscriber goroutines
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	b := &Bus{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends an event to the replay log and wakes subscribers.
// It never blocks on subscriber progress. Publishing to a closed bus
// is a no-op.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.events = append(b.events, ev)
	b.cond.Broadcast()
}

// Subscribe attaches a monitor. It may be called before or after
// publishing starts; the monitor catches up from the beginning of the
// replay log on its own goroutine.
func (b *Bus) Subscribe(m Monitor) {
	b.mu.Lock()
	b.active++
	b.mu.Unlock()
	go b.run(m)
}

// run delivers events to one subscriber, tracking a cursor into the
// shared replay log.
func (b *Bus) run(m Monitor) {
	defer func() {
		b.mu.Lock()
		b.active--
		b.cond.Broadcast()
		b.mu.Unlock()
	}()
	cursor := 0
	for {
		b.mu.Lock()
		for cursor >= len(b.events) && !b.closed {
			b.cond.Wait()
		}
		if cursor >= len(b.events) && b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.events[cursor]
		cursor++
		b.mu.Unlock()

		deliver(m, ev)
	}
}

// deliver invokes OnEvent, swallowing panics so a broken monitor
// cannot take down the build.
func deliver(m Monitor, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Monitor panicked, event dropped for this monitor",
				"shard", ev.Shard,
				"panic", r)
		}
	}()
	m.OnEvent(ev)
}

// Close marks the bus closed and waits until every subscriber has
// drained the replay log. Events published before Close are still
// delivered. Subscribe may race Close: the subscriber count lives
// under the bus mutex, so a racing subscriber is either waited for
// here or replays the full log on its own after Close returns.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	for b.active > 0 {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// Len returns the number of published events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
