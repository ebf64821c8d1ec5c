package playback

import (
	"sync"

	"github.com/tripwire/monitor/internal/packet"
)

// FanOutSink is a PacketSink that forwards each delivered packet to a
// dynamic set of subscriber sinks, so a gRPC PacketStream service (or any
// other consumer) can attach and detach while playback runs without the
// Engine itself knowing about multiple listeners. Engine holds exactly one
// sink for its lifetime (set at New); wiring code that needs fan-out passes
// a *FanOutSink as that sink and hands out Add/Remove to callers.
type FanOutSink struct {
	mu   sync.RWMutex
	subs map[int]PacketSink
	next int
}

// NewFanOutSink creates an empty FanOutSink.
func NewFanOutSink() *FanOutSink {
	return &FanOutSink{subs: map[int]PacketSink{}}
}

// Deliver implements PacketSink, forwarding p to every currently attached
// subscriber. Called synchronously from the engine's worker goroutine, so
// subscribers must not block for long.
func (f *FanOutSink) Deliver(p packet.Packet) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		sub.Deliver(p)
	}
}

// Add attaches sink and returns a func that detaches it. Safe to call
// concurrently with Deliver.
func (f *FanOutSink) Add(sink PacketSink) (remove func()) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = sink
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}
