// Package playback implements the File Playback Engine described in
// spec.md §4.7: a state machine that drives ordered, seekable,
// speed-controlled delivery of packets from an indexed file to a sink.
package playback

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/monitor/internal/events"
	"github.com/tripwire/monitor/internal/index"
	"github.com/tripwire/monitor/internal/monerr"
	"github.com/tripwire/monitor/internal/packet"
)

// State is the playback engine's lifecycle state.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	default:
		return "Unknown"
	}
}

const (
	minInterval = 1 * time.Millisecond
	maxInterval = 10 * time.Second

	minSpeed = 0.1
	maxSpeed = 10.0

	maxConsecutiveFailures = 3
)

// PacketSink receives delivered packets. Unlike events.Sink (state/progress
// notifications), PacketSink carries the actual payload data, matching
// spec.md §2's "emits typed packet descriptors... to callers" data plane.
type PacketSink interface {
	Deliver(packet.Packet)
}

// PacketSinkFunc adapts a function to PacketSink.
type PacketSinkFunc func(packet.Packet)

func (f PacketSinkFunc) Deliver(p packet.Packet) { f(p) }

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// Engine drives sequential or random-access packet delivery from one open
// file, using an Index to resolve seek targets in O(log N). One goroutine
// ("the worker") owns the timer and all mutable playback state; every
// exported method is a thin, synchronous request onto that goroutine,
// matching spec.md §5's "driven by a timer firing on a single worker".
type Engine struct {
	logger *slog.Logger
	events events.Sink
	sink   PacketSink

	instanceID uuid.UUID

	cmds chan command
	done chan struct{}
	wg   sync.WaitGroup

	// Owned exclusively by the worker goroutine from here down.
	file  *os.File
	idx   *index.Index
	state State

	next     int // index of the next entry to deliver
	speed    float64
	loop     bool
	realtime bool

	consecutiveFailures int
	timer               *time.Timer
}

// New creates a stopped Engine with no file loaded. logger and sink may be
// nil.
func New(logger *slog.Logger, sink events.Sink, packetSink PacketSink) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = events.SinkFunc(func(events.Event) {})
	}
	if packetSink == nil {
		packetSink = PacketSinkFunc(func(packet.Packet) {})
	}
	e := &Engine{
		logger:     logger,
		events:     sink,
		sink:       packetSink,
		instanceID: uuid.New(),
		cmds:       make(chan command),
		done:       make(chan struct{}),
		speed:      1.0,
		realtime:   true,
		timer:      time.NewTimer(time.Hour),
	}
	e.timer.Stop()
	e.wg.Add(1)
	go e.run()
	return e
}

// InstanceID identifies this engine instance, for multi-engine deployments
// sharing one index.
func (e *Engine) InstanceID() uuid.UUID { return e.instanceID }

// Close stops the worker goroutine. The Engine is unusable afterward.
func (e *Engine) Close() {
	close(e.done)
	e.wg.Wait()
}

// Load opens path and builds its own index via ix, then positions playback
// at the start. Pass a shared, already-completed *index.Index via LoadIndex
// instead when many engines read the same file.
func (e *Engine) Load(ctx context.Context, ix *index.Indexer, path string) error {
	idx, err := ix.Scan(ctx, path)
	if err != nil {
		return err
	}
	return e.LoadIndex(path, idx)
}

// LoadIndex opens path for random-access reads and adopts idx (which may be
// shared immutably with other engines) as the seek table.
func (e *Engine) LoadIndex(path string, idx *index.Index) error {
	f, err := os.Open(path)
	if err != nil {
		return monerr.New(monerr.KindPlayback, "open %q: %v", path, err)
	}
	return e.send(command{kind: cmdLoad, file: f, idx: idx})
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	reply := make(chan State, 1)
	select {
	case e.cmds <- command{kind: cmdQueryState, stateOut: reply}:
		return <-reply
	case <-e.done:
		return Stopped
	}
}

// Position returns the index of the next packet to be delivered.
func (e *Engine) Position() int {
	reply := make(chan int, 1)
	select {
	case e.cmds <- command{kind: cmdQueryPosition, intOut: reply}:
		return <-reply
	case <-e.done:
		return 0
	}
}

func (e *Engine) Play() error          { return e.send(command{kind: cmdPlay}) }
func (e *Engine) Pause() error         { return e.send(command{kind: cmdPause}) }
func (e *Engine) Stop() error          { return e.send(command{kind: cmdStop}) }
func (e *Engine) StepForward() error   { return e.send(command{kind: cmdStepForward}) }
func (e *Engine) StepBackward() error  { return e.send(command{kind: cmdStepBackward}) }
func (e *Engine) SetLoop(v bool) error { return e.send(command{kind: cmdSetLoop, flag: v}) }

func (e *Engine) SetRealtime(v bool) error {
	return e.send(command{kind: cmdSetRealtime, flag: v})
}

// SetSpeed sets the playback speed multiplier, clamped to [0.1, 10.0].
func (e *Engine) SetSpeed(speed float64) error {
	return e.send(command{kind: cmdSetSpeed, f: speed})
}

// SeekToPacket repositions the next-to-deliver index to n, clamped to
// [0, len(entries)].
func (e *Engine) SeekToPacket(n int) error {
	return e.send(command{kind: cmdSeekPacket, n: n})
}

// SeekToPosition repositions by fraction of the file, fraction clamped to
// [0, 1].
func (e *Engine) SeekToPosition(fraction float64) error {
	return e.send(command{kind: cmdSeekPosition, f: fraction})
}

// SeekToTimestamp repositions to the first entry with timestamp >= ts.
func (e *Engine) SeekToTimestamp(ts uint64) error {
	return e.send(command{kind: cmdSeekTimestamp, n: int(ts)})
}

func (e *Engine) send(c command) error {
	c.done = make(chan error, 1)
	select {
	case e.cmds <- c:
		return <-c.done
	case <-e.done:
		return monerr.New(monerr.KindPlayback, "engine closed")
	}
}

type cmdKind int

const (
	cmdLoad cmdKind = iota
	cmdPlay
	cmdPause
	cmdStop
	cmdStepForward
	cmdStepBackward
	cmdSeekPacket
	cmdSeekPosition
	cmdSeekTimestamp
	cmdSetSpeed
	cmdSetLoop
	cmdSetRealtime
	cmdQueryState
	cmdQueryPosition
)

type command struct {
	kind cmdKind
	n    int
	f    float64
	flag bool

	file *os.File
	idx  *index.Index

	done     chan error
	stateOut chan State
	intOut   chan int
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			if e.file != nil {
				e.file.Close()
			}
			e.stopTimer()
			return
		case c := <-e.cmds:
			e.handle(c)
		case <-e.timer.C:
			e.tick()
		}
	}
}

func (e *Engine) stopTimer() {
	if !e.timer.Stop() {
		select {
		case <-e.timer.C:
		default:
		}
	}
}

func (e *Engine) handle(c command) {
	switch c.kind {
	case cmdLoad:
		if e.file != nil {
			e.file.Close()
		}
		e.stopTimer()
		e.file, e.idx, e.next, e.state, e.consecutiveFailures = c.file, c.idx, 0, Stopped, 0
		c.done <- nil
	case cmdQueryState:
		c.stateOut <- e.state
	case cmdQueryPosition:
		c.intOut <- e.next
	case cmdPlay:
		c.done <- e.cmdPlay()
	case cmdPause:
		c.done <- e.cmdPause()
	case cmdStop:
		c.done <- e.cmdStop()
	case cmdStepForward:
		c.done <- e.cmdStepForward()
	case cmdStepBackward:
		c.done <- e.cmdStepBackward()
	case cmdSeekPacket:
		c.done <- e.cmdSeekPacket(c.n)
	case cmdSeekPosition:
		c.done <- e.cmdSeekPosition(c.f)
	case cmdSeekTimestamp:
		c.done <- e.cmdSeekTimestamp(uint64(c.n))
	case cmdSetSpeed:
		e.speed = clampSpeed(c.f)
		c.done <- nil
	case cmdSetLoop:
		e.loop = c.flag
		c.done <- nil
	case cmdSetRealtime:
		e.realtime = c.flag
		c.done <- nil
	}
}

func clampSpeed(s float64) float64 {
	if s < minSpeed {
		return minSpeed
	}
	if s > maxSpeed {
		return maxSpeed
	}
	return s
}

func (e *Engine) requireLoaded() error {
	if e.file == nil || e.idx == nil {
		return monerr.New(monerr.KindPlayback, "no file loaded")
	}
	return nil
}

func (e *Engine) cmdPlay() error {
	if err := e.requireLoaded(); err != nil {
		return err
	}
	if e.state == Playing {
		return nil
	}
	e.setState(Playing)
	// First delivery after play/resume fires almost immediately; real-time
	// pacing only governs the gap *between* deliveries.
	e.scheduleNext(-1)
	return nil
}

func (e *Engine) cmdPause() error {
	if e.state != Playing {
		return nil
	}
	e.stopTimer()
	e.setState(Paused)
	return nil
}

func (e *Engine) cmdStop() error {
	e.stopTimer()
	e.next = 0
	e.consecutiveFailures = 0
	e.setState(Stopped)
	return nil
}

func (e *Engine) cmdStepForward() error {
	if err := e.requireLoaded(); err != nil {
		return err
	}
	if e.next >= len(e.idx.Entries) {
		if !e.loop {
			return nil // no-op at last index unless looping
		}
		e.next = 0
	}
	e.deliverAndAdvance()
	return nil
}

func (e *Engine) cmdStepBackward() error {
	if e.next == 0 {
		return nil // no-op at index 0
	}
	e.next--
	return nil
}

func (e *Engine) cmdSeekPacket(n int) error {
	if err := e.requireLoaded(); err != nil {
		return err
	}
	e.next = clampIndex(n, len(e.idx.Entries))
	e.emitSeekCompleted()
	return nil
}

func (e *Engine) cmdSeekPosition(fraction float64) error {
	if err := e.requireLoaded(); err != nil {
		return err
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	n := int(fraction * float64(len(e.idx.Entries)))
	e.next = clampIndex(n, len(e.idx.Entries))
	e.emitSeekCompleted()
	return nil
}

func (e *Engine) cmdSeekTimestamp(ts uint64) error {
	if err := e.requireLoaded(); err != nil {
		return err
	}
	e.next = e.idx.ByTimestamp(ts)
	e.emitSeekCompleted()
	return nil
}

func clampIndex(n, length int) int {
	if n < 0 {
		return 0
	}
	if n > length {
		return length
	}
	return n
}

func (e *Engine) emitSeekCompleted() {
	e.events.Handle(events.Event{Kind: events.SeekCompleted, Source: "playback", Processed: int64(e.next)})
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.events.Handle(events.Event{Kind: events.StateChanged, Source: "playback", State: s.String()})
}

// tick fires when the timer expires during Playing: deliver the packet at
// e.next, advance, and reschedule (or stop/loop at EOF).
func (e *Engine) tick() {
	if e.state != Playing {
		return
	}
	e.deliverAndAdvance()
}

func (e *Engine) deliverAndAdvance() {
	if e.next >= len(e.idx.Entries) {
		e.handleEndOfFile()
		return
	}
	entry := e.idx.Entries[e.next]
	pkt, err := e.readPacket(entry)
	if err != nil {
		e.consecutiveFailures++
		e.events.Handle(events.Event{Kind: events.Error, Source: "playback", Err: err})
		if e.consecutiveFailures >= maxConsecutiveFailures {
			e.stopTimer()
			e.setState(Stopped)
			return
		}
		e.next++
		if e.state == Playing {
			e.scheduleNext(e.next - 1)
		}
		return
	}
	e.consecutiveFailures = 0
	e.sink.Deliver(pkt)
	e.next++
	if e.state == Playing {
		e.scheduleNext(e.next - 1)
	}
}

func (e *Engine) handleEndOfFile() {
	e.events.Handle(events.Event{Kind: events.EndOfFileReached, Source: "playback"})
	if e.loop {
		e.next = 0
		if e.state == Playing {
			e.scheduleNext(-1)
		}
		return
	}
	e.stopTimer()
	e.setState(Stopped)
}

func (e *Engine) readPacket(entry index.Entry) (packet.Packet, error) {
	buf := make([]byte, entry.PacketSize)
	if _, err := e.file.ReadAt(buf, int64(entry.FilePosition)); err != nil {
		return packet.Packet{}, monerr.AtOffset(monerr.KindPlayback, int64(entry.FilePosition), "read packet: %v", err)
	}
	h := packet.Decode(buf[:packet.HeaderSize])
	return packet.Packet{Header: h, Payload: buf[packet.HeaderSize:]}, nil
}

// scheduleNext arms the timer for the delivery following the packet just
// sent at index deliveredIdx (or -1 when resuming/looping with nothing yet
// delivered this pass).
func (e *Engine) scheduleNext(deliveredIdx int) {
	if e.next >= len(e.idx.Entries) {
		e.handleEndOfFile()
		return
	}
	e.timer.Reset(e.interval(deliveredIdx))
}

// interval computes the delay before delivering e.next, per spec.md §4.7's
// cadence rule: real-time mode paces by the gap between consecutive
// timestamps scaled by speed; non-real-time mode uses a fixed minimum
// interval scaled by speed. Both are clamped to [1ms, 10s].
func (e *Engine) interval(deliveredIdx int) time.Duration {
	if !e.realtime || deliveredIdx < 0 || deliveredIdx+1 >= len(e.idx.Entries) {
		return clamp(time.Duration(float64(minInterval)/e.speed), minInterval, maxInterval)
	}
	gapNS := e.idx.Entries[deliveredIdx+1].Timestamp - e.idx.Entries[deliveredIdx].Timestamp
	d := time.Duration(float64(gapNS) / e.speed)
	return clamp(d, minInterval, maxInterval)
}
