package stream_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/tripwire/monitor/internal/packet"
	"github.com/tripwire/monitor/internal/playback"
	"github.com/tripwire/monitor/internal/stream"
)

// fakeServerStream implements grpc.ServerStream for one client: RecvMsg
// yields a single preset request message, SendMsg records every frame sent
// until cancel is closed.
type fakeServerStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	reqValue string
	recvd    bool

	mu     sync.Mutex
	frames [][]byte
}

func newFakeServerStream(reqValue string) *fakeServerStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeServerStream{ctx: ctx, cancel: cancel, reqValue: reqValue}
}

func (f *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeServerStream) SetTrailer(metadata.MD)       {}
func (f *fakeServerStream) Context() context.Context     { return f.ctx }

func (f *fakeServerStream) SendMsg(m any) error {
	bv := m.(*wrapperspb.BytesValue)
	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), bv.Value...))
	f.mu.Unlock()
	return nil
}

func (f *fakeServerStream) RecvMsg(m any) error {
	if f.recvd {
		<-f.ctx.Done()
		return f.ctx.Err()
	}
	f.recvd = true
	sv := m.(*wrapperspb.StringValue)
	sv.Value = f.reqValue
	return nil
}

func (f *fakeServerStream) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestStreamPacketsUnknownNameIsNotFound(t *testing.T) {
	srv := stream.NewServer(nil, nil)
	fss := newFakeServerStream("nope")
	defer fss.cancel()

	err := srv.StreamPackets(fss)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("code = %v, want NotFound", status.Code(err))
	}
}

func TestStreamPacketsForwardsDeliveredFrames(t *testing.T) {
	sink := playback.NewFanOutSink()
	eng := playback.New(nil, nil, sink)
	defer eng.Close()

	srv := stream.NewServer(nil, map[string]*stream.Source{
		"demo": {Engine: eng, Sink: sink},
	})
	fss := newFakeServerStream("demo")

	done := make(chan error, 1)
	go func() { done <- srv.StreamPackets(fss) }()

	// Give StreamPackets time to attach its subscriber before delivering.
	time.Sleep(20 * time.Millisecond)

	h := packet.Header{ID: 7, Sequence: 1, TimestampNS: 123, PayloadSize: 3}
	sink.Deliver(packet.Packet{Header: h, Payload: []byte{0xAA, 0xBB, 0xCC}})

	deadline := time.After(2 * time.Second)
	for {
		if len(fss.snapshot()) >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no frame forwarded before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	fss.cancel()
	if err := <-done; err != nil && status.Code(err) != codes.Canceled {
		t.Fatalf("StreamPackets returned %v, want nil or Canceled", err)
	}

	frames := fss.snapshot()
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(frames[0]) != packet.HeaderSize+3 {
		t.Fatalf("frame length = %d, want %d", len(frames[0]), packet.HeaderSize+3)
	}
	decoded := packet.Decode(frames[0][:packet.HeaderSize])
	if decoded.ID != 7 || decoded.TimestampNS != 123 {
		t.Errorf("decoded header = %+v, want ID=7 TimestampNS=123", decoded)
	}
	if payload := frames[0][packet.HeaderSize:]; string(payload) != "\xAA\xBB\xCC" {
		t.Errorf("payload = %x, want aabbcc", payload)
	}
}

func TestFanOutSinkDetachesOnStreamEnd(t *testing.T) {
	sink := playback.NewFanOutSink()
	eng := playback.New(nil, nil, sink)
	defer eng.Close()

	srv := stream.NewServer(nil, map[string]*stream.Source{
		"demo": {Engine: eng, Sink: sink},
	})
	fss := newFakeServerStream("demo")
	done := make(chan error, 1)
	go func() { done <- srv.StreamPackets(fss) }()
	time.Sleep(20 * time.Millisecond)

	fss.cancel()
	<-done

	// After detach, delivering must not panic or reach the now-gone stream.
	sink.Deliver(packet.Packet{Header: packet.Header{ID: 1}, Payload: nil})
}
