// Package packet defines the on-disk and on-wire packet header shared by the
// file indexer, the playback engine, and the gRPC packet stream. The wire
// format is fixed: a 24-byte little-endian header followed by payload_size
// raw bytes, with no framing, trailer, or magic number.
package packet

import "encoding/binary"

// HeaderSize is the fixed byte length of a Header on disk and on the wire.
const HeaderSize = 24

// MaxPayloadSize is the largest payload_size a Header may declare.
const MaxPayloadSize = 65536

// Flag is a single bit in Header.Flags.
type Flag uint32

const (
	FlagNone        Flag = 0
	FlagCompressed  Flag = 0x00000001
	FlagFragmented  Flag = 0x00000002
	FlagPriority    Flag = 0x00000004
	FlagEncrypted   Flag = 0x00000008
	FlagTestData    Flag = 0x00000010
	FlagSimulation  Flag = 0x00000020
	FlagOffline     Flag = 0x00000040
	FlagNetwork     Flag = 0x00000080
	FlagUserFlag0   Flag = 0x00000100
	FlagUserFlag1   Flag = 0x00000200
	FlagUserFlag2   Flag = 0x00000400
	FlagUserFlag3   Flag = 0x00000800
	FlagUserFlag4   Flag = 0x00001000
	FlagUserFlag5   Flag = 0x00002000
	FlagUserFlag6   Flag = 0x00004000
	FlagUserFlag7   Flag = 0x00008000
	FlagReservedAll Flag = 0xFFFF0000
)

// Header is the 24-byte packet header present at the start of every packet.
type Header struct {
	ID          uint32
	Sequence    uint32
	TimestampNS uint64
	PayloadSize uint32
	Flags       uint32
}

// HasFlag reports whether f is set in h.Flags.
func (h Header) HasFlag(f Flag) bool { return h.Flags&uint32(f) != 0 }

// Valid implements the validity predicate from the data model: a non-zero
// timestamp, a payload size within bounds, and no reserved bits set.
func (h Header) Valid() bool {
	return h.TimestampNS > 0 &&
		h.PayloadSize <= MaxPayloadSize &&
		h.Flags&uint32(FlagReservedAll) == 0
}

// TotalSize returns HeaderSize plus the declared payload size.
func (h Header) TotalSize() int64 { return int64(HeaderSize) + int64(h.PayloadSize) }

// Encode writes h into a 24-byte little-endian buffer.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.ID)
	binary.LittleEndian.PutUint32(buf[4:8], h.Sequence)
	binary.LittleEndian.PutUint64(buf[8:16], h.TimestampNS)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.Flags)
	return buf
}

// Decode parses a 24-byte little-endian buffer into a Header. The caller is
// responsible for calling Valid() on the result; Decode never fails since
// every bit pattern decodes to *some* Header value.
func Decode(buf []byte) Header {
	_ = buf[HeaderSize-1] // bounds check hint, panics clearly on short input
	return Header{
		ID:          binary.LittleEndian.Uint32(buf[0:4]),
		Sequence:    binary.LittleEndian.Uint32(buf[4:8]),
		TimestampNS: binary.LittleEndian.Uint64(buf[8:16]),
		PayloadSize: binary.LittleEndian.Uint32(buf[16:20]),
		Flags:       binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// Packet is a decoded header plus its raw payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}
