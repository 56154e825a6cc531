// Package ring implements the K-RING shared-memory SPSC byte ring.
//
// Layout of the mapped region (HeaderSize + size bytes):
//
//	head    atomic uint32   // producer cursor, byte offset into data[]
//	tail    atomic uint32   // consumer cursor, byte offset into data[]
//	dropped atomic uint32   // frames discarded by the producer
//	size    uint32          // data area length, written once at create
//	data[size]              // circular byte buffer
//
// A single producer and a single consumer — never more of either — share
// this region, typically as two memory-mapped views of the same backing
// file. Ordering: the producer publishes head with a release store after
// writing payload bytes; the consumer observes head with an acquire load
// before reading them. Go's sync/atomic word-sized operations already carry
// this ordering on every architecture the toolchain targets, so no manual
// fences are required.
//
// Frames are length-prefixed: a 4-byte little-endian length followed by
// that many payload bytes. A frame may physically wrap across the end of
// the data buffer; both push and pop split the copy at the wrap boundary.
//
// Loss is whole-frame: if the producer cannot fit an entire frame, it
// increments dropped and writes nothing. The consumer never observes a
// partial frame.
package ring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderSize is the fixed size, in bytes, of the published ring header:
	// four little-endian uint32 words (head, tail, dropped, size).
	HeaderSize = 16

	lengthPrefixSize = 4
)

// Ring is a single-producer/single-consumer framed byte ring over a shared
// memory region. The zero value is not usable; construct with New or Open.
type Ring struct {
	region []byte // full mapped region: HeaderSize + size bytes

	head    *atomic.Uint32
	tail    *atomic.Uint32
	dropped *atomic.Uint32

	size uint32 // data area length, immutable after New/Open
}

// New initializes a fresh ring header over region and zeroes the cursors.
// region must be exactly HeaderSize+dataSize bytes and must not be accessed
// by any other Ring while this one is alive. Use New exactly once per
// backing region; a second process attaching to the same bytes should call
// Open instead, which does not reset state already published by a peer.
func New(region []byte, dataSize uint32) (*Ring, error) {
	if uint32(len(region)) != HeaderSize+dataSize {
		return nil, fmt.Errorf("ring.New: region length %d does not match header+data %d",
			len(region), HeaderSize+dataSize)
	}
	if dataSize <= lengthPrefixSize {
		return nil, fmt.Errorf("ring.New: dataSize %d too small", dataSize)
	}

	r := attach(region)
	r.head.Store(0)
	r.tail.Store(0)
	r.dropped.Store(0)
	binary.LittleEndian.PutUint32(region[12:16], dataSize)
	r.size = dataSize
	return r, nil
}

// Open attaches to a region that has already been initialized by New
// (possibly in another process mapping the same backing file). It reads
// size from the header and does not otherwise touch producer/consumer
// state — an idempotent open must see the same cursors the peer does.
func Open(region []byte) (*Ring, error) {
	if len(region) <= HeaderSize {
		return nil, fmt.Errorf("ring.Open: region too small for header (%d bytes)", len(region))
	}
	r := attach(region)
	r.size = binary.LittleEndian.Uint32(region[12:16])
	if uint32(len(region)) != HeaderSize+r.size {
		return nil, fmt.Errorf("ring.Open: region length %d does not match header+size %d",
			len(region), HeaderSize+r.size)
	}
	if r.size <= lengthPrefixSize {
		return nil, fmt.Errorf("ring.Open: published size %d too small", r.size)
	}
	return r, nil
}

func attach(region []byte) *Ring {
	return &Ring{
		region:  region,
		head:    atomicWordAt(region, 0),
		tail:    atomicWordAt(region, 4),
		dropped: atomicWordAt(region, 8),
	}
}

// atomicWordAt views the 4 bytes of region starting at off as an
// *atomic.Uint32. The caller is responsible for the region being backed by
// memory with at least 4-byte alignment at that offset, which holds for
// mmap'd regions (page-aligned) and for any Go-allocated byte slice
// (runtime aligns allocations to at least the pointer size).
func atomicWordAt(region []byte, off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&region[off]))
}

// DataSize returns the capacity of the circular data area in bytes.
func (r *Ring) DataSize() uint32 { return r.size }

// Dropped returns the monotonically increasing count of frames the
// producer has discarded due to insufficient free space.
func (r *Ring) Dropped() uint32 { return r.dropped.Load() }

func (r *Ring) data() []byte { return r.region[HeaderSize:] }

// used returns the number of occupied bytes given a head/tail pair.
func (r *Ring) used(head, tail uint32) uint32 {
	return (head - tail + r.size) % r.size
}

// Push writes payload as a single length-prefixed frame. If the frame
// (4-byte length + payload) does not fit in the currently free space, or
// does not fit in the ring at all, the frame is dropped in its entirety:
// dropped is incremented and no bytes are written.
//
// Push must only be called by the single producer.
func (r *Ring) Push(payload []byte) {
	frameLen := uint32(lengthPrefixSize + len(payload))
	if frameLen > r.size {
		r.dropped.Add(1)
		return
	}

	head := r.head.Load()
	tail := r.tail.Load() // acquire: synchronizes with consumer's release store
	free := r.size - r.used(head, tail)
	if free < frameLen {
		r.dropped.Add(1)
		return
	}

	data := r.data()
	var lenBuf [lengthPrefixSize]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	writeAt(data, head, lenBuf[:], r.size)
	writeAt(data, (head+lengthPrefixSize)%r.size, payload, r.size)

	newHead := (head + frameLen) % r.size
	r.head.Store(newHead) // release: publishes the bytes written above
}

// Pop removes and returns the next frame's payload, or (nil, false) if the
// ring is empty. A length prefix of zero, or one that implausibly exceeds
// the data area, is treated as stream corruption: the consumer
// resynchronizes by setting tail to head and returns (nil, false).
//
// Pop must only be called by the single consumer. The returned slice is a
// fresh copy and safe to retain.
func (r *Ring) Pop() ([]byte, bool) {
	head := r.head.Load() // acquire: synchronizes with producer's release store
	tail := r.tail.Load()
	if head == tail {
		return nil, false
	}

	data := r.data()
	var lenBuf [lengthPrefixSize]byte
	readAt(data, tail, lenBuf[:], r.size)
	frameLen := binary.LittleEndian.Uint32(lenBuf[:])

	if frameLen == 0 || frameLen > r.size-lengthPrefixSize {
		// Corrupt length prefix: resynchronize to the producer's published
		// head and surface no frame this call.
		r.tail.Store(head)
		return nil, false
	}

	available := r.used(head, tail)
	if available < lengthPrefixSize+frameLen {
		// Producer's write is still in flight (head not yet advanced past
		// this frame) — nothing to hand back yet.
		return nil, false
	}

	payload := make([]byte, frameLen)
	readAt(data, (tail+lengthPrefixSize)%r.size, payload, r.size)

	newTail := (tail + lengthPrefixSize + frameLen) % r.size
	r.tail.Store(newTail) // release: publishes the freed space
	return payload, true
}

// writeAt copies src into data starting at logical offset off, splitting
// the copy across the wrap boundary if necessary.
func writeAt(data []byte, off uint32, src []byte, size uint32) {
	first := size - off
	if uint32(len(src)) <= first {
		copy(data[off:], src)
		return
	}
	copy(data[off:], src[:first])
	copy(data[:uint32(len(src))-first], src[first:])
}

// readAt copies len(dst) bytes from data starting at logical offset off
// into dst, splitting the copy across the wrap boundary if necessary.
func readAt(data []byte, off uint32, dst []byte, size uint32) {
	first := size - off
	if uint32(len(dst)) <= first {
		copy(dst, data[off:off+uint32(len(dst))])
		return
	}
	copy(dst, data[off:size])
	copy(dst[first:], data[:uint32(len(dst))-first])
}
