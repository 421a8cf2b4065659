package fabric

import (
	"sync/atomic"
)

// Buffer is a growable byte container checked out from a tier (or
// standalone when the request exceeded every floor). Release returns
// it to its origin tier; releasing twice is a no-op.
type Buffer struct {
	fabric   *Fabric
	tier     *tier // nil for standalone buffers
	data     []byte
	released atomic.Bool
}

// Bytes returns the filled portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the current length.
func (b *Buffer) Len() int { return len(b.data) }

// Cap returns the current capacity.
func (b *Buffer) Cap() int { return cap(b.data) }

// Tier returns the origin tier index, or -1 for standalone buffers.
func (b *Buffer) Tier() int {
	if b.tier == nil {
		return -1
	}
	return b.tier.index
}

// SetLen resizes the filled portion without reallocating. n must not
// exceed the capacity.
func (b *Buffer) SetLen(n int) {
	b.data = b.data[:n]
}

// Append adds p to the buffer, growing through the fabric's accounting
// when capacity is insufficient.
func (b *Buffer) Append(p []byte) error {
	need := len(b.data) + len(p)
	if need > cap(b.data) {
		if err := b.Grow(need); err != nil {
			return err
		}
	}
	b.data = append(b.data, p...)
	return nil
}

// Grow ensures capacity >= n by doubling, accounting the delta against
// the fabric ceiling. Contents are preserved.
func (b *Buffer) Grow(n int) error {
	if n <= cap(b.data) {
		return nil
	}
	newCap := cap(b.data)
	if newCap == 0 {
		newCap = 512
	}
	for newCap < n {
		newCap *= 2
	}
	delta := int64(newCap - cap(b.data))
	if err := b.fabric.reserve(delta); err != nil {
		return err
	}
	grown := make([]byte, len(b.data), newCap)
	copy(grown, b.data)
	b.data = grown
	return nil
}

// Release returns the buffer to its origin tier, or frees a standalone
// buffer's accounting. Safe to call more than once; only the first
// call has an effect.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		return
	}
	b.fabric.stats.releases.Add(1)
	if b.tier == nil {
		b.fabric.unreserve(int64(cap(b.data)))
		b.data = nil
		return
	}
	// Logically cleared before reuse; capacity (possibly grown past
	// the floor) stays accounted while the pool retains the memory.
	b.tier.push(b.data[:0])
	b.data = nil
}
