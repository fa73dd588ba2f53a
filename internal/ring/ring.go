package ring

import (
	"symphonyscript/internal/shm"
)

// Ring is the SPSC command ring. Head and tail are free-running counters in
// header cells; the slot index is the counter masked by capacity-1 (capacity
// is a power of two, checked at buffer init). The producer publishes a
// record by incrementing the tail with a release store after all record
// cells are written; the consumer publishes consumption by incrementing the
// head the same way.
type Ring struct {
	buf       *shm.Buffer
	startCell uint32
	capacity  uint32
	mask      uint32
}

// New wraps the command ring region of the shared buffer.
func New(buf *shm.Buffer) *Ring {
	layout := buf.Layout()
	return &Ring{
		buf:       buf,
		startCell: layout.RingStartCell,
		capacity:  layout.RingCapacity,
		mask:      layout.RingCapacity - 1,
	}
}

// Capacity returns the number of command records the ring holds.
func (r *Ring) Capacity() uint32 {
	return r.capacity
}

// Depth returns how many records are currently enqueued.
func (r *Ring) Depth() uint32 {
	return r.buf.Load(shm.OffRBTail) - r.buf.Load(shm.OffRBHead)
}

func (r *Ring) recordCell(counter uint32) uint32 {
	return r.startCell + (counter&r.mask)*shm.CommandCells
}

// Enqueue writes a command record and publishes it. Returns ErrQueueFull
// when the ring has no free slot; that return is the composer's only
// backpressure signal.
func (r *Ring) Enqueue(cmd Command) shm.Errno {
	head := r.buf.Load(shm.OffRBHead)
	tail := r.buf.Load(shm.OffRBTail)
	if tail-head >= r.capacity {
		return shm.ErrQueueFull
	}

	base := r.recordCell(tail)
	cmd.encode(func(cell, value uint32) {
		r.buf.Store(base+cell, value)
	})
	r.buf.Store(shm.OffRBTail, tail+1)

	return 0
}

// Dequeue pops the oldest command. The second return is false when the ring
// is empty.
func (r *Ring) Dequeue() (Command, bool) {
	head := r.buf.Load(shm.OffRBHead)
	tail := r.buf.Load(shm.OffRBTail)
	if head == tail {
		return Command{}, false
	}

	base := r.recordCell(head)
	cmd := decode(func(cell uint32) uint32 {
		return r.buf.Load(base + cell)
	})
	r.buf.Store(shm.OffRBHead, head+1)

	return cmd, true
}
