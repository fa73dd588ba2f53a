package vm

import (
	"sync/atomic"
)

// The event ring is SPSC between the VM (producer) and a Consumer. Head and
// tail are free-running counters in clip header cells; slot indexes wrap by
// modulo, so any capacity works and total events through the ring can
// exceed it arbitrarily. The producer writes all event cells before the
// single publishing store on the tail.

func (v *VM) ringLoad(cell uint32) uint32 {
	return atomic.LoadUint32(&v.cells[cell])
}

func (v *VM) ringStore(cell, value uint32) {
	atomic.StoreUint32(&v.cells[cell], value)
}

func (v *VM) ringFree() uint32 {
	head := v.ringLoad(clipRingHeadCell)
	tail := v.ringLoad(clipRingTailCell)
	return v.ringCap - (tail - head)
}

func (v *VM) eventCell(counter uint32) uint32 {
	return v.ringStart + (counter%v.ringCap)*eventCells
}

// push writes one event and publishes it. The caller has already checked
// for space; pushing into a full ring is a VM bug.
func (v *VM) push(e Event) {
	tail := v.ringLoad(clipRingTailCell)
	base := v.eventCell(tail)
	v.ringStore(base, e.Tick)
	v.ringStore(base+1, uint32(e.Kind)<<24|uint32(e.Data1)<<16|uint32(e.Data2)<<8)
	v.ringStore(base+2, e.Duration)
	v.ringStore(base+3, 0)
	v.ringStore(clipRingTailCell, tail+1)
}

// Consumer reads events out of a VM's ring, advancing its own cursor.
type Consumer struct {
	vm *VM
}

// NewConsumer attaches a consumer to the VM's event ring.
func NewConsumer(v *VM) *Consumer {
	return &Consumer{vm: v}
}

// Events returns a consumer over the VM's event ring. The ring is SPSC:
// attach exactly one consumer.
func (v *VM) Events() *Consumer {
	return NewConsumer(v)
}

// Available reports how many events are ready to poll.
func (c *Consumer) Available() uint32 {
	head := c.vm.ringLoad(clipRingHeadCell)
	tail := c.vm.ringLoad(clipRingTailCell)
	return tail - head
}

// Poll pops the oldest event. The second return is false when the ring is
// empty.
func (c *Consumer) Poll() (Event, bool) {
	head := c.vm.ringLoad(clipRingHeadCell)
	tail := c.vm.ringLoad(clipRingTailCell)
	if head == tail {
		return Event{}, false
	}

	base := c.vm.eventCell(head)
	packed := c.vm.ringLoad(base + 1)
	e := Event{
		Tick:     c.vm.ringLoad(base),
		Kind:     uint8(packed >> 24),
		Data1:    uint8(packed >> 16),
		Data2:    uint8(packed >> 8),
		Duration: c.vm.ringLoad(base + 2),
	}
	c.vm.ringStore(clipRingHeadCell, head+1)

	return e, true
}
