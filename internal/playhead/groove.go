package playhead

import (
	"symphonyscript/internal/shm"
)

// A groove template is a short table of signed tick offsets applied by step
// position: entry (baseTick / stepSize) mod length. The step size is a 16th
// note (PPQ/4). GROOVE_PTR = 0 disables the groove entirely.

// GrooveOffset samples the active groove template for a node at baseTick.
func GrooveOffset(b *shm.Buffer, baseTick uint32) int32 {
	groovePtr := b.Load(shm.RegGroovePtr)
	grooveLen := b.Load(shm.RegGrooveLen)
	if groovePtr == shm.NullPtr || grooveLen == 0 {
		return 0
	}

	ppq := b.Load(shm.OffPPQ)
	stepSize := ppq / 4
	if stepSize == 0 {
		stepSize = 1
	}

	step := (baseTick / stepSize) % grooveLen
	return int32(b.Load(shm.CellOfPtr(groovePtr) + step))
}

// WriteGrooveTemplate stores a template's signed offsets into the groove
// region at the given slot (templates are GrooveMaxLen entries apart) and
// returns the byte pointer to hand to the GROOVE_PTR register. Returns 0
// when the slot or length is out of range.
func WriteGrooveTemplate(b *shm.Buffer, slot uint32, offsets []int32) uint32 {
	if len(offsets) == 0 || len(offsets) > shm.GrooveMaxLen {
		return shm.NullPtr
	}
	maxSlots := uint32(shm.GrooveCells / shm.GrooveMaxLen)
	if slot >= maxSlots {
		return shm.NullPtr
	}

	startCell := b.Layout().GrooveStartCell + slot*shm.GrooveMaxLen
	for i, off := range offsets {
		b.Store(startCell+uint32(i), uint32(off))
	}
	return shm.PtrOfCell(startCell)
}
