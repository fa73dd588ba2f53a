// Package heap implements the node allocator: a free-list over a fixed slot
// array plus the doubly-linked playback chain sorted by BASE_TICK. All
// structural mutation happens on the worker role; the audio thread only
// reads, guarded by the per-node sequence counter.
package heap

import (
	"symphonyscript/internal/shm"
)

// Node record cell offsets within a slot
const (
	CellPackedA  = 0 // opcode<<24 | pitch<<16 | velocity<<8 | flags
	CellBaseTick = 1 // unsigned ticks, monotonic ordering key
	CellDuration = 2 // ticks
	CellNextPtr  = 3 // byte offset (0 = null); doubles as free-list link
	CellPrevPtr  = 4 // byte offset
	CellSourceID = 5 // stable 32-bit id assigned by the composer
	CellSeqFlags = 6 // seq<<8 | status
	CellReserved = 7
)

// PACKED_A bit masks
const (
	OpcodeMask   = 0xFF000000
	PitchMask    = 0x00FF0000
	VelocityMask = 0x0000FF00
	FlagsMask    = 0x000000FF

	OpcodeShift   = 24
	PitchShift    = 16
	VelocityShift = 8
)

// Node flags (low byte of PACKED_A)
const (
	FlagActive = 0x01
	FlagMuted  = 0x02
	FlagDirty  = 0x04
)

// Node opcodes (high byte of PACKED_A)
const (
	OpNote = 0x01
	OpRest = 0x02
)

// SeqIncrement bumps the sequence counter in the high 24 bits of SEQ_FLAGS.
const SeqIncrement = 1 << 8

// PackA assembles a PACKED_A cell from its fields.
func PackA(opcode, pitch, velocity, flags uint32) uint32 {
	return (opcode&0xFF)<<OpcodeShift | (pitch&0x7F)<<PitchShift |
		(velocity&0x7F)<<VelocityShift | (flags & 0xFF)
}

// UnpackA splits a PACKED_A cell into its fields.
func UnpackA(packed uint32) (opcode, pitch, velocity, flags uint32) {
	return packed >> OpcodeShift, (packed & PitchMask) >> PitchShift,
		(packed & VelocityMask) >> VelocityShift, packed & FlagsMask
}

func fieldCell(b *shm.Buffer, ptr uint32, cell uint32) uint32 {
	return shm.CellOfPtr(ptr) + cell
}

// Field atomically reads one node field.
func Field(b *shm.Buffer, ptr uint32, cell uint32) uint32 {
	return b.Load(fieldCell(b, ptr, cell))
}

// SetField atomically writes one node field.
func SetField(b *shm.Buffer, ptr uint32, cell, value uint32) {
	b.Store(fieldCell(b, ptr, cell), value)
}

// NodeView is a torn-read-safe snapshot of the payload fields the audio
// thread needs to emit an event.
type NodeView struct {
	PackedA  uint32
	BaseTick uint32
	Duration uint32
	SourceID uint32
	NextPtr  uint32
}

// ReadStable reads a node's payload under the SEQ protocol: snapshot
// SEQ_FLAGS, read the payload, snapshot again. On mismatch it retries once;
// if the second read is also torn it reports !ok and the caller skips the
// node for this quantum rather than emit wrong data.
func ReadStable(b *shm.Buffer, ptr uint32) (NodeView, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		seqBefore := Field(b, ptr, CellSeqFlags)
		view := NodeView{
			PackedA:  Field(b, ptr, CellPackedA),
			BaseTick: Field(b, ptr, CellBaseTick),
			Duration: Field(b, ptr, CellDuration),
			SourceID: Field(b, ptr, CellSourceID),
			NextPtr:  Field(b, ptr, CellNextPtr),
		}
		seqAfter := Field(b, ptr, CellSeqFlags)
		if seqBefore == seqAfter {
			return view, true
		}
	}
	return NodeView{}, false
}
