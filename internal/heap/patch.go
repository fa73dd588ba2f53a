package heap

import (
	"symphonyscript/internal/shm"
)

// Attribute patches mutate a node in place under the per-node sequence
// counter. Each patch bumps the counter with an atomic add before touching
// the payload; an audio-thread reader that observes different counters
// around its payload read retries once and otherwise skips the node for the
// quantum. Patches never set COMMIT_FLAG — the audio thread discovers the
// new values on its next read.
//
// Patching BASE_TICK changes the ordering key but not the chain position;
// moving a node across its neighbours is a structural change and goes
// through delete + insert on the worker.

func (a *Allocator) bump(ptr uint32) {
	a.buf.Add(shm.CellOfPtr(ptr)+CellSeqFlags, SeqIncrement)
}

func (a *Allocator) patchPackedByte(ptr uint32, mask, shift, value uint32) bool {
	if !a.buf.ValidNodePtr(ptr) {
		return false
	}
	a.bump(ptr)
	packed := Field(a.buf, ptr, CellPackedA)
	SetField(a.buf, ptr, CellPackedA, (packed&^mask)|((value<<shift)&mask))
	return true
}

// PatchPitch replaces the node's pitch (0-127).
func (a *Allocator) PatchPitch(ptr, pitch uint32) bool {
	return a.patchPackedByte(ptr, PitchMask, PitchShift, pitch&0x7F)
}

// PatchVelocity replaces the node's velocity (0-127).
func (a *Allocator) PatchVelocity(ptr, velocity uint32) bool {
	return a.patchPackedByte(ptr, VelocityMask, VelocityShift, velocity&0x7F)
}

// PatchDuration replaces the node's duration in ticks.
func (a *Allocator) PatchDuration(ptr, duration uint32) bool {
	if !a.buf.ValidNodePtr(ptr) {
		return false
	}
	a.bump(ptr)
	SetField(a.buf, ptr, CellDuration, duration)
	return true
}

// PatchBaseTick replaces the node's base tick in place.
func (a *Allocator) PatchBaseTick(ptr, baseTick uint32) bool {
	if !a.buf.ValidNodePtr(ptr) {
		return false
	}
	a.bump(ptr)
	SetField(a.buf, ptr, CellBaseTick, baseTick)
	return true
}

// PatchMuted sets or clears the MUTED flag.
func (a *Allocator) PatchMuted(ptr uint32, muted bool) bool {
	if !a.buf.ValidNodePtr(ptr) {
		return false
	}
	a.bump(ptr)
	packed := Field(a.buf, ptr, CellPackedA)
	if muted {
		packed |= FlagMuted
	} else {
		packed &^= FlagMuted
	}
	SetField(a.buf, ptr, CellPackedA, packed)
	return true
}

// PatchSourceID rebinds the node to a new stable id and updates the symbol
// table so command resolution keeps working.
func (a *Allocator) PatchSourceID(ptr, sourceID uint32) bool {
	if !a.buf.ValidNodePtr(ptr) || sourceID == 0 {
		return false
	}
	old := Field(a.buf, ptr, CellSourceID)
	a.bump(ptr)
	SetField(a.buf, ptr, CellSourceID, sourceID)
	a.symbolDelete(old)
	a.symbolPut(sourceID, ptr)
	return true
}

// Patch carries the optional fields of a batch patch. Nil fields are left
// untouched.
type Patch struct {
	Pitch    *uint32
	Velocity *uint32
	Duration *uint32
	BaseTick *uint32
	Muted    *bool
}

// PatchMultiple applies several field updates under a single sequence bump,
// so the audio thread sees either the old node or the fully patched one.
func (a *Allocator) PatchMultiple(ptr uint32, p Patch) bool {
	if !a.buf.ValidNodePtr(ptr) {
		return false
	}
	a.bump(ptr)

	if p.Pitch != nil || p.Velocity != nil || p.Muted != nil {
		packed := Field(a.buf, ptr, CellPackedA)
		if p.Pitch != nil {
			packed = (packed &^ uint32(PitchMask)) | ((*p.Pitch & 0x7F) << PitchShift)
		}
		if p.Velocity != nil {
			packed = (packed &^ uint32(VelocityMask)) | ((*p.Velocity & 0x7F) << VelocityShift)
		}
		if p.Muted != nil {
			if *p.Muted {
				packed |= FlagMuted
			} else {
				packed &^= FlagMuted
			}
		}
		SetField(a.buf, ptr, CellPackedA, packed)
	}
	if p.Duration != nil {
		SetField(a.buf, ptr, CellDuration, *p.Duration)
	}
	if p.BaseTick != nil {
		SetField(a.buf, ptr, CellBaseTick, *p.BaseTick)
	}
	return true
}
