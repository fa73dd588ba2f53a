package synapse

import (
	"symphonyscript/internal/debug"
	"symphonyscript/internal/shm"
)

// Compaction rebuilds the table without its tombstones. It must only run
// while the audio thread is not resolving synapses; the worker calls
// MaybeCompact between audio quanta (or while playback is stopped).
//
// Three phases, none of which allocate:
//  1. scan every slot and copy live entries into the staging arrays
//  2. clear the table and the reverse index
//  3. reinsert each live entry from its natural hash position

// MaybeCompact compacts when the tombstone ratio crosses the threshold and
// the table is big enough for it to matter. Returns true when a compaction
// ran.
func (t *Table) MaybeCompact() bool {
	if t.used < compactMinSlots {
		return false
	}
	if t.tombstones*compactDenominator < t.used*compactNumerator {
		return false
	}
	t.Compact()
	return true
}

// Compact rebuilds the table unconditionally.
func (t *Table) Compact() {
	live := 0
	for idx := uint32(0); idx < shm.SynapseSlots; idx++ {
		src := t.load(idx, cellSourcePtr)
		if src == shm.NullPtr {
			continue
		}
		target := t.load(idx, cellTargetPtr)
		if target == shm.NullPtr {
			continue
		}
		t.stageSource[live] = src
		t.stageTarget[live] = target
		t.stageWeight[live] = t.load(idx, cellWeightData)
		t.stagePlast[live] = t.load(idx, cellMetaNext) & 0xFF
		live++
	}

	layout := t.buf.Layout()
	for idx := uint32(0); idx < shm.SynapseSlots; idx++ {
		base := t.slotCell(idx)
		for cell := uint32(0); cell < shm.SynapseCells; cell++ {
			t.buf.Store(base+cell, 0)
		}
	}
	for b := uint32(0); b < shm.ReverseBuckets; b++ {
		t.buf.Store(layout.ReverseStartCell+b, shm.NullPtr)
	}

	t.used = 0
	t.tombstones = 0

	for i := 0; i < live; i++ {
		weight, jitter := UnpackWeight(t.stageWeight[i])
		res := t.Connect(t.stageSource[i], t.stageTarget[i], weight, jitter)
		if res < 0 {
			// Reinserting entries that just fit cannot fail; if it does the
			// table state is impossible and the kernel latches.
			t.buf.LatchPanic(shm.ErrKernelPanic)
			if t.logger != nil {
				t.logger.LogSynapsef(debug.LogLevelError,
					"compaction reinsert failed: source=0x%X target=0x%X err=%d",
					t.stageSource[i], t.stageTarget[i], res)
			}
			return
		}
		if t.stagePlast[i] != 0 {
			t.SetPlasticity(uint32(res), uint8(t.stagePlast[i]))
		}
	}

	if t.logger != nil {
		t.logger.LogSynapsef(debug.LogLevelInfo, "compacted table: %d live entries", live)
	}
}
