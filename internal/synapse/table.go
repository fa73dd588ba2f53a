// Package synapse implements the connection table: a Knuth-hash linear-probe
// table over fixed 5-cell slots, per-source fan-out chains, a reverse index
// by target and opportunistic compaction. The worker role owns all mutation;
// the audio thread may walk fan-out chains concurrently, which is why
// disconnection tombstones entries instead of unlinking them.
package synapse

import (
	"symphonyscript/internal/debug"
	"symphonyscript/internal/shm"
)

// Synapse slot cell offsets
const (
	cellSourcePtr      = 0 // byte offset of the source node (0 = empty slot)
	cellTargetPtr      = 1 // byte offset of the target node (0 = tombstoned)
	cellWeightData     = 2 // jitter<<16 | weight
	cellMetaNext       = 3 // (nextSlotIndex+1)<<8 | plasticity
	cellNextSameTarget = 4 // byte offset of next slot in same-target bucket
)

const (
	knuthHash = 0x9E3779B1

	// chainOps bounds every fan-out and reverse-bucket walk. A bugged chain
	// that cycles trips the guard, latches ERROR_FLAG and is recovered by
	// compaction.
	chainOps = 1000

	// Compaction gates: never compact a nearly-empty table, and only when at
	// least a quarter of the used slots are tombstones.
	compactMinSlots    = 64
	compactNumerator   = 1
	compactDenominator = 4
)

// Table is the worker-side handle on the synapse region. The used and
// tombstone counters live here rather than in the shared buffer because the
// audio thread never needs them.
type Table struct {
	buf    *shm.Buffer
	logger *debug.Logger

	used       uint32
	tombstones uint32

	// Compaction staging, allocated once here so compaction itself stays
	// allocation-free.
	stageSource []uint32
	stageTarget []uint32
	stageWeight []uint32
	stagePlast  []uint32
}

// NewTable wraps the synapse region of the shared buffer.
func NewTable(buf *shm.Buffer, logger *debug.Logger) *Table {
	return &Table{
		buf:         buf,
		logger:      logger,
		stageSource: make([]uint32, shm.SynapseSlots),
		stageTarget: make([]uint32, shm.SynapseSlots),
		stageWeight: make([]uint32, shm.SynapseSlots),
		stagePlast:  make([]uint32, shm.SynapseSlots),
	}
}

// PackWeight assembles a WEIGHT_DATA cell.
func PackWeight(weight, jitter uint16) uint32 {
	return uint32(jitter)<<16 | uint32(weight)
}

// UnpackWeight splits a WEIGHT_DATA cell.
func UnpackWeight(data uint32) (weight, jitter uint16) {
	return uint16(data), uint16(data >> 16)
}

func (t *Table) slotCell(index uint32) uint32 {
	return t.buf.Layout().SynapseStartCell + index*shm.SynapseCells
}

func (t *Table) slotPtr(index uint32) uint32 {
	return shm.PtrOfCell(t.slotCell(index))
}

func (t *Table) indexOfPtr(ptr uint32) uint32 {
	return (shm.CellOfPtr(ptr) - t.buf.Layout().SynapseStartCell) / shm.SynapseCells
}

func (t *Table) load(index, cell uint32) uint32 {
	return t.buf.Load(t.slotCell(index) + cell)
}

func (t *Table) store(index, cell, value uint32) {
	t.buf.Store(t.slotCell(index)+cell, value)
}

func metaNextIndex(meta uint32) (uint32, bool) {
	link := meta >> 8
	if link == 0 {
		return 0, false
	}
	return link - 1, true
}

func packMeta(nextIndex uint32, hasNext bool, plasticity uint32) uint32 {
	link := uint32(0)
	if hasNext {
		link = nextIndex + 1
	}
	return link<<8 | (plasticity & 0xFF)
}

func hashSlot(ptr uint32) uint32 {
	return (ptr * knuthHash) & (shm.SynapseSlots - 1)
}

func reverseBucket(targetPtr uint32) uint32 {
	return (targetPtr * knuthHash) & (shm.ReverseBuckets - 1)
}

// findHead probes for the fan-out head slot of sourcePtr. It returns the
// head index, or the first truly empty slot when the source has no chain
// yet. Tombstoned slots of other sources keep their SOURCE_PTR and are
// probed past like live ones.
func (t *Table) findHead(sourcePtr uint32) (index uint32, exists, ok bool) {
	start := hashSlot(sourcePtr)
	for probe := uint32(0); probe < shm.SynapseSlots; probe++ {
		idx := (start + probe) & (shm.SynapseSlots - 1)
		src := t.load(idx, cellSourcePtr)
		if src == sourcePtr {
			return idx, true, true
		}
		if src == shm.NullPtr {
			return idx, false, true
		}
	}
	return 0, false, false
}

// findEmpty probes for a fresh empty slot starting at the source's natural
// position, skipping the head candidate.
func (t *Table) findEmpty(sourcePtr, headIndex uint32) (uint32, bool) {
	start := hashSlot(sourcePtr)
	for probe := uint32(0); probe < shm.SynapseSlots; probe++ {
		idx := (start + probe) & (shm.SynapseSlots - 1)
		if idx == headIndex {
			continue
		}
		if t.load(idx, cellSourcePtr) == shm.NullPtr {
			return idx, true
		}
	}
	return 0, false
}

// reverseInsert prepends a slot to its target's reverse-index bucket.
func (t *Table) reverseInsert(index, targetPtr uint32) {
	bucketCell := t.buf.Layout().ReverseStartCell + reverseBucket(targetPtr)
	oldHead := t.buf.Load(bucketCell)
	t.store(index, cellNextSameTarget, oldHead)
	t.buf.Store(bucketCell, t.slotPtr(index))
}

// Connect creates a synapse from sourcePtr to targetPtr and returns the new
// slot pointer, or a negative error (INVALID_PTR, TABLE_FULL, CHAIN_LOOP).
//
// The new slot is fully initialized before anything existing links to it:
// for a fresh head the publishing store is SOURCE_PTR, for an appended entry
// it is the predecessor's META_NEXT.
func (t *Table) Connect(sourcePtr, targetPtr uint32, weight, jitter uint16) int64 {
	if !t.buf.ValidNodePtr(sourcePtr) || !t.buf.ValidNodePtr(targetPtr) {
		return int64(shm.ErrInvalidPtr)
	}

	headIdx, exists, ok := t.findHead(sourcePtr)
	if !ok {
		return int64(shm.ErrTableFull)
	}

	if !exists {
		// New fan-out: claim the empty slot as head.
		t.store(headIdx, cellTargetPtr, targetPtr)
		t.store(headIdx, cellWeightData, PackWeight(weight, jitter))
		t.store(headIdx, cellMetaNext, packMeta(0, false, 0))
		t.store(headIdx, cellSourcePtr, sourcePtr)
		t.reverseInsert(headIdx, targetPtr)
		t.used++
		return int64(t.slotPtr(headIdx))
	}

	// Walk to the chain tail.
	tail := headIdx
	for op := 0; ; op++ {
		if op >= chainOps {
			t.buf.LatchPanic(shm.ErrKernelPanic)
			if t.logger != nil {
				t.logger.LogSynapsef(debug.LogLevelError,
					"fan-out walk exceeded %d ops for source 0x%X", chainOps, sourcePtr)
			}
			return int64(shm.ErrChainLoop)
		}
		next, has := metaNextIndex(t.load(tail, cellMetaNext))
		if !has {
			break
		}
		tail = next
	}

	newIdx, found := t.findEmpty(sourcePtr, headIdx)
	if !found {
		return int64(shm.ErrTableFull)
	}

	t.store(newIdx, cellTargetPtr, targetPtr)
	t.store(newIdx, cellWeightData, PackWeight(weight, jitter))
	t.store(newIdx, cellMetaNext, packMeta(0, false, 0))
	t.store(newIdx, cellSourcePtr, sourcePtr)
	t.reverseInsert(newIdx, targetPtr)

	// Publish: link the predecessor to the fully written slot, keeping the
	// predecessor's plasticity bits.
	tailMeta := t.load(tail, cellMetaNext)
	t.store(tail, cellMetaNext, packMeta(newIdx, true, tailMeta&0xFF))

	t.used++
	return int64(t.slotPtr(newIdx))
}

// Disconnect tombstones every synapse from sourcePtr to targetPtr, or the
// whole fan-out when targetPtr is NullPtr. Chain links are preserved so a
// concurrent audio-thread walker never loses its position. Returns the
// number of entries tombstoned, or a negative error.
func (t *Table) Disconnect(sourcePtr, targetPtr uint32) int64 {
	if !t.buf.ValidNodePtr(sourcePtr) {
		return int64(shm.ErrInvalidPtr)
	}

	headIdx, exists, ok := t.findHead(sourcePtr)
	if !ok || !exists {
		return 0
	}

	matched := int64(0)
	idx := headIdx
	for op := 0; ; op++ {
		if op >= chainOps {
			t.buf.LatchPanic(shm.ErrKernelPanic)
			return int64(shm.ErrChainLoop)
		}
		target := t.load(idx, cellTargetPtr)
		if target != shm.NullPtr && (targetPtr == shm.NullPtr || target == targetPtr) {
			t.store(idx, cellTargetPtr, shm.NullPtr)
			t.tombstones++
			matched++
		}
		next, has := metaNextIndex(t.load(idx, cellMetaNext))
		if !has {
			break
		}
		idx = next
	}

	return matched
}

// Visit is called for each live synapse during resolution.
type Visit func(slotPtr, targetPtr uint32, weight, jitter uint16, plasticity uint8)

// Resolve walks the fan-out chain of sourcePtr, skipping tombstones. It is
// audio-safe: atomic loads only, bounded iteration, no allocation.
func (t *Table) Resolve(sourcePtr uint32, visit Visit) shm.Errno {
	headIdx, exists, ok := t.findHead(sourcePtr)
	if !ok {
		return shm.ErrTableFull
	}
	if !exists {
		return 0
	}

	idx := headIdx
	for op := 0; ; op++ {
		if op >= chainOps {
			t.buf.LatchPanic(shm.ErrKernelPanic)
			return shm.ErrChainLoop
		}
		target := t.load(idx, cellTargetPtr)
		meta := t.load(idx, cellMetaNext)
		if target != shm.NullPtr {
			weight, jitter := UnpackWeight(t.load(idx, cellWeightData))
			visit(t.slotPtr(idx), target, weight, jitter, uint8(meta&0xFF))
		}
		next, has := metaNextIndex(meta)
		if !has {
			return 0
		}
		idx = next
	}
}

// ResolveByTarget walks the reverse-index bucket of targetPtr and visits
// every live synapse pointing at it.
func (t *Table) ResolveByTarget(targetPtr uint32, visit Visit) shm.Errno {
	bucketCell := t.buf.Layout().ReverseStartCell + reverseBucket(targetPtr)
	ptr := t.buf.Load(bucketCell)

	for op := 0; ptr != shm.NullPtr; op++ {
		if op >= chainOps {
			t.buf.LatchPanic(shm.ErrKernelPanic)
			return shm.ErrChainLoop
		}
		idx := t.indexOfPtr(ptr)
		target := t.load(idx, cellTargetPtr)
		if target == targetPtr {
			weight, jitter := UnpackWeight(t.load(idx, cellWeightData))
			meta := t.load(idx, cellMetaNext)
			visit(ptr, target, weight, jitter, uint8(meta&0xFF))
		}
		ptr = t.load(idx, cellNextSameTarget)
	}
	return 0
}

// SetPlasticity updates the plasticity byte of a synapse slot without
// touching its chain link.
func (t *Table) SetPlasticity(slotPtr uint32, plasticity uint8) bool {
	if !t.buf.ValidSynapsePtr(slotPtr) {
		return false
	}
	idx := t.indexOfPtr(slotPtr)
	meta := t.load(idx, cellMetaNext)
	t.store(idx, cellMetaNext, (meta&^uint32(0xFF))|uint32(plasticity))
	return true
}

// Used returns the number of occupied slots, live and tombstoned.
func (t *Table) Used() uint32 {
	return t.used
}

// Tombstones returns the current tombstone count.
func (t *Table) Tombstones() uint32 {
	return t.tombstones
}

// LoadFactor returns used slots per mille of table capacity, for monitoring.
func (t *Table) LoadFactor() uint32 {
	return t.used * 1000 / shm.SynapseSlots
}
