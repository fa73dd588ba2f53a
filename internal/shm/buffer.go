package shm

import (
	"fmt"
	"sync/atomic"
)

// Buffer is the shared memory all three thread roles communicate through.
// Every cross-thread read and write goes through atomic 32-bit loads and
// stores on aligned cells; operations that touch more than one cell publish
// via a single release store to a visibility cell (NEXT_PTR for node
// insertion, SOURCE_PTR or META_NEXT for synapses).
//
// Go's sync/atomic gives sequentially consistent semantics on these cells,
// which is strictly stronger than the acquire/release ordering the protocol
// needs.
type Buffer struct {
	cells  []uint32
	layout Layout
}

// NewBuffer allocates and initializes a shared buffer for the given layout.
// All allocation happens here; nothing on any hot path allocates afterwards.
func NewBuffer(layout Layout, ppq, bpm, safeZoneTicks uint32) (*Buffer, error) {
	if layout.NodeCapacity == 0 {
		return nil, fmt.Errorf("node capacity must be non-zero")
	}
	if layout.RingCapacity == 0 || layout.RingCapacity&(layout.RingCapacity-1) != 0 {
		return nil, fmt.Errorf("ring capacity must be a power of two, got %d", layout.RingCapacity)
	}

	b := &Buffer{
		cells:  make([]uint32, layout.TotalCells),
		layout: layout,
	}

	b.cells[OffMagic] = Magic
	b.cells[OffVersion] = Version
	b.cells[OffPPQ] = ppq
	b.cells[OffBPM] = bpm
	b.cells[OffSafeZoneTicks] = safeZoneTicks
	b.cells[OffNodeCapacity] = layout.NodeCapacity
	b.cells[OffHeapStart] = layout.HeapStartCell * 4
	b.cells[OffGrooveStart] = layout.GrooveStartCell * 4
	b.cells[OffFreeCount] = layout.NodeCapacity
	b.cells[RegVelocityMult] = 1000 // identity multiplier

	return b, nil
}

// Layout returns the computed region layout.
func (b *Buffer) Layout() Layout {
	return b.layout
}

// Load atomically reads the cell at the given index.
func (b *Buffer) Load(cell uint32) uint32 {
	return atomic.LoadUint32(&b.cells[cell])
}

// Store atomically writes the cell at the given index.
func (b *Buffer) Store(cell, value uint32) {
	atomic.StoreUint32(&b.cells[cell], value)
}

// Add atomically adds delta to the cell and returns the new value.
func (b *Buffer) Add(cell uint32, delta uint32) uint32 {
	return atomic.AddUint32(&b.cells[cell], delta)
}

// CompareAndSwap atomically swaps the cell from old to new.
func (b *Buffer) CompareAndSwap(cell, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(&b.cells[cell], old, new)
}

// CellOfPtr converts a buffer-absolute byte pointer to a cell index.
// The caller is responsible for validating alignment first.
func CellOfPtr(ptr uint32) uint32 {
	return ptr / 4
}

// PtrOfCell converts a cell index to a buffer-absolute byte pointer.
func PtrOfCell(cell uint32) uint32 {
	return cell * 4
}

// ValidNodePtr reports whether ptr is a plausible node pointer: non-null,
// 32-byte aligned within the heap region and inside capacity.
func (b *Buffer) ValidNodePtr(ptr uint32) bool {
	if ptr == NullPtr {
		return false
	}
	heapStart := b.layout.HeapStartCell * 4
	heapEnd := heapStart + b.layout.NodeCapacity*NodeBytes
	if ptr < heapStart || ptr >= heapEnd {
		return false
	}
	return (ptr-heapStart)%NodeBytes == 0
}

// ValidSynapsePtr reports whether ptr is a plausible synapse slot pointer.
func (b *Buffer) ValidSynapsePtr(ptr uint32) bool {
	if ptr == NullPtr {
		return false
	}
	start := b.layout.SynapseStartCell * 4
	end := start + SynapseSlots*SynapseCells*4
	if ptr < start || ptr >= end {
		return false
	}
	return (ptr-start)%(SynapseCells*4) == 0
}

// CommitFlag returns the current commit protocol state.
func (b *Buffer) CommitFlag() uint32 {
	return b.Load(OffCommitFlag)
}

// SetCommitFlag stores a commit protocol state.
func (b *Buffer) SetCommitFlag(state uint32) {
	b.Store(OffCommitFlag, state)
}

// LatchPanic latches a kernel panic code in ERROR_FLAG. The first latched
// code wins; later panics do not overwrite it so the original cause survives
// for diagnosis.
func (b *Buffer) LatchPanic(code Errno) {
	b.CompareAndSwap(OffErrorFlag, 0, uint32(-int32(code)))
}

// ErrorFlag returns the latched panic code, 0 when clean.
func (b *Buffer) ErrorFlag() uint32 {
	return b.Load(OffErrorFlag)
}

// PlayheadTick returns the audio thread's current tick.
func (b *Buffer) PlayheadTick() uint32 {
	return b.Load(OffPlayheadTick)
}
