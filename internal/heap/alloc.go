package heap

import (
	"symphonyscript/internal/debug"
	"symphonyscript/internal/shm"
)

// chainGuard bounds chain walks so a corrupted chain cannot hang the worker.
const chainGuard = 1_000_000

// Allocator manages the node heap: the free-list stack, the sorted playback
// chain and the sourceId symbol table. It is owned by the worker role;
// nothing here may be called from the audio thread.
type Allocator struct {
	buf    *shm.Buffer
	logger *debug.Logger
}

// NewAllocator threads the free list through the slots (NEXT_PTR is
// repurposed as the free link) and returns the worker-side allocator.
func NewAllocator(buf *shm.Buffer, logger *debug.Logger) *Allocator {
	a := &Allocator{buf: buf, logger: logger}

	layout := buf.Layout()
	heapStart := layout.HeapStartCell * 4
	for i := uint32(0); i < layout.NodeCapacity; i++ {
		ptr := heapStart + i*shm.NodeBytes
		next := uint32(shm.NullPtr)
		if i+1 < layout.NodeCapacity {
			next = heapStart + (i+1)*shm.NodeBytes
		}
		SetField(buf, ptr, CellNextPtr, next)
	}
	buf.Store(shm.OffFreeListPtr, heapStart)
	buf.Store(shm.OffFreeCount, layout.NodeCapacity)
	buf.Store(shm.OffNodeCount, 0)

	return a
}

// InsertArgs carries the fields of a node insertion.
type InsertArgs struct {
	Opcode   uint32
	Pitch    uint32
	Velocity uint32
	Duration uint32
	BaseTick uint32
	Muted    bool
	SourceID uint32
	// AfterPtr is an optional position hint: the walk to the sorted position
	// starts there instead of at the chain head. The chain stays sorted even
	// when the hint disagrees with BASE_TICK order.
	AfterPtr uint32
}

// Insert pops a free slot, writes all fields, links the node into the
// playback chain at its sorted position and publishes it with a release
// store on the predecessor's NEXT_PTR. Returns the new node pointer, or a
// negative error code on heap exhaustion or a safe-zone violation.
func (a *Allocator) Insert(args InsertArgs) int64 {
	b := a.buf

	playhead := b.PlayheadTick()
	safeZone := b.Load(shm.OffSafeZoneTicks)
	if safeZone > 0 && args.BaseTick >= playhead && args.BaseTick < playhead+safeZone {
		if a.logger != nil {
			a.logger.LogHeapf(debug.LogLevelWarn,
				"insert rejected: tick %d inside safe zone [%d, %d)",
				args.BaseTick, playhead, playhead+safeZone)
		}
		return int64(shm.ErrInvalidPtr)
	}

	ptr := b.Load(shm.OffFreeListPtr)
	if ptr == shm.NullPtr {
		return int64(shm.ErrHeapExhausted)
	}
	b.Store(shm.OffFreeListPtr, Field(b, ptr, CellNextPtr))

	flags := uint32(FlagActive)
	if args.Muted {
		flags |= FlagMuted
	}

	// Bump the sequence counter before writing the payload so an audio-thread
	// reader that raced the slot's previous life sees the change.
	seq := Field(b, ptr, CellSeqFlags)
	SetField(b, ptr, CellSeqFlags, (seq&^uint32(0xFF))+SeqIncrement|flags)
	SetField(b, ptr, CellPackedA, PackA(args.Opcode, args.Pitch, args.Velocity, flags))
	SetField(b, ptr, CellBaseTick, args.BaseTick)
	SetField(b, ptr, CellDuration, args.Duration)
	SetField(b, ptr, CellSourceID, args.SourceID)
	SetField(b, ptr, CellReserved, 0)

	if err := a.link(ptr, args.BaseTick, args.AfterPtr); err != 0 {
		// Return the slot to the free list; the chain was not touched.
		SetField(b, ptr, CellNextPtr, b.Load(shm.OffFreeListPtr))
		b.Store(shm.OffFreeListPtr, ptr)
		return int64(err)
	}

	a.symbolPut(args.SourceID, ptr)
	b.Add(shm.OffNodeCount, 1)
	b.Add(shm.OffFreeCount, ^uint32(0))

	return int64(ptr)
}

// link splices ptr into the chain at the position that keeps BASE_TICK order
// non-decreasing. All fields of the new node are written before the single
// publishing store on the predecessor's NEXT_PTR (or HEAD_PTR).
func (a *Allocator) link(ptr, baseTick, afterPtr uint32) shm.Errno {
	b := a.buf

	var pred uint32 = shm.NullPtr
	cursor := b.Load(shm.OffHeadPtr)

	// A valid hint only helps if it does not break the sort order.
	if afterPtr != shm.NullPtr && b.ValidNodePtr(afterPtr) &&
		Field(b, afterPtr, CellBaseTick) <= baseTick {
		pred = afterPtr
		cursor = Field(b, afterPtr, CellNextPtr)
	}

	for guard := 0; cursor != shm.NullPtr; guard++ {
		if guard > chainGuard {
			b.LatchPanic(shm.ErrKernelPanic)
			return shm.ErrChainLoop
		}
		if Field(b, cursor, CellBaseTick) > baseTick {
			break
		}
		pred = cursor
		cursor = Field(b, cursor, CellNextPtr)
	}

	SetField(b, ptr, CellPrevPtr, pred)
	SetField(b, ptr, CellNextPtr, cursor)
	if cursor != shm.NullPtr {
		SetField(b, cursor, CellPrevPtr, ptr)
	}
	if pred == shm.NullPtr {
		b.Store(shm.OffHeadPtr, ptr)
	} else {
		SetField(b, pred, CellNextPtr, ptr)
	}

	return 0
}

// Delete unlinks a node from the chain and pushes its slot onto the free
// list. Nodes whose BASE_TICK lies inside the safe zone ahead of the
// playhead are refused so the audio thread cannot race a disappearing slot.
func (a *Allocator) Delete(ptr uint32) shm.Errno {
	b := a.buf
	if !b.ValidNodePtr(ptr) {
		return shm.ErrInvalidPtr
	}

	baseTick := Field(b, ptr, CellBaseTick)
	playhead := b.PlayheadTick()
	safeZone := b.Load(shm.OffSafeZoneTicks)
	if safeZone > 0 && baseTick >= playhead && baseTick < playhead+safeZone {
		return shm.ErrInvalidPtr
	}

	prev := Field(b, ptr, CellPrevPtr)
	next := Field(b, ptr, CellNextPtr)

	// Publish the removal on the forward link first; the audio thread only
	// walks forward, so once NEXT skips this node it is unreachable.
	if prev == shm.NullPtr {
		b.Store(shm.OffHeadPtr, next)
	} else {
		SetField(b, prev, CellNextPtr, next)
	}
	if next != shm.NullPtr {
		SetField(b, next, CellPrevPtr, prev)
	}

	sourceID := Field(b, ptr, CellSourceID)
	a.symbolDelete(sourceID)

	// Retire the slot: bump the sequence counter, drop ACTIVE, free-list it.
	seq := Field(b, ptr, CellSeqFlags)
	SetField(b, ptr, CellSeqFlags, (seq&^uint32(0xFF))+SeqIncrement)
	SetField(b, ptr, CellPrevPtr, shm.NullPtr)
	SetField(b, ptr, CellNextPtr, b.Load(shm.OffFreeListPtr))
	b.Store(shm.OffFreeListPtr, ptr)

	b.Add(shm.OffNodeCount, ^uint32(0))
	b.Add(shm.OffFreeCount, 1)

	return 0
}

// Head returns the playback chain head pointer (0 when the chain is empty).
func (a *Allocator) Head() uint32 {
	return a.buf.Load(shm.OffHeadPtr)
}
