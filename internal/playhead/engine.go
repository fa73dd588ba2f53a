// Package playhead implements the audio-thread side of the kernel: the
// tick-rate advancer that walks the playback chain in order, applies the
// register-resident transforms and emits trigger events. Everything here
// must stay audio-safe: atomic loads and stores, integer arithmetic and the
// host callback, nothing else. No allocation, no locks, no logging.
package playhead

import (
	"symphonyscript/internal/heap"
	"symphonyscript/internal/shm"
)

// EmitFunc receives one trigger event. The host callback must itself be
// audio-safe.
type EmitFunc func(tick, pitch, velocity, sourceID uint32)

// Engine holds the audio thread's private cursor over the playback chain.
// The cursor points at the first unconsumed node; it is re-synced from the
// chain head whenever the worker signals a structural change via
// COMMIT_FLAG.
type Engine struct {
	buf    *shm.Buffer
	cursor uint32
	synced bool
}

// NewEngine creates the audio-side engine over a shared buffer.
func NewEngine(buf *shm.Buffer) *Engine {
	return &Engine{buf: buf}
}

// Reset rewinds the playhead to tick zero and forces a chain re-sync on the
// next quantum. Host-side only; not audio-safe against a running advance.
func (e *Engine) Reset() {
	e.buf.Store(shm.OffPlayheadTick, 0)
	e.cursor = shm.NullPtr
	e.synced = false
}

// resync walks from the chain head to the first node at or after the
// playhead. Bounded by the node capacity; a longer walk means the chain
// loops and the kernel latches.
func (e *Engine) resync(playhead uint32) {
	b := e.buf
	guard := b.Layout().NodeCapacity + 1

	cursor := b.Load(shm.OffHeadPtr)
	for i := uint32(0); cursor != shm.NullPtr; i++ {
		if i >= guard {
			b.LatchPanic(shm.ErrKernelPanic)
			cursor = shm.NullPtr
			break
		}
		if heap.Field(b, cursor, heap.CellBaseTick) >= playhead {
			break
		}
		cursor = heap.Field(b, cursor, heap.CellNextPtr)
	}
	e.cursor = cursor
	e.synced = true
}

// Advance runs one audio quantum: it emits every due node in chain order,
// then moves PLAYHEAD_TICK forward by ticks. A latched ERROR_FLAG stops
// emission but the playhead keeps advancing so the host can diagnose.
func (e *Engine) Advance(ticks uint32, emit EmitFunc) {
	b := e.buf
	playhead := b.Load(shm.OffPlayheadTick)

	if b.ErrorFlag() != 0 {
		b.Store(shm.OffPlayheadTick, playhead+ticks)
		return
	}

	if b.CommitFlag() == shm.CommitPending {
		e.resync(playhead)
		b.SetCommitFlag(shm.CommitAck)
	} else if !e.synced {
		e.resync(playhead)
	}

	windowEnd := playhead + ticks
	transpose := int32(b.Load(shm.RegTranspose))
	velocityMult := b.Load(shm.RegVelocityMult)
	timingPpt := b.Load(shm.RegHumanTimingPpt)
	velPpt := b.Load(shm.RegHumanVelPpt)
	seed := b.Load(shm.RegPRNGSeed)
	ppq := b.Load(shm.OffPPQ)

	guard := b.Layout().NodeCapacity + 1
	for i := uint32(0); e.cursor != shm.NullPtr; i++ {
		if i >= guard {
			b.LatchPanic(shm.ErrKernelPanic)
			break
		}

		view, ok := heap.ReadStable(b, e.cursor)
		if !ok {
			// Torn twice in a row: skip this node for the quantum rather
			// than emit wrong data. The forward link is a single cell, so a
			// raw read is safe for cursor advancement.
			e.cursor = heap.Field(b, e.cursor, heap.CellNextPtr)
			continue
		}
		if view.BaseTick >= windowEnd {
			break
		}

		e.cursor = view.NextPtr

		_, pitch, velocity, flags := heap.UnpackA(view.PackedA)
		if flags&heap.FlagActive == 0 || flags&heap.FlagMuted != 0 {
			continue
		}

		effTick := int64(view.BaseTick)
		effTick += int64(GrooveOffset(b, view.BaseTick))
		effTick += int64(TimingOffset(view.SourceID, seed, ppq, timingPpt))
		if effTick < int64(playhead) {
			effTick = int64(playhead)
		}

		effPitch := clampMIDI(int32(pitch) + transpose)
		effVel := clampMIDI(int32(uint64(velocity)*uint64(velocityMult)/1000) +
			VelocityOffset(view.SourceID, seed, velPpt))

		emit(uint32(effTick), effPitch, effVel, view.SourceID)
	}

	b.Store(shm.OffPlayheadTick, windowEnd)
}

func clampMIDI(v int32) uint32 {
	if v < 0 {
		return 0
	}
	if v > 127 {
		return 127
	}
	return uint32(v)
}
