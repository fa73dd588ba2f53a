// Package kernel assembles the shared buffer, allocator, command ring,
// synapse table and playhead engine into one instance and exposes the
// composer/worker API surface. The kernel owns no goroutines: the host
// decides which execution context plays each of the three roles.
package kernel

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"symphonyscript/internal/debug"
	"symphonyscript/internal/heap"
	"symphonyscript/internal/playhead"
	"symphonyscript/internal/ring"
	"symphonyscript/internal/shm"
	"symphonyscript/internal/synapse"
)

// Config holds kernel geometry and musical defaults.
type Config struct {
	NodeCapacity  uint32
	RingCapacity  uint32 // power of two
	PPQ           uint32
	BPM           uint32
	SafeZoneTicks uint32
	Logger        *debug.Logger
}

// DefaultConfig returns the geometry the cmd tools use.
func DefaultConfig() Config {
	return Config{
		NodeCapacity: 4096,
		RingCapacity: 1024,
		PPQ:          96,
		BPM:          120,
	}
}

// Kernel is one kernel instance over one shared buffer.
type Kernel struct {
	buf    *shm.Buffer
	heap   *heap.Allocator
	ring   *ring.Ring
	syn    *synapse.Table
	engine *playhead.Engine
	logger *debug.Logger
}

// New allocates the shared buffer and initializes every region. This is the
// only place the kernel allocates.
func New(cfg Config) (*Kernel, error) {
	if cfg.NodeCapacity == 0 {
		cfg = DefaultConfig()
	}

	layout := shm.ComputeLayout(cfg.NodeCapacity, cfg.RingCapacity)
	buf, err := shm.NewBuffer(layout, cfg.PPQ, cfg.BPM, cfg.SafeZoneTicks)
	if err != nil {
		return nil, fmt.Errorf("kernel init: %w", err)
	}

	k := &Kernel{
		buf:    buf,
		heap:   heap.NewAllocator(buf, cfg.Logger),
		ring:   ring.New(buf),
		syn:    synapse.NewTable(buf, cfg.Logger),
		engine: playhead.NewEngine(buf),
		logger: cfg.Logger,
	}

	if cfg.Logger != nil {
		cfg.Logger.LogSystemf(debug.LogLevelInfo,
			"kernel initialized: %d node slots, %d command slots, %d cells total",
			layout.NodeCapacity, layout.RingCapacity, layout.TotalCells)
	}

	return k, nil
}

// Buffer exposes the shared buffer for tooling (monitor panels, tests).
func (k *Kernel) Buffer() *shm.Buffer {
	return k.buf
}

// Heap exposes the worker-side allocator.
func (k *Kernel) Heap() *heap.Allocator {
	return k.heap
}

// Synapses exposes the worker-side synapse table.
func (k *Kernel) Synapses() *synapse.Table {
	return k.syn
}

// NewSourceID returns a fresh non-zero 32-bit source id, folded from a
// random UUID so ids are stable and collision-resistant across sessions.
func NewSourceID() uint32 {
	for {
		u := uuid.New()
		id := binary.LittleEndian.Uint32(u[0:4]) ^ binary.LittleEndian.Uint32(u[4:8]) ^
			binary.LittleEndian.Uint32(u[8:12]) ^ binary.LittleEndian.Uint32(u[12:16])
		if id != 0 {
			return id
		}
	}
}

// Register writes, composer side. Each register is a single 32-bit cell, so
// writes are last-wins and the audio thread never observes a torn value.

// SetTranspose sets the global semitone offset.
func (k *Kernel) SetTranspose(semitones int32) {
	k.buf.Store(shm.RegTranspose, uint32(semitones))
}

// SetVelocityMult sets the fixed-point velocity multiplier (1000 = 1.0).
func (k *Kernel) SetVelocityMult(milli uint32) {
	k.buf.Store(shm.RegVelocityMult, milli)
}

// SetGroove points the playhead at a groove template previously written with
// InstallGroove (ptr 0 disables).
func (k *Kernel) SetGroove(ptr, length uint32) {
	k.buf.Store(shm.RegGrooveLen, length)
	k.buf.Store(shm.RegGroovePtr, ptr)
}

// InstallGroove writes a template into the groove region and activates it.
func (k *Kernel) InstallGroove(slot uint32, offsets []int32) bool {
	ptr := playhead.WriteGrooveTemplate(k.buf, slot, offsets)
	if ptr == shm.NullPtr {
		return false
	}
	k.SetGroove(ptr, uint32(len(offsets)))
	return true
}

// SetHumanize sets the humanization depths in parts-per-thousand.
func (k *Kernel) SetHumanize(timingPpt, velPpt uint32) {
	k.buf.Store(shm.RegHumanTimingPpt, timingPpt)
	k.buf.Store(shm.RegHumanVelPpt, velPpt)
}

// SetSeed sets the humanization seed.
func (k *Kernel) SetSeed(seed uint32) {
	k.buf.Store(shm.RegPRNGSeed, seed)
}

// SetBPM updates the tempo register.
func (k *Kernel) SetBPM(bpm uint32) {
	k.buf.Store(shm.OffBPM, bpm)
}

// Audio side.

// Advance runs one audio quantum. Audio-safe.
func (k *Kernel) Advance(ticks uint32, emit playhead.EmitFunc) {
	k.engine.Advance(ticks, emit)
}

// ResetPlayhead rewinds playback to tick zero. Host-side only.
func (k *Kernel) ResetPlayhead() {
	k.engine.Reset()
}

// Snapshot is a point-in-time view of the kernel for tests and the monitor,
// with a content hash over the node heap region.
type Snapshot struct {
	PPQ          uint32
	BPM          uint32
	PlayheadTick uint32
	CommitFlag   uint32
	ErrorFlag    uint32
	NodeCount    uint32
	FreeCount    uint32
	NodeCapacity uint32
	RingDepth    uint32
	Transpose    int32
	VelocityMult uint32
	HeapHash     string
}

// TakeSnapshot captures the header registers and hashes the heap region.
func (k *Kernel) TakeSnapshot() Snapshot {
	b := k.buf
	layout := b.Layout()

	h := sha256.New()
	var cellBytes [4]byte
	heapEnd := layout.HeapStartCell + layout.NodeCapacity*shm.NodeCells
	for cell := layout.HeapStartCell; cell < heapEnd; cell++ {
		binary.LittleEndian.PutUint32(cellBytes[:], b.Load(cell))
		h.Write(cellBytes[:])
	}

	return Snapshot{
		PPQ:          b.Load(shm.OffPPQ),
		BPM:          b.Load(shm.OffBPM),
		PlayheadTick: b.Load(shm.OffPlayheadTick),
		CommitFlag:   b.Load(shm.OffCommitFlag),
		ErrorFlag:    b.Load(shm.OffErrorFlag),
		NodeCount:    b.Load(shm.OffNodeCount),
		FreeCount:    b.Load(shm.OffFreeCount),
		NodeCapacity: b.Load(shm.OffNodeCapacity),
		RingDepth:    k.ring.Depth(),
		Transpose:    int32(b.Load(shm.RegTranspose)),
		VelocityMult: b.Load(shm.RegVelocityMult),
		HeapHash:     hex.EncodeToString(h.Sum(nil)),
	}
}
