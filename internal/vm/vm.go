package vm

import (
	"fmt"
	"math"

	"symphonyscript/internal/debug"
)

// guards against runaway interpretation of a corrupted clip
const (
	maxSteps      = 10_000_000
	maxBlockDepth = 64
)

type loopFrame struct {
	bodyPC    uint32
	remaining uint32
}

type stackFrame struct {
	startTick uint32
	maxEnd    uint32
	depth     int
}

// VM interprets a compiled clip. It is the single producer of its event
// ring; one Consumer drains it. Execution is resumable: when the ring fills
// the VM pauses before the emitting opcode, so resuming after a drain
// continues exactly where it stopped and no event is ever dropped.
type VM struct {
	cells  []uint32
	logger *debug.Logger

	codeStart  uint32 // cell index
	codeLen    uint32 // bytes
	ringStart  uint32
	ringCap    uint32
	tempoStart uint32
	tempoCap   uint32

	state         State
	pc            uint32 // byte index into the code region
	tick          uint32
	transpose     int32
	blockDepth    int
	loops         []loopFrame
	stacks        []stackFrame
	backpressured bool
}

// New validates the clip header and returns a VM positioned at the first
// opcode.
func New(cells []uint32, logger *debug.Logger) (*VM, error) {
	if len(cells) < clipHeaderCells {
		return nil, fmt.Errorf("clip too small: %d cells", len(cells))
	}
	if cells[clipMagicCell] != ClipMagic {
		return nil, fmt.Errorf("invalid clip magic: 0x%08X", cells[clipMagicCell])
	}

	v := &VM{
		cells:      cells,
		logger:     logger,
		codeStart:  cells[clipCodeStartCell],
		codeLen:    cells[clipCodeLenCell],
		ringStart:  cells[clipRingStartCell],
		ringCap:    cells[clipRingCapCell],
		tempoStart: cells[clipTempoStartCell],
		tempoCap:   cells[clipTempoCapCell],
		state:      StateIdle,
		loops:      make([]loopFrame, 0, maxBlockDepth),
		stacks:     make([]stackFrame, 0, maxBlockDepth),
	}

	needed := v.ringStart + v.ringCap*eventCells
	if uint32(len(cells)) < needed {
		return nil, fmt.Errorf("clip truncated: ring region ends at cell %d, have %d", needed, len(cells))
	}

	return v, nil
}

// GetState returns the execution state.
func (v *VM) GetState() State {
	return v.state
}

// GetTick returns the current clip tick.
func (v *VM) GetTick() uint32 {
	return v.tick
}

// IsBackpressured reports whether the last pause was caused by a full event
// ring.
func (v *VM) IsBackpressured() bool {
	return v.backpressured
}

// Reset rewinds the VM and empties the event ring and tempo table.
func (v *VM) Reset() {
	v.state = StateIdle
	v.pc = 0
	v.tick = 0
	v.transpose = 0
	v.blockDepth = 0
	v.loops = v.loops[:0]
	v.stacks = v.stacks[:0]
	v.backpressured = false
	v.ringStore(clipRingHeadCell, 0)
	v.ringStore(clipRingTailCell, 0)
	v.ringStore(clipTempoCountCell, 0)
}

func (v *VM) codeByte(pc uint32) byte {
	cell := v.cells[v.codeStart+pc/4]
	return byte(cell >> (8 * uint(pc%4)))
}

func (v *VM) codeU16(pc uint32) uint16 {
	return uint16(v.codeByte(pc)) | uint16(v.codeByte(pc+1))<<8
}

// Tick runs the VM until the clip tick reaches targetTick, the clip ends,
// or the event ring fills. Returns the state after the run.
func (v *VM) Tick(targetTick uint32) State {
	if v.state == StateDone {
		return v.state
	}
	v.state = StateRunning
	v.backpressured = false

	for steps := 0; v.tick < targetTick && v.state == StateRunning; steps++ {
		if steps >= maxSteps {
			if v.logger != nil {
				v.logger.LogVMf(debug.LogLevelError, "step guard tripped at pc=%d", v.pc)
			}
			v.state = StateDone
			break
		}
		v.step()
	}

	if v.state == StateRunning {
		v.state = StatePaused
	}
	return v.state
}

// RunToEnd runs until the clip is DONE or the ring fills (PAUSED).
func (v *VM) RunToEnd() State {
	return v.Tick(math.MaxUint32)
}

// step executes one opcode. On ring backpressure it flips to PAUSED without
// moving the pc, so the op re-executes after a drain.
func (v *VM) step() {
	if v.pc >= v.codeLen {
		v.state = StateDone
		return
	}

	op := v.codeByte(v.pc)
	size := operandSize(op)
	if size < 0 {
		if v.logger != nil {
			v.logger.LogVMf(debug.LogLevelError, "illegal opcode 0x%02X at pc=%d", op, v.pc)
		}
		v.state = StateDone
		return
	}

	switch op {
	case OpNote:
		if v.ringFree() == 0 {
			v.state = StatePaused
			v.backpressured = true
			return
		}
		pitch := clampPitch(int32(v.codeByte(v.pc+1)) + v.transpose)
		velocity := v.codeByte(v.pc + 2)
		duration := v.codeU16(v.pc + 3)
		v.push(Event{
			Tick:     v.tick,
			Kind:     EventNote,
			Data1:    pitch,
			Data2:    velocity,
			Duration: uint32(duration),
		})
		v.tick += uint32(duration)
		v.advance(size)
		v.afterElement()

	case OpRest:
		v.tick += uint32(v.codeU16(v.pc + 1))
		v.advance(size)
		v.afterElement()

	case OpTempo:
		v.appendTempo(v.tick, uint32(v.codeU16(v.pc+1)))
		v.advance(size)
		v.afterElement()

	case OpCC:
		if v.ringFree() == 0 {
			v.state = StatePaused
			v.backpressured = true
			return
		}
		v.push(Event{
			Tick:  v.tick,
			Kind:  EventCC,
			Data1: v.codeByte(v.pc + 1),
			Data2: v.codeByte(v.pc + 2),
		})
		v.advance(size)
		v.afterElement()

	case OpTranspose:
		v.transpose += int32(int8(v.codeByte(v.pc + 1)))
		v.advance(size)

	case OpStackStart:
		if len(v.stacks) >= maxBlockDepth {
			v.state = StateDone
			return
		}
		v.stacks = append(v.stacks, stackFrame{
			startTick: v.tick,
			maxEnd:    v.tick,
			depth:     v.blockDepth,
		})
		v.blockDepth++
		v.advance(size)

	case OpStackEnd:
		if len(v.stacks) == 0 {
			v.state = StateDone
			return
		}
		f := v.stacks[len(v.stacks)-1]
		if v.tick > f.maxEnd {
			f.maxEnd = v.tick
		}
		v.stacks = v.stacks[:len(v.stacks)-1]
		v.blockDepth--
		v.tick = f.maxEnd
		v.advance(size)
		v.afterElement()

	case OpLoopStart:
		count := uint32(v.codeByte(v.pc + 1))
		v.advance(size)
		if count == 0 {
			v.skipLoopBody()
			v.afterElement()
			return
		}
		if len(v.loops) >= maxBlockDepth {
			v.state = StateDone
			return
		}
		v.loops = append(v.loops, loopFrame{bodyPC: v.pc, remaining: count})
		v.blockDepth++

	case OpLoopEnd:
		if len(v.loops) == 0 {
			v.state = StateDone
			return
		}
		top := &v.loops[len(v.loops)-1]
		top.remaining--
		if top.remaining > 0 {
			v.pc = top.bodyPC
			return
		}
		v.loops = v.loops[:len(v.loops)-1]
		v.blockDepth--
		v.advance(size)
		v.afterElement()

	case OpEOF:
		v.state = StateDone
	}
}

func (v *VM) advance(operands int) {
	v.pc += 1 + uint32(operands)
}

// afterElement folds a completed child back into the innermost parallel
// frame: record its end tick, rewind to the frame's start so the next child
// begins there. Only children directly inside the frame's body fold; ops
// nested deeper belong to an inner block.
func (v *VM) afterElement() {
	if len(v.stacks) == 0 {
		return
	}
	f := &v.stacks[len(v.stacks)-1]
	if v.blockDepth != f.depth+1 {
		return
	}
	if v.tick > f.maxEnd {
		f.maxEnd = v.tick
	}
	v.tick = f.startTick
}

// skipLoopBody scans past the matching LOOP_END of a zero-count loop,
// respecting nested loops.
func (v *VM) skipLoopBody() {
	depth := 1
	for v.pc < v.codeLen {
		op := v.codeByte(v.pc)
		size := operandSize(op)
		if size < 0 {
			v.state = StateDone
			return
		}
		v.advance(size)
		switch op {
		case OpLoopStart:
			depth++
		case OpLoopEnd:
			depth--
			if depth == 0 {
				return
			}
		case OpEOF:
			v.state = StateDone
			return
		}
	}
}

func (v *VM) appendTempo(tick, bpm uint32) {
	count := v.ringLoad(clipTempoCountCell)
	if count >= v.tempoCap {
		if v.logger != nil {
			v.logger.LogVMf(debug.LogLevelWarn, "tempo table full, dropping (%d, %d)", tick, bpm)
		}
		return
	}
	base := v.tempoStart + count*tempoCells
	v.ringStore(base, tick)
	v.ringStore(base+1, bpm)
	v.ringStore(clipTempoCountCell, count+1)
}

// TempoAt returns the BPM in effect at the given tick, falling back to the
// provided default when no TEMPO entry precedes it.
func (v *VM) TempoAt(tick, defaultBPM uint32) uint32 {
	bpm := defaultBPM
	count := v.ringLoad(clipTempoCountCell)
	for i := uint32(0); i < count; i++ {
		base := v.tempoStart + i*tempoCells
		if v.ringLoad(base) > tick {
			break
		}
		bpm = v.ringLoad(base + 1)
	}
	return bpm
}

func clampPitch(p int32) uint8 {
	if p < 0 {
		return 0
	}
	if p > 127 {
		return 127
	}
	return uint8(p)
}
