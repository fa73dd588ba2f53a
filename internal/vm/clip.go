package vm

import (
	"encoding/binary"
	"fmt"
)

// A compiled clip is one cell buffer: a header of region offsets, the
// bytecode (packed four bytes per cell, little-endian), the event ring and
// the tempo table. Hosts can map the cells into the same shared buffer the
// kernel uses or keep them standalone; the VM only needs the slice.

// Clip header cell offsets
const (
	clipMagicCell      = 0
	clipVersionCell    = 1
	clipCodeStartCell  = 2 // cell index of the bytecode region
	clipCodeLenCell    = 3 // bytecode length in bytes
	clipRingStartCell  = 4 // cell index of the event ring region
	clipRingCapCell    = 5 // event ring capacity in events
	clipRingHeadCell   = 6 // consumer cursor (free-running)
	clipRingTailCell   = 7 // producer cursor (free-running)
	clipTempoStartCell = 8 // cell index of the tempo table region
	clipTempoCapCell   = 9 // tempo table capacity in entries
	clipTempoCountCell = 10
	clipHeaderCells    = 16
)

const (
	ClipMagic   = 0x50494C43 // "CLIP" little-endian
	ClipVersion = 1

	eventCells = 4 // tick, packed kind/data, duration, reserved
	tempoCells = 2 // tick, bpm
)

// ClipBuilder assembles clip bytecode op by op; Build terminates the code
// and lays out the regions.
type ClipBuilder struct {
	code       []byte
	ringCap    uint32
	tempoCap   uint32
	loopDepth  int
	stackDepth int
}

// NewClipBuilder creates a builder with the given event ring capacity.
func NewClipBuilder(ringCap uint32) *ClipBuilder {
	if ringCap == 0 {
		ringCap = 256
	}
	return &ClipBuilder{ringCap: ringCap, tempoCap: 64}
}

// Note appends a NOTE op.
func (cb *ClipBuilder) Note(pitch, velocity uint8, duration uint16) *ClipBuilder {
	cb.code = append(cb.code, OpNote, pitch, velocity,
		byte(duration), byte(duration>>8))
	return cb
}

// Rest appends a REST op.
func (cb *ClipBuilder) Rest(duration uint16) *ClipBuilder {
	cb.code = append(cb.code, OpRest, byte(duration), byte(duration>>8))
	return cb
}

// Tempo appends a TEMPO op.
func (cb *ClipBuilder) Tempo(bpm uint16) *ClipBuilder {
	cb.code = append(cb.code, OpTempo, byte(bpm), byte(bpm>>8))
	return cb
}

// CC appends a control-change op.
func (cb *ClipBuilder) CC(controller, value uint8) *ClipBuilder {
	cb.code = append(cb.code, OpCC, controller, value)
	return cb
}

// Transpose appends an additive transpose op.
func (cb *ClipBuilder) Transpose(delta int8) *ClipBuilder {
	cb.code = append(cb.code, OpTranspose, byte(delta))
	return cb
}

// StackStart opens a parallel section: every child starts at the same tick.
func (cb *ClipBuilder) StackStart() *ClipBuilder {
	cb.code = append(cb.code, OpStackStart)
	cb.stackDepth++
	return cb
}

// StackEnd closes a parallel section; the tick advances by the longest
// child.
func (cb *ClipBuilder) StackEnd() *ClipBuilder {
	cb.code = append(cb.code, OpStackEnd)
	cb.stackDepth--
	return cb
}

// LoopStart opens a repeated section.
func (cb *ClipBuilder) LoopStart(count uint8) *ClipBuilder {
	cb.code = append(cb.code, OpLoopStart, count)
	cb.loopDepth++
	return cb
}

// LoopEnd closes a repeated section.
func (cb *ClipBuilder) LoopEnd() *ClipBuilder {
	cb.code = append(cb.code, OpLoopEnd)
	cb.loopDepth--
	return cb
}

// SetTempoCapacity overrides the tempo table size.
func (cb *ClipBuilder) SetTempoCapacity(entries uint32) *ClipBuilder {
	cb.tempoCap = entries
	return cb
}

// Build terminates the code with EOF and lays out the clip cells.
func (cb *ClipBuilder) Build() ([]uint32, error) {
	if cb.loopDepth != 0 {
		return nil, fmt.Errorf("unbalanced loop markers: depth %d at build", cb.loopDepth)
	}
	if cb.stackDepth != 0 {
		return nil, fmt.Errorf("unbalanced stack markers: depth %d at build", cb.stackDepth)
	}

	code := append(append([]byte{}, cb.code...), OpEOF)
	codeCells := uint32((len(code) + 3) / 4)

	codeStart := uint32(clipHeaderCells)
	ringStart := codeStart + codeCells
	tempoStart := ringStart + cb.ringCap*eventCells
	total := tempoStart + cb.tempoCap*tempoCells

	cells := make([]uint32, total)
	cells[clipMagicCell] = ClipMagic
	cells[clipVersionCell] = ClipVersion
	cells[clipCodeStartCell] = codeStart
	cells[clipCodeLenCell] = uint32(len(code))
	cells[clipRingStartCell] = ringStart
	cells[clipRingCapCell] = cb.ringCap
	cells[clipTempoStartCell] = tempoStart
	cells[clipTempoCapCell] = cb.tempoCap

	for i, b := range code {
		cells[codeStart+uint32(i/4)] |= uint32(b) << (8 * uint(i%4))
	}

	return cells, nil
}

// MarshalClip serializes clip cells to bytes (little-endian) for writing to
// a file.
func MarshalClip(cells []uint32) []byte {
	out := make([]byte, len(cells)*4)
	for i, c := range cells {
		binary.LittleEndian.PutUint32(out[i*4:], c)
	}
	return out
}

// UnmarshalClip loads clip cells from bytes, validating the header.
func UnmarshalClip(data []byte) ([]uint32, error) {
	if len(data) < clipHeaderCells*4 || len(data)%4 != 0 {
		return nil, fmt.Errorf("clip data malformed: %d bytes", len(data))
	}
	cells := make([]uint32, len(data)/4)
	for i := range cells {
		cells[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	if cells[clipMagicCell] != ClipMagic {
		return nil, fmt.Errorf("invalid clip magic: 0x%08X", cells[clipMagicCell])
	}
	if cells[clipVersionCell] > ClipVersion {
		return nil, fmt.Errorf("unsupported clip version: %d", cells[clipVersionCell])
	}
	return cells, nil
}
