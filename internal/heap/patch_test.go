package heap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symphonyscript/internal/shm"
)

func seqOf(b *shm.Buffer, ptr uint32) uint32 {
	return Field(b, ptr, CellSeqFlags) >> 8
}

func TestPatchPitchBumpsSeq(t *testing.T) {
	a, b := newTestAllocator(t, 8, 0)
	ptr := mustInsert(t, a, 0, 1)

	before := seqOf(b, ptr)
	require.True(t, a.PatchPitch(ptr, 72))
	assert.Equal(t, before+1, seqOf(b, ptr), "each patch bumps the sequence counter once")

	_, pitch, _, _ := UnpackA(Field(b, ptr, CellPackedA))
	assert.Equal(t, uint32(72), pitch)
}

func TestPatchInvalidPointerReturnsFalse(t *testing.T) {
	a, _ := newTestAllocator(t, 8, 0)

	for _, ptr := range []uint32{0, 3, 1 << 28} {
		assert.False(t, a.PatchPitch(ptr, 60), "ptr %d", ptr)
		assert.False(t, a.PatchVelocity(ptr, 60), "ptr %d", ptr)
		assert.False(t, a.PatchDuration(ptr, 10), "ptr %d", ptr)
		assert.False(t, a.PatchBaseTick(ptr, 10), "ptr %d", ptr)
		assert.False(t, a.PatchMuted(ptr, true), "ptr %d", ptr)
	}
}

func TestPatchFields(t *testing.T) {
	a, b := newTestAllocator(t, 8, 0)
	ptr := mustInsert(t, a, 0, 1)

	require.True(t, a.PatchVelocity(ptr, 33))
	require.True(t, a.PatchDuration(ptr, 48))
	require.True(t, a.PatchBaseTick(ptr, 77))
	require.True(t, a.PatchMuted(ptr, true))

	view, ok := ReadStable(b, ptr)
	require.True(t, ok)
	_, _, velocity, flags := UnpackA(view.PackedA)
	assert.Equal(t, uint32(33), velocity)
	assert.Equal(t, uint32(48), view.Duration)
	assert.Equal(t, uint32(77), view.BaseTick)
	assert.NotZero(t, flags&FlagMuted)

	require.True(t, a.PatchMuted(ptr, false))
	view, _ = ReadStable(b, ptr)
	_, _, _, flags = UnpackA(view.PackedA)
	assert.Zero(t, flags&FlagMuted)
}

func TestPatchSourceIDRebindsSymbol(t *testing.T) {
	a, _ := newTestAllocator(t, 8, 0)
	ptr := mustInsert(t, a, 0, 100)

	require.True(t, a.PatchSourceID(ptr, 200))
	assert.Equal(t, ptr, a.Lookup(200))
	assert.Equal(t, uint32(shm.NullPtr), a.Lookup(100))

	assert.False(t, a.PatchSourceID(ptr, 0), "id 0 is reserved")
}

func TestPatchMultipleSingleBump(t *testing.T) {
	a, b := newTestAllocator(t, 8, 0)
	ptr := mustInsert(t, a, 0, 1)

	pitch := uint32(71)
	velocity := uint32(90)
	duration := uint32(12)
	muted := true
	before := seqOf(b, ptr)

	require.True(t, a.PatchMultiple(ptr, Patch{
		Pitch:    &pitch,
		Velocity: &velocity,
		Duration: &duration,
		Muted:    &muted,
	}))

	assert.Equal(t, before+1, seqOf(b, ptr), "batch patch bumps the counter exactly once")

	view, ok := ReadStable(b, ptr)
	require.True(t, ok)
	_, gotPitch, gotVel, flags := UnpackA(view.PackedA)
	assert.Equal(t, pitch, gotPitch)
	assert.Equal(t, velocity, gotVel)
	assert.Equal(t, duration, view.Duration)
	assert.NotZero(t, flags&FlagMuted)
}
