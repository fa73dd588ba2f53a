package kernel

import (
	"symphonyscript/internal/debug"
	"symphonyscript/internal/heap"
	"symphonyscript/internal/ring"
	"symphonyscript/internal/shm"
)

// Composer side: async command enqueue. None of these block; a full ring
// returns ErrQueueFull and the composer decides whether to drop or retry.

// InsertAsync enqueues a note insertion. afterSourceID is an optional
// position hint (0 = none); the chain stays tick-sorted either way.
func (k *Kernel) InsertAsync(opcode, pitch, velocity, duration, baseTick uint32,
	muted bool, sourceID, afterSourceID uint32) shm.Errno {
	flags := uint32(heap.FlagActive)
	if muted {
		flags |= heap.FlagMuted
	}
	return k.ring.Enqueue(ring.Command{
		Op:            ring.OpInsert,
		PackedA:       heap.PackA(opcode, pitch, velocity, flags),
		BaseTick:      baseTick,
		Duration:      duration,
		SourceID:      sourceID,
		AfterSourceID: afterSourceID,
	})
}

// DeleteAsync enqueues a node deletion by source id.
func (k *Kernel) DeleteAsync(sourceID uint32) shm.Errno {
	return k.ring.Enqueue(ring.Command{Op: ring.OpDelete, SourceID: sourceID})
}

// ConnectAsync enqueues a synapse creation by source ids.
func (k *Kernel) ConnectAsync(sourceID, targetSourceID uint32, weight, jitter uint16) shm.Errno {
	return k.ring.Enqueue(ring.Command{
		Op:             ring.OpConnect,
		SourceID:       sourceID,
		TargetSourceID: targetSourceID,
		WeightData:     synapsePack(weight, jitter),
	})
}

// DisconnectAsync enqueues a disconnect; targetSourceID 0 tombstones the
// whole fan-out.
func (k *Kernel) DisconnectAsync(sourceID, targetSourceID uint32) shm.Errno {
	return k.ring.Enqueue(ring.Command{
		Op:             ring.OpDisconnect,
		SourceID:       sourceID,
		TargetSourceID: targetSourceID,
	})
}

// PatchAsync enqueues a single-field patch by source id for composers that
// do not hold the node pointer. Direct patches via Heap() stay the fast
// path.
func (k *Kernel) PatchAsync(sourceID, field, value uint32) shm.Errno {
	return k.ring.Enqueue(ring.Command{
		Op:       ring.OpPatch,
		SourceID: sourceID,
		Field:    field,
		Value:    value,
	})
}

func synapsePack(weight, jitter uint16) uint32 {
	return uint32(jitter)<<16 | uint32(weight)
}

// Worker side.

// maxCommandBatch bounds one drain so the worker yields back to its
// scheduler even under a flooded ring.
const maxCommandBatch = 256

// ProcessCommands drains the command ring, applying each mutation to the
// heap and synapse table. It returns the number of commands processed and
// sets COMMIT_FLAG = PENDING when any of them changed structure.
func (k *Kernel) ProcessCommands() int {
	processed := 0
	structural := false

	// Consume a completed handshake before mutating again.
	if k.buf.CommitFlag() == shm.CommitAck {
		k.buf.SetCommitFlag(shm.CommitIdle)
	}

	for processed < maxCommandBatch {
		cmd, ok := k.ring.Dequeue()
		if !ok {
			break
		}
		processed++

		switch cmd.Op {
		case ring.OpInsert:
			opcode, pitch, velocity, flags := heap.UnpackA(cmd.PackedA)
			res := k.heap.Insert(heap.InsertArgs{
				Opcode:   opcode,
				Pitch:    pitch,
				Velocity: velocity,
				Duration: cmd.Duration,
				BaseTick: cmd.BaseTick,
				Muted:    flags&heap.FlagMuted != 0,
				SourceID: cmd.SourceID,
				AfterPtr: k.heap.Lookup(cmd.AfterSourceID),
			})
			if res < 0 {
				k.logDrop("insert", cmd.SourceID, shm.Errno(res))
				continue
			}
			structural = true

		case ring.OpDelete:
			ptr := k.heap.Lookup(cmd.SourceID)
			if ptr == shm.NullPtr {
				k.logDrop("delete", cmd.SourceID, shm.ErrInvalidPtr)
				continue
			}
			if err := k.heap.Delete(ptr); err != 0 {
				k.logDrop("delete", cmd.SourceID, err)
				continue
			}
			structural = true

		case ring.OpConnect:
			src := k.heap.Lookup(cmd.SourceID)
			dst := k.heap.Lookup(cmd.TargetSourceID)
			weight, jitter := unpackWeight(cmd.WeightData)
			if res := k.syn.Connect(src, dst, weight, jitter); res < 0 {
				k.logDrop("connect", cmd.SourceID, shm.Errno(res))
				continue
			}
			structural = true

		case ring.OpDisconnect:
			src := k.heap.Lookup(cmd.SourceID)
			dst := k.heap.Lookup(cmd.TargetSourceID)
			if res := k.syn.Disconnect(src, dst); res < 0 {
				k.logDrop("disconnect", cmd.SourceID, shm.Errno(res))
				continue
			}
			structural = true

		case ring.OpPatch:
			ptr := k.heap.Lookup(cmd.SourceID)
			if ptr == shm.NullPtr {
				k.logDrop("patch", cmd.SourceID, shm.ErrInvalidPtr)
				continue
			}
			k.applyPatch(ptr, cmd.Field, cmd.Value)
		}
	}

	if structural {
		k.buf.SetCommitFlag(shm.CommitPending)
	}

	return processed
}

func (k *Kernel) applyPatch(ptr, field, value uint32) bool {
	switch field {
	case ring.PatchFieldPitch:
		return k.heap.PatchPitch(ptr, value)
	case ring.PatchFieldVelocity:
		return k.heap.PatchVelocity(ptr, value)
	case ring.PatchFieldDuration:
		return k.heap.PatchDuration(ptr, value)
	case ring.PatchFieldBaseTick:
		return k.heap.PatchBaseTick(ptr, value)
	case ring.PatchFieldMuted:
		return k.heap.PatchMuted(ptr, value != 0)
	}
	return false
}

func unpackWeight(data uint32) (weight, jitter uint16) {
	return uint16(data), uint16(data >> 16)
}

func (k *Kernel) logDrop(op string, sourceID uint32, err shm.Errno) {
	if k.logger != nil {
		k.logger.LogRingf(debug.LogLevelWarn,
			"%s command dropped for source %d: %v", op, sourceID, err)
	}
}

// Worker-side direct calls (pointer based, for hosts that collapse composer
// and worker into one goroutine).

// Connect creates a synapse between two node pointers.
func (k *Kernel) Connect(sourcePtr, targetPtr uint32, weight, jitter uint16) int64 {
	res := k.syn.Connect(sourcePtr, targetPtr, weight, jitter)
	if res >= 0 {
		k.buf.SetCommitFlag(shm.CommitPending)
	}
	return res
}

// Disconnect tombstones synapses between two node pointers (targetPtr 0 =
// all).
func (k *Kernel) Disconnect(sourcePtr, targetPtr uint32) int64 {
	res := k.syn.Disconnect(sourcePtr, targetPtr)
	if res > 0 {
		k.buf.SetCommitFlag(shm.CommitPending)
	}
	return res
}

// MaybeCompact runs synapse compaction when the tombstone ratio warrants it.
// Must not run concurrently with audio-thread synapse resolution.
func (k *Kernel) MaybeCompact() bool {
	return k.syn.MaybeCompact()
}

// CompactTable forces a synapse compaction.
func (k *Kernel) CompactTable() {
	k.syn.Compact()
}
