// Package crdt holds the per-room replicas and relays binary
// synchronization frames between clients. The replica is an append-only
// operation log with a state vector; merging is a union keyed by
// (actor, seq), so applying the same update twice is harmless and
// concurrent applies commute.
package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Frame type bytes, the one-byte discriminator leading every binary frame.
const (
	FrameSyncRequest byte = 0x00
	FrameUpdate      byte = 0x01
)

var ErrMalformedFrame = errors.New("malformed frame")

// Op is one operation in the log. Seq values are per-actor and start at 1.
type Op struct {
	Actor   uint64
	Seq     uint64
	Payload []byte
}

// StateVector maps actor -> highest seq observed for that actor.
type StateVector map[uint64]uint64

type opKey struct {
	actor uint64
	seq   uint64
}

type Replica struct {
	mu     sync.Mutex
	ops    map[opKey][]byte
	vector StateVector
}

func NewReplica() *Replica {
	return &Replica{
		ops:    make(map[opKey][]byte),
		vector: make(StateVector),
	}
}

// ApplyUpdate merges an encoded update into the replica. Unknown ops are
// added, duplicates ignored.
func (r *Replica) ApplyUpdate(update []byte) error {
	ops, err := decodeOps(update)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		key := opKey{actor: op.Actor, seq: op.Seq}
		if _, seen := r.ops[key]; seen {
			continue
		}
		r.ops[key] = op.Payload
		if op.Seq > r.vector[op.Actor] {
			r.vector[op.Actor] = op.Seq
		}
	}
	return nil
}

// Diff encodes the ops the remote peer is missing according to its state
// vector. An empty vector yields the full state.
func (r *Replica) Diff(remote StateVector) []byte {
	r.mu.Lock()
	var missing []Op
	for key, payload := range r.ops {
		if key.seq > remote[key.actor] {
			missing = append(missing, Op{Actor: key.actor, Seq: key.seq, Payload: payload})
		}
	}
	r.mu.Unlock()

	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Actor != missing[j].Actor {
			return missing[i].Actor < missing[j].Actor
		}
		return missing[i].Seq < missing[j].Seq
	})
	return encodeOps(missing)
}

// Vector returns a copy of the replica's current state vector.
func (r *Replica) Vector() StateVector {
	r.mu.Lock()
	defer r.mu.Unlock()
	vector := make(StateVector, len(r.vector))
	for actor, seq := range r.vector {
		vector[actor] = seq
	}
	return vector
}

// Snapshot is the full state as a single update.
func (r *Replica) Snapshot() []byte {
	return r.Diff(StateVector{})
}

func encodeOps(ops []Op) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(ops)))
	for _, op := range ops {
		buf = binary.AppendUvarint(buf, op.Actor)
		buf = binary.AppendUvarint(buf, op.Seq)
		buf = binary.AppendUvarint(buf, uint64(len(op.Payload)))
		buf = append(buf, op.Payload...)
	}
	return buf
}

func decodeOps(data []byte) ([]Op, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: op count", ErrMalformedFrame)
	}
	data = data[n:]

	// Each op takes at least three bytes, so a count beyond the remaining
	// data cannot be honest. The count otherwise sizes the allocation.
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: op count exceeds frame", ErrMalformedFrame)
	}

	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		var op Op
		var n int
		if op.Actor, n = binary.Uvarint(data); n <= 0 {
			return nil, fmt.Errorf("%w: actor", ErrMalformedFrame)
		}
		data = data[n:]
		if op.Seq, n = binary.Uvarint(data); n <= 0 || op.Seq == 0 {
			return nil, fmt.Errorf("%w: seq", ErrMalformedFrame)
		}
		data = data[n:]
		size, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: payload size", ErrMalformedFrame)
		}
		data = data[n:]
		if uint64(len(data)) < size {
			return nil, fmt.Errorf("%w: payload truncated", ErrMalformedFrame)
		}
		op.Payload = append([]byte(nil), data[:size]...)
		data = data[size:]
		ops = append(ops, op)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedFrame)
	}
	return ops, nil
}

// EncodeUpdate frames ops as an update payload (without the type byte).
func EncodeUpdate(ops ...Op) []byte {
	return encodeOps(ops)
}

// EncodeStateVector serializes a state vector for a sync request.
func EncodeStateVector(vector StateVector) []byte {
	actors := make([]uint64, 0, len(vector))
	for actor := range vector {
		actors = append(actors, actor)
	}
	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })

	buf := binary.AppendUvarint(nil, uint64(len(actors)))
	for _, actor := range actors {
		buf = binary.AppendUvarint(buf, actor)
		buf = binary.AppendUvarint(buf, vector[actor])
	}
	return buf
}

func DecodeStateVector(data []byte) (StateVector, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: vector size", ErrMalformedFrame)
	}
	data = data[n:]

	vector := make(StateVector, count)
	for i := uint64(0); i < count; i++ {
		actor, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: vector actor", ErrMalformedFrame)
		}
		data = data[n:]
		seq, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: vector seq", ErrMalformedFrame)
		}
		data = data[n:]
		vector[actor] = seq
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedFrame)
	}
	return vector, nil
}
