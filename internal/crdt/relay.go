package crdt

import "sync"

// Relay owns one replica per room, created lazily and evicted when the
// last connection releases it, so abandoned rooms do not accumulate.
type Relay struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	replica *Replica
	refs    int
}

func NewRelay() *Relay {
	return &Relay{rooms: make(map[string]*room)}
}

// Acquire returns the room's replica, creating it on first reference.
// Every Acquire must be paired with exactly one Release.
func (r *Relay) Acquire(shareToken string) *Replica {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[shareToken]
	if !ok {
		entry = &room{replica: NewReplica()}
		r.rooms[shareToken] = entry
	}
	entry.refs++
	return entry.replica
}

func (r *Relay) Release(shareToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[shareToken]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(r.rooms, shareToken)
	}
}

// RoomCount reports how many rooms currently hold a replica.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// HandleFrame processes one inbound binary frame against a replica.
// A sync request yields a reply for the sender only; an update is merged
// and the raw frame is returned for forwarding to the rest of the room.
func HandleFrame(replica *Replica, frame []byte) (reply, forward []byte, err error) {
	if len(frame) == 0 {
		return nil, nil, ErrMalformedFrame
	}
	switch frame[0] {
	case FrameSyncRequest:
		vector, err := DecodeStateVector(frame[1:])
		if err != nil {
			return nil, nil, err
		}
		reply := append([]byte{FrameUpdate}, replica.Diff(vector)...)
		return reply, nil, nil
	case FrameUpdate:
		if err := replica.ApplyUpdate(frame[1:]); err != nil {
			return nil, nil, err
		}
		return nil, frame, nil
	default:
		return nil, nil, ErrMalformedFrame
	}
}
