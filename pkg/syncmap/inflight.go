package syncmap

import (
	"sync/atomic"
	"time"
)

// Handle marks an operation in progress. Release is idempotent.
type Handle struct {
	key     string
	set     *InFlight
	started time.Time
	done    atomic.Bool
}

func (h *Handle) Key() string {
	return h.key
}

func (h *Handle) Started() time.Time {
	return h.started
}

func (h *Handle) Release() {
	if h == nil || !h.done.CompareAndSwap(false, true) {
		return
	}
	h.set.ops.DeleteIf(h.key, func(cur *Handle) bool { return cur == h })
}

// InFlight is a keyed set of in-progress operations. It allows at most one
// operation per key, e.g. one presence check per user or one quote creation
// per room.
type InFlight struct {
	ops *Map[string, *Handle]
}

func NewInFlight() *InFlight {
	return &InFlight{ops: New[string, *Handle]()}
}

// Key joins an operation class and the id of the resource it targets.
func Key(class, id string) string {
	return class + ":" + id
}

// TryAcquire returns a handle for key, or false when an operation holding
// key is still in progress.
func (s *InFlight) TryAcquire(key string) (*Handle, bool) {
	h := &Handle{key: key, set: s, started: time.Now()}
	if !s.ops.StoreIfAbsent(key, h) {
		return nil, false
	}
	return h, true
}

func (s *InFlight) Busy(key string) bool {
	_, ok := s.ops.Load(key)
	return ok
}

func (s *InFlight) Len() int {
	return s.ops.Len()
}
