package nanny

// Ring is a rotating ordered sequence of worker participants with O(1)
// amortized rotate-head, replacing the teacher's shift+push-on-a-slice
// round robin (pool.go's nextIdx.Add(1) over a flat slice) with a
// head-indexed ring, so rotation only advances an index. Removal from the
// middle (a worker leaving mid-epoch) still shifts the entries after the
// removed one.
//
// Ring is generic so it can hold WorkerSupervisor handles in production
// or a plain comparable stand-in in tests.
type Ring[T comparable] struct {
	items []T
	head  int
}

// NewRing returns an empty Ring.
func NewRing[T comparable]() *Ring[T] {
	return &Ring[T]{}
}

// Push appends w to the ring. A duplicate push is a no-op — the spec
// requires a worker appear at most once in any Ring.
func (r *Ring[T]) Push(w T) {
	for _, item := range r.items {
		if item == w {
			return
		}
	}
	r.items = append(r.items, w)
}

// Remove deletes w from the ring if present; a no-op if absent, since
// removeWorker is called both pre-emptively on stop-request and again on
// confirmed exit.
func (r *Ring[T]) Remove(w T) {
	for i, item := range r.items {
		if item != w {
			continue
		}
		r.items = append(r.items[:i], r.items[i+1:]...)
		if r.head > i {
			r.head--
		}
		if len(r.items) == 0 {
			r.head = 0
		} else {
			r.head %= len(r.items)
		}
		return
	}
}

// RotateHead removes the current head and re-appends it, returning the
// prior head. ok is false when the ring is empty.
func (r *Ring[T]) RotateHead() (w T, ok bool) {
	if len(r.items) == 0 {
		return w, false
	}
	w = r.items[r.head]
	r.head = (r.head + 1) % len(r.items)
	return w, true
}

// Size returns the number of participants currently in the ring.
func (r *Ring[T]) Size() int {
	return len(r.items)
}

// ForEach invokes f once per participant, in ring order starting at head.
func (r *Ring[T]) ForEach(f func(T)) {
	n := len(r.items)
	for i := 0; i < n; i++ {
		f(r.items[(r.head+i)%n])
	}
}

// Contains reports whether w currently participates in the ring.
func (r *Ring[T]) Contains(w T) bool {
	for _, item := range r.items {
		if item == w {
			return true
		}
	}
	return false
}
