package hop

// HistorySize bounds every per-hop history.
const HistorySize = 100

// ring is a FIFO that drops its oldest element once it holds max elements.
type ring[T any] struct {
	items []T
	max   int
}

func newRing[T any](max int) ring[T] {
	return ring[T]{items: make([]T, 0, max), max: max}
}

func (r *ring[T]) Push(v T) {
	if len(r.items) == r.max {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, v)
}

func (r *ring[T]) Len() int { return len(r.items) }

// At returns a pointer to the i-th oldest element.
func (r *ring[T]) At(i int) *T { return &r.items[i] }

// Values returns a copy of the contents, oldest first.
func (r *ring[T]) Values() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}
