package window

// deque is a growable ring buffer supporting O(1) push/pop at both ends.
type deque[T any] struct {
	buf  []T
	head int
	n    int
}

func (d *deque[T]) Len() int { return d.n }

func (d *deque[T]) grow() {
	size := len(d.buf) * 2
	if size == 0 {
		size = 16
	}
	next := make([]T, size)
	for i := 0; i < d.n; i++ {
		next[i] = d.buf[(d.head+i)%len(d.buf)]
	}
	d.buf = next
	d.head = 0
}

func (d *deque[T]) PushBack(v T) {
	if d.n == len(d.buf) {
		d.grow()
	}
	d.buf[(d.head+d.n)%len(d.buf)] = v
	d.n++
}

func (d *deque[T]) Front() T {
	return d.buf[d.head]
}

func (d *deque[T]) Back() T {
	return d.buf[(d.head+d.n-1)%len(d.buf)]
}

func (d *deque[T]) PopFront() T {
	var zero T
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.n--
	return v
}

func (d *deque[T]) PopBack() T {
	var zero T
	idx := (d.head + d.n - 1) % len(d.buf)
	v := d.buf[idx]
	d.buf[idx] = zero
	d.n--
	return v
}

func (d *deque[T]) Reset() {
	var zero T
	for i := range d.buf {
		d.buf[i] = zero
	}
	d.head = 0
	d.n = 0
}
