// Package sync holds the free lists shared between the correlator and the transfer engine.
package sync

import (
	"go.uber.org/atomic"
)

// Stats counts the hits and misses of a pool.
type Stats struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

func (s *Stats) hit()  { s.hits.Inc() }
func (s *Stats) miss() { s.misses.Inc() }

// Hits returns a snapshot of hits and of all lookups.
func (s *Stats) Hits() (hits, total uint64) {
	hits = s.hits.Load()
	return hits, hits + s.misses.Load()
}

// SlicePool is a free list of byte slices used to hold incoming frames.
//
// Slices are kept in a buffered channel, so they are handed out round-robin
// and the pool never holds more than its depth.
// A SlicePool is safe for use by multiple goroutines simultaneously.
type SlicePool struct {
	Stats

	ch     chan []byte
	length int
}

// NewSlicePool returns a SlicePool holding onto at most depth slices,
// each allocated with the given length.
// Slices with a capacity greater than length are never taken back.
func NewSlicePool(depth, length int) *SlicePool {
	if length <= 0 {
		panic("sftp: slice pool: buffer length must be greater than zero")
	}

	return &SlicePool{
		ch:     make(chan []byte, depth),
		length: length,
	}
}

// Get returns a slice of at least n bytes with its length set to n.
// A nil SlicePool always allocates.
func (p *SlicePool) Get(n int) []byte {
	if p == nil || n > p.length {
		return make([]byte, n)
	}

	select {
	case b := <-p.ch:
		p.hit()
		return b[:n]
	default:
		p.miss()
		return make([]byte, n, p.length)
	}
}

// Put returns b to the pool if there is room, and it was not grown past the pool length.
func (p *SlicePool) Put(b []byte) {
	if p == nil || cap(b) != p.length {
		return
	}

	select {
	case p.ch <- b[:0]:
	default:
	}
}

// Pool is a free list of values of type T.
//
// A Pool is safe for use by multiple goroutines simultaneously.
type Pool[T any] struct {
	Stats

	ch chan *T
}

// NewPool returns a Pool holding onto at most depth values.
func NewPool[T any](depth int) *Pool[T] {
	return &Pool[T]{
		ch: make(chan *T, depth),
	}
}

// Get returns a zeroed value from the pool, or a newly allocated one.
// A nil Pool always allocates.
func (p *Pool[T]) Get() *T {
	if p == nil {
		return new(T)
	}

	select {
	case v := <-p.ch:
		p.hit()
		return v
	default:
		p.miss()
		return new(T)
	}
}

// Put zeroes v and returns it to the pool if there is room.
func (p *Pool[T]) Put(v *T) {
	if p == nil || v == nil {
		return
	}

	var z T
	*v = z

	select {
	case p.ch <- v:
	default:
	}
}
