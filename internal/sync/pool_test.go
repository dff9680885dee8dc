package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlicePool(t *testing.T) {
	p := NewSlicePool(1, 16)

	b := p.Get(8)
	assert.Len(t, b, 8)
	assert.Equal(t, 16, cap(b))

	p.Put(b)
	p.Put(make([]byte, 16)) // pool is full, dropped.

	b2 := p.Get(4)
	assert.Len(t, b2, 4)
	assert.Same(t, &b[:1][0], &b2[:1][0])

	hits, total := p.Hits()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(2), total)
}

func TestSlicePoolOversized(t *testing.T) {
	p := NewSlicePool(4, 16)

	b := p.Get(32)
	assert.Len(t, b, 32)

	p.Put(b)
	assert.Len(t, p.ch, 0, "oversized slice must not be pooled")
}

func TestNilPools(t *testing.T) {
	var sp *SlicePool
	assert.Len(t, sp.Get(3), 3)
	sp.Put(make([]byte, 3))

	var p *Pool[int]
	assert.NotNil(t, p.Get())
	p.Put(new(int))
}

func TestPoolZeroes(t *testing.T) {
	type item struct {
		n int
		s []byte
	}

	p := NewPool[item](2)

	v := p.Get()
	v.n = 42
	v.s = []byte("x")
	p.Put(v)

	got := p.Get()
	assert.Same(t, v, got)
	assert.Equal(t, item{}, *got)
}
