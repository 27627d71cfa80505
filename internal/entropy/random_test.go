package entropy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceIsReproducible(t *testing.T) {
	a := NewSource(42)
	b := NewSource(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Uniform(-1, 1), b.Uniform(-1, 1))
	}
	assert.Equal(t, uint64(100), a.Draws())
}

func TestSourceRange(t *testing.T) {
	s := NewSource(7)
	for i := 0; i < 1000; i++ {
		v := s.Uniform(2, 5)
		assert.GreaterOrEqual(t, v, 2.0)
		assert.Less(t, v, 5.0)
	}
}

func TestZeroSeedPicksOne(t *testing.T) {
	s := NewSource(0)
	assert.NotZero(t, s.Seed())
	assert.NotEqual(t, s.Seed(), s.Fork(1).Seed())
}

func TestSequence(t *testing.T) {
	q := NewSequence(0, 0.5)
	assert.Equal(t, 10.0, q.Uniform(10, 20))
	assert.Equal(t, 15.0, q.Uniform(10, 20))
	assert.Equal(t, -1.0, q.Uniform(-1, 1))
	assert.Equal(t, 3, q.Used())
}
