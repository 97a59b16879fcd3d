// Package sensor supplies placeholder motion values. There is no real IMU
// behind the tracker; samples are uniform noise in [0,1).
package sensor

import (
	"math/rand/v2"
	"sync"
)

// Source yields uniformly distributed values in [0,1).
type Source interface {
	Float32() float32
}

// Random is a Source safe for use from several goroutines.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a randomly seeded source.
func NewRandom() *Random {
	return &Random{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// NewSeeded returns a deterministic source.
func NewSeeded(seed uint64) *Random {
	return &Random{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *Random) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float32()
}

// Fixed returns the same value every time.
type Fixed float32

func (f Fixed) Float32() float32 { return float32(f) }
