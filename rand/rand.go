// Package rand provides the seedable random stream used by the sampler.
package rand

import (
	mathrand "math/rand"
	"sync"

	"github.com/pkg/errors"
	"github.com/seehuhn/mt19937"
)

// A Generator uses a goroutine to populate batches of random numbers from a
// Mersenne twister. Numbers are always handed out in the order the twister
// produced them, so a single consumer sees a reproducible stream for a given
// seed. A Generator is not safe for concurrent consumers.
type Generator struct {
	ch    chan int64
	done  chan struct{}
	once  sync.Once
	gauss *mathrand.Rand
}

// NewGenerator starts a new background PRNG based on the given seed
func NewGenerator(seed int64) (*Generator, error) {
	r := mt19937.New()
	r.Seed(seed)
	return start(r), nil
}

// NewGeneratorSlice starts a new background PRNG seeded with the given key,
// which must not be empty.
func NewGeneratorSlice(key []uint64) (*Generator, error) {
	if len(key) < 1 {
		return nil, errors.New("Seed key must have at least one value")
	}

	r := mt19937.New()
	r.SeedFromSlice(key)
	return start(r), nil
}

func start(r *mt19937.MT19937) *Generator {
	g := &Generator{
		ch:   make(chan int64, 1024),
		done: make(chan struct{}),
	}
	g.gauss = mathrand.New(source{g})

	go func() {
		for {
			select {
			case g.ch <- r.Int63():
			case <-g.done:
				return
			}
		}
	}()

	return g
}

// Close stops the background goroutine. The generator must not be used after.
func (g *Generator) Close() {
	g.once.Do(func() { close(g.done) })
}

// Int63 provides the same interface as Go's math/rand, but with pre-generation.
func (g *Generator) Int63() int64 {
	return <-g.ch
}

// Int63n is a copy of the current Go code
func (g *Generator) Int63n(n int64) int64 {
	if n <= 0 {
		panic("invalid argument to Int63n")
	}

	if n&(n-1) == 0 { // n is power of two, can mask
		return g.Int63() & (n - 1)
	}

	max := int64((1 << 63) - 1 - (1<<63)%uint64(n))
	v := g.Int63()
	for v > max {
		v = g.Int63()
	}

	return v % n
}

// Int31 is just a copy of the golang impl
func (g *Generator) Int31() int32 {
	return int32(g.Int63() >> 32)
}

// Int31n is just a copy of the golang impL
func (g *Generator) Int31n(n int32) int32 {
	if n <= 0 {
		panic("invalid argument to Int31n")
	}

	if n&(n-1) == 0 { // n is power of two, can mask
		return g.Int31() & (n - 1)
	}

	max := int32((1 << 31) - 1 - (1<<31)%uint32(n))
	v := g.Int31()

	for v > max {
		v = g.Int31()
	}

	return v % n
}

// Float64 uses the commented, simpler implmentation since we don't have the
// same support requirements for users
func (g *Generator) Float64() float64 {
	// See the Go lang comments for Rand Float64 implementation for details
	return float64(g.Int63n(1<<53)) / (1 << 53)
}

// NormFloat64 returns a standard normal variate. It uses the math/rand
// ziggurat, fed from our own stream.
func (g *Generator) NormFloat64() float64 {
	return g.gauss.NormFloat64()
}

// source lets math/rand pull from the generator's channel
type source struct {
	g *Generator
}

func (s source) Int63() int64 {
	return s.g.Int63()
}

func (s source) Seed(int64) {
	panic("rand: a running Generator can not be reseeded")
}
