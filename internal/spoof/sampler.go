package spoof

import "math/rand/v2"

// Resolution is the number of steps on each side of zero a random override
// can take, i.e. ~0.1% granularity of the range.
const Resolution = 1000

// Sampler draws uniform values on a symmetric interval.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a sampler seeded once with seed.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Uniform returns r*(u-Resolution)/Resolution with u drawn uniformly from
// [0, 2*Resolution], which covers [-|r|, +|r|] including both ends.
func (s *Sampler) Uniform(r float64) float64 {
	u := s.rng.IntN(2*Resolution + 1)
	return r * float64(u-Resolution) / Resolution
}
