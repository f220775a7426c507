package dataset

import (
	"errors"
	"math/rand"
)

// Sampler yields fixed-size batches of sample indices, reshuffling the
// order at the start of every epoch.
type Sampler struct {
	n         int
	batchSize int
	rng       *rand.Rand
	order     []int
	shuffle   bool
}

// NewSampler creates a sampler over n samples. With shuffle disabled the
// order is 0..n-1 every epoch.
func NewSampler(n, batchSize int, seed int64, shuffle bool) (*Sampler, error) {
	if n <= 0 {
		return nil, errors.New("sampler: no samples")
	}
	if batchSize <= 0 {
		return nil, errors.New("sampler: batch size must be > 0")
	}
	if seed == 0 {
		seed = 42
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return &Sampler{
		n:         n,
		batchSize: batchSize,
		rng:       rand.New(rand.NewSource(seed)),
		order:     order,
		shuffle:   shuffle,
	}, nil
}

// BatchesPerEpoch is ceil(n / batchSize).
func (s *Sampler) BatchesPerEpoch() int {
	return (s.n + s.batchSize - 1) / s.batchSize
}

// Epoch returns the batches of one epoch. Every batch has exactly
// batchSize indices; the last one is topped up from the head of the
// epoch's order so every sample is visited at least once.
func (s *Sampler) Epoch() [][]int {
	if s.shuffle {
		s.rng.Shuffle(len(s.order), func(i, j int) {
			s.order[i], s.order[j] = s.order[j], s.order[i]
		})
	}
	batches := make([][]int, 0, s.BatchesPerEpoch())
	for start := 0; start < s.n; start += s.batchSize {
		batch := make([]int, 0, s.batchSize)
		for i := start; len(batch) < s.batchSize; i++ {
			batch = append(batch, s.order[i%s.n])
		}
		batches = append(batches, batch)
	}
	return batches
}
