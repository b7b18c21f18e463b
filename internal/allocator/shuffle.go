package allocator

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// Shuffler permutes n elements through swap.
type Shuffler interface {
	Shuffle(n int, swap func(i, j int))
}

// fisherYates is a Fisher–Yates shuffle over a PCG source seeded from the
// operating system's entropy pool.
type fisherYates struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewShuffler() Shuffler {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return &fisherYates{rng: rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(seed[:8]),
		binary.LittleEndian.Uint64(seed[8:]),
	))}
}

// NewSeededShuffler returns a reproducible shuffler for tests and replays.
func NewSeededShuffler(seed uint64) Shuffler {
	return &fisherYates{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (f *fisherYates) Shuffle(n int, swap func(i, j int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := n - 1; i > 0; i-- {
		j := f.rng.IntN(i + 1)
		swap(i, j)
	}
}

func shuffleIDs(s Shuffler, ids []int64) {
	s.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}
