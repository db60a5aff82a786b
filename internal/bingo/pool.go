package bingo

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// NewGrid generates a single card. Each column draws five distinct numbers
// from its letter range, sorted ascending, with the center forced free.
func NewGrid(rng *rand.Rand) Grid {
	var g Grid
	for c := 0; c < GridSize; c++ {
		low := c*ColumnRange + 1
		perm := rng.Perm(ColumnRange)[:GridSize]
		nums := make([]int, GridSize)
		for i, p := range perm {
			nums[i] = low + p
		}
		slices.Sort(nums)
		for r := 0; r < GridSize; r++ {
			g[r][c] = nums[r]
		}
	}
	g[GridSize/2][GridSize/2] = FreeValue
	return g
}

// GeneratePool produces size distinct grids. Two grids are distinct when they
// differ in at least one cell. Collisions are regenerated; the candidate space
// dwarfs any realistic pool size so this terminates in practice.
func GeneratePool(size int, rng *rand.Rand) ([]Grid, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	seen := make(map[[GridSize * GridSize]int]struct{}, size)
	pool := make([]Grid, 0, size)
	for len(pool) < size {
		g := NewGrid(rng)
		fp := g.fingerprint()
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		pool = append(pool, g)
	}
	return pool, nil
}
