package bingo

// GridSize is the width and height of a bingo card.
const GridSize = 5

// FreeValue is the sentinel number for the free center cell.
const FreeValue = 0

// ColumnRange is the span of numbers each column draws from.
const ColumnRange = 15

// MaxNumber is the highest callable number.
const MaxNumber = GridSize * ColumnRange

// Grid is a 5x5 bingo card. Column c holds numbers from [15c+1, 15c+15],
// except the center cell which holds FreeValue.
type Grid [GridSize][GridSize]int

// Marks tracks which cells of a grid have been marked.
type Marks [GridSize][GridSize]bool

// NewMarks returns a fresh mark matrix with the free center pre-marked.
func NewMarks() Marks {
	var m Marks
	m[GridSize/2][GridSize/2] = true
	return m
}

// Contains reports whether n appears anywhere on the grid.
func (g Grid) Contains(n int) bool {
	for r := 0; r < GridSize; r++ {
		for c := 0; c < GridSize; c++ {
			if g[r][c] == n {
				return true
			}
		}
	}
	return false
}

// fingerprint returns a canonical key for grid uniqueness checks.
func (g Grid) fingerprint() [GridSize * GridSize]int {
	var fp [GridSize * GridSize]int
	for r := 0; r < GridSize; r++ {
		for c := 0; c < GridSize; c++ {
			fp[r*GridSize+c] = g[r][c]
		}
	}
	return fp
}
