package bingo

// HasBingo reports whether any complete row, column, or either diagonal is
// fully marked. The center cell counts as marked regardless of input. Partial
// patterns such as four corners do not count.
func HasBingo(m Marks) bool {
	m[GridSize/2][GridSize/2] = true

	for r := 0; r < GridSize; r++ {
		full := true
		for c := 0; c < GridSize; c++ {
			if !m[r][c] {
				full = false
				break
			}
		}
		if full {
			return true
		}
	}

	for c := 0; c < GridSize; c++ {
		full := true
		for r := 0; r < GridSize; r++ {
			if !m[r][c] {
				full = false
				break
			}
		}
		if full {
			return true
		}
	}

	diag, anti := true, true
	for i := 0; i < GridSize; i++ {
		if !m[i][i] {
			diag = false
		}
		if !m[i][GridSize-1-i] {
			anti = false
		}
	}
	return diag || anti
}
