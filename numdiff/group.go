package numdiff

// GroupColumns partitions the columns of an m×n sparse matrix so that no two
// columns in the same group have a nonzero in the same row.
//
// structure[j] lists the nonzero rows of column j. Columns are visited in natural
// order and greedily added to the current group while they do not intersect it,
// which keeps the result deterministic for a given structure.
// It returns the group of every column and the number of groups.
//
// # Reference:
//
//   - https://github.com/scipy/scipy/blob/main/scipy/optimize/_group_columns.py
func GroupColumns(structure [][]int, m int) (groups []int, count int) {

	n := len(structure)
	groups = make([]int, n)
	for j := range groups {
		groups[j] = -1
	}

	union := make([]bool, m)
	for j := 0; j < n; j++ {
		if groups[j] >= 0 {
			continue
		}

		groups[j] = count
		clear(union)
		for _, i := range structure[j] {
			union[i] = true
		}

		for k := j + 1; k < n; k++ {
			if groups[k] >= 0 {
				continue
			}
			if intersects(union, structure[k]) {
				continue
			}
			for _, i := range structure[k] {
				union[i] = true
			}
			groups[k] = count
		}
		count++
	}
	return
}

func intersects(union []bool, rows []int) bool {
	for _, i := range rows {
		if union[i] {
			return true
		}
	}
	return false
}
