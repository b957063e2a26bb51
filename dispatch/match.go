package dispatch

// maxMatching pairs events with eligible counters along augmenting paths,
// skipping registers in blocked. It returns the events left without a
// counter in a maximum matching.
func maxMatching(eligible [][]uint, blocked map[uint]bool) []int {
	owner := make(map[uint]int)
	var augment func(i int, seen map[uint]bool) bool
	augment = func(i int, seen map[uint]bool) bool {
		for _, c := range eligible[i] {
			if blocked[c] || seen[c] {
				continue
			}
			seen[c] = true
			if j, ok := owner[c]; !ok || augment(j, seen) {
				owner[c] = i
				return true
			}
		}
		return false
	}

	var unplaced []int
	for i := range eligible {
		if !augment(i, make(map[uint]bool)) {
			unplaced = append(unplaced, i)
		}
	}
	return unplaced
}

// unmatched returns the events that cannot be placed outside reserved; empty
// means a collision-free placement exists.
func unmatched(eligible [][]uint, reserved map[uint]bool) []int {
	return maxMatching(eligible, reserved)
}

// firstChoice walks events in request order and gives each the lowest
// register that keeps the remaining events placeable. Reserved registers are
// never handed out. eligible must admit a perfect matching outside reserved.
func firstChoice(eligible [][]uint, reserved map[uint]bool) []uint {
	taken := make(map[uint]bool, len(eligible)+len(reserved))
	for r := range reserved {
		taken[r] = true
	}
	regs := make([]uint, len(eligible))
	for i := range eligible {
		for _, c := range eligible[i] {
			if taken[c] {
				continue
			}
			taken[c] = true
			if len(maxMatching(eligible[i+1:], taken)) == 0 {
				regs[i] = c
				break
			}
			delete(taken, c)
		}
	}
	return regs
}
