package balancing

/*
ComputeImbalance returns how far each cell sits above target+threshold, zero for cells at or below
it, together with the number of cells that are strictly above.
*/
func ComputeImbalance(volts []uint16, threshold, target uint16) ([]uint16, int) {
	excess := make([]uint16, len(volts))
	limit := uint32(target) + uint32(threshold)
	count := 0
	for i, v := range volts {
		if uint32(v) > limit {
			excess[i] = uint16(uint32(v) - limit)
			count++
		}
	}
	return excess, count
}

/*
ExcludeNeighbors picks the subset of cells with the largest total excess such that no two chosen
cells are adjacent. dp[i] is the best total using the first i cells; the choice is recovered by
walking dp backwards.
*/
func ExcludeNeighbors(excess []uint16) []bool {
	n := len(excess)
	sel := make([]bool, n)
	if n == 0 {
		return sel
	}
	dp := make([]uint32, n+1)
	dp[1] = uint32(excess[0])
	for i := 2; i <= n; i++ {
		take := dp[i-2] + uint32(excess[i-1])
		if take > dp[i-1] {
			dp[i] = take
		} else {
			dp[i] = dp[i-1]
		}
	}
	for i := n; i > 0; {
		if dp[i] == dp[i-1] {
			i--
			continue
		}
		sel[i-1] = true
		i -= 2
	}
	return sel
}

// Total returns the summed excess of the selected cells.
func Total(excess []uint16, sel []bool) uint32 {
	var total uint32
	for i, on := range sel {
		if on && i < len(excess) {
			total += uint32(excess[i])
		}
	}
	return total
}
