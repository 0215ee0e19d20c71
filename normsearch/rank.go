package normsearch

import "sort"

// averageRanks returns 0-based rank positions of values, with coequal values
// assigned the mean of the ranks they span. When higherIsBetter, larger
// values receive smaller ranks.
func averageRanks(values []float64, higherIsBetter bool) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		if higherIsBetter {
			return values[idx[a]] > values[idx[b]]
		}
		return values[idx[a]] < values[idx[b]]
	})

	ranks := make([]float64, n)
	for pos := 0; pos < n; {
		end := pos + 1
		for end < n && values[idx[end]] == values[idx[pos]] {
			end++
		}
		// Coequal block [pos, end) shares the mean rank.
		mean := float64(pos+end-1) / 2
		for k := pos; k < end; k++ {
			ranks[idx[k]] = mean
		}
		pos = end
	}

	return ranks
}

// rankCandidates aggregates per-metric ranks into one mean rank per
// candidate and sorts into the final total order: ascending mean rank,
// ties broken by candidate enumeration order.
func rankCandidates(cands []*Candidate) {
	defs := rubric()

	for _, def := range defs {
		values := make([]float64, len(cands))
		for i, c := range cands {
			values[i] = c.Metrics[def.name]
		}
		ranks := averageRanks(values, def.higherIsBetter)
		for i, c := range cands {
			c.MeanRank += ranks[i] / float64(len(defs))
		}
	}

	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].MeanRank != cands[b].MeanRank {
			return cands[a].MeanRank < cands[b].MeanRank
		}
		return cands[a].Index < cands[b].Index
	})

	for i, c := range cands {
		c.Rank = i + 1
	}
}
