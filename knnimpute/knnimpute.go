// Package knnimpute fills not-detected cells with the mean of the k nearest
// feature rows that were detected in the same sample column. "Nearest" is
// Euclidean distance between log-intensity rows; neighbors missing at the
// target column are skipped rather than counted, so every imputed value is
// the mean of exactly k real donors.
//
// Distance-matrix construction is O(n²·m) and dominates the run on large
// feature counts.
package knnimpute

import (
	"fmt"
	"math"
	"sort"

	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/floats"

	"github.com/abundqc/abundqc"
)

// Stage is the manifest stage label for this routine.
const Stage = "knn-impute"

// DefaultK is the default donor count.
const DefaultK = 5

// Impute returns a new snapshot of m with every missing cell replaced by the
// arithmetic mean of its k nearest available donors. A fully observed matrix
// is returned unchanged. The result is a pure function of (m, k): repeated
// runs produce bit-identical values.
//
// If any column containing a missing cell has fewer than k detected values
// across the whole feature set, Impute fails with ErrInsufficientNeighbors
// rather than silently using fewer donors.
func Impute(m *abundqc.FeatureMatrix, k int) (*abundqc.FeatureMatrix, error) {
	if k <= 0 {
		k = DefaultK
	}

	n := m.NFeatures()
	cols := m.NSamples()

	rows := make([][]float64, n)
	rowHasMissing := make([]bool, n)
	observedPerCol := make([]int, cols)
	anyMissing := false

	for i := 0; i < n; i++ {
		rows[i] = m.Row(i)
		for j, v := range rows[i] {
			if abundqc.IsMissing(v) {
				rowHasMissing[i] = true
				anyMissing = true
				continue
			}
			observedPerCol[j]++
		}
	}

	if !anyMissing {
		return m.WithValues(rows)
	}

	for j := 0; j < cols; j++ {
		if observedPerCol[j] == 0 {
			// Also caught per-cell below; this catches the degenerate
			// fully-missing column early with a clearer diagnostic.
			return nil, pfx.Err(fmt.Errorf("%w: sample %q has no detected values at all", abundqc.ErrInsufficientNeighbors, m.SampleIDs()[j]))
		}
	}

	dist := distanceMatrix(rows, rowHasMissing)

	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		if !rowHasMissing[i] {
			out[i] = rows[i]
			continue
		}

		filled := append([]float64{}, rows[i]...)
		ranked := rankNeighbors(dist[i], i)

		for j, v := range filled {
			if !abundqc.IsMissing(v) {
				continue
			}
			if observedPerCol[j] < k {
				return nil, pfx.Err(fmt.Errorf("%w: feature %q, sample %q: %d donors available, need %d",
					abundqc.ErrInsufficientNeighbors, m.FeatureIDs()[i], m.SampleIDs()[j], observedPerCol[j], k))
			}

			sum := 0.0
			found := 0
			for _, nb := range ranked {
				dv := rows[nb][j]
				if abundqc.IsMissing(dv) {
					continue
				}
				sum += dv
				found++
				if found == k {
					break
				}
			}
			if found < k {
				return nil, pfx.Err(fmt.Errorf("%w: feature %q, sample %q: only %d reachable donors, need %d",
					abundqc.ErrInsufficientNeighbors, m.FeatureIDs()[i], m.SampleIDs()[j], found, k))
			}

			filled[j] = sum / float64(k)
		}

		out[i] = filled
	}

	return m.WithValues(out)
}

// distanceMatrix computes all-pairs Euclidean distances. Rows with missing
// cells are compared over their mutually observed columns, rescaled to the
// full column count so distances stay comparable across pairs with different
// overlap. A pair with no overlap at all gets +Inf.
func distanceMatrix(rows [][]float64, hasMissing []bool) [][]float64 {
	n := len(rows)
	cols := 0
	if n > 0 {
		cols = len(rows[0])
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}

	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			var d float64
			if !hasMissing[a] && !hasMissing[b] {
				d = floats.Distance(rows[a], rows[b], 2)
			} else {
				d = maskedDistance(rows[a], rows[b], cols)
			}
			dist[a][b] = d
			dist[b][a] = d
		}
	}

	return dist
}

func maskedDistance(a, b []float64, cols int) float64 {
	var ss float64
	shared := 0
	for j := range a {
		if abundqc.IsMissing(a[j]) || abundqc.IsMissing(b[j]) {
			continue
		}
		diff := a[j] - b[j]
		ss += diff * diff
		shared++
	}
	if shared == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(ss * float64(cols) / float64(shared))
}

// rankNeighbors returns all row indexes other than self, sorted by ascending
// distance with row index as the deterministic tie-break.
func rankNeighbors(dists []float64, self int) []int {
	idx := make([]int, 0, len(dists)-1)
	for i := range dists {
		if i != self {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(x, y int) bool {
		if dists[idx[x]] != dists[idx[y]] {
			return dists[idx[x]] < dists[idx[y]]
		}
		return idx[x] < idx[y]
	})
	return idx
}
