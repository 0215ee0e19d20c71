package normsearch

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Metric names, in rubric order. Each candidate is ranked per metric and the
// ranks are averaged, so no metric's scale dominates another's.
const (
	MetricBatchSeparation   = "batch_separation"
	MetricBioSignal         = "bio_signal"
	MetricQCStability       = "qc_stability"
	MetricControlEnrichment = "control_enrichment"
	MetricConfounderPCCor   = "confounder_pc_cor"
)

type metricDef struct {
	name           string
	higherIsBetter bool
}

func rubric() []metricDef {
	return []metricDef{
		{MetricBatchSeparation, false},
		{MetricBioSignal, true},
		{MetricQCStability, false},
		{MetricControlEnrichment, false},
		{MetricConfounderPCCor, false},
	}
}

// leadingPCScores returns the sample scores on the first npc principal
// components of Y (samples × features).
func leadingPCScores(Y *mat.Dense, npc int) ([][]float64, bool) {
	n, p := Y.Dims()
	if npc > n {
		npc = n
	}
	if npc > p {
		npc = p
	}
	if npc == 0 || n < 2 {
		return nil, false
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(Y, nil); !ok {
		return nil, false
	}

	var vec mat.Dense
	pc.VectorsTo(&vec)

	// Project the column-centered data onto the component directions.
	centered := mat.NewDense(n, p, nil)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		mat.Col(col, j, Y)
		var sum float64
		for _, v := range col {
			sum += v
		}
		mean := sum / float64(n)
		for i, v := range col {
			centered.Set(i, j, v-mean)
		}
	}

	scores := make([][]float64, npc)
	for c := 0; c < npc; c++ {
		dir := make([]float64, p)
		mat.Col(dir, c, &vec)
		s := make([]float64, n)
		for i := 0; i < n; i++ {
			var dot float64
			for j := 0; j < p; j++ {
				dot += centered.At(i, j) * dir[j]
			}
			s[i] = dot
		}
		scores[c] = s
	}

	return scores, true
}

// groupEta2 is the fraction of a score vector's variance explained by a
// categorical grouping (between-group SS over total SS).
func groupEta2(scores []float64, labels []string) float64 {
	type agg struct {
		n   float64
		sum float64
	}
	groups := make(map[string]*agg)
	var grandSum float64
	for i, v := range scores {
		g := groups[labels[i]]
		if g == nil {
			g = &agg{}
			groups[labels[i]] = g
		}
		g.n++
		g.sum += v
		grandSum += v
	}
	grandMean := grandSum / float64(len(scores))

	var ssTotal float64
	for _, v := range scores {
		d := v - grandMean
		ssTotal += d * d
	}
	if ssTotal == 0 {
		return 0
	}

	var ssBetween float64
	for _, g := range groups {
		d := g.sum/g.n - grandMean
		ssBetween += g.n * d * d
	}

	return ssBetween / ssTotal
}

// featureSMDs returns the absolute standardized mean difference between case
// and control biological columns, one value per feature column of Y. False
// when case/control status is unavailable.
func featureSMDs(Y *mat.Dense, info *sampleInfo) ([]float64, bool) {
	if !info.caseKnown {
		return nil, false
	}

	n, p := Y.Dims()
	out := make([]float64, p)
	col := make([]float64, n)

	for j := 0; j < p; j++ {
		mat.Col(col, j, Y)

		var caseVals, ctrlVals []float64
		for i := 0; i < n; i++ {
			if !info.isBio[i] {
				continue
			}
			switch {
			case info.caseReg[i] > 0:
				caseVals = append(caseVals, col[i])
			case info.caseReg[i] < 0:
				ctrlVals = append(ctrlVals, col[i])
			}
		}
		if len(caseVals) < 2 || len(ctrlVals) < 2 {
			out[j] = 0
			continue
		}

		mc, sc := stat.MeanStdDev(caseVals, nil)
		mt, st := stat.MeanStdDev(ctrlVals, nil)
		pooled := math.Sqrt((sc*sc + st*st) / 2)
		if pooled == 0 {
			out[j] = 0
			continue
		}
		out[j] = math.Abs(mc-mt) / pooled
	}

	return out, true
}

// scoreCandidate fills the candidate's raw metric values from its normalized
// matrix.
func scoreCandidate(c *Candidate, Y *mat.Dense, info *sampleInfo, controlCols []int, npc int) {
	c.Metrics = make(map[string]float64, 5)

	pcs, havePCs := leadingPCScores(Y, npc)

	// Batch-separation reduction: average variance fraction the batch
	// grouping explains across the leading components.
	if havePCs {
		var total float64
		for _, s := range pcs {
			total += groupEta2(s, info.batchOf)
		}
		c.Metrics[MetricBatchSeparation] = total / float64(len(pcs))
	}

	// Biological-signal preservation: median case-vs-control separation
	// across features.
	smds, haveSMD := featureSMDs(Y, info)
	if haveSMD {
		c.Metrics[MetricBioSignal] = medianOf(smds)
	}

	// QC-replicate stability: median per-feature spread across QC columns.
	c.Metrics[MetricQCStability] = medianQCSpread(Y, info)

	// Negative-control enrichment: after re-ranking features by biological
	// association, controls should sit at the unassociated end. The value is
	// the mean normalized association rank of the controls, 0 = least
	// associated.
	if haveSMD && len(controlCols) > 0 {
		c.Metrics[MetricControlEnrichment] = meanNormalizedRank(smds, controlCols)
	}

	// Confounder correlation: the strongest absolute correlation between any
	// leading component and a known confounder axis.
	if havePCs {
		var worst float64
		for _, s := range pcs {
			for _, conf := range [][]float64{info.gelReg, info.runOrder} {
				if r := math.Abs(stat.Correlation(s, conf, nil)); !math.IsNaN(r) && r > worst {
					worst = r
				}
			}
		}
		c.Metrics[MetricConfounderPCCor] = worst
	}
}

func medianOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64{}, v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.LinInterp, s, nil)
}

func medianQCSpread(Y *mat.Dense, info *sampleInfo) float64 {
	n, p := Y.Dims()
	var qcIdx []int
	for i := 0; i < n; i++ {
		if info.isQC[i] {
			qcIdx = append(qcIdx, i)
		}
	}
	if len(qcIdx) < 2 {
		return 0
	}

	spreads := make([]float64, p)
	col := make([]float64, n)
	vals := make([]float64, 0, len(qcIdx))
	for j := 0; j < p; j++ {
		mat.Col(col, j, Y)
		vals = vals[:0]
		for _, i := range qcIdx {
			vals = append(vals, col[i])
		}
		_, sd := stat.MeanStdDev(vals, nil)
		spreads[j] = sd
	}

	return medianOf(spreads)
}

// meanNormalizedRank ranks all features by ascending association and returns
// the mean normalized rank position of the listed columns.
func meanNormalizedRank(assoc []float64, cols []int) float64 {
	ranks := averageRanks(assoc, false)

	var sum float64
	for _, c := range cols {
		sum += ranks[c]
	}
	denom := float64(len(assoc) - 1)
	if denom == 0 {
		return 0
	}
	return sum / float64(len(cols)) / denom
}
