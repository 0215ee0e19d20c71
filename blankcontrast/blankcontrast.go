// Package blankcontrast removes features whose biological signal is not
// distinguishable from blank-sample background. Cutoffs are not fixed
// constants: each batch derives its own local noise cutoffs from the
// empirical distribution of blank-vs-biological differences, and the final
// retained set is the intersection across batches.
package blankcontrast

import (
	"fmt"
	"io"
	"sort"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/carbocation/pfx"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat"

	"github.com/abundqc/abundqc"
)

// Stage is the manifest stage label for this filter.
const Stage = "blank-contrast"

// DefaultBins is the default number of quantile bins used to partition
// fully-detected features by mean abundance.
const DefaultBins = 5

type Config struct {
	// Bins is the number of quantile bins of mean log-abundance used for
	// features detected in every blank replicate. Zero means DefaultBins.
	Bins int

	// DiagnosticWriter, when set, receives a terminal histogram of the
	// blank-vs-biological differences per batch. Calibration output only;
	// it never affects the filtering decision.
	DiagnosticWriter io.Writer
}

// featureContrast holds the per-batch blank contrast of one feature.
type featureContrast struct {
	row          int
	id           string
	blankMissing int
	nBlanks      int

	// diff and mean are only defined when at least one blank and one
	// biological replicate were detected.
	diff    float64
	mean    float64
	defined bool
}

// Filter returns the features of m retained by the blank contrast in every
// batch, plus the exclusion records for the rest. Expects raw (unlogged)
// intensities; the contrast itself is computed in log2 space.
func Filter(m *abundqc.FeatureMatrix, cov *abundqc.CovariateTable, cfg Config) (*abundqc.FeatureSet, []abundqc.Exclusion, error) {
	if cfg.Bins <= 0 {
		cfg.Bins = DefaultBins
	}

	logm := m.Log2()

	retained := m.FeatureSetAll()
	var exclusions []abundqc.Exclusion

	for _, batch := range cov.Batches() {
		blanks := cov.BlanksIn(batch)
		bios := cov.BiologicalIn(batch)

		if len(blanks) == 0 {
			// No background estimate exists for this batch, so it
			// contributes no evidence against any feature.
			continue
		}
		if len(bios) == 0 {
			return nil, nil, pfx.Err(fmt.Errorf("%w: batch %q has no biological samples", abundqc.ErrDataShape, batch))
		}

		keep, ex, err := filterBatch(logm, batch, blanks, bios, cfg)
		if err != nil {
			return nil, nil, err
		}

		retained = retained.Intersect(keep)
		exclusions = append(exclusions, ex...)
	}

	return retained, exclusions, nil
}

func filterBatch(logm *abundqc.FeatureMatrix, batch string, blanks, bios []string, cfg Config) (*abundqc.FeatureSet, []abundqc.Exclusion, error) {
	contrasts, err := batchContrasts(logm, blanks, bios)
	if err != nil {
		return nil, nil, err
	}

	if cfg.DiagnosticWriter != nil {
		printDiffHistogram(cfg.DiagnosticWriter, batch, contrasts)
	}

	kept := make([]string, 0, len(contrasts))
	var exclusions []abundqc.Exclusion
	exclude := func(c featureContrast, reason string) {
		exclusions = append(exclusions, abundqc.Exclusion{
			FeatureID: c.id,
			Stage:     Stage,
			Reason:    fmt.Sprintf("batch %s: %s", batch, reason),
		})
	}

	// Split by blank detection: set A was detected in every blank replicate
	// of this batch, set B has one or more not-detected blanks.
	var setA, setB []featureContrast
	for _, c := range contrasts {
		if c.blankMissing == 0 {
			setA = append(setA, c)
		} else {
			setB = append(setB, c)
		}
	}

	// Set A: quantile-bin by mean abundance, then derive a local cutoff per
	// bin from the first quartile of the negative differences.
	edges := quantileBinEdges(setA, cfg.Bins)
	binned := make([][]featureContrast, cfg.Bins)
	for _, c := range setA {
		if !c.defined {
			exclude(c, "no detected biological replicate to contrast against blanks")
			continue
		}
		b := binIndex(c.mean, edges)
		binned[b] = append(binned[b], c)
	}
	for bin, members := range binned {
		cutoff := negativeDiffCutoff(members)
		for _, c := range members {
			if c.diff > 0 && c.diff > cutoff {
				kept = append(kept, c.id)
				continue
			}
			exclude(c, fmt.Sprintf("difference %.4g not above bin-%d noise cutoff %.4g", c.diff, bin, cutoff))
		}
	}

	// Set B: sub-partition by the count of not-detected blank replicates. A
	// feature undetected in every blank has no background at all and is
	// retained unconditionally (the blank-safety guarantee).
	byMissing := make(map[int][]featureContrast)
	for _, c := range setB {
		if c.blankMissing == c.nBlanks {
			kept = append(kept, c.id)
			continue
		}
		byMissing[c.blankMissing] = append(byMissing[c.blankMissing], c)
	}
	counts := make([]int, 0, len(byMissing))
	for n := range byMissing {
		counts = append(counts, n)
	}
	sort.Ints(counts)
	for _, n := range counts {
		members := byMissing[n]
		cutoff := negativeDiffCutoff(members)
		for _, c := range members {
			if !c.defined {
				exclude(c, "no detected biological replicate to contrast against blanks")
				continue
			}
			if c.diff > cutoff {
				kept = append(kept, c.id)
				continue
			}
			exclude(c, fmt.Sprintf("difference %.4g not above noise cutoff %.4g (%d/%d blanks undetected)", c.diff, cutoff, n, c.nBlanks))
		}
	}

	return abundqc.NewFeatureSet(kept), exclusions, nil
}

// batchContrasts computes blank and biological mean log-intensities per
// feature for one batch.
func batchContrasts(logm *abundqc.FeatureMatrix, blanks, bios []string) ([]featureContrast, error) {
	blankCols, err := columnIndexes(logm, blanks)
	if err != nil {
		return nil, err
	}
	bioCols, err := columnIndexes(logm, bios)
	if err != nil {
		return nil, err
	}

	contrasts := make([]featureContrast, 0, logm.NFeatures())
	for i, id := range logm.FeatureIDs() {
		row := logm.Row(i)

		c := featureContrast{row: i, id: id, nBlanks: len(blankCols)}

		var blankSum float64
		var blankN int
		for _, j := range blankCols {
			if abundqc.IsMissing(row[j]) {
				c.blankMissing++
				continue
			}
			blankSum += row[j]
			blankN++
		}

		var bioSum float64
		var bioN int
		for _, j := range bioCols {
			if abundqc.IsMissing(row[j]) {
				continue
			}
			bioSum += row[j]
			bioN++
		}

		if blankN > 0 && bioN > 0 {
			blankMean := blankSum / float64(blankN)
			obsMean := bioSum / float64(bioN)
			c.diff = obsMean - blankMean
			c.mean = (blankMean + obsMean) / 2
			c.defined = true
		}

		contrasts = append(contrasts, c)
	}

	return contrasts, nil
}

func columnIndexes(m *abundqc.FeatureMatrix, sampleIDs []string) ([]int, error) {
	cols := make([]int, 0, len(sampleIDs))
	for _, id := range sampleIDs {
		j, ok := m.SampleIndex(id)
		if !ok {
			return nil, pfx.Err(fmt.Errorf("%w: unknown sample id %q", abundqc.ErrDataShape, id))
		}
		cols = append(cols, j)
	}
	return cols, nil
}

// quantileBinEdges returns the bins-1 interior bin edges of the defined mean
// abundances, at empirical quantiles.
func quantileBinEdges(contrasts []featureContrast, bins int) []float64 {
	means := make([]float64, 0, len(contrasts))
	for _, c := range contrasts {
		if c.defined {
			means = append(means, c.mean)
		}
	}
	sort.Float64s(means)

	edges := make([]float64, 0, bins-1)
	for i := 1; i < bins; i++ {
		p := float64(i) / float64(bins)
		if len(means) == 0 {
			edges = append(edges, 0)
			continue
		}
		edges = append(edges, stat.Quantile(p, stat.LinInterp, means, nil))
	}
	return edges
}

func binIndex(v float64, edges []float64) int {
	for i, e := range edges {
		if v <= e {
			return i
		}
	}
	return len(edges)
}

// negativeDiffCutoff derives the local noise cutoff for one partition: the
// absolute first quartile of the negative differences. A partition with no
// negative differences yields cutoff 0, so any strictly positive difference
// passes. That fallback is the conservative floor: blanks never exceeded
// biology anywhere in the partition.
func negativeDiffCutoff(members []featureContrast) float64 {
	neg := make([]float64, 0, len(members))
	for _, c := range members {
		if c.defined && c.diff < 0 {
			neg = append(neg, c.diff)
		}
	}
	if len(neg) == 0 {
		return 0
	}

	q, err := stats.Quartile(neg)
	if err != nil {
		return 0
	}

	cutoff := q.Q1
	if cutoff < 0 {
		cutoff = -cutoff
	}
	return cutoff
}

func printDiffHistogram(w io.Writer, batch string, contrasts []featureContrast) {
	diffs := make([]float64, 0, len(contrasts))
	for _, c := range contrasts {
		if c.defined {
			diffs = append(diffs, c.diff)
		}
	}
	if len(diffs) == 0 {
		return
	}

	fmt.Fprintf(w, "batch %s: blank-vs-biological log2 difference (%d features)\n", batch, len(diffs))
	hist := histogram.Hist(15, diffs)
	if err := histogram.Fprint(w, hist, histogram.Linear(40)); err != nil {
		fmt.Fprintf(w, "histogram unavailable: %v\n", err)
	}
}
