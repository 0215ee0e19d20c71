// Package missingness removes features whose not-detected fraction among the
// biological samples of any batch exceeds a threshold. Batches combine by
// logical AND: the feature must be acceptably complete in every batch.
package missingness

import (
	"fmt"

	"github.com/carbocation/pfx"

	"github.com/abundqc/abundqc"
)

// Stage is the manifest stage label for this filter.
const Stage = "missingness"

// DefaultMaxFraction is the default inclusive missing-fraction threshold.
const DefaultMaxFraction = 0.2

// Filter retains each feature of m whose missing fraction among biological
// samples is at or below maxFraction in every batch. The threshold boundary
// is inclusive: a feature at exactly maxFraction is retained.
func Filter(m *abundqc.FeatureMatrix, cov *abundqc.CovariateTable, maxFraction float64) (*abundqc.FeatureSet, []abundqc.Exclusion, error) {
	type batchCols struct {
		batch string
		cols  []int
	}

	perBatch := make([]batchCols, 0, len(cov.Batches()))
	for _, batch := range cov.Batches() {
		bios := cov.BiologicalIn(batch)
		if len(bios) == 0 {
			return nil, nil, pfx.Err(fmt.Errorf("%w: batch %q has no biological samples", abundqc.ErrDataShape, batch))
		}
		cols := make([]int, 0, len(bios))
		for _, id := range bios {
			j, ok := m.SampleIndex(id)
			if !ok {
				return nil, nil, pfx.Err(fmt.Errorf("%w: unknown sample id %q", abundqc.ErrDataShape, id))
			}
			cols = append(cols, j)
		}
		perBatch = append(perBatch, batchCols{batch: batch, cols: cols})
	}

	kept := make([]string, 0, m.NFeatures())
	var exclusions []abundqc.Exclusion

	for i, id := range m.FeatureIDs() {
		row := m.Row(i)

		pass := true
		for _, bc := range perBatch {
			missing := 0
			for _, j := range bc.cols {
				if abundqc.IsMissing(row[j]) {
					missing++
				}
			}
			frac := float64(missing) / float64(len(bc.cols))
			if frac > maxFraction {
				pass = false
				exclusions = append(exclusions, abundqc.Exclusion{
					FeatureID: id,
					Stage:     Stage,
					Reason:    fmt.Sprintf("batch %s: %d/%d biological samples undetected (%.1f%% > %.1f%%)", bc.batch, missing, len(bc.cols), 100*frac, 100*maxFraction),
				})
				break
			}
		}

		if pass {
			kept = append(kept, id)
		}
	}

	return abundqc.NewFeatureSet(kept), exclusions, nil
}
