// Package reliability removes features whose technical reproducibility is
// too low. Per feature and per batch it fits a two-level random-intercept
// variance model in which every biological sample is its own group level and
// all QC replicates of the batch share one pooled level, then scores the
// feature by the intraclass correlation ICC = v_b / (v_b + v_r). A feature
// survives only if its ICC clears the threshold in every batch.
//
// The per-feature fits are independent and are dispatched across a bounded
// worker pool; results are joined by feature row so the output order never
// depends on scheduling.
package reliability

import (
	"fmt"
	"sync"

	"github.com/carbocation/pfx"

	"github.com/abundqc/abundqc"
)

// Stage is the manifest stage label for this filter.
const Stage = "reliability"

// Defaults.
const (
	DefaultThreshold = 0.2
	DefaultWorkers   = 4
)

// Solver extracts the between-group and residual variance components from
// grouped observations. It is the seam for substituting a different
// mixed-effects backend; the package default is a method-of-moments one-way
// decomposition.
type Solver func(groups [][]float64) (between, residual float64, err error)

type Config struct {
	// Threshold is the exclusive ICC lower bound; retain iff ICC > Threshold
	// in every evaluated batch. Zero means DefaultThreshold.
	Threshold float64

	// Workers bounds the fitting pool. Zero means DefaultWorkers.
	Workers int

	// Solve extracts variance components. Nil means MomentSolver.
	Solve Solver
}

type batchDesign struct {
	batch   string
	bioCols []int
	qcCols  []int
}

type featureVerdict struct {
	pass   bool
	reason string
}

// Filter returns the features of m whose ICC exceeds the threshold in every
// batch, plus exclusion records for the rest. Expects the imputed log-space
// matrix over biological and QC columns. Features whose variance model
// cannot be fit (singular, or too few effective groups) are excluded with a
// recorded reason rather than aborting the run.
func Filter(m *abundqc.FeatureMatrix, cov *abundqc.CovariateTable, cfg Config) (*abundqc.FeatureSet, []abundqc.Exclusion, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Solve == nil {
		cfg.Solve = MomentSolver
	}

	designs, err := batchDesigns(m, cov)
	if err != nil {
		return nil, nil, err
	}

	n := m.NFeatures()
	verdicts := make([]featureVerdict, n)

	concurrencyLimit := make(chan struct{}, cfg.Workers)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		concurrencyLimit <- struct{}{}

		go func(i int) {
			defer wg.Done()
			verdicts[i] = evaluateFeature(m.Row(i), designs, cfg)
			<-concurrencyLimit
		}(i)
	}

	wg.Wait()

	kept := make([]string, 0, n)
	var exclusions []abundqc.Exclusion
	for i, id := range m.FeatureIDs() {
		if verdicts[i].pass {
			kept = append(kept, id)
			continue
		}
		exclusions = append(exclusions, abundqc.Exclusion{FeatureID: id, Stage: Stage, Reason: verdicts[i].reason})
	}

	return abundqc.NewFeatureSet(kept), exclusions, nil
}

// batchDesigns resolves per-batch column indexes. A batch needs at least two
// QC replicates to estimate residual variance; a batch with fewer carries no
// reproducibility evidence and is skipped. If no batch is usable the whole
// filter is a configuration error.
func batchDesigns(m *abundqc.FeatureMatrix, cov *abundqc.CovariateTable) ([]batchDesign, error) {
	var designs []batchDesign
	for _, batch := range cov.Batches() {
		qcs := cov.QCIn(batch)
		if len(qcs) < 2 {
			continue
		}
		bios := cov.BiologicalIn(batch)

		d := batchDesign{batch: batch}
		for _, id := range bios {
			if j, ok := m.SampleIndex(id); ok {
				d.bioCols = append(d.bioCols, j)
			}
		}
		for _, id := range qcs {
			if j, ok := m.SampleIndex(id); ok {
				d.qcCols = append(d.qcCols, j)
			}
		}
		if len(d.qcCols) < 2 || len(d.bioCols) == 0 {
			continue
		}
		designs = append(designs, d)
	}

	if len(designs) == 0 {
		return nil, pfx.Err(fmt.Errorf("%w: no batch has both biological samples and at least two QC replicates", abundqc.ErrDataShape))
	}

	return designs, nil
}

// evaluateFeature requires the per-batch pass count to equal the number of
// evaluated batches.
func evaluateFeature(row []float64, designs []batchDesign, cfg Config) featureVerdict {
	passes := 0
	for _, d := range designs {
		icc, err := batchICC(row, d, cfg.Solve)
		if err != nil {
			return featureVerdict{reason: fmt.Sprintf("batch %s: %v", d.batch, err)}
		}
		if icc <= cfg.Threshold {
			return featureVerdict{reason: fmt.Sprintf("batch %s: ICC %.4f not above %.4f", d.batch, icc, cfg.Threshold)}
		}
		passes++
	}

	return featureVerdict{pass: passes == len(designs)}
}

// batchICC builds the reliability grouping (biological singletons plus one
// pooled QC group) and returns the intraclass correlation of a valid fit.
// ICC lies in [0, 1]; residual variance near zero drives it toward 1.
func batchICC(row []float64, d batchDesign, solve Solver) (float64, error) {
	groups := make([][]float64, 0, len(d.bioCols)+1)
	for _, j := range d.bioCols {
		if abundqc.IsMissing(row[j]) {
			continue
		}
		groups = append(groups, []float64{row[j]})
	}

	qc := make([]float64, 0, len(d.qcCols))
	for _, j := range d.qcCols {
		if abundqc.IsMissing(row[j]) {
			continue
		}
		qc = append(qc, row[j])
	}
	if len(qc) > 0 {
		groups = append(groups, qc)
	}

	vb, vr, err := solve(groups)
	if err != nil {
		return 0, err
	}

	return vb / (vb + vr), nil
}
