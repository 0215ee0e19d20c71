package normsearch

import (
	"fmt"
	"math"

	"github.com/carbocation/pfx"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/abundqc/abundqc"
)

// Stage is the manifest stage label for this engine.
const Stage = "normalization-search"

// Screening thresholds, derived from the diagnostic pass. A factor is
// "useful" when it tracks a known confounder axis at all; adjustment is
// "known necessary" when the leading factor tracks one strongly.
const (
	UsefulFactorCorrelation        = 0.3
	AdjustmentNecessaryCorrelation = 0.5
)

// DefaultLeadingPCs is how many principal components the scoring metrics
// examine.
const DefaultLeadingPCs = 3

// Candidate is one normalization recipe: the scaling function, whether to
// regress out biology before factor estimation, how many unwanted-variation
// factors to remove, whether to remove the batch × gel confound factor, and
// how many QC run-order factors to remove.
type Candidate struct {
	Index         int
	ScalingID     string
	AdjustBiology bool
	KRUV          int
	AdjustBatch   bool
	KQC           int

	// Screened marks recipes discarded before evaluation because their
	// settings contradict the diagnostic pass.
	Screened     bool
	ScreenReason string

	// Err records an evaluation failure; such candidates are not ranked.
	Err error

	Metrics  map[string]float64
	MeanRank float64
	Rank     int

	normalized *mat.Dense
}

// Settings formats the recipe compactly for logs and the ranking table.
func (c *Candidate) Settings() string {
	return fmt.Sprintf("%s bio=%t k_ruv=%d batch=%t k_qc=%d", c.ScalingID, c.AdjustBiology, c.KRUV, c.AdjustBatch, c.KQC)
}

// Diagnostics reports the calibration pre-pass: the first factors estimated
// from negative-control residuals and how strongly each tracks the known
// batch × gel structure. It informs screening and operator review only; it
// is not part of the selection rule.
type Diagnostics struct {
	SampleIDs    []string
	Groups       []abundqc.ConfoundGroup
	FactorScores *mat.Dense // samples × k
	ConfounderR  []float64  // per factor, max |correlation| with a confounder axis
}

type EngineConfig struct {
	// Scalings defaults to Library().
	Scalings []Scaling

	// MaxKRUV and MaxKQC bound the two integer knobs.
	MaxKRUV int
	MaxKQC  int

	// Controls is the externally selected negative-control feature set.
	Controls *abundqc.FeatureSet

	// Estimate defaults to SVDFactors.
	Estimate FactorEstimator

	// LeadingPCs defaults to DefaultLeadingPCs.
	LeadingPCs int
}

type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	if len(cfg.Scalings) == 0 {
		cfg.Scalings = Library()
	}
	if cfg.Estimate == nil {
		cfg.Estimate = SVDFactors
	}
	if cfg.LeadingPCs <= 0 {
		cfg.LeadingPCs = DefaultLeadingPCs
	}
	return &Engine{cfg: cfg}
}

// Result is the outcome of a search: every enumerated candidate, the ranked
// subset that survived screening and evaluation, and the winner's normalized
// matrix.
type Result struct {
	Diagnostics *Diagnostics
	Candidates  []*Candidate // enumeration order, including screened-out
	Ranked      []*Candidate // final total order
	Best        *Candidate
	Normalized  *abundqc.FeatureMatrix
}

// Run searches the recipe grid over m, which must be the imputed log2
// matrix over biological and QC columns. The returned ranking is a total
// order: mean rank across the metric rubric, ties broken by enumeration
// order.
func (e *Engine) Run(m *abundqc.FeatureMatrix, cov *abundqc.CovariateTable) (*Result, error) {
	if e.cfg.Controls == nil || e.cfg.Controls.Len() == 0 {
		return nil, pfx.Err(fmt.Errorf("%w: no negative-control features supplied", abundqc.ErrDataShape))
	}

	info, err := newSampleInfo(m, cov)
	if err != nil {
		return nil, err
	}

	Y0, featureCols := toSampleMajor(m)
	controlCols := make([]int, 0, e.cfg.Controls.Len())
	for _, id := range e.cfg.Controls.IDs() {
		if c, ok := featureCols[id]; ok {
			controlCols = append(controlCols, c)
		}
	}

	diag, err := e.diagnosticPass(Y0, info, featureCols)
	if err != nil {
		return nil, err
	}

	cands := e.enumerate(diag)

	linear := linearColumns(m)
	factorCache := make(map[string][]float64, len(e.cfg.Scalings))
	scalingByID := make(map[string]Scaling, len(e.cfg.Scalings))
	for _, s := range e.cfg.Scalings {
		scalingByID[s.ID] = s
	}

	var ranked []*Candidate
	for _, c := range cands {
		if c.Screened {
			continue
		}

		factors, ok := factorCache[c.ScalingID]
		if !ok {
			var ferr error
			factors, ferr = scalingByID[c.ScalingID].Factors(linear)
			if ferr != nil {
				return nil, ferr
			}
			factorCache[c.ScalingID] = factors
		}

		if err := e.evaluate(c, Y0, factors, info, featureCols, controlCols); err != nil {
			c.Err = err
			continue
		}
		ranked = append(ranked, c)
	}

	if len(ranked) == 0 {
		return nil, pfx.Err(fmt.Errorf("%w: every candidate recipe failed evaluation", abundqc.ErrModelFit))
	}

	rankCandidates(ranked)
	best := ranked[0]

	normalized, err := fromSampleMajor(best.normalized, m)
	if err != nil {
		return nil, err
	}

	return &Result{
		Diagnostics: diag,
		Candidates:  cands,
		Ranked:      ranked,
		Best:        best,
		Normalized:  normalized,
	}, nil
}

// diagnosticPass estimates the first MaxKRUV factors from the raw (unscaled)
// control residuals and measures each against the known confounder axes.
func (e *Engine) diagnosticPass(Y0 *mat.Dense, info *sampleInfo, featureCols map[string]int) (*Diagnostics, error) {
	diag := &Diagnostics{SampleIDs: info.ids, Groups: info.groups}
	if e.cfg.MaxKRUV == 0 {
		return diag, nil
	}

	R, err := controlResiduals(Y0, e.cfg.Controls, featureCols)
	if err != nil {
		return nil, err
	}

	n, p := R.Dims()
	k := e.cfg.MaxKRUV
	if k > n {
		k = n
	}
	if k > p {
		k = p
	}
	if k == 0 {
		return diag, nil
	}

	W, err := e.cfg.Estimate(R, k)
	if err != nil {
		return nil, err
	}
	diag.FactorScores = W

	axes := confounderAxes(info)
	diag.ConfounderR = make([]float64, k)
	score := make([]float64, n)
	for j := 0; j < k; j++ {
		mat.Col(score, j, W)
		var worst float64
		for _, axis := range axes {
			if r := math.Abs(stat.Correlation(score, axis, nil)); !math.IsNaN(r) && r > worst {
				worst = r
			}
		}
		diag.ConfounderR[j] = worst
	}

	return diag, nil
}

// confounderAxes returns the numeric axes that represent known technical
// structure: one indicator per batch × gel group beyond the first, the gel
// flag, and the run order.
func confounderAxes(info *sampleInfo) [][]float64 {
	axes := info.confoundDummies()
	axes = append(axes, info.gelReg, info.runOrder)
	return axes
}

// enumerate walks the full recipe grid in fixed order and screens out
// recipes whose settings contradict the diagnostics. The identity baseline
// (first scaling, no adjustments) is never screened: it anchors every
// comparison.
func (e *Engine) enumerate(diag *Diagnostics) []*Candidate {
	usefulK := 0
	for j, r := range diag.ConfounderR {
		if r >= UsefulFactorCorrelation {
			usefulK = j + 1
		}
	}
	adjustmentNecessary := len(diag.ConfounderR) > 0 && diag.ConfounderR[0] >= AdjustmentNecessaryCorrelation

	var cands []*Candidate
	idx := 0
	for _, scaling := range e.cfg.Scalings {
		for _, adjBio := range []bool{false, true} {
			for kruv := 0; kruv <= e.cfg.MaxKRUV; kruv++ {
				for _, adjBatch := range []bool{false, true} {
					for kqc := 0; kqc <= e.cfg.MaxKQC; kqc++ {
						c := &Candidate{
							Index:         idx,
							ScalingID:     scaling.ID,
							AdjustBiology: adjBio,
							KRUV:          kruv,
							AdjustBatch:   adjBatch,
							KQC:           kqc,
						}
						idx++

						baseline := idx == 1 // first enumerated recipe: scaled-only
						switch {
						case baseline:
							// Always evaluated.
						case kruv > usefulK:
							c.Screened = true
							c.ScreenReason = fmt.Sprintf("k_ruv=%d beyond the %d factor(s) that track known confounders", kruv, usefulK)
						case adjustmentNecessary && kruv == 0 && !adjBatch:
							c.Screened = true
							c.ScreenReason = "no unwanted-variation adjustment, but the leading factor strongly tracks a known confounder"
						}

						cands = append(cands, c)
					}
				}
			}
		}
	}

	return cands
}

// evaluate materializes one candidate's normalized matrix and scores it.
func (e *Engine) evaluate(c *Candidate, Y0 *mat.Dense, factors []float64, info *sampleInfo, featureCols map[string]int, controlCols []int) error {
	n, p := Y0.Dims()

	// Library scaling: dividing a linear intensity by its factor is a
	// per-column shift in log2 space.
	scaled := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		shift := math.Log2(factors[i])
		for j := 0; j < p; j++ {
			scaled.Set(i, j, Y0.At(i, j)-shift)
		}
	}

	// Factor estimation may first remove biology-related variance so the
	// unwanted-variation factors cannot absorb genuine signal.
	est := scaled
	if c.AdjustBiology && info.caseKnown {
		var err error
		est, err = removeComponents(scaled, [][]float64{centered(info.caseReg)})
		if err != nil {
			return pfx.Err(fmt.Errorf("%w: biology regression: %v", abundqc.ErrModelFit, err))
		}
	}

	var nuisance [][]float64
	if c.KRUV > 0 {
		R, err := controlResiduals(est, e.cfg.Controls, featureCols)
		if err != nil {
			return err
		}
		W, err := e.cfg.Estimate(R, c.KRUV)
		if err != nil {
			return err
		}
		col := make([]float64, n)
		for j := 0; j < c.KRUV; j++ {
			mat.Col(col, j, W)
			nuisance = append(nuisance, centered(col))
		}
	}
	if c.AdjustBatch {
		nuisance = append(nuisance, info.confoundDummies()...)
	}
	nuisance = append(nuisance, info.runOrderPolynomials(c.KQC)...)

	final, err := removeComponents(scaled, nuisance)
	if err != nil {
		return pfx.Err(fmt.Errorf("%w: nuisance regression: %v", abundqc.ErrModelFit, err))
	}

	c.normalized = final
	scoreCandidate(c, final, info, controlCols, e.cfg.LeadingPCs)
	return nil
}

// toSampleMajor converts a snapshot to sample-major orientation for the
// linear algebra, plus a feature-id → column map.
func toSampleMajor(m *abundqc.FeatureMatrix) (*mat.Dense, map[string]int) {
	n := m.NSamples()
	p := m.NFeatures()
	Y := mat.NewDense(n, p, nil)
	cols := make(map[string]int, p)
	for i, id := range m.FeatureIDs() {
		cols[id] = i
		row := m.Row(i)
		for j := 0; j < n; j++ {
			Y.Set(j, i, row[j])
		}
	}
	return Y, cols
}

// fromSampleMajor converts back to a feature-major snapshot aligned with
// template's ids.
func fromSampleMajor(Y *mat.Dense, template *abundqc.FeatureMatrix) (*abundqc.FeatureMatrix, error) {
	n := template.NSamples()
	p := template.NFeatures()
	values := make([][]float64, p)
	for i := 0; i < p; i++ {
		row := make([]float64, n)
		for j := 0; j < n; j++ {
			row[j] = Y.At(j, i)
		}
		values[i] = row
	}
	return template.WithValues(values)
}

// linearColumns reverses the log2 transform per sample column for the
// scaling-factor functions, which are defined on linear intensities.
func linearColumns(m *abundqc.FeatureMatrix) [][]float64 {
	n := m.NSamples()
	p := m.NFeatures()
	cols := make([][]float64, n)
	for j := 0; j < n; j++ {
		cols[j] = make([]float64, p)
	}
	for i := 0; i < p; i++ {
		row := m.Row(i)
		for j := 0; j < n; j++ {
			if abundqc.IsMissing(row[j]) {
				cols[j][i] = 0
				continue
			}
			cols[j][i] = math.Exp2(row[j])
		}
	}
	return cols
}
