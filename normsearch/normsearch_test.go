package normsearch

import (
	"fmt"
	"math"
	"testing"

	"github.com/abundqc/abundqc"
)

func TestAverageRanks(t *testing.T) {
	for _, tc := range []struct {
		name           string
		values         []float64
		higherIsBetter bool
		want           []float64
	}{
		{
			name:   "ascending lower is better",
			values: []float64{0.3, 0.1, 0.2},
			want:   []float64{2, 0, 1},
		},
		{
			name:           "higher is better",
			values:         []float64{0.3, 0.1, 0.2},
			higherIsBetter: true,
			want:           []float64{0, 2, 1},
		},
		{
			// Coequal values share the mean of the spanned ranks.
			name:   "ties averaged",
			values: []float64{0.5, 0.5, 0.1, 0.9},
			want:   []float64{1.5, 1.5, 0, 3},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := averageRanks(tc.values, tc.higherIsBetter)
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("rank[%d] = %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

// The final ranking is a total order: distinct ranks 1..n, with candidate
// enumeration order breaking metric ties.
func TestRankCandidatesTotalOrder(t *testing.T) {
	same := map[string]float64{
		MetricBatchSeparation:   0.5,
		MetricBioSignal:         0.5,
		MetricQCStability:       0.5,
		MetricControlEnrichment: 0.5,
		MetricConfounderPCCor:   0.5,
	}
	better := map[string]float64{
		MetricBatchSeparation:   0.1,
		MetricBioSignal:         0.9,
		MetricQCStability:       0.1,
		MetricControlEnrichment: 0.1,
		MetricConfounderPCCor:   0.1,
	}

	cands := []*Candidate{
		{Index: 2, Metrics: same},
		{Index: 0, Metrics: same},
		{Index: 5, Metrics: better},
	}

	rankCandidates(cands)

	if cands[0].Index != 5 {
		t.Errorf("best candidate has index %d, want 5", cands[0].Index)
	}
	// The two tied candidates must fall back to enumeration order.
	if cands[1].Index != 0 || cands[2].Index != 2 {
		t.Errorf("tie-break order: got indexes %d, %d; want 0, 2", cands[1].Index, cands[2].Index)
	}
	for i, c := range cands {
		if c.Rank != i+1 {
			t.Errorf("candidate %d has rank %d, want %d", i, c.Rank, i+1)
		}
	}
}

func TestScalingFactorsOnEqualColumns(t *testing.T) {
	cols := [][]float64{
		{10, 20, 30, 40},
		{10, 20, 30, 40},
		{10, 20, 30, 40},
	}

	for _, tc := range []struct {
		name string
		fn   ScalingFunc
	}{
		{"identity", IdentityFactors},
		{"upper-quartile", UpperQuartileFactors},
		{"median-ratio", MedianRatioFactors},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f, err := tc.fn(cols)
			if err != nil {
				t.Fatal(err)
			}
			for i, v := range f {
				if math.Abs(v-1) > 1e-12 {
					t.Errorf("factor[%d] = %v, want 1 for identical columns", i, v)
				}
			}
		})
	}
}

func TestMedianRatioDetectsScaledColumn(t *testing.T) {
	// Second column is exactly double the first; its factor must be double
	// too (up to the geometric-mean rescale, which cancels in the ratio).
	cols := [][]float64{
		{10, 20, 30, 40},
		{20, 40, 60, 80},
	}

	f, err := MedianRatioFactors(cols)
	if err != nil {
		t.Fatal(err)
	}

	if ratio := f[1] / f[0]; math.Abs(ratio-2) > 1e-9 {
		t.Errorf("factor ratio = %v, want 2", ratio)
	}
}

func TestPickControls(t *testing.T) {
	ranks := []AssociationRank{
		{FeatureID: "hot", Score: 9.0},
		{FeatureID: "warm", Score: 2.0},
		{FeatureID: "cold1", Score: 0.1},
		{FeatureID: "cold2", Score: 0.1},
		{FeatureID: "gone", Score: 0.0},
	}
	available := abundqc.NewFeatureSet([]string{"hot", "warm", "cold1", "cold2"})

	controls, err := PickControls(ranks, available, 2)
	if err != nil {
		t.Fatal(err)
	}

	// "gone" is not in the surviving matrix; the two coldest that are must
	// win, ties broken by feature id.
	if !controls.Contains("cold1") || !controls.Contains("cold2") {
		t.Errorf("controls = %v, want cold1 and cold2", controls.IDs())
	}

	if _, err := PickControls(ranks, abundqc.NewFeatureSet([]string{"hot"}), 2); err == nil {
		t.Error("expected an error when fewer ranked features than requested controls")
	}
}

// engineFixture builds a small imputed log-space matrix with a single batch
// and no case/gel/run-order structure, so every recipe collapses onto the
// scaled-only transform.
func engineFixture(t *testing.T) (*abundqc.FeatureMatrix, *abundqc.CovariateTable) {
	t.Helper()

	var samples []abundqc.Sample
	var sampleIDs []string
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("s%d", i)
		sampleIDs = append(sampleIDs, id)
		samples = append(samples, abundqc.Sample{ID: id, Batch: "b1", Role: abundqc.RoleBiological})
	}
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("qc%d", i)
		sampleIDs = append(sampleIDs, id)
		samples = append(samples, abundqc.Sample{ID: id, Batch: "b1", Role: abundqc.RoleQC})
	}
	cov, err := abundqc.NewCovariateTable(samples)
	if err != nil {
		t.Fatal(err)
	}

	n := 12
	featureIDs := make([]string, n)
	values := make([][]float64, n)
	for i := 0; i < n; i++ {
		featureIDs[i] = fmt.Sprintf("f%02d", i)
		row := make([]float64, len(sampleIDs))
		for j := range row {
			row[j] = 5 + 0.25*float64(i) + 0.5*float64(j%3)
		}
		values[i] = row
	}

	m, err := abundqc.NewFeatureMatrix(featureIDs, sampleIDs, values)
	if err != nil {
		t.Fatal(err)
	}
	return m, cov
}

// The identity recipe with no adjustments must reproduce the input exactly,
// bit for bit.
func TestIdentityBaselineReproducesInput(t *testing.T) {
	m, cov := engineFixture(t)

	engine := NewEngine(EngineConfig{
		Scalings: []Scaling{{ID: "identity", Factors: IdentityFactors}},
		MaxKRUV:  0,
		MaxKQC:   0,
		Controls: abundqc.NewFeatureSet([]string{"f00", "f01", "f02"}),
	})

	result, err := engine.Run(m, cov)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < m.NFeatures(); i++ {
		for j := 0; j < m.NSamples(); j++ {
			a := m.Row(i)[j]
			b := result.Normalized.Row(i)[j]
			if math.Float64bits(a) != math.Float64bits(b) {
				t.Fatalf("cell (%d,%d): %v != %v; identity baseline must reproduce the input exactly", i, j, a, b)
			}
		}
	}
}

// Every evaluated candidate must hold a distinct final rank.
func TestEngineRankingTotality(t *testing.T) {
	m, cov := engineFixture(t)

	engine := NewEngine(EngineConfig{
		MaxKRUV:  1,
		MaxKQC:   0,
		Controls: abundqc.NewFeatureSet([]string{"f00", "f01", "f02", "f03"}),
	})

	result, err := engine.Run(m, cov)
	if err != nil {
		t.Fatal(err)
	}

	if len(result.Ranked) == 0 {
		t.Fatal("no candidates ranked")
	}

	seen := make(map[int]bool)
	for _, c := range result.Ranked {
		if c.Rank < 1 || c.Rank > len(result.Ranked) {
			t.Errorf("rank %d outside 1..%d", c.Rank, len(result.Ranked))
		}
		if seen[c.Rank] {
			t.Errorf("duplicate rank %d", c.Rank)
		}
		seen[c.Rank] = true
	}

	// Enumeration includes the screened candidates; ranked plus screened
	// plus failed must account for all of them.
	evaluated := 0
	for _, c := range result.Candidates {
		if !c.Screened && c.Err == nil {
			evaluated++
		}
	}
	if evaluated != len(result.Ranked) {
		t.Errorf("%d evaluated candidates but %d ranked", evaluated, len(result.Ranked))
	}
}
