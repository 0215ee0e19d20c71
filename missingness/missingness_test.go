package missingness

import (
	"fmt"
	"testing"

	"github.com/abundqc/abundqc"
)

// Two batches of 20 biological samples each. Batches combine by AND and the
// threshold boundary is inclusive.
func TestMissingnessAcrossBatches(t *testing.T) {
	var samples []abundqc.Sample
	var sampleIDs []string
	for b := 1; b <= 2; b++ {
		for i := 1; i <= 20; i++ {
			id := fmt.Sprintf("b%ds%02d", b, i)
			sampleIDs = append(sampleIDs, id)
			samples = append(samples, abundqc.Sample{ID: id, Batch: fmt.Sprintf("b%d", b), Role: abundqc.RoleBiological})
		}
	}
	cov, err := abundqc.NewCovariateTable(samples)
	if err != nil {
		t.Fatal(err)
	}

	// row builds a feature with the given missing counts in batch 1 and 2.
	row := func(miss1, miss2 int) []float64 {
		out := make([]float64, 40)
		for j := range out {
			out[j] = 100
		}
		for j := 0; j < miss1; j++ {
			out[j] = abundqc.NotDetected()
		}
		for j := 0; j < miss2; j++ {
			out[20+j] = abundqc.NotDetected()
		}
		return out
	}

	m, err := abundqc.NewFeatureMatrix(
		[]string{"over", "boundary", "clean"},
		sampleIDs,
		[][]float64{
			row(3, 5), // 15% then 25%: fails batch 2
			row(4, 4), // exactly 20% in both: retained (inclusive boundary)
			row(0, 0),
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	kept, excl, err := Filter(m, cov, 0.2)
	if err != nil {
		t.Fatal(err)
	}

	if kept.Contains("over") {
		t.Error("feature at 25% missing in batch 2 was retained")
	}
	if !kept.Contains("boundary") {
		t.Error("feature at exactly the threshold was excluded; boundary must be inclusive")
	}
	if !kept.Contains("clean") {
		t.Error("fully observed feature was excluded")
	}

	if len(excl) != 1 {
		t.Fatalf("got %d exclusions, want 1", len(excl))
	}
	if excl[0].FeatureID != "over" || excl[0].Stage != Stage {
		t.Errorf("unexpected exclusion record: %+v", excl[0])
	}
}
