package diagnostics

import (
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/abundqc/abundqc"
	"github.com/abundqc/abundqc/normsearch"
)

func diagFixture(k int) *normsearch.Diagnostics {
	n := 6
	scores := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			scores.Set(i, j, float64(i)-2.5+0.1*float64(j))
		}
	}

	groups := make([]abundqc.ConfoundGroup, n)
	ids := make([]string, n)
	for i := range groups {
		batch := "b1"
		if i >= n/2 {
			batch = "b2"
		}
		groups[i] = abundqc.ConfoundGroup{Batch: batch}
		ids[i] = string(rune('a' + i))
	}

	return &normsearch.Diagnostics{
		SampleIDs:    ids,
		Groups:       groups,
		FactorScores: scores,
	}
}

// A single estimated factor must still produce a plot, rendered against
// sample position.
func TestPlotSingleFactor(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "diag")

	if err := PlotFactorPairs(prefix, diagFixture(1)); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(prefix + "_factor_1.png"); err != nil {
		t.Errorf("no plot written for a single factor: %v", err)
	}
}

// Three factors yield one pair plot and one trailing lone-factor plot.
func TestPlotOddFactorCount(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "diag")

	if err := PlotFactorPairs(prefix, diagFixture(3)); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"_factors_1_2.png", "_factor_3.png"} {
		if _, err := os.Stat(prefix + name); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}
