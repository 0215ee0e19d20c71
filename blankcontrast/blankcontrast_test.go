package blankcontrast

import (
	"fmt"
	"math"
	"testing"

	"github.com/abundqc/abundqc"
)

func covOneBatch(t *testing.T, blanks, qcs, bios []string) *abundqc.CovariateTable {
	t.Helper()

	var samples []abundqc.Sample
	for _, id := range blanks {
		samples = append(samples, abundqc.Sample{ID: id, Batch: "b1", Role: abundqc.RoleBlank})
	}
	for _, id := range qcs {
		samples = append(samples, abundqc.Sample{ID: id, Batch: "b1", Role: abundqc.RoleQC})
	}
	for _, id := range bios {
		samples = append(samples, abundqc.Sample{ID: id, Batch: "b1", Role: abundqc.RoleBiological})
	}

	cov, err := abundqc.NewCovariateTable(samples)
	if err != nil {
		t.Fatal(err)
	}
	return cov
}

func sampleNames(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}

// Builds a synthetic screen: 100 features over 5 blank, 5 QC and 10
// biological columns, with 20 features seeded so their blank intensity is
// approximately their biological intensity.
func TestBlankBackgroundFeaturesExcluded(t *testing.T) {
	blanks := sampleNames("bl", 5)
	qcs := sampleNames("qc", 5)
	bios := sampleNames("s", 10)
	cov := covOneBatch(t, blanks, qcs, bios)

	nSamples := len(blanks) + len(qcs) + len(bios)
	sampleIDs := append(append(append([]string{}, blanks...), qcs...), bios...)

	var featureIDs []string
	var values [][]float64

	addFeature := func(id string, blankV, bioV float64) {
		row := make([]float64, 0, nSamples)
		for range blanks {
			row = append(row, blankV)
		}
		for range qcs {
			row = append(row, bioV)
		}
		for range bios {
			row = append(row, bioV)
		}
		featureIDs = append(featureIDs, id)
		values = append(values, row)
	}

	// 80 genuine features: strong biological signal over a low blank floor.
	for i := 0; i < 80; i++ {
		addFeature(fmt.Sprintf("real%02d", i), 10, 100*float64(1+i%13))
	}

	// 20 background features around intensity 50: ten with bio slightly
	// below blank, ten with bio slightly above.
	var noise []string
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("noiseneg%02d", i)
		noise = append(noise, id)
		delta := 0.5 + 0.1*float64(i)
		addFeature(id, 50*math.Exp2(delta), 50*math.Exp2(-delta))
	}
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("noisepos%02d", i)
		noise = append(noise, id)
		addFeature(id, 50*math.Exp2(-0.05), 50*math.Exp2(0.05))
	}

	m, err := abundqc.NewFeatureMatrix(featureIDs, sampleIDs, values)
	if err != nil {
		t.Fatal(err)
	}

	kept, _, err := Filter(m, cov, Config{})
	if err != nil {
		t.Fatal(err)
	}

	excludedNoise := 0
	for _, id := range noise {
		if !kept.Contains(id) {
			excludedNoise++
		}
	}
	if excludedNoise < 18 {
		t.Errorf("excluded %d of 20 background features, want at least 18", excludedNoise)
	}

	for i := 0; i < 80; i++ {
		if id := fmt.Sprintf("real%02d", i); !kept.Contains(id) {
			t.Errorf("genuine feature %s was excluded", id)
		}
	}
}

// Features detected in one of three blank replicates form their own
// missing-count partition; the cutoff comes from that partition's negative
// differences.
func TestPartialBlankDetectionCutoff(t *testing.T) {
	blanks := sampleNames("bl", 3)
	bios := sampleNames("s", 4)
	cov := covOneBatch(t, blanks, nil, bios)

	sampleIDs := append(append([]string{}, blanks...), bios...)
	na := abundqc.NotDetected()

	var featureIDs []string
	var values [][]float64
	add := func(id string, row []float64) {
		featureIDs = append(featureIDs, id)
		values = append(values, row)
	}

	// Four features with negative differences of magnitudes 1.0, 1.2, 1.4,
	// 1.6: sorted negatives [-1.6 -1.4 -1.2 -1.0], so Q1 is -1.5 and the
	// partition cutoff is 1.5.
	for i, d := range []float64{1.0, 1.2, 1.4, 1.6} {
		bio := 64 * math.Exp2(-d)
		add(fmt.Sprintf("neg%d", i), []float64{64, na, na, bio, bio, bio, bio})
	}

	// Large positive difference (+3) clears the 1.5 cutoff; a small one
	// (+0.1) does not.
	add("big", []float64{64, na, na, 512, 512, 512, 512})
	add("small", []float64{64, na, na, 64 * math.Exp2(0.1), 64 * math.Exp2(0.1), 64 * math.Exp2(0.1), 64 * math.Exp2(0.1)})

	m, err := abundqc.NewFeatureMatrix(featureIDs, sampleIDs, values)
	if err != nil {
		t.Fatal(err)
	}

	kept, _, err := Filter(m, cov, Config{})
	if err != nil {
		t.Fatal(err)
	}

	if !kept.Contains("big") {
		t.Error("feature with difference above the partition cutoff was excluded")
	}
	if kept.Contains("small") {
		t.Error("feature with difference below the partition cutoff was retained")
	}
	for i := 0; i < 4; i++ {
		if kept.Contains(fmt.Sprintf("neg%d", i)) {
			t.Errorf("feature neg%d with negative difference was retained", i)
		}
	}
}

// A feature undetected in every blank replicate of a batch must never be
// excluded by that batch, regardless of how weak its biological signal is.
func TestBlankSafety(t *testing.T) {
	blanks := sampleNames("bl", 3)
	bios := sampleNames("s", 3)
	cov := covOneBatch(t, blanks, nil, bios)

	sampleIDs := append(append([]string{}, blanks...), bios...)
	na := abundqc.NotDetected()

	m, err := abundqc.NewFeatureMatrix(
		[]string{"ghost", "strong"},
		sampleIDs,
		[][]float64{
			{na, na, na, 2, 2, 2},
			{10, 10, 10, 1000, 1000, 1000},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	kept, _, err := Filter(m, cov, Config{})
	if err != nil {
		t.Fatal(err)
	}

	if !kept.Contains("ghost") {
		t.Error("feature never detected in any blank was excluded")
	}
}

// Retention is the intersection of per-batch verdicts: a feature that clears
// the blank contrast in one batch but sits at blank level in another must be
// excluded overall.
func TestMultiBatchIntersection(t *testing.T) {
	var samples []abundqc.Sample
	var sampleIDs []string
	add := func(id, batch string, role abundqc.Role) {
		sampleIDs = append(sampleIDs, id)
		samples = append(samples, abundqc.Sample{ID: id, Batch: batch, Role: role})
	}
	for _, id := range sampleNames("bl1_", 2) {
		add(id, "b1", abundqc.RoleBlank)
	}
	for _, id := range sampleNames("s1_", 3) {
		add(id, "b1", abundqc.RoleBiological)
	}
	for _, id := range sampleNames("bl2_", 2) {
		add(id, "b2", abundqc.RoleBlank)
	}
	for _, id := range sampleNames("s2_", 3) {
		add(id, "b2", abundqc.RoleBiological)
	}
	cov, err := abundqc.NewCovariateTable(samples)
	if err != nil {
		t.Fatal(err)
	}

	var featureIDs []string
	var values [][]float64
	addFeature := func(id string, b1Blank, b1Bio, b2Blank, b2Bio float64) {
		featureIDs = append(featureIDs, id)
		values = append(values, []float64{
			b1Blank, b1Blank, b1Bio, b1Bio, b1Bio,
			b2Blank, b2Blank, b2Bio, b2Bio, b2Bio,
		})
	}

	// Strong everywhere, and strong in batch 1 only: in batch 2 its
	// difference is +0.1, below the cutoff derived there.
	addFeature("both", 10, 1000, 10, 1000)
	addFeature("partial", 10, 1000, 64, 64*math.Exp2(0.1))

	// Negative differences of magnitudes 1.0, 1.2, 1.4, 1.6 in each batch:
	// Q1 of the sorted negatives is -1.5, so both batch cutoffs are 1.5.
	for i, d := range []float64{1.0, 1.2, 1.4, 1.6} {
		bio := 64 * math.Exp2(-d)
		addFeature(fmt.Sprintf("neg%d", i), 64, bio, 64, bio)
	}

	m, err := abundqc.NewFeatureMatrix(featureIDs, sampleIDs, values)
	if err != nil {
		t.Fatal(err)
	}

	kept, excl, err := Filter(m, cov, Config{Bins: 1})
	if err != nil {
		t.Fatal(err)
	}

	if !kept.Contains("both") {
		t.Error("feature clearing the contrast in every batch was excluded")
	}
	if kept.Contains("partial") {
		t.Error("feature at blank level in batch 2 was retained")
	}

	found := false
	for _, ex := range excl {
		if ex.FeatureID == "partial" && ex.Stage == Stage {
			found = true
		}
	}
	if !found {
		t.Errorf("no exclusion recorded for partial; got %+v", excl)
	}
}

// A partition with no negative differences has no empirical noise spread;
// the documented fallback is cutoff 0, so any positive difference passes.
func TestEmptyPartitionFallback(t *testing.T) {
	blanks := sampleNames("bl", 2)
	bios := sampleNames("s", 3)
	cov := covOneBatch(t, blanks, nil, bios)

	sampleIDs := append(append([]string{}, blanks...), bios...)

	m, err := abundqc.NewFeatureMatrix(
		[]string{"up1", "up2", "flat"},
		sampleIDs,
		[][]float64{
			{10, 10, 40, 40, 40},
			{10, 10, 11, 11, 11},
			{10, 10, 10, 10, 10},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	kept, _, err := Filter(m, cov, Config{})
	if err != nil {
		t.Fatal(err)
	}

	if !kept.Contains("up1") || !kept.Contains("up2") {
		t.Error("positive-difference features must pass the zero fallback cutoff")
	}
	if kept.Contains("flat") {
		t.Error("zero-difference feature must not pass")
	}
}
