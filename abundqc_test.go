package abundqc

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestReadMatrixSentinels(t *testing.T) {
	in := "feature_id,s1,s2,s3\n" +
		"f1,10,0,2.5\n" +
		"f2,NA,,1\n"

	m, err := ReadMatrix(strings.NewReader(in), ',')
	if err != nil {
		t.Fatal(err)
	}

	for _, v := range []struct {
		feature, sample string
		missing         bool
		value           float64
	}{
		{"f1", "s1", false, 10},
		{"f1", "s2", true, 0},  // zero intensity means not detected
		{"f1", "s3", false, 2.5},
		{"f2", "s1", true, 0},
		{"f2", "s2", true, 0},
		{"f2", "s3", false, 1},
	} {
		got, ok := m.Value(v.feature, v.sample)
		if !ok {
			t.Fatalf("missing cell (%s, %s)", v.feature, v.sample)
		}
		if IsMissing(got) != v.missing {
			t.Errorf("(%s, %s): missing = %t, want %t", v.feature, v.sample, IsMissing(got), v.missing)
		}
		if !v.missing && got != v.value {
			t.Errorf("(%s, %s): got %v, want %v", v.feature, v.sample, got, v.value)
		}
	}
}

func TestReadMatrixRejectsNegative(t *testing.T) {
	in := "feature_id,s1\nf1,-3\n"
	if _, err := ReadMatrix(strings.NewReader(in), ','); !errors.Is(err, ErrDataShape) {
		t.Fatalf("expected ErrDataShape, got %v", err)
	}
}

func TestLog2MapsSentinelToSentinel(t *testing.T) {
	m, err := NewFeatureMatrix([]string{"f1"}, []string{"s1", "s2", "s3"}, [][]float64{{8, NotDetected(), 0}})
	if err != nil {
		t.Fatal(err)
	}

	lm := m.Log2()
	row := lm.Row(0)
	if row[0] != 3 {
		t.Errorf("log2(8) = %v, want 3", row[0])
	}
	if !IsMissing(row[1]) || !IsMissing(row[2]) {
		t.Errorf("sentinel and zero must both map to the sentinel, got %v, %v", row[1], row[2])
	}
}

func TestSubsetFeaturesPreservesOrder(t *testing.T) {
	m, err := NewFeatureMatrix(
		[]string{"f1", "f2", "f3", "f4"},
		[]string{"s1"},
		[][]float64{{1}, {2}, {3}, {4}},
	)
	if err != nil {
		t.Fatal(err)
	}

	// The keep set is deliberately out of matrix order; narrowing must not
	// reorder survivors.
	sub := m.SubsetFeatures(NewFeatureSet([]string{"f4", "f2"}))

	want := []string{"f2", "f4"}
	got := sub.FeatureIDs()
	if len(got) != len(want) {
		t.Fatalf("got %d features, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("feature %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFeatureSetIntersect(t *testing.T) {
	a := NewFeatureSet([]string{"f1", "f2", "f3"})
	b := NewFeatureSet([]string{"f3", "f1"})

	got := a.Intersect(b).IDs()
	want := []string{"f1", "f3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("member %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestValidateShapeMismatch(t *testing.T) {
	m, err := NewFeatureMatrix([]string{"f1"}, []string{"s1", "s2"}, [][]float64{{1, 2}})
	if err != nil {
		t.Fatal(err)
	}

	cov, err := NewCovariateTable([]Sample{
		{ID: "s1", Batch: "b1", Role: RoleBiological},
		{ID: "sX", Batch: "b1", Role: RoleBlank},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := cov.Validate(m); !errors.Is(err, ErrDataShape) {
		t.Fatalf("expected ErrDataShape, got %v", err)
	}
}

func TestWriteMatrixRoundTrip(t *testing.T) {
	m, err := NewFeatureMatrix([]string{"f1", "f2"}, []string{"s1", "s2"}, [][]float64{
		{1.5, NotDetected()},
		{3, 4},
	})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteMatrix(&buf, m); err != nil {
		t.Fatal(err)
	}

	back, err := ReadMatrix(&buf, ',')
	if err != nil {
		t.Fatal(err)
	}

	for i := range m.FeatureIDs() {
		for j := range m.SampleIDs() {
			a, b := m.Row(i)[j], back.Row(i)[j]
			if IsMissing(a) != IsMissing(b) {
				t.Fatalf("cell (%d,%d) missing mismatch", i, j)
			}
			if !IsMissing(a) && math.Abs(a-b) > 1e-12 {
				t.Fatalf("cell (%d,%d): %v != %v", i, j, a, b)
			}
		}
	}
}
