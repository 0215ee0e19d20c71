// Package abundqc holds the shared data model for the abundance QC pipeline:
// the feature-by-sample intensity matrix, the sample covariate table, ordered
// feature sets, and the exclusion manifest that records why features were
// dropped at each stage.
package abundqc

import (
	"fmt"
	"math"

	"github.com/carbocation/pfx"
)

// NotDetected is the reserved sentinel marking a feature as undetected in a
// sample. NaN is used so that arithmetic on a missing cell can never silently
// produce a plausible-looking number.
func NotDetected() float64 { return math.NaN() }

// IsMissing reports whether v is the not-detected sentinel.
func IsMissing(v float64) bool { return math.IsNaN(v) }

// FeatureMatrix is one immutable snapshot of the feature × sample intensity
// matrix. Pipeline stages never modify a snapshot in place; each stage takes
// a snapshot plus a feature set and returns a new snapshot, so earlier stages
// remain inspectable and concurrent readers are safe by construction.
type FeatureMatrix struct {
	featureIDs []string
	sampleIDs  []string

	// values is row-major, aligned with featureIDs × sampleIDs. Missing
	// cells hold the NotDetected sentinel.
	values [][]float64

	featureIdx map[string]int
	sampleIdx  map[string]int
}

// NewFeatureMatrix builds a snapshot from parallel id slices and a row-major
// value grid. Duplicate ids or a ragged grid are shape errors.
func NewFeatureMatrix(featureIDs, sampleIDs []string, values [][]float64) (*FeatureMatrix, error) {
	if len(values) != len(featureIDs) {
		return nil, pfx.Err(fmt.Errorf("%w: %d feature ids but %d rows", ErrDataShape, len(featureIDs), len(values)))
	}

	m := &FeatureMatrix{
		featureIDs: append([]string{}, featureIDs...),
		sampleIDs:  append([]string{}, sampleIDs...),
		values:     make([][]float64, 0, len(values)),
		featureIdx: make(map[string]int, len(featureIDs)),
		sampleIdx:  make(map[string]int, len(sampleIDs)),
	}

	for i, id := range featureIDs {
		if _, exists := m.featureIdx[id]; exists {
			return nil, pfx.Err(fmt.Errorf("%w: duplicate feature id %q", ErrDataShape, id))
		}
		m.featureIdx[id] = i
	}
	for j, id := range sampleIDs {
		if _, exists := m.sampleIdx[id]; exists {
			return nil, pfx.Err(fmt.Errorf("%w: duplicate sample id %q", ErrDataShape, id))
		}
		m.sampleIdx[id] = j
	}

	for i, row := range values {
		if len(row) != len(sampleIDs) {
			return nil, pfx.Err(fmt.Errorf("%w: row %q has %d values, want %d", ErrDataShape, featureIDs[i], len(row), len(sampleIDs)))
		}
		m.values = append(m.values, append([]float64{}, row...))
	}

	return m, nil
}

// NFeatures returns the number of feature rows in this snapshot.
func (m *FeatureMatrix) NFeatures() int { return len(m.featureIDs) }

// NSamples returns the number of sample columns in this snapshot.
func (m *FeatureMatrix) NSamples() int { return len(m.sampleIDs) }

// FeatureIDs returns the feature ids in row order. Callers must not modify
// the returned slice.
func (m *FeatureMatrix) FeatureIDs() []string { return m.featureIDs }

// SampleIDs returns the sample ids in column order. Callers must not modify
// the returned slice.
func (m *FeatureMatrix) SampleIDs() []string { return m.sampleIDs }

// HasFeature reports whether the snapshot contains the feature row.
func (m *FeatureMatrix) HasFeature(featureID string) bool {
	_, ok := m.featureIdx[featureID]
	return ok
}

// Row returns the values of one feature row in sample-column order. Callers
// must not modify the returned slice.
func (m *FeatureMatrix) Row(i int) []float64 { return m.values[i] }

// RowByID returns the values for featureID, or false if the feature is not
// present in this snapshot.
func (m *FeatureMatrix) RowByID(featureID string) ([]float64, bool) {
	i, ok := m.featureIdx[featureID]
	if !ok {
		return nil, false
	}
	return m.values[i], true
}

// Value returns the cell for (featureID, sampleID), or false if either id is
// not present.
func (m *FeatureMatrix) Value(featureID, sampleID string) (float64, bool) {
	i, ok := m.featureIdx[featureID]
	if !ok {
		return 0, false
	}
	j, ok := m.sampleIdx[sampleID]
	if !ok {
		return 0, false
	}
	return m.values[i][j], true
}

// SampleIndex returns the column index of sampleID, or false if absent.
func (m *FeatureMatrix) SampleIndex(sampleID string) (int, bool) {
	j, ok := m.sampleIdx[sampleID]
	return j, ok
}

// SubsetFeatures returns a new snapshot containing only the features in keep,
// in this matrix's existing row order. Feature ids are never renumbered or
// reordered by narrowing.
func (m *FeatureMatrix) SubsetFeatures(keep *FeatureSet) *FeatureMatrix {
	featureIDs := make([]string, 0, keep.Len())
	values := make([][]float64, 0, keep.Len())
	for i, id := range m.featureIDs {
		if keep.Contains(id) {
			featureIDs = append(featureIDs, id)
			values = append(values, m.values[i])
		}
	}
	out, err := NewFeatureMatrix(featureIDs, m.sampleIDs, values)
	if err != nil {
		// Ids came from a valid snapshot, so this cannot happen.
		panic(err)
	}
	return out
}

// SubsetSamples returns a new snapshot containing only the listed sample
// columns, in the order given. Unknown sample ids are a shape error.
func (m *FeatureMatrix) SubsetSamples(sampleIDs []string) (*FeatureMatrix, error) {
	cols := make([]int, 0, len(sampleIDs))
	for _, id := range sampleIDs {
		j, ok := m.sampleIdx[id]
		if !ok {
			return nil, pfx.Err(fmt.Errorf("%w: unknown sample id %q", ErrDataShape, id))
		}
		cols = append(cols, j)
	}

	values := make([][]float64, len(m.values))
	for i, row := range m.values {
		sub := make([]float64, len(cols))
		for c, j := range cols {
			sub[c] = row[j]
		}
		values[i] = sub
	}

	return NewFeatureMatrix(m.featureIDs, sampleIDs, values)
}

// Log2 returns a new snapshot with every detected cell mapped to log2(v).
// The not-detected sentinel maps to itself, so missingness survives the
// transform rather than becoming an undefined value. Zero intensities are
// treated as not detected: a zero in this data means the instrument reported
// nothing, not a measured abundance of one.
func (m *FeatureMatrix) Log2() *FeatureMatrix {
	values := make([][]float64, len(m.values))
	for i, row := range m.values {
		out := make([]float64, len(row))
		for j, v := range row {
			if IsMissing(v) || v == 0 {
				out[j] = NotDetected()
				continue
			}
			out[j] = math.Log2(v)
		}
		values[i] = out
	}
	out, err := NewFeatureMatrix(m.featureIDs, m.sampleIDs, values)
	if err != nil {
		panic(err)
	}
	return out
}

// WithValues returns a new snapshot with the same feature and sample ids but
// replacement values. Used by stages that transform intensities without
// narrowing the feature set.
func (m *FeatureMatrix) WithValues(values [][]float64) (*FeatureMatrix, error) {
	return NewFeatureMatrix(m.featureIDs, m.sampleIDs, values)
}

// FeatureSetAll returns the full ordered feature set of this snapshot.
func (m *FeatureMatrix) FeatureSetAll() *FeatureSet {
	return NewFeatureSet(m.featureIDs)
}
