package abundqc

import (
	"errors"
	"io"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
)

// Error taxonomy.
//
// Shape errors are fatal and abort the run. The rest are local: a feature
// that trips one is excluded with a recorded reason, and the batch keeps
// going.
var (
	ErrDataShape              = errors.New("abundqc: matrix and covariate table disagree")
	ErrEmptyPartition         = errors.New("abundqc: no negative differences available for cutoff estimation")
	ErrInsufficientNeighbors  = errors.New("abundqc: fewer non-missing donors than k")
	ErrInsufficientReplicates = errors.New("abundqc: fewer than two effective group levels")
	ErrModelFit               = errors.New("abundqc: variance component fit is singular or did not converge")
)

// Exclusion records one removed feature: which stage removed it and why.
type Exclusion struct {
	FeatureID string `csv:"feature_id"`
	Stage     string `csv:"stage"`
	Reason    string `csv:"reason"`
}

// Manifest accumulates exclusions across all pipeline stages so every
// narrowing of the feature set is auditable after the run.
type Manifest struct {
	Exclusions []Exclusion
}

// Add appends one exclusion record.
func (m *Manifest) Add(featureID, stage, reason string) {
	m.Exclusions = append(m.Exclusions, Exclusion{FeatureID: featureID, Stage: stage, Reason: reason})
}

// Extend appends a batch of exclusion records from a stage.
func (m *Manifest) Extend(ex []Exclusion) {
	m.Exclusions = append(m.Exclusions, ex...)
}

// WriteCSV emits the manifest as CSV with a header row.
func (m *Manifest) WriteCSV(w io.Writer) error {
	if err := gocsv.Marshal(&m.Exclusions, w); err != nil {
		return pfx.Err(err)
	}
	return nil
}
