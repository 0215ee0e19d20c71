package abundqc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/carbocation/pfx"
	"gopkg.in/guregu/null.v3"
)

// Role classifies a sample column.
type Role int

const (
	RoleBiological Role = iota
	RoleBlank
	RoleQC
)

func (r Role) String() string {
	switch r {
	case RoleBiological:
		return "biological"
	case RoleBlank:
		return "blank"
	case RoleQC:
		return "qc"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// UnmarshalCSV satisfies gocsv's field unmarshaller so role columns can be
// read directly from the covariate table.
func (r *Role) UnmarshalCSV(field string) error {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "biological", "bio", "sample":
		*r = RoleBiological
	case "blank":
		*r = RoleBlank
	case "qc", "pool", "pooled":
		*r = RoleQC
	default:
		return fmt.Errorf("unrecognized sample role %q", field)
	}
	return nil
}

// MarshalCSV writes the role back out in canonical form.
func (r *Role) MarshalCSV() (string, error) { return r.String(), nil }

// Sample holds one row of the covariate table. Case/control status, gel
// contamination, gender, age and run order are only meaningful for biological
// samples and are nullable so blank and QC rows can leave them empty.
type Sample struct {
	ID       string      `csv:"sample_id"`
	Batch    string      `csv:"batch"`
	Role     Role        `csv:"role"`
	Case     null.Bool   `csv:"case"`
	Gel      null.Bool   `csv:"gel"`
	Gender   null.String `csv:"gender"`
	Age      null.Float  `csv:"age"`
	RunOrder null.Int    `csv:"run_order"`
}

// ConfoundGroup is the typed batch × gel-contamination combination used as
// the combined confound grouping factor during normalization. It replaces
// ad hoc string/color encodings: callers compare groups structurally.
type ConfoundGroup struct {
	Batch string
	Gel   bool
}

func (g ConfoundGroup) String() string {
	if g.Gel {
		return g.Batch + "+gel"
	}
	return g.Batch
}

// CovariateTable indexes the sample covariates parallel to a FeatureMatrix's
// columns. Sample-to-batch assignment is immutable once loaded.
type CovariateTable struct {
	samples []Sample
	byID    map[string]*Sample
	batches []string
}

// NewCovariateTable builds a table from sample rows. Duplicate sample ids are
// a shape error. Batch order is first-appearance order.
func NewCovariateTable(samples []Sample) (*CovariateTable, error) {
	t := &CovariateTable{
		samples: append([]Sample{}, samples...),
		byID:    make(map[string]*Sample, len(samples)),
	}

	seenBatch := make(map[string]bool)
	for i := range t.samples {
		s := &t.samples[i]
		if _, exists := t.byID[s.ID]; exists {
			return nil, pfx.Err(fmt.Errorf("%w: duplicate sample id %q", ErrDataShape, s.ID))
		}
		if s.Batch == "" {
			return nil, pfx.Err(fmt.Errorf("%w: sample %q has no batch label", ErrDataShape, s.ID))
		}
		t.byID[s.ID] = s
		if !seenBatch[s.Batch] {
			seenBatch[s.Batch] = true
			t.batches = append(t.batches, s.Batch)
		}
	}

	return t, nil
}

// Validate checks that every matrix column has a covariate row and vice
// versa. A mismatch is fatal for the whole run.
func (t *CovariateTable) Validate(m *FeatureMatrix) error {
	if len(t.samples) != m.NSamples() {
		return pfx.Err(fmt.Errorf("%w: %d covariate rows but %d matrix columns", ErrDataShape, len(t.samples), m.NSamples()))
	}
	for _, id := range m.SampleIDs() {
		if _, ok := t.byID[id]; !ok {
			return pfx.Err(fmt.Errorf("%w: matrix column %q has no covariate row", ErrDataShape, id))
		}
	}
	return nil
}

// Sample returns the covariate row for id.
func (t *CovariateTable) Sample(id string) (Sample, bool) {
	s, ok := t.byID[id]
	if !ok {
		return Sample{}, false
	}
	return *s, true
}

// Samples returns all covariate rows in table order.
func (t *CovariateTable) Samples() []Sample { return t.samples }

// Batches returns the batch labels in first-appearance order.
func (t *CovariateTable) Batches() []string { return t.batches }

// SampleIDsWhere returns the ids of samples matching pred, in table order.
func (t *CovariateTable) SampleIDsWhere(pred func(Sample) bool) []string {
	out := make([]string, 0, len(t.samples))
	for _, s := range t.samples {
		if pred(s) {
			out = append(out, s.ID)
		}
	}
	return out
}

// BiologicalIn returns the biological sample ids of one batch.
func (t *CovariateTable) BiologicalIn(batch string) []string {
	return t.SampleIDsWhere(func(s Sample) bool { return s.Batch == batch && s.Role == RoleBiological })
}

// BlanksIn returns the blank sample ids of one batch.
func (t *CovariateTable) BlanksIn(batch string) []string {
	return t.SampleIDsWhere(func(s Sample) bool { return s.Batch == batch && s.Role == RoleBlank })
}

// QCIn returns the QC sample ids of one batch.
func (t *CovariateTable) QCIn(batch string) []string {
	return t.SampleIDsWhere(func(s Sample) bool { return s.Batch == batch && s.Role == RoleQC })
}

// ConfoundGroups returns the batch × gel group of each listed sample, plus
// the distinct groups in a stable (sorted) order.
func (t *CovariateTable) ConfoundGroups(sampleIDs []string) ([]ConfoundGroup, []ConfoundGroup, error) {
	groups := make([]ConfoundGroup, 0, len(sampleIDs))
	seen := make(map[ConfoundGroup]bool)
	for _, id := range sampleIDs {
		s, ok := t.byID[id]
		if !ok {
			return nil, nil, pfx.Err(fmt.Errorf("%w: unknown sample id %q", ErrDataShape, id))
		}
		g := ConfoundGroup{Batch: s.Batch, Gel: s.Gel.ValueOrZero()}
		groups = append(groups, g)
		seen[g] = true
	}

	distinct := make([]ConfoundGroup, 0, len(seen))
	for g := range seen {
		distinct = append(distinct, g)
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i].String() < distinct[j].String() })

	return groups, distinct, nil
}
