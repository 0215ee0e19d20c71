package normsearch

import (
	"fmt"
	"io"
	"sort"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"

	"github.com/abundqc/abundqc"
)

// AssociationRank is one row of the differential-abundance collaborator's
// output: a per-feature association score with the biological covariate,
// where larger means more associated.
type AssociationRank struct {
	FeatureID string  `csv:"feature_id"`
	Score     float64 `csv:"score"`
}

// ReadAssociationRanks parses the collaborator's rank file.
func ReadAssociationRanks(r io.Reader) ([]AssociationRank, error) {
	ranks := []AssociationRank{}
	if err := gocsv.Unmarshal(r, &ranks); err != nil {
		return nil, pfx.Err(err)
	}
	return ranks, nil
}

// PickControls selects the n features least associated with the biological
// covariate as negative controls, restricted to features still present in
// available. Ties are broken by feature id so the pick is deterministic.
func PickControls(ranks []AssociationRank, available *abundqc.FeatureSet, n int) (*abundqc.FeatureSet, error) {
	usable := make([]AssociationRank, 0, len(ranks))
	for _, r := range ranks {
		if available.Contains(r.FeatureID) {
			usable = append(usable, r)
		}
	}
	if len(usable) < n {
		return nil, pfx.Err(fmt.Errorf("%w: %d ranked features available, %d controls requested", abundqc.ErrDataShape, len(usable), n))
	}

	sort.SliceStable(usable, func(a, b int) bool {
		if usable[a].Score != usable[b].Score {
			return usable[a].Score < usable[b].Score
		}
		return usable[a].FeatureID < usable[b].FeatureID
	})

	ids := make([]string, 0, n)
	for _, r := range usable[:n] {
		ids = append(ids, r.FeatureID)
	}
	return abundqc.NewFeatureSet(ids), nil
}

// RankingRow is one line of the emitted candidate ranking table.
type RankingRow struct {
	Rank            int     `csv:"rank"`
	Scaling         string  `csv:"scaling"`
	AdjustBiology   bool    `csv:"adjust_biology"`
	KRUV            int     `csv:"k_ruv"`
	AdjustBatch     bool    `csv:"adjust_batch"`
	KQC             int     `csv:"k_qc"`
	BatchSeparation float64 `csv:"batch_separation"`
	BioSignal       float64 `csv:"bio_signal"`
	QCStability     float64 `csv:"qc_stability"`
	ControlEnrich   float64 `csv:"control_enrichment"`
	ConfounderPCCor float64 `csv:"confounder_pc_cor"`
	MeanRank        float64 `csv:"mean_rank"`
}

// WriteRankingTable emits the ranked candidates with their raw metric values
// and combined score.
func (res *Result) WriteRankingTable(w io.Writer) error {
	rows := make([]RankingRow, 0, len(res.Ranked))
	for _, c := range res.Ranked {
		rows = append(rows, RankingRow{
			Rank:            c.Rank,
			Scaling:         c.ScalingID,
			AdjustBiology:   c.AdjustBiology,
			KRUV:            c.KRUV,
			AdjustBatch:     c.AdjustBatch,
			KQC:             c.KQC,
			BatchSeparation: c.Metrics[MetricBatchSeparation],
			BioSignal:       c.Metrics[MetricBioSignal],
			QCStability:     c.Metrics[MetricQCStability],
			ControlEnrich:   c.Metrics[MetricControlEnrichment],
			ConfounderPCCor: c.Metrics[MetricConfounderPCCor],
			MeanRank:        c.MeanRank,
		})
	}

	if err := gocsv.Marshal(&rows, w); err != nil {
		return pfx.Err(err)
	}
	return nil
}
