// abundqc runs the full abundance QC pipeline: blank-contrast filtering,
// missingness filtering, k-nearest-neighbor imputation, reliability
// filtering, and the normalization-recipe search. Inputs are a feature ×
// sample intensity matrix, a sample covariate table, and a per-feature
// association rank file from an external differential-abundance run.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/carbocation/pfx"

	"github.com/abundqc/abundqc"
	"github.com/abundqc/abundqc/blankcontrast"
	"github.com/abundqc/abundqc/diagnostics"
	"github.com/abundqc/abundqc/knnimpute"
	"github.com/abundqc/abundqc/missingness"
	"github.com/abundqc/abundqc/normsearch"
	"github.com/abundqc/abundqc/reliability"
)

func main() {
	var matrixPath, covariatesPath, ranksPath, outDir string
	var blankBins, imputeK, workers, kruvMax, kqcMax, controlsN, leadingPCs int
	var missingMax, iccMin float64
	var writeSnapshots, showDiagnostics bool

	flag.StringVar(&matrixPath, "matrix", "", "Path to the feature x sample intensity matrix (CSV/TSV; first column feature_id).")
	flag.StringVar(&covariatesPath, "covariates", "", "Path to the sample covariate table (sample_id, batch, role, case, gel, gender, age, run_order).")
	flag.StringVar(&ranksPath, "ranks", "", "Path to the per-feature association rank file (feature_id, score) used to pick negative controls.")
	flag.StringVar(&outDir, "out", ".", "Directory for output files.")
	flag.IntVar(&blankBins, "blank-bins", blankcontrast.DefaultBins, "Quantile bins for the blank-contrast cutoffs.")
	flag.Float64Var(&missingMax, "missing-max", missingness.DefaultMaxFraction, "Maximum missing fraction per batch (inclusive).")
	flag.IntVar(&imputeK, "impute-k", knnimpute.DefaultK, "Donor count for nearest-neighbor imputation.")
	flag.Float64Var(&iccMin, "icc-min", reliability.DefaultThreshold, "ICC threshold; features must exceed it in every batch.")
	flag.IntVar(&workers, "workers", reliability.DefaultWorkers, "Worker pool width for per-feature reliability fits.")
	flag.IntVar(&kruvMax, "kruv-max", 3, "Largest count of unwanted-variation factors to consider.")
	flag.IntVar(&kqcMax, "kqc-max", 2, "Largest count of QC run-order factors to consider.")
	flag.IntVar(&controlsN, "controls", 50, "Number of least-associated features to use as negative controls.")
	flag.IntVar(&leadingPCs, "pcs", normsearch.DefaultLeadingPCs, "Leading principal components examined by the scoring metrics.")
	flag.BoolVar(&writeSnapshots, "snapshots", false, "Write the matrix snapshot after each stage.")
	flag.BoolVar(&showDiagnostics, "diagnostics", false, "Print calibration histograms and render factor scatter plots.")
	flag.Parse()

	if matrixPath == "" || covariatesPath == "" || ranksPath == "" {
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(matrixPath, covariatesPath, ranksPath, outDir, blankBins, imputeK, workers, kruvMax, kqcMax, controlsN, leadingPCs, missingMax, iccMin, writeSnapshots, showDiagnostics); err != nil {
		log.Fatalln(pfx.Err(err))
	}
}

func run(matrixPath, covariatesPath, ranksPath, outDir string, blankBins, imputeK, workers, kruvMax, kqcMax, controlsN, leadingPCs int, missingMax, iccMin float64, writeSnapshots, showDiagnostics bool) error {
	outDir = abundqc.ExpandHome(outDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	matrix, err := abundqc.LoadMatrix(matrixPath)
	if err != nil {
		return err
	}
	cov, err := abundqc.LoadCovariates(covariatesPath)
	if err != nil {
		return err
	}
	if err := cov.Validate(matrix); err != nil {
		return err
	}
	log.Printf("Loaded %d features x %d samples across %d batches\n", matrix.NFeatures(), matrix.NSamples(), len(cov.Batches()))

	manifest := &abundqc.Manifest{}

	// Stage 1: blank contrast.
	bcCfg := blankcontrast.Config{Bins: blankBins}
	if showDiagnostics {
		bcCfg.DiagnosticWriter = os.Stderr
	}
	kept, excl, err := blankcontrast.Filter(matrix, cov, bcCfg)
	if err != nil {
		return err
	}
	manifest.Extend(excl)
	matrix = matrix.SubsetFeatures(kept)
	log.Printf("Blank contrast retained %d features\n", matrix.NFeatures())
	if err := writeFeatureSet(filepath.Join(outDir, "retained_blank_contrast.txt"), kept); err != nil {
		return err
	}
	if err := maybeSnapshot(writeSnapshots, filepath.Join(outDir, "snapshot_blank_contrast.csv"), matrix); err != nil {
		return err
	}

	// Stage 2: missingness.
	kept, excl, err = missingness.Filter(matrix, cov, missingMax)
	if err != nil {
		return err
	}
	manifest.Extend(excl)
	matrix = matrix.SubsetFeatures(kept)
	log.Printf("Missingness filter retained %d features\n", matrix.NFeatures())
	if err := writeFeatureSet(filepath.Join(outDir, "retained_missingness.txt"), kept); err != nil {
		return err
	}

	// Stage 3: imputation over the biological and QC columns, in log space.
	analysisIDs := cov.SampleIDsWhere(func(s abundqc.Sample) bool {
		return s.Role == abundqc.RoleBiological || s.Role == abundqc.RoleQC
	})
	analysis, err := matrix.SubsetSamples(analysisIDs)
	if err != nil {
		return err
	}
	imputed, err := knnimpute.Impute(analysis.Log2(), imputeK)
	if err != nil {
		return err
	}
	log.Printf("Imputation complete (k=%d)\n", imputeK)
	if err := snapshotCSV(filepath.Join(outDir, "imputed.csv"), imputed); err != nil {
		return err
	}

	// Stage 4: reliability.
	kept, excl, err = reliability.Filter(imputed, cov, reliability.Config{Threshold: iccMin, Workers: workers})
	if err != nil {
		return err
	}
	manifest.Extend(excl)
	imputed = imputed.SubsetFeatures(kept)
	log.Printf("Reliability filter retained %d features\n", imputed.NFeatures())
	if err := writeFeatureSet(filepath.Join(outDir, "retained_reliability.txt"), kept); err != nil {
		return err
	}
	if err := maybeSnapshot(writeSnapshots, filepath.Join(outDir, "snapshot_reliability.csv"), imputed); err != nil {
		return err
	}

	// Stage 5: normalization search.
	ranksFile, err := os.Open(abundqc.ExpandHome(ranksPath))
	if err != nil {
		return err
	}
	ranks, err := normsearch.ReadAssociationRanks(ranksFile)
	ranksFile.Close()
	if err != nil {
		return err
	}
	controls, err := normsearch.PickControls(ranks, imputed.FeatureSetAll(), controlsN)
	if err != nil {
		return err
	}

	engine := normsearch.NewEngine(normsearch.EngineConfig{
		MaxKRUV:    kruvMax,
		MaxKQC:     kqcMax,
		Controls:   controls,
		LeadingPCs: leadingPCs,
	})
	result, err := engine.Run(imputed, cov)
	if err != nil {
		return err
	}
	log.Printf("Normalization search evaluated %d of %d candidates; best: %s\n", len(result.Ranked), len(result.Candidates), result.Best.Settings())

	if showDiagnostics {
		for j, r := range result.Diagnostics.ConfounderR {
			log.Printf("factor %d: max |r| with known confounders = %.3f\n", j+1, r)
		}
		if err := diagnostics.PlotFactorPairs(filepath.Join(outDir, "diagnostic"), result.Diagnostics); err != nil {
			return err
		}
	}

	rankingFile, err := os.Create(filepath.Join(outDir, "ranking.csv"))
	if err != nil {
		return err
	}
	if err := result.WriteRankingTable(rankingFile); err != nil {
		rankingFile.Close()
		return err
	}
	if err := rankingFile.Close(); err != nil {
		return err
	}

	if err := snapshotCSV(filepath.Join(outDir, "normalized.csv"), result.Normalized); err != nil {
		return err
	}

	manifestFile, err := os.Create(filepath.Join(outDir, "exclusions.csv"))
	if err != nil {
		return err
	}
	if err := manifest.WriteCSV(manifestFile); err != nil {
		manifestFile.Close()
		return err
	}
	if err := manifestFile.Close(); err != nil {
		return err
	}

	log.Printf("Done: %d features in the normalized matrix, %d exclusions recorded\n", result.Normalized.NFeatures(), len(manifest.Exclusions))
	return nil
}

func writeFeatureSet(path string, set *abundqc.FeatureSet) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, id := range set.IDs() {
		if _, err := fmt.Fprintln(f, id); err != nil {
			return err
		}
	}
	return nil
}

func snapshotCSV(path string, m *abundqc.FeatureMatrix) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return abundqc.WriteMatrix(f, m)
}

func maybeSnapshot(enabled bool, path string, m *abundqc.FeatureMatrix) error {
	if !enabled {
		return nil
	}
	return snapshotCSV(path, m)
}
