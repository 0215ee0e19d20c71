package abundqc

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/csimplestring/go-csv/detector"
	"github.com/gocarina/gocsv"
)

// ExpandHome expands ~ to its proper path, where appropriate.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		usr, err := user.Current()
		if err != nil {
			log.Fatalln(pfx.Err(err))
		}
		path = filepath.Join(usr.HomeDir, (path)[2:])
	}

	return path
}

// determineDelimiter returns the single most likely rune that would delimit
// the values in the reader, assuming a CSV-like file.
func determineDelimiter(r io.Reader) rune {
	d := detector.New()
	delimiters := d.DetectDelimiter(r, '"')

	if len(delimiters) > 0 {
		return rune(delimiters[0][0])
	}

	return ','
}

// parseCell maps one matrix cell to an intensity. Empty cells, NA, and zero
// all mean not detected.
func parseCell(field string) (float64, error) {
	field = strings.TrimSpace(field)
	switch strings.ToUpper(field) {
	case "", "NA", "NAN", "N/A":
		return NotDetected(), nil
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, err
	}
	if v == 0 {
		return NotDetected(), nil
	}
	if v < 0 {
		return 0, fmt.Errorf("negative intensity %v", v)
	}
	return v, nil
}

// ReadMatrix parses a feature × sample intensity table. The first header
// field names the feature-id column; remaining header fields are sample ids.
func ReadMatrix(r io.Reader, delim rune) (*FeatureMatrix, error) {
	cr := csv.NewReader(r)
	cr.Comma = delim
	cr.LazyQuotes = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, pfx.Err(err)
	}
	if len(records) < 2 {
		return nil, pfx.Err(fmt.Errorf("%w: matrix file has no data rows", ErrDataShape))
	}

	sampleIDs := records[0][1:]
	featureIDs := make([]string, 0, len(records)-1)
	values := make([][]float64, 0, len(records)-1)

	for lineNo, rec := range records[1:] {
		featureIDs = append(featureIDs, rec[0])
		row := make([]float64, 0, len(rec)-1)
		for col, field := range rec[1:] {
			v, err := parseCell(field)
			if err != nil {
				return nil, pfx.Err(fmt.Errorf("%w: line %d, sample %q: %v", ErrDataShape, lineNo+2, sampleIDs[col], err))
			}
			row = append(row, v)
		}
		values = append(values, row)
	}

	return NewFeatureMatrix(featureIDs, sampleIDs, values)
}

// LoadMatrix reads an intensity matrix from disk, sniffing the delimiter.
func LoadMatrix(path string) (*FeatureMatrix, error) {
	fileBytes, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, pfx.Err(err)
	}

	delim := determineDelimiter(bytes.NewReader(fileBytes))

	return ReadMatrix(bytes.NewReader(fileBytes), delim)
}

// LoadCovariates reads the sample covariate table from disk, sniffing the
// delimiter.
func LoadCovariates(path string) (*CovariateTable, error) {
	fileBytes, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		return nil, pfx.Err(err)
	}

	delim := determineDelimiter(bytes.NewReader(fileBytes))

	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.Comma = delim
		r.LazyQuotes = true
		return r
	})

	samples := []Sample{}
	if err := gocsv.UnmarshalBytes(fileBytes, &samples); err != nil {
		return nil, pfx.Err(err)
	}

	return NewCovariateTable(samples)
}

// WriteMatrix emits a snapshot as CSV in the same layout ReadMatrix accepts.
// Missing cells are written as NA.
func WriteMatrix(w io.Writer, m *FeatureMatrix) error {
	cw := csv.NewWriter(w)

	header := append([]string{"feature_id"}, m.SampleIDs()...)
	if err := cw.Write(header); err != nil {
		return pfx.Err(err)
	}

	for i, id := range m.FeatureIDs() {
		rec := make([]string, 0, m.NSamples()+1)
		rec = append(rec, id)
		for _, v := range m.Row(i) {
			if IsMissing(v) {
				rec = append(rec, "NA")
				continue
			}
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return pfx.Err(err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return pfx.Err(err)
	}
	return nil
}
