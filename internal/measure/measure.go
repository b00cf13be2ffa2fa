// Package measure reads Fiji measurement CSVs and aggregates them into
// timestamped summary files.
package measure

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fijibatch/internal/logging"
)

// Row is one measurement row. Values are float64 where the cell parses
// as a number, otherwise the raw string.
type Row map[string]any

// Input identifies a per-document measurements CSV to collect.
type Input struct {
	CSVPath        string
	Filename       string
	MatchedKeyword string
	SecondaryKey   string
}

// DocumentMeasurements holds all measurement rows for one document.
type DocumentMeasurements struct {
	Filename       string `json:"filename"`
	MatchedKeyword string `json:"matched_keyword"`
	SecondaryKey   string `json:"secondary_key,omitempty"`
	Rows           []Row  `json:"measurements"`
}

// ReadResultsCSV parses a Fiji Results table CSV. The unnamed first
// column Fiji writes for row indices is dropped.
func ReadResultsCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open measurements %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse measurements %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(Row, len(header))
		for i, name := range header {
			if i >= len(record) {
				break
			}
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			row[name] = parseValue(record[i])
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func parseValue(s string) any {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}

// Collect reads every input CSV concurrently. Inputs whose CSV is
// missing are skipped with a warning rather than failing the batch.
func Collect(ctx context.Context, inputs []Input, workers int) ([]DocumentMeasurements, error) {
	if workers <= 0 {
		workers = 4
	}

	timer := logging.StartTimer(logging.CategoryMeasure, "collect measurements")
	defer timer.Stop()

	var mu sync.Mutex
	docs := make([]DocumentMeasurements, 0, len(inputs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, input := range inputs {
		input := input
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			rows, err := ReadResultsCSV(input.CSVPath)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					logging.Measure("no measurements for %s (missing %s)", input.Filename, input.CSVPath)
					return nil
				}
				return err
			}
			mu.Lock()
			docs = append(docs, DocumentMeasurements{
				Filename:       input.Filename,
				MatchedKeyword: input.MatchedKeyword,
				SecondaryKey:   input.SecondaryKey,
				Rows:           rows,
			})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Filename < docs[j].Filename })
	logging.Measure("collected measurements from %d of %d documents", len(docs), len(inputs))
	return docs, nil
}

// SummaryPaths are the files a summary write produced.
type SummaryPaths struct {
	CSV  string
	JSON string
}

// WriteSummary writes measurements_summary_<timestamp>.csv and .json
// into outputDir. The CSV columns are filename, matched_keyword and
// secondary_key followed by the sorted union of all measurement keys.
func WriteSummary(outputDir string, docs []DocumentMeasurements, now time.Time) (SummaryPaths, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return SummaryPaths{}, fmt.Errorf("create summary dir: %w", err)
	}

	stamp := now.Format("20060102_150405")
	paths := SummaryPaths{
		CSV:  filepath.Join(outputDir, "measurements_summary_"+stamp+".csv"),
		JSON: filepath.Join(outputDir, "measurements_summary_"+stamp+".json"),
	}

	if err := writeSummaryCSV(paths.CSV, docs); err != nil {
		return SummaryPaths{}, err
	}
	if err := writeSummaryJSON(paths.JSON, docs); err != nil {
		return SummaryPaths{}, err
	}

	logging.Measure("summary written: %s", paths.CSV)
	return paths, nil
}

// MeasurementKeys returns the sorted union of all measurement column
// names across the documents.
func MeasurementKeys(docs []DocumentMeasurements) []string {
	seen := make(map[string]struct{})
	for _, doc := range docs {
		for _, row := range doc.Rows {
			for key := range row {
				seen[key] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func writeSummaryCSV(path string, docs []DocumentMeasurements) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary csv: %w", err)
	}
	defer f.Close()

	keys := MeasurementKeys(docs)
	header := append([]string{"filename", "matched_keyword", "secondary_key"}, keys...)

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, doc := range docs {
		for _, row := range doc.Rows {
			record := make([]string, 0, len(header))
			record = append(record, doc.Filename, doc.MatchedKeyword, doc.SecondaryKey)
			for _, key := range keys {
				record = append(record, formatValue(row[key]))
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
	}
	w.Flush()
	return w.Error()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

func writeSummaryJSON(path string, docs []DocumentMeasurements) error {
	data, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
