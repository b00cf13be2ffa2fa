package kymo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fijibatch/internal/config"
	"fijibatch/internal/discovery"
	"fijibatch/internal/fiji"
	"fijibatch/internal/logging"
	"fijibatch/internal/macro"
)

// trackerTimeout bounds a single KymographDirect invocation.
const trackerTimeout = 10 * time.Minute

// FindTracker locates the KymographDirect executable. Custom paths are
// checked first, then the platform install locations, then PATH.
func FindTracker(customPaths []string) string {
	paths := append([]string{}, customPaths...)
	paths = append(paths, config.DefaultTrackerSearchPaths()...)
	for _, p := range paths {
		if p == "" {
			continue
		}
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	if p, err := exec.LookPath("KymographDirect"); err == nil {
		return p
	}
	return ""
}

// Pipeline runs the full kymograph chain for one document: a Fiji macro
// generates kymograph TIFFs from the document's ROIs, KymographDirect
// traces tracks on each TIFF, and the tracks are re-exported as ImageJ
// ROI archives.
type Pipeline struct {
	cfg     config.KymographConfig
	builder *macro.Builder
	runner  *fiji.Runner
	tracker string
}

// NewPipeline creates a kymograph pipeline. trackerPath may be empty
// when only the macro stage is wanted.
func NewPipeline(cfg config.KymographConfig, builder *macro.Builder, runner *fiji.Runner, trackerPath string) *Pipeline {
	return &Pipeline{cfg: cfg, builder: builder, runner: runner, tracker: trackerPath}
}

// DocumentResult reports the outcome of the pipeline for one document.
type DocumentResult struct {
	Document   discovery.Document
	Kymographs []string
	ROIZips    []string
	Tracks     int
	Err        error
}

// Process runs the pipeline for a single document.
func (p *Pipeline) Process(ctx context.Context, runID, basePath string, doc discovery.Document, bioFormats bool) DocumentResult {
	res := DocumentResult{Document: doc}

	if doc.ROIPath == "" {
		res.Err = fmt.Errorf("no ROI file for %s: kymograph generation needs line ROIs", doc.Name)
		return res
	}

	outDir := filepath.Join(basePath, p.cfg.OutputFolder, doc.Name)
	roiDir := filepath.Join(basePath, p.cfg.ROIFolder)
	for _, dir := range []string{outDir, roiDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			res.Err = fmt.Errorf("create kymograph folder: %w", err)
			return res
		}
	}

	timer := logging.StartTimer(logging.CategoryKymo, "kymograph pipeline "+doc.Name)
	defer timer.Stop()

	macroCode := p.builder.KymographMacro(macro.ImageData{
		InputPath:    fiji.ToFijiPath(doc.Path),
		OutputPath:   fiji.ToFijiPath(outDir),
		DocumentName: doc.Name,
		ROIPaths:     []string{fiji.ToFijiPath(doc.ROIPath)},
		IsBioFormats: bioFormats,
	})

	result, err := p.runner.RunMacro(ctx, runID, macroCode)
	if err != nil {
		res.Err = fmt.Errorf("kymograph macro for %s: %w", doc.Name, err)
		return res
	}
	if result.Failed() {
		res.Err = fmt.Errorf("kymograph macro for %s: %s", doc.Name, result.FailureReason())
		return res
	}

	kymos, err := p.collectKymographs(outDir)
	if err != nil {
		res.Err = err
		return res
	}
	if len(kymos) == 0 {
		res.Err = fmt.Errorf("macro produced no kymographs for %s in %s", doc.Name, outDir)
		return res
	}
	res.Kymographs = kymos
	logging.Kymo("%s: %d kymographs generated", doc.Name, len(kymos))

	if p.tracker == "" {
		logging.KymoWarn("no KymographDirect executable configured, skipping tracking for %s", doc.Name)
		return res
	}

	for _, kymoPath := range kymos {
		zipPath, tracks, err := p.trackAndExport(ctx, kymoPath, outDir, roiDir)
		if err != nil {
			res.Err = err
			return res
		}
		res.ROIZips = append(res.ROIZips, zipPath)
		res.Tracks += tracks
	}

	if !p.cfg.KeepIntermediates {
		for _, kymoPath := range kymos {
			os.Remove(kymoPath)
		}
	}

	logging.Kymo("%s: %d tracks exported to %d ROI archives", doc.Name, res.Tracks, len(res.ROIZips))
	return res
}

// collectKymographs lists the macro's output images, sorted.
func (p *Pipeline) collectKymographs(outDir string) ([]string, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read kymograph folder %s: %w", outDir, err)
	}

	var kymos []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, format := range p.cfg.Formats {
			if ext == strings.ToLower(format) {
				kymos = append(kymos, filepath.Join(outDir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(kymos)
	return kymos, nil
}

// trackAndExport runs KymographDirect on one kymograph and converts its
// track CSV into an ImageJ ROI zip named <stem>_tracks.zip.
func (p *Pipeline) trackAndExport(ctx context.Context, kymoPath, outDir, roiDir string) (string, int, error) {
	if err := p.runDirect(ctx, kymoPath, outDir); err != nil {
		return "", 0, err
	}

	stem := strings.TrimSuffix(filepath.Base(kymoPath), filepath.Ext(kymoPath))
	csvPath, err := findTrackCSV(outDir, stem)
	if err != nil {
		return "", 0, err
	}

	tracks, err := ParseDirectOutput(csvPath)
	if err != nil {
		return "", 0, err
	}

	zipPath := filepath.Join(roiDir, stem+"_tracks.zip")
	written, err := WriteTracksZip(zipPath, tracks)
	if err != nil {
		return "", 0, err
	}
	if written < len(tracks) {
		logging.KymoWarn("%s: %d of %d tracks too short for a polyline", stem, len(tracks)-written, len(tracks))
	}
	return zipPath, written, nil
}

func (p *Pipeline) runDirect(ctx context.Context, input, outDir string) error {
	execCtx, cancel := context.WithTimeout(ctx, trackerTimeout)
	defer cancel()

	args := []string{"-i", input, "-o", outDir, "-auto"}
	args = append(args, p.cfg.ExtraParams...)
	cmd := exec.CommandContext(execCtx, p.tracker, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("kymographdirect timed out on %s", filepath.Base(input))
		}
		return fmt.Errorf("kymographdirect on %s: %w: %s", filepath.Base(input), err, strings.TrimSpace(output.String()))
	}
	return nil
}

// findTrackCSV resolves the CSV KymographDirect wrote for a kymograph.
// Known fixed names are tried first, then any CSV sharing the stem.
func findTrackCSV(outDir, stem string) (string, error) {
	for _, name := range []string{stem + "_tracks.csv", stem + "_results.csv", stem + ".csv"} {
		candidate := filepath.Join(outDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	matches, err := filepath.Glob(filepath.Join(outDir, stem+"*.csv"))
	if err == nil && len(matches) > 0 {
		sort.Strings(matches)
		return matches[0], nil
	}
	return "", fmt.Errorf("no track csv for %s in %s", stem, outDir)
}
