// Package pipeline orchestrates batch processing: discovering documents,
// building macros, dispatching them to Fiji and aggregating the results.
package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"fijibatch/internal/config"
	"fijibatch/internal/discovery"
	"fijibatch/internal/fiji"
	"fijibatch/internal/logging"
	"fijibatch/internal/macro"
	"fijibatch/internal/measure"
	"fijibatch/internal/store"
)

// nowFunc is swapped in tests for deterministic summary filenames.
var nowFunc = time.Now

// Output folder names created under the base path.
const (
	MeasurementsFolder     = "Measurements"
	ProcessedFolder        = "Processed_Files"
	ProcessingResultFolder = "Processing_Results"
)

// Options controls a keyword processing run.
type Options struct {
	Keywords        []string
	SecondaryFilter string

	// Save the processed image as TIFF in addition to measurements.
	SaveProcessed bool

	// Custom macro template overriding the default chain. Placeholders
	// follow macro.BuildCustom.
	CustomMacro string

	// Explicit command chain overriding the default chain. Per-document
	// paths are substituted after rendering.
	Commands []macro.Command

	// Concurrency for measurement collection.
	Workers int
}

// Failure describes one document that did not process.
type Failure struct {
	Name   string
	Path   string
	Reason string
}

// Result summarizes a batch run.
type Result struct {
	RunID     string
	Processed []discovery.Document
	Failed    []Failure
	Summary   measure.SummaryPaths

	// Measurement rows collected per document, keyed by filename.
	RowCounts map[string]int
}

// Success reports whether every discovered document processed cleanly.
func (r *Result) Success() bool {
	return len(r.Failed) == 0
}

// Processor runs batch pipelines against one base directory.
type Processor struct {
	cfg     *config.Config
	scanner *discovery.Scanner
	builder *macro.Builder
	runner  *fiji.Runner
	history *store.Store
}

// NewProcessor creates a processor. history may be nil to skip run
// recording.
func NewProcessor(cfg *config.Config, runner *fiji.Runner, history *store.Store) *Processor {
	return &Processor{
		cfg:     cfg,
		scanner: discovery.NewScanner(cfg.Files),
		builder: macro.NewBuilder(cfg.Processing),
		runner:  runner,
		history: history,
	}
}

// Process discovers documents by keyword and runs a macro against each,
// then aggregates measurements into a timestamped summary.
func (p *Processor) Process(ctx context.Context, basePath string, opts Options) (*Result, error) {
	docs, err := p.scanner.FindByKeyword(basePath, opts.Keywords, discovery.Options{
		SecondaryFilter: opts.SecondaryFilter,
	})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		logging.Boot("no documents matched keywords %v in %s", opts.Keywords, basePath)
		return &Result{RunID: uuid.NewString()}, nil
	}
	return p.ProcessDocuments(ctx, basePath, docs, opts)
}

// ProcessDocuments runs the macro stage over already-discovered
// documents. Used directly by the watch loop for single arrivals.
func (p *Processor) ProcessDocuments(ctx context.Context, basePath string, docs []discovery.Document, opts Options) (*Result, error) {
	runID := uuid.NewString()
	result := &Result{RunID: runID}

	measureDir := filepath.Join(basePath, MeasurementsFolder)
	processedDir := filepath.Join(basePath, ProcessedFolder)
	if err := os.MkdirAll(measureDir, 0o755); err != nil {
		return nil, fmt.Errorf("create measurements folder: %w", err)
	}
	if opts.SaveProcessed {
		if err := os.MkdirAll(processedDir, 0o755); err != nil {
			return nil, fmt.Errorf("create processed folder: %w", err)
		}
	}

	var inputs []measure.Input
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data := macro.ImageData{
			InputPath:        fiji.ToFijiPath(doc.Path),
			OutputPath:       fiji.ToFijiPath(filepath.Join(processedDir, doc.Name+"_processed.tif")),
			MeasurementsPath: fiji.ToFijiPath(filepath.Join(measureDir, doc.Name+".csv")),
			IsBioFormats:     p.scanner.IsBioFormats(doc.Path),
			DocumentName:     doc.Name,
		}
		if doc.ROIPath != "" {
			data.ROIPaths = []string{fiji.ToFijiPath(doc.ROIPath)}
		}

		macroCode := p.buildDocumentMacro(doc, data, opts)
		execResult, err := p.runner.RunMacro(ctx, runID, macroCode)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Name: doc.Name, Path: doc.Path, Reason: err.Error()})
			continue
		}
		if execResult.Failed() {
			result.Failed = append(result.Failed, Failure{Name: doc.Name, Path: doc.Path, Reason: execResult.FailureReason()})
			continue
		}

		result.Processed = append(result.Processed, doc)
		inputs = append(inputs, measure.Input{
			CSVPath:        filepath.Join(measureDir, doc.Name+".csv"),
			Filename:       filepath.Base(doc.Path),
			MatchedKeyword: doc.MatchedKeyword,
			SecondaryKey:   doc.SecondaryKey,
		})
	}

	if len(inputs) > 0 {
		collected, err := measure.Collect(ctx, inputs, opts.Workers)
		if err != nil {
			return nil, fmt.Errorf("collect measurements: %w", err)
		}
		if len(collected) > 0 {
			summary, err := measure.WriteSummary(measureDir, collected, nowFunc())
			if err != nil {
				return nil, fmt.Errorf("write summary: %w", err)
			}
			result.Summary = summary
		}
		result.RowCounts = make(map[string]int, len(collected))
		for _, doc := range collected {
			result.RowCounts[doc.Filename] = len(doc.Rows)
		}
	}

	p.recordRun(runID, "process", basePath, opts.Keywords, result)
	logging.Boot("run %s: %d processed, %d failed", runID, len(result.Processed), len(result.Failed))
	return result, nil
}

// buildDocumentMacro picks the macro source for one document: a custom
// template, an explicit command chain, or the default measure chain.
func (p *Processor) buildDocumentMacro(doc discovery.Document, data macro.ImageData, opts Options) string {
	if opts.CustomMacro != "" {
		code := p.builder.BuildCustom(opts.CustomMacro, data)
		if !strings.Contains(code, `run("Quit")`) {
			code += "\n" + `run("Quit");`
		}
		return code
	}

	if len(opts.Commands) > 0 {
		rendered := p.builder.BuildFromCommands(macro.EnsureQuit(opts.Commands))
		return p.builder.BuildCustom(rendered, data)
	}

	commands := []macro.Command{
		openDocumentCommand(data),
		{Name: "set_measurements", Comment: "Configure measurements"},
		{Name: "clear_measurements"},
	}

	if len(data.ROIPaths) > 0 {
		commands = append(commands,
			macro.Command{Name: "roi_manager_reset"},
			macro.Command{
				Name:       "roi_manager_open",
				Parameters: map[string]string{"roi_path": data.ROIPaths[0]},
				Comment:    "Measure within ROI",
			},
			macro.Command{Name: "roi_manager_measure"},
		)
	} else {
		commands = append(commands, macro.Command{Name: "measure"})
	}

	commands = append(commands, macro.Command{
		Name:       "save_csv",
		Parameters: map[string]string{"measurements_path": data.MeasurementsPath},
		Comment:    "Save measurements",
	})

	if opts.SaveProcessed {
		commands = append(commands, macro.Command{
			Name:       "save_tiff",
			Parameters: map[string]string{"output_path": data.OutputPath},
		})
	}

	commands = append(commands, macro.Command{Name: "close_all"}, macro.Command{Name: "quit"})
	return p.builder.BuildFromCommands(commands)
}

// openDocumentCommand picks the open command for a document: Bio-Formats
// for formats that need it, the standard opener otherwise.
func openDocumentCommand(data macro.ImageData) macro.Command {
	name := "open_standard"
	if data.IsBioFormats {
		name = "open_bioformats"
	}
	return macro.Command{
		Name:       name,
		Parameters: map[string]string{"input_path": data.InputPath},
	}
}

// ProcessImages runs the standard processing chain over group-organized
// images, writing results to Processing_Results.
func (p *Processor) ProcessImages(ctx context.Context, basePath string, mipOnly bool) (*Result, error) {
	runID := uuid.NewString()
	result := &Result{RunID: runID}

	keywords := p.cfg.Groups.Keywords()
	files, err := p.scanner.FindImagesByGroup(basePath, keywords, mipOnly)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		logging.Boot("no group images found in %s for %v", basePath, keywords)
		return result, nil
	}

	outDir := filepath.Join(basePath, ProcessingResultFolder)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create processing results folder: %w", err)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		doc := discovery.Document{Path: path, Name: name}

		macroCode := p.builder.StandardProcessingMacro(macro.ImageData{
			InputPath:    fiji.ToFijiPath(path),
			OutputPath:   fiji.ToFijiPath(filepath.Join(outDir, name+"_processed.tif")),
			IsBioFormats: p.scanner.IsBioFormats(path),
			DocumentName: name,
		})

		execResult, err := p.runner.RunMacro(ctx, runID, macroCode)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Name: name, Path: path, Reason: err.Error()})
			continue
		}
		if execResult.Failed() {
			result.Failed = append(result.Failed, Failure{Name: name, Path: path, Reason: execResult.FailureReason()})
			continue
		}
		result.Processed = append(result.Processed, doc)
	}

	p.recordRun(runID, "images", basePath, keywords, result)
	return result, nil
}

// ProcessROIs finds cut-numbered images with ROI files and generates
// inverted ROIs for each through Fiji.
func (p *Processor) ProcessROIs(ctx context.Context, basePath string) (*Result, error) {
	runID := uuid.NewString()
	result := &Result{RunID: runID}

	if err := discovery.ValidateInputDir(basePath); err != nil {
		return nil, err
	}

	type roiJob struct {
		imagePath string
		name      string
		roiPaths  []string
	}

	var jobs []roiJob
	walkErr := filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !p.isSupportedImage(d.Name()) {
			return nil
		}
		cut, ok := discovery.ExtractCutNumber(d.Name())
		if !ok {
			return nil
		}
		roiPaths, _ := p.scanner.FindROIFilesByCut(path, cut)
		if len(roiPaths) == 0 {
			result.Failed = append(result.Failed, Failure{
				Name:   strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
				Path:   path,
				Reason: "no ROI files found for cut " + cut,
			})
			return nil
		}
		jobs = append(jobs, roiJob{
			imagePath: path,
			name:      strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			roiPaths:  roiPaths,
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", basePath, walkErr)
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		roiPaths := make([]string, len(job.roiPaths))
		for i, rp := range job.roiPaths {
			roiPaths[i] = fiji.ToFijiPath(rp)
		}

		macroCode := p.builder.ROIInversionMacro(macro.ImageData{
			InputPath:    fiji.ToFijiPath(job.imagePath),
			ROIPaths:     roiPaths,
			IsBioFormats: p.scanner.IsBioFormats(job.imagePath),
			DocumentName: job.name,
		})

		execResult, err := p.runner.RunMacro(ctx, runID, macroCode)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Name: job.name, Path: job.imagePath, Reason: err.Error()})
			continue
		}
		if execResult.Failed() {
			result.Failed = append(result.Failed, Failure{Name: job.name, Path: job.imagePath, Reason: execResult.FailureReason()})
			continue
		}
		result.Processed = append(result.Processed, discovery.Document{Path: job.imagePath, Name: job.name})
	}

	p.recordRun(runID, "rois", basePath, nil, result)
	return result, nil
}

func (p *Processor) isSupportedImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range p.cfg.Files.SupportedExtensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// recordRun persists the run outcome when a history store is attached.
func (p *Processor) recordRun(runID, kind, basePath string, keywords []string, result *Result) {
	if p.history == nil {
		return
	}

	run := &store.Run{
		ID:         runID,
		Kind:       kind,
		BasePath:   basePath,
		Keywords:   keywords,
		Processed:  len(result.Processed),
		Failed:     len(result.Failed),
		Success:    result.Success(),
		SummaryCSV: result.Summary.CSV,
	}

	docs := make([]store.RunDocument, 0, len(result.Processed)+len(result.Failed))
	for _, doc := range result.Processed {
		docs = append(docs, store.RunDocument{
			Path:           doc.Path,
			Name:           doc.Name,
			MatchedKeyword: doc.MatchedKeyword,
			Status:         "processed",
			RowCount:       result.RowCounts[filepath.Base(doc.Path)],
		})
	}
	for _, failure := range result.Failed {
		docs = append(docs, store.RunDocument{
			Path:   failure.Path,
			Name:   failure.Name,
			Status: "failed",
			Error:  failure.Reason,
		})
	}

	if err := p.history.RecordRun(run, docs); err != nil {
		logging.Store("record run %s: %v", runID, err)
	}
}
