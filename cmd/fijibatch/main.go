package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"fijibatch/internal/config"
	"fijibatch/internal/discovery"
	"fijibatch/internal/fiji"
	"fijibatch/internal/kymo"
	"fijibatch/internal/logging"
	"fijibatch/internal/macro"
	"fijibatch/internal/pipeline"
	"fijibatch/internal/store"
	"fijibatch/internal/watch"
)

var (
	// Global flags
	verbose     bool
	workspace   string
	fijiFlag    string
	timeoutFlag time.Duration

	// Process flags
	secondaryFilter string
	saveProcessed   bool
	macroFile       string
	commandList     []string
	workers         int

	// Images flags
	allImages bool

	// Kymo flags
	trackerFlag string

	// Report flags
	reportLimit int

	// Watch flags
	watchDebounce time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fijibatch",
	Short: "fijibatch - batch automation for Fiji/ImageJ",
	Long: `fijibatch automates repetitive Fiji/ImageJ workflows.

It discovers microscopy images by keyword, builds ImageJ macros from a
command library, dispatches them to a headless Fiji process, and
aggregates the resulting measurements into timestamped summaries.

Fiji itself does all image processing; fijibatch is the conveyor belt.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapConfig := zap.NewProductionConfig()
		if verbose {
			zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapConfig.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// processCmd runs the keyword pipeline
var processCmd = &cobra.Command{
	Use:   "process [keywords...]",
	Short: "Process images matching keywords and aggregate measurements",
	Long: `Finds image files whose names contain any of the given keywords,
runs a measurement macro against each through Fiji, and writes a
timestamped measurement summary (CSV and JSON) to Measurements/.

A ROI file found next to an image (<name>.roi, <name>.zip or
RoiSet_<name>.zip) restricts measurements to that region.

Examples:
  fijibatch process axon
  fijibatch process axon dendrite --secondary day1 --save-processed
  fijibatch process axon --macro-file custom.ijm`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProcess,
}

// imagesCmd runs the standard processing chain over group folders
var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Run the standard processing chain over group-organized images",
	Long: `Finds images sitting directly inside directories named after the
configured experiment groups and runs the standard processing chain
(background subtraction, median filter, contrast enhancement) on each,
saving results to Processing_Results/.

By default only maximum intensity projections (MIP files) are taken;
use --all to process every supported image.`,
	Args: cobra.NoArgs,
	RunE: runImages,
}

// roisCmd generates inverted ROIs
var roisCmd = &cobra.Command{
	Use:   "rois",
	Short: "Generate inverted ROIs for cut-numbered images",
	Long: `Finds images with a cut number in the filename (e.g. sample_cut3.tif),
locates their ROI files (RoiSet_<cut>.zip or roi_<cut>.roi) and saves
an inverted copy of each ROI next to the original.`,
	Args: cobra.NoArgs,
	RunE: runROIs,
}

// kymoCmd runs the kymograph pipeline
var kymoCmd = &cobra.Command{
	Use:   "kymo [keywords...]",
	Short: "Generate kymographs and track them with KymographDirect",
	Long: `For every matching image with a line ROI file: generates kymographs
through Fiji, traces tracks on each with KymographDirect, and exports
the tracks as ImageJ polyline ROI archives (<kymograph>_tracks.zip).

KymographDirect is located automatically; override with --tracker or
the KYMOGRAPH_DIRECT_PATH environment variable.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runKymo,
}

// commandsCmd lists the macro command library
var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the macro command library",
	Args:  cobra.NoArgs,
	RunE:  runCommands,
}

// validateCmd checks the environment
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration, Fiji and tracker availability",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

// reportCmd shows run history
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show recent runs and per-keyword statistics",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

// watchCmd processes images as they arrive
var watchCmd = &cobra.Command{
	Use:   "watch [keywords...]",
	Short: "Watch the base directory and process images as they arrive",
	Long: `Watches the base directory (recursively) for new image files and runs
the measurement macro on each once the file has settled. Without
keywords every supported image is processed.

Runs until interrupted.`,
	RunE: runWatch,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "base", "b", "", "Base directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&fijiFlag, "fiji", "", "Path to the Fiji executable (or set FIJI_PATH)")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 0, "Per-macro timeout (default from config)")

	processCmd.Flags().StringVar(&secondaryFilter, "secondary", "", "Additional filename filter")
	processCmd.Flags().BoolVar(&saveProcessed, "save-processed", false, "Also save processed TIFFs")
	processCmd.Flags().StringVar(&macroFile, "macro-file", "", "Custom macro template file")
	processCmd.Flags().StringSliceVar(&commandList, "command", nil, "Explicit macro command (repeatable, e.g. 'median_filter radius=3')")
	processCmd.Flags().IntVar(&workers, "workers", 4, "Measurement collection concurrency")

	imagesCmd.Flags().BoolVar(&allImages, "all", false, "Process all images, not only MIP files")

	kymoCmd.Flags().StringVar(&trackerFlag, "tracker", "", "Path to the KymographDirect executable")
	kymoCmd.Flags().StringVar(&secondaryFilter, "secondary", "", "Additional filename filter")

	reportCmd.Flags().IntVar(&reportLimit, "limit", 10, "Number of runs to show")

	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 2*time.Second, "Settle time before a new file is processed")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(roisCmd)
	rootCmd.AddCommand(kymoCmd)
	rootCmd.AddCommand(commandsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the components a command needs.
type app struct {
	base    string
	cfg     *config.Config
	runner  *fiji.Runner
	history *store.Store
}

// newApp loads configuration for the base directory and, when needsFiji
// is set, resolves the Fiji executable and builds the runner.
func newApp(needsFiji bool) (*app, error) {
	base := workspace
	if base == "" {
		var err error
		base, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(base)
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(base, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}

	a := &app{base: base, cfg: cfg}

	if needsFiji {
		path := fijiFlag
		if path == "" {
			path = cfg.Fiji.Path
		}
		if path == "" {
			path = fiji.Find(cfg.Fiji.SearchPaths)
		}
		if path == "" {
			return nil, fmt.Errorf("no Fiji executable found; install Fiji or set --fiji / FIJI_PATH")
		}
		logger.Debug("Using Fiji executable", zap.String("path", path))

		runnerCfg := fiji.DefaultRunnerConfig(path)
		runnerCfg.DefaultTimeout = cfg.FijiTimeout()
		if timeoutFlag > 0 {
			runnerCfg.DefaultTimeout = timeoutFlag
		}
		runnerCfg.ExtraArgs = cfg.Fiji.ExtraArgs
		a.runner = fiji.NewRunner(runnerCfg)
	}

	history, err := store.NewStore(cfg.DatabasePath(base))
	if err != nil {
		logger.Warn("Run history unavailable", zap.Error(err))
	} else {
		a.history = history
	}

	return a, nil
}

func (a *app) close() {
	if a.history != nil {
		a.history.Close()
	}
}

func (a *app) processor() *pipeline.Processor {
	return pipeline.NewProcessor(a.cfg, a.runner, a.history)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	opts := pipeline.Options{
		Keywords:        args,
		SecondaryFilter: secondaryFilter,
		SaveProcessed:   saveProcessed,
		Workers:         workers,
	}
	if macroFile != "" {
		data, err := os.ReadFile(macroFile)
		if err != nil {
			return fmt.Errorf("read macro file: %w", err)
		}
		opts.CustomMacro = string(data)
	}
	if len(commandList) > 0 {
		opts.Commands = macro.ParseCommandList(commandList)
	}

	logger.Info("Starting batch run",
		zap.Strings("keywords", args),
		zap.String("base", a.base))

	result, err := a.processor().Process(ctx, a.base, opts)
	if err != nil {
		return err
	}

	printResult(result)
	if !result.Success() {
		return fmt.Errorf("%d document(s) failed", len(result.Failed))
	}
	return nil
}

func runImages(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.processor().ProcessImages(ctx, a.base, !allImages)
	if err != nil {
		return err
	}

	printResult(result)
	if !result.Success() {
		return fmt.Errorf("%d image(s) failed", len(result.Failed))
	}
	return nil
}

func runROIs(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.processor().ProcessROIs(ctx, a.base)
	if err != nil {
		return err
	}

	printResult(result)
	if !result.Success() {
		return fmt.Errorf("%d image(s) failed", len(result.Failed))
	}
	return nil
}

func runKymo(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	tracker := trackerFlag
	if tracker == "" {
		tracker = a.cfg.Kymograph.TrackerPath
	}
	if tracker == "" {
		tracker = kymo.FindTracker(a.cfg.Kymograph.TrackerSearchPaths)
	}
	if tracker == "" {
		fmt.Println("KymographDirect not found: kymographs will be generated without tracking")
	}

	scanner := discovery.NewScanner(a.cfg.Files)
	docs, err := scanner.FindByKeyword(a.base, args, discovery.Options{SecondaryFilter: secondaryFilter})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		fmt.Println("No matching documents found")
		return nil
	}

	p := kymo.NewPipeline(a.cfg.Kymograph, macro.NewBuilder(a.cfg.Processing), a.runner, tracker)
	run := &store.Run{ID: uuid.NewString(), Kind: "kymo", BasePath: a.base, Keywords: args}
	var storeDocs []store.RunDocument
	failures := 0

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := p.Process(ctx, run.ID, a.base, doc, scanner.IsBioFormats(doc.Path))
		if res.Err != nil {
			failures++
			fmt.Printf("  FAIL %s: %v\n", doc.Name, res.Err)
			storeDocs = append(storeDocs, store.RunDocument{
				Path: doc.Path, Name: doc.Name, MatchedKeyword: doc.MatchedKeyword,
				Status: "failed", Error: res.Err.Error(),
			})
			continue
		}
		fmt.Printf("  OK   %s: %d kymographs, %d tracks\n", doc.Name, len(res.Kymographs), res.Tracks)
		storeDocs = append(storeDocs, store.RunDocument{
			Path: doc.Path, Name: doc.Name, MatchedKeyword: doc.MatchedKeyword,
			Status: "processed", RowCount: res.Tracks,
		})
	}

	run.Processed = len(docs) - failures
	run.Failed = failures
	run.Success = failures == 0
	if a.history != nil {
		if err := a.history.RecordRun(run, storeDocs); err != nil {
			logger.Warn("Failed to record run", zap.Error(err))
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d document(s) failed", failures)
	}
	return nil
}

func runCommands(cmd *cobra.Command, args []string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tPARAMETERS\tDESCRIPTION")
	for _, name := range macro.Names() {
		spec, _ := macro.Lookup(name)
		params := make([]string, 0, len(spec.Parameters))
		for param := range spec.Parameters {
			params = append(params, param)
		}
		sort.Strings(params)
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, strings.Join(params, ","), spec.Description)
	}
	return w.Flush()
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Printf("Base directory:  %s\n", a.base)
	fmt.Printf("Config file:     %s\n", config.ConfigFile(a.base))

	fijiPath := fijiFlag
	if fijiPath == "" {
		fijiPath = a.cfg.Fiji.Path
	}
	if fijiPath == "" {
		fijiPath = fiji.Find(a.cfg.Fiji.SearchPaths)
	}
	if fijiPath == "" {
		fmt.Println("Fiji:            NOT FOUND")
	} else if fiji.ValidatePath(fijiPath) {
		fmt.Printf("Fiji:            %s (ok)\n", fijiPath)
	} else {
		fmt.Printf("Fiji:            %s (not executable)\n", fijiPath)
	}

	tracker := a.cfg.Kymograph.TrackerPath
	if tracker == "" {
		tracker = kymo.FindTracker(a.cfg.Kymograph.TrackerSearchPaths)
	}
	if tracker == "" {
		fmt.Println("KymographDirect: not found (kymo tracking disabled)")
	} else {
		fmt.Printf("KymographDirect: %s\n", tracker)
	}

	if a.history != nil {
		fmt.Printf("Run history:     %s\n", a.history.Path())
	} else {
		fmt.Println("Run history:     unavailable")
	}

	if fijiPath == "" {
		return fmt.Errorf("validation failed: no Fiji executable")
	}
	return nil
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	if a.history == nil {
		return fmt.Errorf("run history unavailable")
	}

	runs, err := a.history.RecentRuns(reportLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tKIND\tKEYWORDS\tPROCESSED\tFAILED\tSTATUS")
	for _, run := range runs {
		status := "ok"
		if !run.Success {
			status = "FAILED"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			run.StartedAt.Format("2006-01-02 15:04:05"), run.Kind,
			strings.Join(run.Keywords, ","), run.Processed, run.Failed, status)
	}
	w.Flush()

	stats, err := a.history.KeywordStats()
	if err != nil {
		return err
	}
	if len(stats) > 0 {
		fmt.Println()
		fmt.Fprintln(w, "KEYWORD\tDOCUMENTS\tFAILURES")
		for _, stat := range stats {
			fmt.Fprintf(w, "%s\t%d\t%d\n", stat.Keyword, stat.Documents, stat.Failures)
		}
		w.Flush()
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	processor := a.processor()
	handler := func(ctx context.Context, path string) {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		doc := discovery.Document{Path: path, Name: name, Keywords: args}
		for _, kw := range args {
			if strings.Contains(strings.ToLower(filepath.Base(path)), strings.ToLower(kw)) {
				doc.MatchedKeyword = kw
				break
			}
		}

		result, err := processor.ProcessDocuments(ctx, a.base, []discovery.Document{doc}, pipeline.Options{Workers: workers})
		if err != nil {
			logger.Error("Processing failed", zap.String("path", path), zap.Error(err))
			return
		}
		if !result.Success() {
			fmt.Printf("  FAIL %s: %s\n", name, result.Failed[0].Reason)
			return
		}
		fmt.Printf("  OK   %s\n", name)
	}

	w, err := watch.NewWatcher(a.base, a.cfg.Files, args, handler)
	if err != nil {
		return err
	}
	w.SetDebounce(watchDebounce)
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", a.base)
	<-ctx.Done()
	return nil
}

func printResult(result *pipeline.Result) {
	fmt.Printf("Run %s: %d processed, %d failed\n",
		result.RunID, len(result.Processed), len(result.Failed))
	for _, failure := range result.Failed {
		fmt.Printf("  FAIL %s: %s\n", failure.Name, failure.Reason)
	}
	if result.Summary.CSV != "" {
		fmt.Printf("Summary: %s\n", result.Summary.CSV)
	}
}
