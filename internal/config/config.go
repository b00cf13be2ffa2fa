// Package config holds all fijibatch configuration. Settings load from a
// YAML file with env overrides applied afterwards; zero-value fields fall
// back to the defaults in DefaultConfig.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fijibatch configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Fiji executable configuration
	Fiji FijiConfig `yaml:"fiji"`

	// Macro processing parameters
	Processing ProcessingConfig `yaml:"processing"`

	// File matching and ROI discovery
	Files FileConfig `yaml:"files"`

	// Group keyword mappings
	Groups GroupConfig `yaml:"groups"`

	// Kymograph pipeline
	Kymograph KymographConfig `yaml:"kymograph"`

	// Run history store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// FijiConfig configures how the Fiji executable is located and run.
type FijiConfig struct {
	// Explicit path to the executable. Auto-detected when empty.
	Path string `yaml:"path"`

	// Extra search locations checked before the platform defaults.
	SearchPaths []string `yaml:"search_paths"`

	// Per-macro execution timeout (Go duration string, default "5m").
	Timeout string `yaml:"timeout"`

	// Extra command line arguments appended after -macro <file>.
	ExtraArgs []string `yaml:"extra_args"`
}

// ProcessingConfig holds the parameters substituted into processing macros.
type ProcessingConfig struct {
	RollingRadius     int     `yaml:"rolling_radius"`
	MedianRadius      int     `yaml:"median_radius"`
	SaturatedPixels   float64 `yaml:"saturated_pixels"`
	Normalize         bool    `yaml:"normalize"`
	ConvertTo8Bit     bool    `yaml:"convert_to_8bit"`
	DuplicateChannels string  `yaml:"duplicate_channels"`
	DuplicateSlices   string  `yaml:"duplicate_slices"`
	DuplicateFrames   string  `yaml:"duplicate_frames"`
}

// FileConfig configures file matching and ROI discovery.
type FileConfig struct {
	// Image extensions considered for processing.
	SupportedExtensions []string `yaml:"supported_extensions"`

	// Filename fragments identifying maximum intensity projections.
	MIPKeywords []string `yaml:"mip_keywords"`

	// Templates tried (in order) to find a ROI next to an image.
	// {name} is replaced with the extension-stripped image name.
	ROISearchTemplates []string `yaml:"roi_search_templates"`

	// Cut-number ROI patterns. {cut} is replaced with the number
	// extracted from the image filename.
	ROISetPattern      string `yaml:"roiset_pattern"`
	SingleROIPattern   string `yaml:"single_roi_pattern"`
	InvertedROIPattern string `yaml:"inverted_roi_pattern"`

	// Extensions that must be opened through the Bio-Formats importer.
	BioFormatsExtensions []string `yaml:"bioformats_extensions"`
}

// GroupConfig maps experiment group names to short codes. The keys double
// as the default directory keywords for group-based discovery.
type GroupConfig struct {
	Groups map[string]string `yaml:"groups"`
}

// Keywords returns the group names in sorted order for deterministic scans.
func (g GroupConfig) Keywords() []string {
	keys := make([]string, 0, len(g.Groups))
	for k := range g.Groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KymographConfig configures the kymograph pipeline.
type KymographConfig struct {
	// Explicit path to the KymographDirect executable.
	TrackerPath string `yaml:"tracker_path"`

	// Extra search locations for the tracker executable.
	TrackerSearchPaths []string `yaml:"tracker_search_paths"`

	// File extensions produced by the kymograph macro.
	Formats []string `yaml:"formats"`

	// Output folder names relative to the base path.
	OutputFolder string `yaml:"output_folder"`
	ROIFolder    string `yaml:"roi_folder"`

	// Keep intermediate kymograph TIFFs after ROI export.
	KeepIntermediates bool `yaml:"keep_intermediates"`

	// Additional CLI parameters appended to every KymographDirect call.
	ExtraParams []string `yaml:"extra_params"`
}

// StoreConfig configures the SQLite run history store.
type StoreConfig struct {
	// Database path. Default is .fijibatch/history.db in the workspace.
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "fijibatch",
		Version: "1.0.0",
		Fiji: FijiConfig{
			Timeout: "5m",
		},
		Processing: ProcessingConfig{
			RollingRadius:     30,
			MedianRadius:      2,
			SaturatedPixels:   0.35,
			Normalize:         true,
			ConvertTo8Bit:     true,
			DuplicateChannels: "1",
			DuplicateSlices:   "1-end",
			DuplicateFrames:   "1-end",
		},
		Files: FileConfig{
			SupportedExtensions: []string{".tif", ".tiff", ".ims", ".czi"},
			MIPKeywords:         []string{"_MIP_", "_MIP.tif", "_MIP.ims", "_MIP.czi"},
			ROISearchTemplates:  []string{"{name}.roi", "{name}.zip", "RoiSet_{name}.zip"},
			ROISetPattern:       "RoiSet_{cut}.zip",
			SingleROIPattern:    "roi_{cut}.roi",
			InvertedROIPattern:  "roi_{cut}_inverted.roi",
			BioFormatsExtensions: []string{
				".ims", ".czi", ".nd2", ".lsm", ".oib", ".oif",
			},
		},
		Groups: GroupConfig{
			Groups: map[string]string{
				"Experimental": "A",
				"Control":      "B",
			},
		},
		Kymograph: KymographConfig{
			Formats:      []string{".tif", ".tiff"},
			OutputFolder: "Kymographs",
			ROIFolder:    "Kymograph_ROIs",
		},
		Store: StoreConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// FijiTimeout parses the configured macro timeout, falling back to 5 minutes.
func (c *Config) FijiTimeout() time.Duration {
	if c.Fiji.Timeout != "" {
		if d, err := time.ParseDuration(c.Fiji.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return 5 * time.Minute
}

// WorkspaceDir returns the fijibatch state directory for a workspace.
func WorkspaceDir(workspace string) string {
	return filepath.Join(workspace, ".fijibatch")
}

// ConfigFile returns the config file path for a workspace.
func ConfigFile(workspace string) string {
	return filepath.Join(WorkspaceDir(workspace), "config.yaml")
}

// DatabasePath resolves the store path for a workspace, honoring overrides.
func (c *Config) DatabasePath(workspace string) string {
	if c.Store.DatabasePath != "" {
		return c.Store.DatabasePath
	}
	return filepath.Join(WorkspaceDir(workspace), "history.db")
}

// Load reads the configuration for a workspace. A missing file yields the
// defaults; a malformed file is an error. Env overrides apply in both cases.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()

	path := ConfigFile(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to the workspace config file.
func Save(workspace string, cfg *Config) error {
	dir := WorkspaceDir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(ConfigFile(workspace), data, 0o644)
}

// fillDefaults restores defaults for fields a partial YAML file left empty.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if len(c.Files.SupportedExtensions) == 0 {
		c.Files.SupportedExtensions = def.Files.SupportedExtensions
	}
	if len(c.Files.MIPKeywords) == 0 {
		c.Files.MIPKeywords = def.Files.MIPKeywords
	}
	if len(c.Files.ROISearchTemplates) == 0 {
		c.Files.ROISearchTemplates = def.Files.ROISearchTemplates
	}
	if c.Files.ROISetPattern == "" {
		c.Files.ROISetPattern = def.Files.ROISetPattern
	}
	if c.Files.SingleROIPattern == "" {
		c.Files.SingleROIPattern = def.Files.SingleROIPattern
	}
	if c.Files.InvertedROIPattern == "" {
		c.Files.InvertedROIPattern = def.Files.InvertedROIPattern
	}
	if len(c.Files.BioFormatsExtensions) == 0 {
		c.Files.BioFormatsExtensions = def.Files.BioFormatsExtensions
	}
	if len(c.Groups.Groups) == 0 {
		c.Groups.Groups = def.Groups.Groups
	}
	if c.Fiji.Timeout == "" {
		c.Fiji.Timeout = def.Fiji.Timeout
	}
	if len(c.Kymograph.Formats) == 0 {
		c.Kymograph.Formats = def.Kymograph.Formats
	}
	if c.Kymograph.OutputFolder == "" {
		c.Kymograph.OutputFolder = def.Kymograph.OutputFolder
	}
	if c.Kymograph.ROIFolder == "" {
		c.Kymograph.ROIFolder = def.Kymograph.ROIFolder
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Processing.DuplicateChannels == "" {
		c.Processing.DuplicateChannels = def.Processing.DuplicateChannels
	}
	if c.Processing.DuplicateSlices == "" {
		c.Processing.DuplicateSlices = def.Processing.DuplicateSlices
	}
	if c.Processing.DuplicateFrames == "" {
		c.Processing.DuplicateFrames = def.Processing.DuplicateFrames
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FIJI_PATH"); v != "" {
		c.Fiji.Path = v
	}
	if v := os.Getenv("FIJIBATCH_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("KYMOGRAPH_DIRECT_PATH"); v != "" {
		c.Kymograph.TrackerPath = v
	}
}

// DefaultFijiSearchPaths returns platform-specific Fiji install locations.
func DefaultFijiSearchPaths() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/Fiji.app/Contents/MacOS/ImageJ-macosx",
			filepath.Join(home, "Applications/Fiji.app/Contents/MacOS/ImageJ-macosx"),
			filepath.Join(home, "Downloads/Fiji.app/Contents/MacOS/ImageJ-macosx"),
			filepath.Join(home, "Desktop/Fiji.app/Contents/MacOS/ImageJ-macosx"),
		}
	case "windows":
		return []string{
			`C:\Program Files\Fiji\ImageJ-win64.exe`,
			`C:\Program Files (x86)\Fiji\ImageJ-win64.exe`,
			filepath.Join(home, `Fiji\ImageJ-win64.exe`),
			filepath.Join(home, `Desktop\Fiji\ImageJ-win64.exe`),
			filepath.Join(home, `Downloads\Fiji\ImageJ-win64.exe`),
		}
	default:
		return []string{
			"/opt/fiji/ImageJ-linux64",
			"/usr/local/fiji/ImageJ-linux64",
			filepath.Join(home, "fiji/ImageJ-linux64"),
			filepath.Join(home, "Fiji.app/ImageJ-linux64"),
			filepath.Join(home, "Desktop/fiji/ImageJ-linux64"),
		}
	}
}

// DefaultTrackerSearchPaths returns KymographDirect install locations.
func DefaultTrackerSearchPaths() []string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return []string{
			"/Applications/KymographDirect/KymographDirect",
			filepath.Join(home, "Applications/KymographDirect/KymographDirect"),
		}
	case "windows":
		return []string{
			`C:\Program Files\KymographDirect\KymographDirect.exe`,
			filepath.Join(home, `KymographDirect\KymographDirect.exe`),
		}
	default:
		return []string{
			"/opt/kymographdirect/KymographDirect",
			"/usr/local/bin/KymographDirect",
			filepath.Join(home, "KymographDirect/KymographDirect"),
		}
	}
}
