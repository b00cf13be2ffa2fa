package macro

import (
	"fmt"
	"path/filepath"
	"strings"

	"fijibatch/internal/config"
	"fijibatch/internal/logging"
)

// Command is a single macro command with optional parameters.
type Command struct {
	Name       string
	Parameters map[string]string
	Comment    string
}

// ImageData carries the per-document paths substituted into macros.
// Paths must already be in Fiji form (forward slashes).
type ImageData struct {
	InputPath        string
	OutputPath       string
	MeasurementsPath string
	FileExtension    string
	IsBioFormats     bool
	ROIPaths         []string
	DocumentName     string
}

// templates maps command names to ImageJ macro lines. Placeholders use
// {name} and are filled from command parameters.
var templates = map[string]string{
	// File operations
	"open_bioformats": `run("Bio-Formats Importer", "open=[{input_path}] autoscale color_mode=Default rois_import=[ROI manager] view=Hyperstack stack_order=XYCZT series_1");`,
	"open_standard":   `open("{input_path}");`,
	"save_tiff":       `saveAs("Tiff", "{output_path}");`,
	"save_csv":        `saveAs("Measurements", "{measurements_path}");`,

	// Image processing
	"convert_8bit":        `run("8-bit");`,
	"convert_16bit":       `run("16-bit");`,
	"subtract_background": `run("Subtract Background...", "rolling={radius}");`,
	"median_filter":       `run("Median...", "radius={radius}");`,
	"gaussian_blur":       `run("Gaussian Blur...", "sigma={sigma}");`,
	"enhance_contrast":    `run("Enhance Contrast...", "saturated={saturated} normalize");`,
	"threshold":           `run("Threshold...", "method={method}");`,

	// Measurements
	"measure":            `run("Measure");`,
	"set_measurements":   `run("Set Measurements...", "area mean std min max center perimeter bounding fit shape feret's integrated median skewness kurtosis area_fraction stack display redirect=None decimal=3");`,
	"clear_measurements": `run("Clear Results");`,

	// ROI operations
	"roi_manager_reset":     `roiManager("Reset");`,
	"roi_manager_open":      `roiManager("Open", "{roi_path}");`,
	"roi_manager_select":    `roiManager("Select", {index});`,
	"roi_manager_measure":   `roiManager("Measure");`,
	"make_inverse":          `run("Make Inverse");`,
	"roi_manager_add":       `roiManager("Add");`,
	"roi_manager_save":      `roiManager("Save", "{roi_path}");`,
	"roi_manager_show_none": `roiManager("Show None");`,
	"roi_manager_deselect":  `roiManager("Deselect");`,

	// Utility operations
	"duplicate": `run("Duplicate...", "title={title} duplicate channels={channels} slices={slices} frames={frames}");`,
	"close_all": `run("Close All");`,
	"quit":      `run("Quit");`,

	// Display operations
	"set_option_show_all": `setOption("Show All", false);`,
	"remove_overlay":      `run("Remove Overlay");`,
}

// duplicateDefaults backfill missing duplicate parameters.
var duplicateDefaults = map[string]string{
	"title":    "Copy",
	"channels": "1",
	"slices":   "1-end",
	"frames":   "1-end",
}

// Builder assembles ImageJ macro text from commands and templates.
type Builder struct {
	processing config.ProcessingConfig
}

// NewBuilder creates a builder with the given processing parameters.
func NewBuilder(processing config.ProcessingConfig) *Builder {
	return &Builder{processing: processing}
}

// BuildFromCommands renders commands into a complete macro.
// Unknown command names pass through as raw macro text.
func (b *Builder) BuildFromCommands(commands []Command) string {
	var lines []string

	for _, cmd := range commands {
		if cmd.Comment != "" {
			lines = append(lines, "// "+cmd.Comment)
		}

		tmpl, ok := templates[cmd.Name]
		if !ok {
			// Raw pass-through keeps hand-written macro lines usable.
			lines = append(lines, cmd.Name)
			continue
		}

		params := cmd.Parameters
		switch cmd.Name {
		case "duplicate":
			merged := make(map[string]string, len(duplicateDefaults)+len(params))
			for k, v := range duplicateDefaults {
				merged[k] = v
			}
			for k, v := range params {
				merged[k] = v
			}
			params = merged
		case "save_csv":
			// output_path is accepted as an alias for measurements_path.
			if params != nil {
				if _, has := params["measurements_path"]; !has {
					if v, ok := params["output_path"]; ok {
						aliased := make(map[string]string, len(params))
						for k, val := range params {
							aliased[k] = val
						}
						delete(aliased, "output_path")
						aliased["measurements_path"] = v
						params = aliased
					}
				}
			}
		}

		lines = append(lines, substitute(tmpl, params))
	}

	macro := strings.Join(lines, "\n")
	logging.MacroDebug("built macro: %d commands, %d bytes", len(commands), len(macro))
	return macro
}

// StandardProcessingMacro builds the default processing chain: open, hide
// overlays, duplicate, drop the original, convert, subtract background,
// median filter, enhance contrast, save, quit.
func (b *Builder) StandardProcessingMacro(data ImageData) string {
	var commands []Command

	commands = append(commands, openCommand(data, "Open image"))

	commands = append(commands,
		Command{Name: "set_option_show_all", Comment: "Hide all overlays"},
		Command{Name: "remove_overlay"},
		Command{Name: "roi_manager_show_none"},
		Command{Name: "roi_manager_deselect"},
	)

	commands = append(commands, Command{Name: "orig = getTitle();", Comment: "Store original title"})

	commands = append(commands, Command{
		Name: "duplicate",
		Parameters: map[string]string{
			"title":    "C1",
			"channels": b.processing.DuplicateChannels,
			"slices":   b.processing.DuplicateSlices,
			"frames":   b.processing.DuplicateFrames,
		},
		Comment: "Duplicate image for processing",
	})

	commands = append(commands,
		Command{Name: "keep = getTitle();"},
		Command{Name: "selectWindow(orig); close();", Comment: "Close original"},
		Command{Name: "selectWindow(keep);"},
	)

	if b.processing.ConvertTo8Bit {
		commands = append(commands, Command{Name: "convert_8bit", Comment: "Convert to 8-bit"})
	}

	commands = append(commands,
		Command{
			Name:       "subtract_background",
			Parameters: map[string]string{"radius": fmt.Sprintf("%d", b.processing.RollingRadius)},
			Comment:    "Subtract background",
		},
		Command{
			Name:       "median_filter",
			Parameters: map[string]string{"radius": fmt.Sprintf("%d", b.processing.MedianRadius)},
		},
		Command{
			Name:       "enhance_contrast",
			Parameters: map[string]string{"saturated": fmt.Sprintf("%g", b.processing.SaturatedPixels)},
		},
	)

	commands = append(commands, Command{
		Name:       "save_tiff",
		Parameters: map[string]string{"output_path": data.OutputPath},
		Comment:    "Save processed image",
	})

	commands = append(commands,
		Command{Name: "close_all"},
		Command{Name: "quit", Comment: "Quit Fiji"},
	)

	return b.BuildFromCommands(commands)
}

// ROIInversionMacro builds a macro that creates and saves the inverse of
// each ROI file alongside the original (*_inverted.roi).
func (b *Builder) ROIInversionMacro(data ImageData) string {
	var commands []Command

	commands = append(commands, openCommand(data, "Open image"))
	commands = append(commands, Command{Name: "roi_manager_reset", Comment: "Reset ROI manager"})

	for _, roiPath := range data.ROIPaths {
		invertedPath := strings.Replace(roiPath, ".roi", "_inverted.roi", 1)

		commands = append(commands,
			Command{
				Name:       "roi_manager_open",
				Parameters: map[string]string{"roi_path": roiPath},
				Comment:    "Open ROI: " + filepath.Base(roiPath),
			},
			Command{Name: "roi_manager_select", Parameters: map[string]string{"index": "0"}},
			Command{Name: "make_inverse", Comment: "Create inverse ROI"},
			Command{Name: "roi_manager_add"},
			Command{Name: "roi_manager_select", Parameters: map[string]string{"index": "1"}},
			Command{
				Name:       "roi_manager_save",
				Parameters: map[string]string{"roi_path": invertedPath},
				Comment:    "Save inverted ROI: " + filepath.Base(invertedPath),
			},
			Command{Name: "roi_manager_reset", Comment: "Reset for next ROI"},
		)
	}

	commands = append(commands,
		Command{Name: "close_all"},
		Command{Name: "quit"},
	)

	return b.BuildFromCommands(commands)
}

// KymographMacro builds a macro that generates one kymograph TIFF per
// ROI of an image with Multi Kymograph. OutputPath is the target
// directory; kymographs are numbered <DocumentName>_kymo_<i>.tif.
func (b *Builder) KymographMacro(data ImageData) string {
	var commands []Command

	commands = append(commands, openCommand(data, "Open image"))
	commands = append(commands, Command{Name: "roi_manager_reset", Comment: "Reset ROI manager"})

	for _, roiPath := range data.ROIPaths {
		commands = append(commands, Command{
			Name:       "roi_manager_open",
			Parameters: map[string]string{"roi_path": roiPath},
			Comment:    "Load ROI: " + filepath.Base(roiPath),
		})
	}

	prefix := data.OutputPath + "/" + data.DocumentName + "_kymo_"
	commands = append(commands,
		Command{Name: `n = roiManager("count");`, Comment: "One kymograph per ROI"},
		Command{Name: `for (i = 0; i < n; i++) {`},
		Command{Name: `    roiManager("Select", i);`},
		Command{Name: `    run("Multi Kymograph", "linewidth=1");`},
		Command{Name: `    saveAs("Tiff", "` + prefix + `" + i + ".tif");`},
		Command{Name: `    close();`},
		Command{Name: `}`},
		Command{Name: "close_all"},
		Command{Name: "quit"},
	)

	return b.BuildFromCommands(commands)
}

// BuildCustom substitutes document paths into a user-supplied macro
// template. Recognized placeholders: {input_path}, {output_path},
// {measurements_path} and the short aliases {IMG}, {OUT}, {CSV}.
func (b *Builder) BuildCustom(template string, data ImageData) string {
	return substitute(template, map[string]string{
		"input_path":        data.InputPath,
		"output_path":       data.OutputPath,
		"measurements_path": data.MeasurementsPath,
		"IMG":               data.InputPath,
		"OUT":               data.OutputPath,
		"CSV":               data.MeasurementsPath,
		"document_name":     data.DocumentName,
	})
}

// EnsureQuit appends a quit command unless one is already present, so Fiji
// always exits after a batch macro.
func EnsureQuit(commands []Command) []Command {
	for _, cmd := range commands {
		if cmd.Name == "quit" {
			return commands
		}
	}
	return append(commands, Command{Name: "quit"})
}

func openCommand(data ImageData, comment string) Command {
	name := "open_standard"
	if data.IsBioFormats {
		name = "open_bioformats"
		comment = "Open image using Bio-Formats"
	}
	return Command{
		Name:       name,
		Parameters: map[string]string{"input_path": data.InputPath},
		Comment:    comment,
	}
}

// substitute replaces {key} placeholders with values. Unknown placeholders
// and bare braces in macro text are left untouched.
func substitute(template string, params map[string]string) string {
	if len(params) == 0 {
		return template
	}
	out := template
	for key, value := range params {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out
}
