// Package macro builds ImageJ macro scripts from named commands and
// templates. All image-processing semantics live inside Fiji; this package
// only assembles the text it will execute.
package macro

import "sort"

// Spec documents a named macro command.
type Spec struct {
	Description string
	Parameters  map[string]string
	Example     string
}

// library maps command names to their documentation. The macro line each
// command expands to lives in templates (builder.go).
var library = map[string]Spec{
	// File operations
	"open_standard": {
		Description: "Open image with the standard ImageJ method",
		Parameters:  map[string]string{"input_path": "Path to input file"},
		Example:     "open_standard",
	},
	"open_bioformats": {
		Description: "Open image using the Bio-Formats importer",
		Parameters:  map[string]string{"input_path": "Path to input file"},
		Example:     "open_bioformats",
	},
	"save_tiff": {
		Description: "Save current image as TIFF",
		Parameters:  map[string]string{"output_path": "Path for output file"},
		Example:     "save_tiff",
	},
	"save_csv": {
		Description: "Save measurements as CSV",
		Parameters:  map[string]string{"measurements_path": "Path for CSV file"},
		Example:     "save_csv",
	},

	// Image processing
	"convert_8bit": {
		Description: "Convert image to 8-bit",
		Example:     "convert_8bit",
	},
	"convert_16bit": {
		Description: "Convert image to 16-bit",
		Example:     "convert_16bit",
	},
	"subtract_background": {
		Description: "Subtract background using the rolling ball algorithm",
		Parameters:  map[string]string{"radius": "Rolling ball radius (default: 30)"},
		Example:     "subtract_background radius=50",
	},
	"median_filter": {
		Description: "Apply median filter",
		Parameters:  map[string]string{"radius": "Filter radius (default: 2)"},
		Example:     "median_filter radius=3",
	},
	"gaussian_blur": {
		Description: "Apply Gaussian blur",
		Parameters:  map[string]string{"sigma": "Blur sigma (default: 2.0)"},
		Example:     "gaussian_blur sigma=1.5",
	},
	"enhance_contrast": {
		Description: "Enhance contrast with saturation normalization",
		Parameters:  map[string]string{"saturated": "Saturated pixel percentage (default: 0.35)"},
		Example:     "enhance_contrast saturated=0.4",
	},
	"threshold": {
		Description: "Apply threshold",
		Parameters:  map[string]string{"method": "Threshold method (default: 'Default')"},
		Example:     "threshold method=Otsu",
	},

	// Measurements
	"measure": {
		Description: "Measure current selection or entire image",
		Example:     "measure",
	},
	"set_measurements": {
		Description: "Set which measurements to record",
		Example:     "set_measurements",
	},
	"clear_measurements": {
		Description: "Clear all measurements",
		Example:     "clear_measurements",
	},

	// ROI operations
	"roi_manager_reset": {
		Description: "Reset ROI Manager",
		Example:     "roi_manager_reset",
	},
	"roi_manager_open": {
		Description: "Open ROI file",
		Parameters:  map[string]string{"roi_path": "Path to ROI file"},
		Example:     "roi_manager_open roi_path=/path/to/roi.zip",
	},
	"roi_manager_select": {
		Description: "Select ROI by index",
		Parameters:  map[string]string{"index": "ROI index (0-based)"},
		Example:     "roi_manager_select index=0",
	},
	"roi_manager_measure": {
		Description: "Measure all ROIs in manager",
		Example:     "roi_manager_measure",
	},
	"make_inverse": {
		Description: "Create inverse of current selection",
		Example:     "make_inverse",
	},
	"roi_manager_add": {
		Description: "Add current selection to ROI Manager",
		Example:     "roi_manager_add",
	},
	"roi_manager_save": {
		Description: "Save ROIs to file",
		Parameters:  map[string]string{"roi_path": "Path to save ROIs"},
		Example:     "roi_manager_save roi_path=/path/to/save.zip",
	},
	"roi_manager_show_none": {
		Description: "Hide all ROIs",
		Example:     "roi_manager_show_none",
	},
	"roi_manager_deselect": {
		Description: "Deselect all ROIs",
		Example:     "roi_manager_deselect",
	},

	// Utility operations
	"duplicate": {
		Description: "Duplicate current image",
		Parameters: map[string]string{
			"title":    "Title for duplicate",
			"channels": "Channels to duplicate",
			"slices":   "Slices to duplicate",
			"frames":   "Frames to duplicate",
		},
		Example: "duplicate title=Copy channels=1 slices=1-end frames=1-end",
	},
	"close_all": {
		Description: "Close all open windows",
		Example:     "close_all",
	},
	"quit": {
		Description: "Quit ImageJ/Fiji",
		Example:     "quit",
	},

	// Display operations
	"set_option_show_all": {
		Description: "Set 'Show All' option to false",
		Example:     "set_option_show_all",
	},
	"remove_overlay": {
		Description: "Remove any overlays",
		Example:     "remove_overlay",
	},
}

// Lookup returns the spec for a command name.
func Lookup(name string) (Spec, bool) {
	spec, ok := library[name]
	return spec, ok
}

// IsKnown reports whether a command name exists in the library.
func IsKnown(name string) bool {
	_, ok := library[name]
	return ok
}

// Names returns all command names in sorted order.
func Names() []string {
	names := make([]string, 0, len(library))
	for name := range library {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
