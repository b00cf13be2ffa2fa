// Package discovery finds image documents and their associated ROI files
// on disk by keyword, group directory, and filename patterns.
package discovery

// Document describes an image file scheduled for processing.
type Document struct {
	// Absolute path to the image file.
	Path string

	// Filename without extension.
	Name string

	// Keywords the search ran with.
	Keywords []string

	// The keyword that matched this file.
	MatchedKeyword string

	// Secondary filter value when it matched the base name, else "".
	SecondaryKey string

	// Path to the associated ROI file, "" when none was found.
	ROIPath string
}
