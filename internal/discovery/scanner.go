package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"fijibatch/internal/config"
	"fijibatch/internal/logging"
)

var cutNumberRe = regexp.MustCompile(`(?i)cut(\d+)`)

// NormalizeKeywords trims keywords, drops empties, and removes duplicates
// while preserving order. Errors when nothing usable remains.
func NormalizeKeywords(keywords []string) ([]string, error) {
	seen := make(map[string]struct{}, len(keywords))
	normalized := make([]string, 0, len(keywords))

	for _, kw := range keywords {
		cleaned := strings.TrimSpace(kw)
		if cleaned == "" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		normalized = append(normalized, cleaned)
	}

	if len(normalized) == 0 {
		return nil, fmt.Errorf("at least one non-empty keyword is required")
	}
	return normalized, nil
}

// Options controls a keyword search.
type Options struct {
	// Additional case-insensitive substring every match must contain.
	SecondaryFilter string

	// Overrides the configured ROI search templates when non-empty.
	ROISearchTemplates []string
}

// Scanner finds documents using the configured file patterns.
type Scanner struct {
	files config.FileConfig
}

// NewScanner creates a scanner for the given file configuration.
func NewScanner(files config.FileConfig) *Scanner {
	return &Scanner{files: files}
}

// FindByKeyword walks basePath and returns documents whose filename
// contains any keyword (case-insensitive). An associated ROI file is
// resolved by trying the ROI search templates next to each image.
func (s *Scanner) FindByKeyword(basePath string, keywords []string, opts Options) ([]Document, error) {
	timer := logging.StartTimer(logging.CategoryDiscovery, "keyword search")
	defer timer.Stop()

	normalized, err := NormalizeKeywords(keywords)
	if err != nil {
		return nil, err
	}
	if err := ValidateInputDir(basePath); err != nil {
		return nil, err
	}

	secondary := strings.ToLower(opts.SecondaryFilter)
	roiTemplates := opts.ROISearchTemplates
	if len(roiTemplates) == 0 {
		roiTemplates = s.files.ROISearchTemplates
	}

	lowered := make([]string, len(normalized))
	for i, kw := range normalized {
		lowered[i] = strings.ToLower(kw)
	}

	var documents []Document
	walkErr := filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		fileLower := strings.ToLower(d.Name())

		matched := ""
		for i, lk := range lowered {
			if strings.Contains(fileLower, lk) {
				matched = normalized[i]
				break
			}
		}
		if matched == "" {
			return nil
		}

		if secondary != "" && !strings.Contains(fileLower, secondary) {
			return nil
		}

		name := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		dir := filepath.Dir(path)

		roiPath := ""
		for _, template := range roiTemplates {
			candidate := filepath.Join(dir, strings.ReplaceAll(template, "{name}", name))
			if _, err := os.Stat(candidate); err == nil {
				roiPath = candidate
				break
			}
		}

		secondaryKey := ""
		if secondary != "" {
			// Only counts as a key when the filter hits the extension-
			// stripped base name of a supported image file.
			for _, ext := range s.files.SupportedExtensions {
				if strings.HasSuffix(fileLower, strings.ToLower(ext)) {
					base := d.Name()[:len(d.Name())-len(ext)]
					if strings.Contains(strings.ToLower(base), secondary) {
						secondaryKey = opts.SecondaryFilter
					}
					break
				}
			}
		}

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}

		documents = append(documents, Document{
			Path:           abs,
			Name:           name,
			Keywords:       normalized,
			MatchedKeyword: matched,
			SecondaryKey:   secondaryKey,
			ROIPath:        roiPath,
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", basePath, walkErr)
	}

	logging.Discovery("keyword search in %s: %d documents for %v", basePath, len(documents), normalized)
	return documents, nil
}

// FindImagesByGroup returns image files that sit directly inside a
// directory whose name contains a group keyword, at any depth. With
// mipOnly, filenames must also contain one of the MIP keywords.
func (s *Scanner) FindImagesByGroup(basePath string, groupKeywords []string, mipOnly bool) ([]string, error) {
	timer := logging.StartTimer(logging.CategoryDiscovery, "group search")
	defer timer.Stop()

	if err := ValidateInputDir(basePath); err != nil {
		return nil, err
	}

	unique := make(map[string]struct{})
	walkErr := filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		supported := false
		for _, e := range s.files.SupportedExtensions {
			if ext == strings.ToLower(e) {
				supported = true
				break
			}
		}
		if !supported {
			return nil
		}

		parent := filepath.Base(filepath.Dir(path))
		for _, kw := range groupKeywords {
			if strings.Contains(parent, kw) {
				unique[path] = struct{}{}
				return nil
			}
		}
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk %s: %w", basePath, walkErr)
	}

	files := make([]string, 0, len(unique))
	for path := range unique {
		files = append(files, path)
	}
	sort.Strings(files)

	if mipOnly {
		before := len(files)
		var mips []string
		for _, path := range files {
			name := filepath.Base(path)
			for _, kw := range s.files.MIPKeywords {
				if strings.Contains(name, kw) {
					mips = append(mips, path)
					break
				}
			}
		}
		files = mips
		logging.Discovery("MIP filtering: %d files -> %d files", before, len(files))
	}

	return files, nil
}

// ExtractCutNumber extracts the numeric cut identifier from a filename
// (e.g. "sample_cut12_MIP" -> "12").
func ExtractCutNumber(filename string) (string, bool) {
	m := cutNumberRe.FindStringSubmatch(filename)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// FindROIFilesByCut returns the ROI files next to an image for a cut
// number, RoiSet archive first, then the single ROI.
func (s *Scanner) FindROIFilesByCut(imagePath, cutNumber string) (paths []string, names []string) {
	dir := filepath.Dir(imagePath)

	roiset := filepath.Join(dir, strings.ReplaceAll(s.files.ROISetPattern, "{cut}", cutNumber))
	if _, err := os.Stat(roiset); err == nil {
		paths = append(paths, roiset)
		names = append(names, "RoiSet_"+cutNumber)
	}

	single := filepath.Join(dir, strings.ReplaceAll(s.files.SingleROIPattern, "{cut}", cutNumber))
	if _, err := os.Stat(single); err == nil {
		paths = append(paths, single)
		names = append(names, "roi_"+cutNumber)
	}

	return paths, names
}

// IsBioFormats reports whether the file needs the Bio-Formats importer.
func (s *Scanner) IsBioFormats(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s.files.BioFormatsExtensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// ValidateInputDir checks that the base path exists and is a readable
// directory.
func ValidateInputDir(basePath string) error {
	info, err := os.Stat(basePath)
	if err != nil {
		return fmt.Errorf("base path does not exist: %s", basePath)
	}
	if !info.IsDir() {
		return fmt.Errorf("base path is not a directory: %s", basePath)
	}
	f, err := os.Open(basePath)
	if err != nil {
		return fmt.Errorf("no read access to base path: %s", basePath)
	}
	f.Close()
	return nil
}
