// Package kymo drives the kymograph pipeline: generating kymograph
// images through Fiji, tracking them with KymographDirect, and
// converting the resulting tracks into ImageJ ROI archives.
package kymo

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Point is one track coordinate in kymograph space.
type Point struct {
	X float64
	Y float64
}

// Track is one traced particle trajectory.
type Track struct {
	ID     int
	Points []Point
}

// Column aliases seen across KymographDirect export versions.
var (
	trackIDColumns = []string{"track_id", "track", "trackid", "id", "track_number"}
	xColumns       = []string{"x", "column", "col", "position"}
	yColumns       = []string{"y", "row", "time", "frame"}
)

// ParseDirectOutput parses a KymographDirect track CSV into tracks,
// sorted by track ID. Export versions differ in column naming, so
// several aliases are accepted for each of the three required columns.
func ParseDirectOutput(path string) ([]Track, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open track csv %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse track csv %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("track csv %s has no data rows", path)
	}

	header := records[0]
	idCol := findColumn(header, trackIDColumns)
	xCol := findColumn(header, xColumns)
	yCol := findColumn(header, yColumns)
	if idCol < 0 || xCol < 0 || yCol < 0 {
		return nil, fmt.Errorf("track csv %s: unrecognized columns %v", path, header)
	}

	byID := make(map[int][]Point)
	for _, record := range records[1:] {
		if idCol >= len(record) || xCol >= len(record) || yCol >= len(record) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(record[idCol], ".0")))
		if err != nil {
			continue
		}
		x, errX := strconv.ParseFloat(strings.TrimSpace(record[xCol]), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(record[yCol]), 64)
		if errX != nil || errY != nil {
			continue
		}
		byID[id] = append(byID[id], Point{X: x, Y: y})
	}

	tracks := make([]Track, 0, len(byID))
	for id, points := range byID {
		tracks = append(tracks, Track{ID: id, Points: points})
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].ID < tracks[j].ID })
	return tracks, nil
}

// findColumn returns the index of the first header cell matching any
// alias (case-insensitive), or -1.
func findColumn(header []string, aliases []string) int {
	for _, alias := range aliases {
		for i, cell := range header {
			if strings.EqualFold(strings.TrimSpace(cell), alias) {
				return i
			}
		}
	}
	return -1
}
