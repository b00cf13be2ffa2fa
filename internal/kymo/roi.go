package kymo

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
)

// ImageJ .roi binary format constants. The format is big-endian with a
// fixed 64-byte header followed by relative 16-bit coordinates.
const (
	roiMagic      = "Iout"
	roiVersion    = 228
	roiHeaderSize = 64

	roiTypePolyline = 5
)

// EncodePolylineROI encodes a track as an ImageJ polyline ROI.
func EncodePolylineROI(track Track) ([]byte, error) {
	if len(track.Points) < 2 {
		return nil, fmt.Errorf("track %d: polyline needs at least 2 points, got %d", track.ID, len(track.Points))
	}

	left, top := math.MaxFloat64, math.MaxFloat64
	right, bottom := -math.MaxFloat64, -math.MaxFloat64
	for _, p := range track.Points {
		left = math.Min(left, p.X)
		top = math.Min(top, p.Y)
		right = math.Max(right, p.X)
		bottom = math.Max(bottom, p.Y)
	}

	leftI := int(math.Floor(left))
	topI := int(math.Floor(top))
	rightI := int(math.Ceil(right))
	bottomI := int(math.Ceil(bottom))

	buf := &bytes.Buffer{}
	buf.WriteString(roiMagic)
	writeShort(buf, roiVersion)
	buf.WriteByte(roiTypePolyline)
	buf.WriteByte(0)
	writeShort(buf, topI)
	writeShort(buf, leftI)
	writeShort(buf, bottomI)
	writeShort(buf, rightI)
	writeShort(buf, len(track.Points))
	for buf.Len() < roiHeaderSize {
		buf.WriteByte(0)
	}

	// Coordinates are stored relative to the bounding box, x block first.
	for _, p := range track.Points {
		writeShort(buf, int(math.Round(p.X))-leftI)
	}
	for _, p := range track.Points {
		writeShort(buf, int(math.Round(p.Y))-topI)
	}

	return buf.Bytes(), nil
}

func writeShort(buf *bytes.Buffer, v int) {
	binary.Write(buf, binary.BigEndian, int16(v))
}

// WriteTracksZip writes all tracks into an ImageJ-loadable ROI zip.
// Tracks too short to form a polyline are skipped. Returns the number
// of ROIs written.
func WriteTracksZip(path string, tracks []Track) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create roi zip %s: %w", path, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	written := 0
	for _, track := range tracks {
		data, err := EncodePolylineROI(track)
		if err != nil {
			continue
		}
		w, err := zw.Create(fmt.Sprintf("track_%04d.roi", track.ID))
		if err != nil {
			zw.Close()
			return written, fmt.Errorf("add roi to zip: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			zw.Close()
			return written, fmt.Errorf("write roi to zip: %w", err)
		}
		written++
	}
	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("finalize roi zip %s: %w", path, err)
	}
	return written, nil
}
