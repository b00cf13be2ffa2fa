package kymo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrackCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracks.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseDirectOutput(t *testing.T) {
	path := writeTrackCSV(t, "track_id,x,y\n1,10,0\n1,12,1\n2,5,0\n2,6,1\n2,7,2\n")

	tracks, err := ParseDirectOutput(path)
	require.NoError(t, err)
	require.Len(t, tracks, 2)

	assert.Equal(t, 1, tracks[0].ID)
	assert.Len(t, tracks[0].Points, 2)
	assert.Equal(t, Point{X: 10, Y: 0}, tracks[0].Points[0])

	assert.Equal(t, 2, tracks[1].ID)
	assert.Len(t, tracks[1].Points, 3)
}

func TestParseDirectOutput_ColumnAliases(t *testing.T) {
	cases := map[string]string{
		"capitalized":    "Track,X,Y\n1,1,2\n1,3,4\n",
		"position-time":  "id,position,time\n1,1,2\n1,3,4\n",
		"column-row":     "track_number,column,row\n1,1,2\n1,3,4\n",
		"frame variants": "trackid,col,frame\n1,1,2\n1,3,4\n",
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			tracks, err := ParseDirectOutput(writeTrackCSV(t, content))
			require.NoError(t, err)
			require.Len(t, tracks, 1)
			assert.Equal(t, []Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, tracks[0].Points)
		})
	}
}

func TestParseDirectOutput_SkipsBadRows(t *testing.T) {
	path := writeTrackCSV(t, "track_id,x,y\n1,10,0\nnot-a-number,1,2\n1,abc,3\n1,11,1\n")

	tracks, err := ParseDirectOutput(path)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Len(t, tracks[0].Points, 2)
}

func TestParseDirectOutput_FloatTrackIDs(t *testing.T) {
	// Some exports write track IDs as floats.
	path := writeTrackCSV(t, "track_id,x,y\n1.0,10,0\n1.0,12,1\n")

	tracks, err := ParseDirectOutput(path)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	assert.Equal(t, 1, tracks[0].ID)
}

func TestParseDirectOutput_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := ParseDirectOutput(filepath.Join(t.TempDir(), "nope.csv"))
		assert.Error(t, err)
	})

	t.Run("unrecognized columns", func(t *testing.T) {
		_, err := ParseDirectOutput(writeTrackCSV(t, "alpha,beta,gamma\n1,2,3\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unrecognized columns")
	})

	t.Run("header only", func(t *testing.T) {
		_, err := ParseDirectOutput(writeTrackCSV(t, "track_id,x,y\n"))
		assert.Error(t, err)
	})
}
