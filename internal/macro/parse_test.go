package macro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Run("bare name", func(t *testing.T) {
		cmd := ParseCommand("measure")
		assert.Equal(t, "measure", cmd.Name)
		assert.Nil(t, cmd.Parameters)
	})

	t.Run("name with parameters", func(t *testing.T) {
		cmd := ParseCommand("subtract_background radius=50")
		assert.Equal(t, "subtract_background", cmd.Name)
		assert.Equal(t, map[string]string{"radius": "50"}, cmd.Parameters)
	})

	t.Run("multiple parameters", func(t *testing.T) {
		cmd := ParseCommand("duplicate title=Copy channels=2")
		assert.Equal(t, "Copy", cmd.Parameters["title"])
		assert.Equal(t, "2", cmd.Parameters["channels"])
	})

	t.Run("tokens without equals are skipped", func(t *testing.T) {
		cmd := ParseCommand("threshold method=Otsu junk")
		assert.Equal(t, map[string]string{"method": "Otsu"}, cmd.Parameters)
	})

	t.Run("raw macro lines pass through verbatim", func(t *testing.T) {
		for _, line := range []string{
			"x = 1;",
			`run("Gaussian Blur...", "sigma=2");`,
		} {
			cmd := ParseCommand(line)
			assert.Equal(t, line, cmd.Name)
			assert.Nil(t, cmd.Parameters)
		}
	})
}

func TestParseScript(t *testing.T) {
	cmds := ParseScript("open_standard convert_8bit measure quit")
	require.Len(t, cmds, 4)
	assert.Equal(t, "open_standard", cmds[0].Name)
	assert.Equal(t, "quit", cmds[3].Name)

	assert.Nil(t, ParseScript("   "))
}

func TestParseCommandList(t *testing.T) {
	cmds := ParseCommandList([]string{"open_standard", "median_filter radius=3", ""})
	require.Len(t, cmds, 2)
	assert.Equal(t, "3", cmds[1].Parameters["radius"])
}

func TestLibraryAndTemplatesAgree(t *testing.T) {
	// Every documented command must render to a macro line.
	for _, name := range Names() {
		_, ok := templates[name]
		assert.True(t, ok, "library command %q has no template", name)
	}

	spec, ok := Lookup("subtract_background")
	require.True(t, ok)
	assert.NotEmpty(t, spec.Description)
	assert.Contains(t, spec.Parameters, "radius")

	assert.True(t, IsKnown("quit"))
	assert.False(t, IsKnown("no_such_command"))
}
