// Package fiji locates the Fiji/ImageJ executable and runs generated macro
// scripts against it. Fiji is treated as a black box: fijibatch hands it a
// macro file and collects whatever it writes to disk and stdio.
package fiji

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"time"

	"fijibatch/internal/config"
	"fijibatch/internal/logging"
)

// Find locates the Fiji executable. Custom paths are checked first, then the
// platform defaults, then PATH. Returns "" when nothing usable is found.
func Find(customPaths []string) string {
	candidates := append([]string{}, customPaths...)
	candidates = append(candidates, config.DefaultFijiSearchPaths()...)

	for _, path := range candidates {
		if isExecutableFile(path) {
			logging.FijiDebug("found Fiji candidate at %s", path)
			return path
		}
	}

	// PATH lookup covers installs outside the stock locations.
	for _, name := range []string{"ImageJ-linux64", "ImageJ-macosx", "ImageJ-win64.exe", "fiji"} {
		if path, err := exec.LookPath(name); err == nil {
			logging.FijiDebug("found Fiji on PATH: %s", path)
			return path
		}
	}

	return ""
}

// ValidatePath reports whether path points to a usable Fiji executable.
// The --version probe is best-effort: some Fiji builds open a splash window
// instead of answering, so a probe failure falls back to filesystem checks.
func ValidatePath(path string) bool {
	if !isExecutableFile(path) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--version")
	if err := cmd.Run(); err == nil {
		return true
	}
	return isExecutableFile(path)
}

func isExecutableFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() <= 0 {
		return false
	}
	if runtime.GOOS == "windows" {
		// Permission bits are synthetic on Windows; the stat checks suffice.
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
