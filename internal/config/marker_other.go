//go:build !linux

package config

import (
	"fmt"
	"os"
	"time"
)

// ModificationMarker returns the modification time of path.
func ModificationMarker(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return fi.ModTime(), nil
}
