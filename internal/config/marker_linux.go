//go:build linux

package config

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ModificationMarker returns the status-change time (ctime) of path. ctime
// moves on content writes, renames onto the path and permission changes,
// which is what an atomic config replace produces.
func ModificationMarker(path string) (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return time.Unix(st.Ctim.Unix()), nil
}
