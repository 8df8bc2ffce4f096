//go:build !windows

package preflight

import (
	"math"

	"golang.org/x/sys/unix"
)

// openFileLimit returns the soft RLIMIT_NOFILE.
func openFileLimit() (int, error) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return 0, err
	}
	if limit.Cur > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int(limit.Cur), nil
}
