//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package preflight

import (
	"math"

	"golang.org/x/sys/unix"
)

// processLimit returns the soft RLIMIT_NPROC.
func processLimit() (int, error) {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &limit); err != nil {
		return 0, err
	}
	if limit.Cur > math.MaxInt32 {
		return math.MaxInt32, nil
	}
	return int(limit.Cur), nil
}
