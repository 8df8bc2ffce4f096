//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package preflight

import "errors"

func processLimit() (int, error) {
	return 0, errors.New("process limit not available on this platform")
}
