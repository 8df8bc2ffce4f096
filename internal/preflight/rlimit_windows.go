//go:build windows

package preflight

import "math"

// openFileLimit reports no practical handle limit on Windows.
func openFileLimit() (int, error) {
	return math.MaxInt32, nil
}
