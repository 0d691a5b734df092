//go:build (!linux && !windows) || (linux && !cgo)

// File: internal/affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub for platforms without a supported affinity mechanism.

package affinity

import "errors"

func pinPlatform(cpuID int) error {
	return errors.New("affinity: not supported on this platform")
}
