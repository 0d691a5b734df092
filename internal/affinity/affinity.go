// File: internal/affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for pinning the calling OS thread to a logical CPU.
// Platform-specific implementations live in separate files guarded by build
// tags. A worker Loop calls Pin from its own goroutine after
// runtime.LockOSThread so the pin sticks for the lifetime of that loop.

package affinity

// Pin locks the calling OS thread to cpuID. Returns an error on platforms
// without a supported mechanism; callers treat that as non-fatal and keep
// the thread unpinned.
func Pin(cpuID int) error {
	return pinPlatform(cpuID)
}
