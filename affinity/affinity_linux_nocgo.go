//go:build linux && !cgo
// +build linux,!cgo

// File: affinity/affinity_linux_nocgo.go
// Author: momentics <momentics@gmail.com>
//
// Fallback for Linux builds without CGO available.
// Returns error to indicate unavailability.

package affinity

import "errors"

// setAffinityPlatform is a stub for Linux builds without CGO.
func setAffinityPlatform(cpuID int) error {
	return errors.New("affinity: not supported on this platform")
}
