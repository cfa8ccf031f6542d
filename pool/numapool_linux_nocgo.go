//go:build linux && !cgo
// +build linux,!cgo

// File: pool/numapool_linux_nocgo.go
// Author: momentics <momentics@gmail.com>
//
// Fallback NUMA allocator factory for Linux builds without CGO available.

package pool

// createNUMAAllocator returns nil for Linux builds without CGO.
func createNUMAAllocator() NUMAAllocator {
	return nil
}
