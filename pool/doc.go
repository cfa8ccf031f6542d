// Package pool
// Author: momentics <momentics@gmail.com>
//
// NUMA-aware []byte buffer pooling for the runtime's per-connection read
// buffers. Allocation is cross-platform (Linux via libnuma/cgo, Windows via
// VirtualAllocExNuma, stub fallback elsewhere); see numapool.go.
package pool
