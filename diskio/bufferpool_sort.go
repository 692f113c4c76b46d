package diskio

import (
	"sort"
	"unsafe"
)

// sortBuffersByAddress orders bufs by the address of their backing array,
// in place. Empty buffers sort first.
func sortBuffersByAddress(bufs [][]byte) {
	addr := func(b []byte) uintptr {
		if len(b) == 0 {
			return 0
		}
		return uintptr(unsafe.Pointer(&b[0]))
	}
	sort.Slice(bufs, func(i, j int) bool {
		return addr(bufs[i]) < addr(bufs[j])
	})
}
