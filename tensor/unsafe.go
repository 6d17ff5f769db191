//go:build !windows

package tensor

import "unsafe"

// unsafeBytesToFloat32 reinterprets a byte slice as a float32 slice without
// copying, for memory-mapped tensor storage. The caller guarantees the
// slice is at least 4-byte aligned and a multiple of 4 bytes long, which
// holds here because mmapStorage always maps elements*4 bytes starting at
// a page boundary.
func unsafeBytesToFloat32(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
