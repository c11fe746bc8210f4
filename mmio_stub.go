//go:build !linux

package s2mpu

import "fmt"

// Supported returns false on platforms without a raw register window.
func Supported() (bool, error) {
	return false, nil
}

// DevMemSpace is unavailable on this platform; the software register spaces
// (MemSpace, SimProtector, SimSyncUnit) still work everywhere.
type DevMemSpace struct{}

// OpenDevMem returns an error on non-Linux platforms.
func OpenDevMem(base uint64, size int) (*DevMemSpace, error) {
	return nil, fmt.Errorf("s2mpu: raw mmio windows not supported on this platform")
}

func (m *DevMemSpace) Read32(off uint32) uint32   { return 0 }
func (m *DevMemSpace) Write32(off uint32, v uint32) {}

func (m *DevMemSpace) Close() error {
	return nil
}
