//go:build linux

package s2mpu

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64 // For fast alignment checks: addr & mask == 0
	pageSizeOnce   sync.Once
)

// hostPageSize returns the system page size, cached for performance
func hostPageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isHostPageAligned returns true if addr is page-aligned (fast path)
func isHostPageAligned(addr uint64) bool {
	hostPageSize()
	return addr&cachedPageMask == 0
}

// Supported returns true if a raw register window can be mapped on this host.
func Supported() (bool, error) {
	if err := unix.Access("/dev/mem", unix.R_OK|unix.W_OK); err != nil {
		if err == unix.EACCES || err == unix.ENOENT {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// DevMemSpace is a RegisterSpace backed by an mmap of /dev/mem. This is the
// real-hardware path; everything else in the driver goes through the
// RegisterSpace interface and never sees the mapping.
type DevMemSpace struct {
	base uint64
	data []byte
}

// OpenDevMem maps size bytes of physical MMIO space starting at base.
// base must be page-aligned and size a non-zero page multiple.
func OpenDevMem(base uint64, size int) (*DevMemSpace, error) {
	if size <= 0 {
		return nil, fmt.Errorf("s2mpu: mmio window requires non-zero size")
	}

	// Security: Prevent integer overflow vulnerabilities
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("s2mpu: mmio window too large (max %d bytes)", math.MaxInt32)
	}
	if base > math.MaxUint64-uint64(size) {
		return nil, fmt.Errorf("s2mpu: mmio window would overflow the address space")
	}

	if !isHostPageAligned(base) {
		return nil, fmt.Errorf("s2mpu: mmio base not page-aligned: 0x%x (page size: %d)", base, hostPageSize())
	}
	if !isHostPageAligned(uint64(size)) {
		return nil, fmt.Errorf("s2mpu: mmio size not page multiple: %d (page size: %d)", size, hostPageSize())
	}

	fd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/mem: %w", err)
	}
	data, err := unix.Mmap(fd, int64(base), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	unix.Close(fd)
	if err != nil {
		return nil, fmt.Errorf("failed to map mmio window 0x%x+%d: %w", base, size, err)
	}

	return &DevMemSpace{base: base, data: data}, nil
}

// Read32 performs a 32-bit register read. Out-of-window offsets read as zero.
func (m *DevMemSpace) Read32(off uint32) uint32 {
	if m == nil || int(off)+4 > len(m.data) || off&3 != 0 {
		return 0
	}
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&m.data[off])))
}

// Write32 performs a 32-bit register write. Out-of-window offsets are dropped.
func (m *DevMemSpace) Write32(off uint32, v uint32) {
	if m == nil || int(off)+4 > len(m.data) || off&3 != 0 {
		return
	}
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&m.data[off])), v)
}

// Close unmaps the register window. Idempotent.
func (m *DevMemSpace) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if err != nil {
		return fmt.Errorf("failed to unmap mmio window 0x%x: %w", m.base, err)
	}
	return nil
}
