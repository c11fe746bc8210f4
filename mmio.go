package s2mpu

import "sync"

// RegisterSpace is the raw 32-bit register window of one hardware instance.
// Implementations must tolerate concurrent callers; the driver serializes
// configuration per device but trapped host accesses can race with polling.
type RegisterSpace interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

// MemSpace is a software register file. It backs the simulated devices and
// is handy as a scratch RegisterSpace in tests.
type MemSpace struct {
	mu   sync.Mutex
	regs map[uint32]uint32
}

// NewMemSpace returns an empty software register file. All registers read as
// zero until written.
func NewMemSpace() *MemSpace {
	return &MemSpace{regs: make(map[uint32]uint32)}
}

func (m *MemSpace) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[off]
}

func (m *MemSpace) Write32(off uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[off] = v
}
