package s2mpu

import (
	"fmt"
	"sync"
)

// Software models of the hardware, used by the tests and by `s2mpuctl
// simulate`. They implement just enough register behavior to exercise the
// driver: version/context discovery, invalidation status, sync completion
// and ownership bookkeeping.

// RegWrite is one recorded register write, in program order.
type RegWrite struct {
	Off uint32
	Val uint32
}

// SimProtector models an S2MPU register window.
type SimProtector struct {
	mu         sync.Mutex
	version    uint32
	numContext uint32
	regs       map[uint32]uint32
	writes     []RegWrite

	// BusyReads makes STATUS report busy/invalidating for that many reads
	// after each invalidation command, exercising the busy-wait path.
	BusyReads int
	busyLeft  int
}

// NewSimProtector returns a simulated S2MPU reporting the given version and
// context count.
func NewSimProtector(version uint32, numContext int) *SimProtector {
	return &SimProtector{
		version:    version,
		numContext: uint32(numContext),
		regs:       make(map[uint32]uint32),
	}
}

func (s *SimProtector) Read32(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch off {
	case RegVersion:
		return s.version
	case RegNumContext:
		return s.numContext
	case RegStatus:
		if s.busyLeft > 0 {
			s.busyLeft--
			return StatusBusy | StatusOnInvalidating
		}
		return 0
	}
	return s.regs[off]
}

func (s *SimProtector) Write32(off uint32, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.regs[off] = v
	s.writes = append(s.writes, RegWrite{Off: off, Val: v})

	switch off {
	case RegAllInvalidation, RegRangeInvalidation:
		if v&InvalidationInvalidate != 0 {
			s.busyLeft = s.BusyReads
		}
	}
}

// Writes returns a snapshot of every register write so far, in order.
func (s *SimProtector) Writes() []RegWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RegWrite, len(s.writes))
	copy(out, s.writes)
	return out
}

// ClearWrites discards the recorded write log.
func (s *SimProtector) ClearWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = nil
}

// SimSyncUnit models a SysMMU_SYNC register window.
type SimSyncUnit struct {
	mu      sync.Mutex
	pending bool
	comp    uint32

	// Latency is the number of SYNC_COMP reads after a sync command before
	// the completion bit sets, forcing the driver onto the slow path.
	Latency     int
	latencyLeft int

	// Wedged keeps the completion bit clear forever, exhausting the retry
	// budget.
	Wedged bool
}

// NewSimSyncUnit returns a simulated synchronization unit that completes
// immediately.
func NewSimSyncUnit() *SimSyncUnit {
	return &SimSyncUnit{}
}

func (s *SimSyncUnit) Read32(off uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off != RegSyncComp {
		return 0
	}
	if s.Wedged {
		return 0
	}
	if s.pending {
		if s.latencyLeft > 0 {
			s.latencyLeft--
			return 0
		}
		s.comp = SyncCompComplete
		s.pending = false
	}
	return s.comp
}

func (s *SimSyncUnit) Write32(off uint32, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if off == RegSyncCmd && v&SyncCmdSync != 0 {
		s.comp = 0
		s.pending = true
		s.latencyLeft = s.Latency
	}
}

// SimLender is a MemoryLender with explicit ownership bookkeeping. Every
// buffer page is host-owned until donated; donation of a non-host-owned page
// fails, as does reclaim of a non-hypervisor-owned one.
type SimLender struct {
	mu       sync.Mutex
	buffers  map[uint64][]uint32 // pa -> backing words
	hypOwned map[uint64]bool     // pfn -> owned by hypervisor

	donations int

	// FailDonateAt makes the Nth donation (1-based) fail, 0 never fails.
	FailDonateAt int
}

// NewSimLender returns a lender with no buffers.
func NewSimLender() *SimLender {
	return &SimLender{
		buffers:  make(map[uint64][]uint32),
		hypOwned: make(map[uint64]bool),
	}
}

// AddBuffer registers a host-owned SMPT-sized buffer at pa.
func (l *SimLender) AddBuffer(pa uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buffers[pa] = make([]uint32, SMPTWordsPerGB)
}

func (l *SimLender) Donate(pfn uint64, pages int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.donations++
	if l.FailDonateAt != 0 && l.donations == l.FailDonateAt {
		return fmt.Errorf("simulated donation refusal")
	}
	for i := 0; i < pages; i++ {
		if l.hypOwned[pfn+uint64(i)] {
			return fmt.Errorf("page 0x%x already hypervisor-owned", pfn+uint64(i))
		}
	}
	for i := 0; i < pages; i++ {
		l.hypOwned[pfn+uint64(i)] = true
	}
	return nil
}

func (l *SimLender) Reclaim(pfn uint64, pages int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < pages; i++ {
		if !l.hypOwned[pfn+uint64(i)] {
			return fmt.Errorf("page 0x%x not hypervisor-owned", pfn+uint64(i))
		}
	}
	for i := 0; i < pages; i++ {
		delete(l.hypOwned, pfn+uint64(i))
	}
	return nil
}

func (l *SimLender) MapWords(pa uint64, words int) ([]uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf, ok := l.buffers[pa]
	if !ok {
		return nil, fmt.Errorf("no buffer at 0x%x", pa)
	}
	if words > len(buf) {
		return nil, fmt.Errorf("buffer at 0x%x too small", pa)
	}
	return buf[:words], nil
}

// HypOwnedPages returns how many pages the hypervisor currently owns.
func (l *SimLender) HypOwnedPages() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hypOwned)
}

// SimInitConfig registers one aligned buffer per giga-block with the lender
// and returns the matching init config.
func SimInitConfig(l *SimLender, version uint32) *InitConfig {
	cfg := &InitConfig{Version: version}
	for gb := 0; gb < NumGigabytes; gb++ {
		pa := uint64(SMPTSize) * uint64(gb+1)
		l.AddBuffer(pa)
		cfg.Blocks[gb] = InitBlock{PA: pa}
	}
	return cfg
}
