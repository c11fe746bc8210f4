package s2mpu

import "sync/atomic"

// Operation metrics for monitoring driver activity
var (
	// Operation counters
	initializeCount uint64
	suspendCount    uint64
	resumeCount     uint64
	donationCount   uint64
	reclaimCount    uint64
	rollbackCount   uint64

	// Invalidation counters
	fullInvalidations  uint64
	rangeInvalidations uint64
	syncSlowPaths      uint64
	syncTimeouts       uint64

	// Trap counters
	trapsHandled uint64
	trapsDenied  uint64
)

// Metrics provides access to driver operation metrics
type Metrics struct {
	Initializations    uint64 `json:"initializations"`
	Suspends           uint64 `json:"suspends"`
	Resumes            uint64 `json:"resumes"`
	Donations          uint64 `json:"donations"`
	Reclaims           uint64 `json:"reclaims"`
	Rollbacks          uint64 `json:"rollbacks"`
	FullInvalidations  uint64 `json:"full_invalidations"`
	RangeInvalidations uint64 `json:"range_invalidations"`
	SyncSlowPaths      uint64 `json:"sync_slow_paths"`
	SyncTimeouts       uint64 `json:"sync_timeouts"`
	TrapsHandled       uint64 `json:"traps_handled"`
	TrapsDenied        uint64 `json:"traps_denied"`
}

// GetMetrics returns current driver metrics
func GetMetrics() Metrics {
	return Metrics{
		Initializations:    atomic.LoadUint64(&initializeCount),
		Suspends:           atomic.LoadUint64(&suspendCount),
		Resumes:            atomic.LoadUint64(&resumeCount),
		Donations:          atomic.LoadUint64(&donationCount),
		Reclaims:           atomic.LoadUint64(&reclaimCount),
		Rollbacks:          atomic.LoadUint64(&rollbackCount),
		FullInvalidations:  atomic.LoadUint64(&fullInvalidations),
		RangeInvalidations: atomic.LoadUint64(&rangeInvalidations),
		SyncSlowPaths:      atomic.LoadUint64(&syncSlowPaths),
		SyncTimeouts:       atomic.LoadUint64(&syncTimeouts),
		TrapsHandled:       atomic.LoadUint64(&trapsHandled),
		TrapsDenied:        atomic.LoadUint64(&trapsDenied),
	}
}

// ResetMetrics clears all driver metrics
func ResetMetrics() {
	atomic.StoreUint64(&initializeCount, 0)
	atomic.StoreUint64(&suspendCount, 0)
	atomic.StoreUint64(&resumeCount, 0)
	atomic.StoreUint64(&donationCount, 0)
	atomic.StoreUint64(&reclaimCount, 0)
	atomic.StoreUint64(&rollbackCount, 0)
	atomic.StoreUint64(&fullInvalidations, 0)
	atomic.StoreUint64(&rangeInvalidations, 0)
	atomic.StoreUint64(&syncSlowPaths, 0)
	atomic.StoreUint64(&syncTimeouts, 0)
	atomic.StoreUint64(&trapsHandled, 0)
	atomic.StoreUint64(&trapsDenied, 0)
}

// Internal metric recording functions
func recordInitialize() {
	atomic.AddUint64(&initializeCount, 1)
}

func recordSuspend() {
	atomic.AddUint64(&suspendCount, 1)
}

func recordResume() {
	atomic.AddUint64(&resumeCount, 1)
}

func recordDonation() {
	atomic.AddUint64(&donationCount, 1)
}

func recordReclaim() {
	atomic.AddUint64(&reclaimCount, 1)
}

func recordRollback() {
	atomic.AddUint64(&rollbackCount, 1)
}

func recordInvalidation(isRange bool) {
	if isRange {
		atomic.AddUint64(&rangeInvalidations, 1)
	} else {
		atomic.AddUint64(&fullInvalidations, 1)
	}
}

func recordSyncSlowPath() {
	atomic.AddUint64(&syncSlowPaths, 1)
}

func recordSyncTimeout() {
	atomic.AddUint64(&syncTimeouts, 1)
}

func recordTrapHandled() {
	atomic.AddUint64(&trapsHandled, 1)
}

func recordTrapDenied() {
	atomic.AddUint64(&trapsDenied, 1)
}
