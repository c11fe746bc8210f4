package s2mpu

import (
	"time"

	"github.com/cenkalti/backoff"
)

// SyncPolicy bounds the invalidation slow path: each retry reissues the sync
// command and polls the completion bit under a budget that grows by
// Multiplier. The clock and sleep hooks exist so the timing-dependent path
// is deterministically testable.
type SyncPolicy struct {
	MaxRetries     int
	InitialTimeout time.Duration
	Multiplier     float64

	// PollInterval spaces completion-bit reads. Zero spins.
	PollInterval time.Duration

	Clock backoff.Clock
	Sleep func(time.Duration)
}

// DefaultSyncPolicy mirrors the hardware defaults: 5 retries starting at a
// 5µs budget, tripling each time.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		MaxRetries:     5,
		InitialTimeout: 5 * time.Microsecond,
		Multiplier:     3,
		Clock:          backoff.SystemClock,
		Sleep:          time.Sleep,
	}
}

func (p SyncPolicy) withDefaults() SyncPolicy {
	def := DefaultSyncPolicy()
	if p.MaxRetries == 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.InitialTimeout == 0 {
		p.InitialTimeout = def.InitialTimeout
	}
	if p.Multiplier == 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Clock == nil {
		p.Clock = def.Clock
	}
	if p.Sleep == nil {
		p.Sleep = def.Sleep
	}
	return p
}

// waitUntil polls a register until all bits of mask are set or the budget is
// spent. Returns true if the bits were observed set.
func (p SyncPolicy) waitUntil(rs RegisterSpace, off, mask uint32, budget time.Duration) bool {
	deadline := p.Clock.Now().Add(budget)
	for {
		if rs.Read32(off)&mask == mask {
			return true
		}
		if !p.Clock.Now().Before(deadline) {
			return false
		}
		if p.PollInterval > 0 {
			p.Sleep(p.PollInterval)
		}
	}
}

// waitWhile polls a register as long as all bits of mask are set.
func (p SyncPolicy) waitWhile(rs RegisterSpace, off, mask uint32) {
	for rs.Read32(off)&mask == mask {
		if p.PollInterval > 0 {
			p.Sleep(p.PollInterval)
		}
	}
}

func syncCmdStart(sync *Device) {
	sync.regs.Write32(RegSyncCmd, SyncCmdSync)
}

// invalidationBarrierSlow drains one synchronization unit the slow way:
// reissue the sync command and wait for the completion bit, growing the
// budget exponentially, up to the retry limit. Gives up rather than blocking
// indefinitely; a wedged sync unit must not deadlock the hypervisor.
func (d *Driver) invalidationBarrierSlow(sync *Device) error {
	recordSyncSlowPath()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.syncPolicy.InitialTimeout
	bo.RandomizationFactor = 0
	bo.Multiplier = d.syncPolicy.Multiplier
	bo.MaxElapsedTime = 0
	bo.Clock = d.syncPolicy.Clock
	bo.Reset()

	for i := 0; i < d.syncPolicy.MaxRetries; i++ {
		syncCmdStart(sync)
		if d.syncPolicy.waitUntil(sync.regs, RegSyncComp, SyncCompComplete, bo.NextBackOff()) {
			return nil
		}
	}
	return ErrSyncTimeout
}

// invalidationBarrierInit issues a synchronization-start command to every
// attached child without waiting, so the units drain in parallel.
func (d *Driver) invalidationBarrierInit(dev *Device) {
	for _, id := range dev.children {
		if sync := d.devs[id]; sync != nil {
			syncCmdStart(sync)
		}
	}
}

// invalidationBarrierComplete waits for every child's completion bit,
// falling back to the bounded slow path per unit, then waits for the device
// itself to leave its invalidating state on versions that report one.
// Register access while the device is mid-invalidation is unsafe.
//
// Returns false if any unit exhausted its retry budget. The caller proceeds
// regardless; deadlock avoidance takes priority over a guaranteed-complete
// invalidation.
func (d *Driver) invalidationBarrierComplete(dev *Device) bool {
	ok := true
	for _, id := range dev.children {
		sync := d.devs[id]
		if sync == nil {
			continue
		}
		if sync.regs.Read32(RegSyncComp)&SyncCompComplete != 0 {
			continue
		}
		if err := d.invalidationBarrierSlow(sync); err != nil {
			recordSyncTimeout()
			ok = false
			d.log.WithFields(logFields{
				"device": dev.name,
				"sync":   sync.name,
			}).Error("sync unit did not report invalidation completion, proceeding")
		}
	}

	if dev.isVersion(Version2) || dev.isVersion(Version9) {
		d.syncPolicy.waitWhile(dev.regs, RegStatus, StatusBusy|StatusOnInvalidating)
	}
	return ok
}

// allInvalidation invalidates the device's entire cached table state.
func (d *Driver) allInvalidation(dev *Device) bool {
	recordInvalidation(false)
	dev.regs.Write32(RegAllInvalidation, InvalidationInvalidate)
	d.invalidationBarrierInit(dev)
	return d.invalidationBarrierComplete(dev)
}

// rangeInvalidationInit starts invalidation of [first, last] (inclusive
// bytes, converted to page numbers) without waiting for completion.
func (d *Driver) rangeInvalidationInit(dev *Device, first, last uint64) {
	recordInvalidation(true)
	dev.regs.Write32(RegRangeInvalidationStartPPN, uint32(first>>RangeInvalidationPPNShift))
	dev.regs.Write32(RegRangeInvalidationEndPPN, uint32(last>>RangeInvalidationPPNShift))
	dev.regs.Write32(RegRangeInvalidation, InvalidationInvalidate)
	d.invalidationBarrierInit(dev)
}
