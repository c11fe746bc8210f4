package s2mpu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type logFields = logrus.Fields

// MemoryLender supplies the donation/reclaim primitives that move buffer
// pages between the host and hypervisor trust domains, and the hypervisor's
// view of donated memory. It is implemented by the hosting framework.
type MemoryLender interface {
	// Donate transfers pages pfn..pfn+pages-1 from host to hypervisor
	// ownership.
	Donate(pfn uint64, pages int) error

	// Reclaim returns pages to host ownership.
	Reclaim(pfn uint64, pages int) error

	// MapWords returns the hypervisor mapping of a donated buffer as
	// 32-bit words.
	MapWords(pa uint64, words int) ([]uint32, error)
}

// InitBlobSize is the exact size Initialize expects: a u32 version, u32 pad,
// and one {PA, Flags} pair of u64s per giga-block.
const InitBlobSize = 8 + NumGigabytes*16

// InitBlock describes one giga-block buffer in the initialization blob.
type InitBlock struct {
	PA    uint64
	Flags uint64
}

// InitConfig is the decoded initialization blob: a version tag and one
// buffer reference per giga-block.
type InitConfig struct {
	Version uint32
	Blocks  [NumGigabytes]InitBlock
}

// Encode serializes the config into the wire layout Initialize consumes.
func (c *InitConfig) Encode() []byte {
	b := make([]byte, InitBlobSize)
	binary.LittleEndian.PutUint32(b[0:], c.Version)
	for gb, blk := range c.Blocks {
		off := 8 + gb*16
		binary.LittleEndian.PutUint64(b[off:], blk.PA)
		binary.LittleEndian.PutUint64(b[off+8:], blk.Flags)
	}
	return b
}

func decodeInitConfig(b []byte) *InitConfig {
	c := &InitConfig{Version: binary.LittleEndian.Uint32(b[0:])}
	for gb := range c.Blocks {
		off := 8 + gb*16
		c.Blocks[gb] = InitBlock{
			PA:    binary.LittleEndian.Uint64(b[off:]),
			Flags: binary.LittleEndian.Uint64(b[off+8:]),
		}
	}
	return c
}

// Driver is the explicit context every entry point threads through: the
// device arena, the live protection table and the donation hooks. Multiple
// independent Drivers can coexist, which is how the tests run.
type Driver struct {
	// mu guards the arena, the live table and the single in-flight
	// invalidation slot. Apply and Complete across unrelated ranges must
	// not interleave; this lock is that serialization.
	mu   sync.Mutex
	devs []*Device

	mem        MemoryLender
	log        logrus.FieldLogger
	syncPolicy SyncPolicy

	hostMPT  *MPT
	tableOps *opSet
}

// NewDriver returns a driver with no devices and no live table. mem supplies
// the framework's donation primitives.
func NewDriver(mem MemoryLender) *Driver {
	return &Driver{
		mem:        mem,
		log:        logrus.StandardLogger(),
		syncPolicy: DefaultSyncPolicy(),
	}
}

// SetLogger replaces the driver's logger. The default is the logrus standard
// logger.
func (d *Driver) SetLogger(log logrus.FieldLogger) {
	if log != nil {
		d.log = log
	}
}

// SetSyncPolicy replaces the invalidation retry policy. Zero fields fall
// back to their defaults.
func (d *Driver) SetSyncPolicy(p SyncPolicy) {
	d.syncPolicy = p.withDefaults()
}

// LiveTable returns the live protection table, or nil before the first
// successful Initialize. Exposed for inspection; mutating it bypasses the
// prepare/apply/complete discipline.
func (d *Driver) LiveTable() *MPT {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hostMPT
}

// Initialize brings a protection unit into the Active state. The first
// successful call adopts the blob's giga-block buffers as the live
// protection table, transferring their ownership to the hypervisor; later
// calls (more devices, re-init) program hardware from the already-live
// table.
//
// The blob must be exactly InitBlobSize bytes. It is copied before any
// validation: the caller's memory is concurrently mutable and must not be
// re-read after a check has passed.
func (d *Driver) Initialize(id DeviceID, blob []byte) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}
	if dev.kind != KindProtector {
		return fmt.Errorf("s2mpu: cannot initialize %s device %q: %w", dev.kind, dev.name, ErrValidation)
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if len(blob) != InitBlobSize {
		return fmt.Errorf("s2mpu: config blob is %d bytes, want %d: %w", len(blob), InitBlobSize, ErrInvalidConfig)
	}

	// The host can concurrently modify the blob. Copy it to avoid TOCTOU.
	priv := make([]byte, len(blob))
	copy(priv, blob)
	cfg := decodeInitConfig(priv)

	ops, err := selectVersion(cfg.Version)
	if err != nil {
		return fmt.Errorf("s2mpu: version 0x%08x: %w", cfg.Version, err)
	}

	// The operation set is sticky: once selected for this device it never
	// re-dispatches, even if a later call declares something else. The
	// effective version itself is read back from the VERSION register on
	// first programming and is equally sticky.
	if dev.ops == nil {
		dev.ops = ops
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hostMPT == nil {
		if err := d.adoptTable(dev, cfg); err != nil {
			return err
		}
		d.tableOps = dev.ops
	}

	if err := d.initializeWithMPT(dev); err != nil {
		return err
	}

	dev.state = StateActive
	recordInitialize()
	d.log.WithFields(logFields{
		"device":  dev.name,
		"version": fmt.Sprintf("0x%08x", dev.version),
	}).Info("device initialized")
	return nil
}

// adoptTable takes ownership of every giga-block buffer in order. On any
// failure it rolls back: every buffer transferred so far is returned to the
// host in the same order and the table stays empty. The rollback is
// best-effort; a failed reclaim is logged but never masks the original
// error.
func (d *Driver) adoptTable(dev *Device, cfg *InitConfig) error {
	smptSize := dev.ops.mpt.smptSize()
	smptPages := smptSize >> PageShift

	mpt := &MPT{}
	var transferErr error
	for gb := 0; gb < NumGigabytes; gb++ {
		pa := cfg.Blocks[gb].PA
		if pa == 0 {
			transferErr = fmt.Errorf("s2mpu: giga-block %d has no buffer: %w", gb, ErrInvalidConfig)
			break
		}
		if pa%uint64(smptSize) != 0 {
			transferErr = fmt.Errorf("s2mpu: giga-block %d buffer 0x%x not aligned to 0x%x: %w",
				gb, pa, smptSize, ErrAlignment)
			break
		}

		if err := d.mem.Donate(pa>>PageShift, smptPages); err != nil {
			transferErr = fmt.Errorf("s2mpu: donating giga-block %d buffer 0x%x: %v: %w",
				gb, pa, err, ErrOwnershipTransfer)
			break
		}
		recordDonation()

		words, err := d.mem.MapWords(pa, SMPTWordsPerGB)
		if err != nil {
			if rerr := d.mem.Reclaim(pa>>PageShift, smptPages); rerr != nil {
				d.log.WithFields(logFields{"gb": gb}).Warnf("reclaim after map failure: %v", rerr)
			} else {
				recordReclaim()
			}
			transferErr = fmt.Errorf("s2mpu: mapping giga-block %d buffer 0x%x: %v: %w",
				gb, pa, err, ErrOwnershipTransfer)
			break
		}

		mpt.Blocks[gb] = FMPT{SMPT: words, PA: pa, Gran1G: true, Prot: ProtRW}
	}

	if transferErr != nil {
		// Try to return memory back.
		for gb := 0; gb < NumGigabytes; gb++ {
			f := &mpt.Blocks[gb]
			if f.SMPT == nil {
				break
			}
			if err := d.mem.Reclaim(f.PA>>PageShift, smptPages); err != nil {
				d.log.WithFields(logFields{"gb": gb}).Warnf("rollback reclaim failed: %v", err)
			} else {
				recordReclaim()
			}
		}
		mpt.reset()
		recordRollback()
		return transferErr
	}

	d.hostMPT = mpt
	return nil
}

// initializeWithMPT programs a device from the live table and enables it.
// Callers hold d.mu and dev.mu.
func (d *Driver) initializeWithMPT(dev *Device) error {
	if err := dev.ops.reg.init(dev); err != nil {
		return err
	}
	dev.ops.mpt.initWithMPT(dev.regs, d.hostMPT)
	d.allInvalidation(dev)
	// Set control registers, enable the device.
	dev.ops.reg.setControlRegs(dev)
	return nil
}

// initializeWithProt programs every giga-block of a device to a single
// aggregate protection, ignoring the live table. Callers hold d.mu and
// dev.mu.
func (d *Driver) initializeWithProt(dev *Device, prot Prot) error {
	if err := dev.ops.reg.init(dev); err != nil {
		return err
	}
	dev.ops.mpt.initWithProt(dev.regs, prot)
	d.allInvalidation(dev)
	dev.ops.reg.setControlRegs(dev)
	return nil
}

// Suspend reprograms the device to deny all traffic and stops further
// register programming until Resume. The hardware may be powered down right
// after this call; touching a powered-down register window is itself a
// fault, so the device must go back to blocking first in case the host
// never actually powers it off and keeps issuing DMA.
func (d *Driver) Suspend(id DeviceID) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.state != StateActive {
		return fmt.Errorf("s2mpu: suspend in state %s: %w", dev.state, ErrBadState)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.initializeWithProt(dev, ProtNone); err != nil {
		return err
	}
	dev.state = StateSuspended
	recordSuspend()
	d.log.WithFields(logFields{"device": dev.name}).Info("device suspended")
	return nil
}

// Resume reinitializes the device from the live protection table, so the
// protection state from before Suspend survives the power cycle; only the
// device's own enable state round-trips through blocking.
func (d *Driver) Resume(id DeviceID) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	if dev.state != StateSuspended {
		return fmt.Errorf("s2mpu: resume in state %s: %w", dev.state, ErrBadState)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hostMPT == nil {
		return fmt.Errorf("s2mpu: resume without a live table: %w", ErrNotReady)
	}
	if err := d.initializeWithMPT(dev); err != nil {
		return err
	}
	dev.state = StateActive
	recordResume()
	d.log.WithFields(logFields{"device": dev.name}).Info("device resumed")
	return nil
}

// HostStage2IDMapPrepare stages new protection bits for [start, end) in the
// live table, with no hardware visibility. The range is clamped to the
// addressable maximum and aligned outward; an empty clamped range is a
// no-op. The prepare/apply/complete split lets many table updates be batched
// before paying the invalidation cost once.
func (d *Driver) HostStage2IDMapPrepare(start, end uint64, prot Prot) error {
	start, end, ok := toValidRange(start, end)
	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hostMPT == nil {
		return fmt.Errorf("s2mpu: prepare without a live table: %w", ErrNotReady)
	}
	d.tableOps.mpt.prepareRange(d.hostMPT, start, end-1, prot)
	return nil
}

// HostStage2IDMapApply writes the staged state of [start, end) to the
// device and starts range invalidation, without waiting for it. Suspended
// devices are skipped: their registers may be powered down.
func (d *Driver) HostStage2IDMapApply(id DeviceID, start, end uint64) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}

	start, end, ok := toValidRange(start, end)
	if !ok {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hostMPT == nil {
		return fmt.Errorf("s2mpu: apply without a live table: %w", ErrNotReady)
	}
	if dev.state != StateActive {
		return nil
	}

	firstGB := int(start / GigabyteSize)
	lastGB := int((end - 1) / GigabyteSize)
	dev.ops.mpt.applyRange(dev.regs, d.hostMPT, firstGB, lastGB)
	// Initiate invalidation, completed in HostStage2IDMapComplete.
	d.rangeInvalidationInit(dev, start, end-1)
	return nil
}

// HostStage2IDMapComplete blocks until the invalidation started by the most
// recent apply has finished. Returns ErrSyncTimeout if the retry budget ran
// out; the update is still considered applied (see SyncPolicy), the caller
// decides whether to treat that as fatal.
func (d *Driver) HostStage2IDMapComplete(id DeviceID) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if dev.state != StateActive {
		return nil
	}
	if !d.invalidationBarrierComplete(dev) {
		return ErrSyncTimeout
	}
	return nil
}
