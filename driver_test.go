package s2mpu

import (
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// setupDriver attaches one simulated protector and returns the pieces the
// tests poke at. The device is left uninitialized.
func setupDriver(t *testing.T, version uint32, numContext int) (*Driver, *SimLender, DeviceID, *SimProtector) {
	t.Helper()

	lender := NewSimLender()
	drv := NewDriver(lender)
	drv.SetLogger(testLogger())

	regs := NewSimProtector(version, numContext)
	id, err := drv.Attach(DeviceConfig{
		Name:   "s2mpu@1a000000",
		Kind:   KindProtector,
		Base:   0x1a000000,
		Size:   MMIOSize,
		Parent: NoDevice,
		Regs:   regs,
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return drv, lender, id, regs
}

// cloneMPT deep-copies a table so it can be diffed against later state.
func cloneMPT(mpt *MPT) *MPT {
	out := &MPT{}
	for gb, f := range mpt.Blocks {
		c := f
		if f.SMPT != nil {
			c.SMPT = make([]uint32, len(f.SMPT))
			copy(c.SMPT, f.SMPT)
		}
		out.Blocks[gb] = c
	}
	return out
}

func writeIndex(writes []RegWrite, off uint32) int {
	for i, w := range writes {
		if w.Off == off {
			return i
		}
	}
	return -1
}

func TestInitConfigRoundTrip(t *testing.T) {
	lender := NewSimLender()
	cfg := SimInitConfig(lender, Version2)
	cfg.Blocks[5].Flags = 0xfeed

	blob := cfg.Encode()
	if len(blob) != InitBlobSize {
		t.Fatalf("Encode() length = %d, want %d", len(blob), InitBlobSize)
	}
	if diff := cmp.Diff(cfg, decodeInitConfig(blob)); diff != "" {
		t.Errorf("config round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInitializeBlobSize(t *testing.T) {
	drv, lender, id, _ := setupDriver(t, Version2, 8)

	err := drv.Initialize(id, make([]byte, InitBlobSize-1))
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Initialize err = %v, want ErrInvalidConfig", err)
	}
	if drv.LiveTable() != nil {
		t.Error("live table exists after failed initialize")
	}
	if lender.HypOwnedPages() != 0 {
		t.Error("ownership moved on a size-check failure")
	}
}

func TestInitializeUnsupportedVersion(t *testing.T) {
	drv, lender, id, _ := setupDriver(t, Version2, 8)

	cfg := SimInitConfig(lender, 0x30000000)
	err := drv.Initialize(id, cfg.Encode())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("Initialize err = %v, want ErrUnsupportedVersion", err)
	}
	if lender.HypOwnedPages() != 0 {
		t.Error("ownership moved on an unsupported version")
	}
}

func TestInitializeAlignment(t *testing.T) {
	drv, lender, id, _ := setupDriver(t, Version2, 8)

	cfg := SimInitConfig(lender, Version2)
	cfg.Blocks[3].PA += PageSize // page-aligned but not SMPT-size-aligned

	err := drv.Initialize(id, cfg.Encode())
	if !errors.Is(err, ErrAlignment) {
		t.Fatalf("Initialize err = %v, want ErrAlignment", err)
	}
	// Rollback must leave every buffer host-owned and the table empty.
	if got := lender.HypOwnedPages(); got != 0 {
		t.Errorf("%d pages still hypervisor-owned after rollback", got)
	}
	if drv.LiveTable() != nil {
		t.Error("live table exists after failed initialize")
	}
}

func TestInitializeDonationRollback(t *testing.T) {
	ResetMetrics()
	drv, lender, id, _ := setupDriver(t, Version2, 8)

	cfg := SimInitConfig(lender, Version2)
	lender.FailDonateAt = 4 // giga-block 3

	err := drv.Initialize(id, cfg.Encode())
	if !errors.Is(err, ErrOwnershipTransfer) {
		t.Fatalf("Initialize err = %v, want ErrOwnershipTransfer", err)
	}

	// Exactly the first 3 transferred buffers must come back, in order,
	// leaving nothing hypervisor-owned.
	if got := lender.HypOwnedPages(); got != 0 {
		t.Errorf("%d pages still hypervisor-owned after rollback", got)
	}
	if drv.LiveTable() != nil {
		t.Error("live table exists after failed initialize")
	}

	m := GetMetrics()
	if m.Donations != 3 || m.Reclaims != 3 || m.Rollbacks != 1 {
		t.Errorf("metrics = %d donations / %d reclaims / %d rollbacks, want 3/3/1",
			m.Donations, m.Reclaims, m.Rollbacks)
	}
}

func TestInitializeSuccess(t *testing.T) {
	drv, lender, id, regs := setupDriver(t, Version2|0x00000100, 8)

	cfg := SimInitConfig(lender, Version2)
	if err := drv.Initialize(id, cfg.Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	mpt := drv.LiveTable()
	if mpt == nil {
		t.Fatal("no live table after initialize")
	}
	for gb := range mpt.Blocks {
		f := &mpt.Blocks[gb]
		if !f.Gran1G || f.Prot != ProtRW || f.SMPT == nil {
			t.Fatalf("giga-block %d = %+v, want owned 1G ProtRW entry", gb, f)
		}
	}
	if got := lender.HypOwnedPages(); got != NumGigabytes*(SMPTSize>>PageShift) {
		t.Errorf("hypervisor owns %d pages, want %d", got, NumGigabytes*(SMPTSize>>PageShift))
	}

	dev, err := drv.device(id)
	if err != nil {
		t.Fatal(err)
	}
	if dev.State() != StateActive {
		t.Errorf("device state = %s, want active", dev.State())
	}
	if !dev.isVersion(Version2) {
		t.Errorf("device version = 0x%08x, want v2", dev.Version())
	}

	writes := regs.Writes()

	// The enabling CTRL0 write must be the very last configuration write.
	last := writes[len(writes)-1]
	if last.Off != RegCtrl0 || last.Val&Ctrl0Enable == 0 {
		t.Errorf("last write = {0x%x, 0x%x}, want enabling CTRL0 write", last.Off, last.Val)
	}
	// v2 returns DECERR on permission fault.
	if last.Val&Ctrl0FaultRespDecerr == 0 {
		t.Errorf("CTRL0 = 0x%x missing DECERR fault response", last.Val)
	}

	// v2: context configuration must land before any L1ENTRY programming.
	ctxIdx := writeIndex(writes, RegContextCfgValidVID)
	l1Idx := writeIndex(writes, RegL1EntryAttr(0, 0))
	if ctxIdx == -1 || l1Idx == -1 || ctxIdx > l1Idx {
		t.Errorf("context cfg at %d, first L1ENTRY at %d; want context cfg first", ctxIdx, l1Idx)
	}
}

func TestInitializeCopiesBlob(t *testing.T) {
	drv, lender, id, _ := setupDriver(t, Version2, 8)

	blob := SimInitConfig(lender, Version2).Encode()
	if err := drv.Initialize(id, blob); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// The caller's memory is untrusted and concurrently mutable; the
	// adopted table must not alias it.
	want := drv.LiveTable().Blocks[0].PA
	for i := range blob {
		blob[i] = 0xff
	}
	if got := drv.LiveTable().Blocks[0].PA; got != want {
		t.Errorf("table aliases the caller's blob: PA 0x%x -> 0x%x", want, got)
	}
}

func TestVersionStickiness(t *testing.T) {
	drv, lender, id, regs := setupDriver(t, Version2, 8)

	if err := drv.Initialize(id, SimInitConfig(lender, Version2).Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	dev, _ := drv.device(id)
	before := dev.Version()

	// Re-initializing with a different declared version must not
	// re-dispatch or change the effective version.
	regs.ClearWrites()
	cfg := &InitConfig{Version: Version9}
	for gb := range cfg.Blocks {
		cfg.Blocks[gb] = InitBlock{PA: uint64(SMPTSize) * uint64(gb+1)}
	}
	if err := drv.Initialize(id, cfg.Encode()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}

	if dev.Version() != before {
		t.Errorf("version changed: 0x%08x -> 0x%08x", before, dev.Version())
	}
	writes := regs.Writes()
	if writeIndex(writes, RegV9CtrlProtEnPerVIDSet) != -1 {
		t.Error("second initialize programmed v9 control registers")
	}
	if last := writes[len(writes)-1]; last.Off != RegCtrl0 {
		t.Errorf("last write off = 0x%x, want v1/v2 CTRL0", last.Off)
	}
}

func TestSecondDeviceSharesTable(t *testing.T) {
	ResetMetrics()
	drv, lender, id, _ := setupDriver(t, Version2, 8)

	blob := SimInitConfig(lender, Version2).Encode()
	if err := drv.Initialize(id, blob); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	owned := lender.HypOwnedPages()
	donations := GetMetrics().Donations

	id2, err := drv.Attach(DeviceConfig{
		Name: "s2mpu@1b000000", Kind: KindProtector, Base: 0x1b000000,
		Size: MMIOSize, Parent: NoDevice, Regs: NewSimProtector(Version2, 8),
	})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := drv.Initialize(id2, blob); err != nil {
		t.Fatalf("Initialize second device: %v", err)
	}

	// The live table is process-wide; a second device must not re-donate.
	if lender.HypOwnedPages() != owned {
		t.Error("second device moved ownership again")
	}
	if GetMetrics().Donations != donations {
		t.Error("second device recorded new donations")
	}
}

func TestIDMapPrepareApplyComplete(t *testing.T) {
	drv, lender, id, regs := setupDriver(t, Version2, 8)
	if err := drv.Initialize(id, SimInitConfig(lender, Version2).Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	start := uint64(GigabyteSize + 0x5000)
	end := uint64(GigabyteSize + 0x9000)

	if err := drv.HostStage2IDMapPrepare(start, end, ProtR); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	mpt := drv.LiveTable()
	if got := mpt.ProtAt(start); got != ProtR {
		t.Errorf("ProtAt(start) = %v, want ProtR", got)
	}
	if got := mpt.ProtAt(end); got != ProtRW {
		t.Errorf("ProtAt(end) = %v, want untouched ProtRW", got)
	}

	regs.ClearWrites()
	if err := drv.HostStage2IDMapApply(id, start, end); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	writes := regs.Writes()
	if writeIndex(writes, RegL1EntryL2TableAddr(0, 1)) == -1 {
		t.Error("apply did not program the giga-block's L1ENTRY registers")
	}
	i := writeIndex(writes, RegRangeInvalidationStartPPN)
	j := writeIndex(writes, RegRangeInvalidationEndPPN)
	k := writeIndex(writes, RegRangeInvalidation)
	if i == -1 || j == -1 || k == -1 || k < i || k < j {
		t.Fatalf("range invalidation sequence wrong: start=%d end=%d cmd=%d", i, j, k)
	}
	if writes[i].Val != uint32(start>>RangeInvalidationPPNShift) {
		t.Errorf("start PPN = 0x%x, want 0x%x", writes[i].Val, start>>RangeInvalidationPPNShift)
	}
	if writes[j].Val != uint32((end-1)>>RangeInvalidationPPNShift) {
		t.Errorf("end PPN = 0x%x, want 0x%x", writes[j].Val, (end-1)>>RangeInvalidationPPNShift)
	}

	if err := drv.HostStage2IDMapComplete(id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestIDMapEmptyRangeIsNoop(t *testing.T) {
	drv, lender, id, regs := setupDriver(t, Version2, 8)
	if err := drv.Initialize(id, SimInitConfig(lender, Version2).Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	regs.ClearWrites()

	if err := drv.HostStage2IDMapApply(id, 0x2000, 0x1000); err != nil {
		t.Fatalf("Apply inverted range: %v", err)
	}
	if err := drv.HostStage2IDMapApply(id, PAMax, PAMax+0x1000); err != nil {
		t.Fatalf("Apply out-of-bounds range: %v", err)
	}
	if got := len(regs.Writes()); got != 0 {
		t.Errorf("no-op ranges produced %d register writes", got)
	}
}

func TestIDMapPrepareWithoutTable(t *testing.T) {
	drv, _, _, _ := setupDriver(t, Version2, 8)

	err := drv.HostStage2IDMapPrepare(0, 0x1000, ProtR)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("Prepare err = %v, want ErrNotReady", err)
	}
}

func TestSuspendResumeIdentity(t *testing.T) {
	drv, lender, id, regs := setupDriver(t, Version2, 8)
	if err := drv.Initialize(id, SimInitConfig(lender, Version2).Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Dirty the table a bit first.
	if err := drv.HostStage2IDMapPrepare(0x5000, 0x9000, ProtNone); err != nil {
		t.Fatal(err)
	}
	if err := drv.HostStage2IDMapApply(id, 0x5000, 0x9000); err != nil {
		t.Fatal(err)
	}
	if err := drv.HostStage2IDMapComplete(id); err != nil {
		t.Fatal(err)
	}

	snapshot := cloneMPT(drv.LiveTable())

	if err := drv.Suspend(id); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	dev, _ := drv.device(id)
	if dev.State() != StateSuspended {
		t.Fatalf("state after suspend = %s", dev.State())
	}

	regs.ClearWrites()
	if err := drv.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if dev.State() != StateActive {
		t.Fatalf("state after resume = %s", dev.State())
	}

	// The live table's contents survive the power cycle bit-identically.
	if diff := cmp.Diff(snapshot, drv.LiveTable()); diff != "" {
		t.Errorf("table changed across suspend/resume (-before +after):\n%s", diff)
	}

	// Resume re-enables from the live table, not a fresh deny-all one.
	writes := regs.Writes()
	if last := writes[len(writes)-1]; last.Off != RegCtrl0 || last.Val&Ctrl0Enable == 0 {
		t.Errorf("resume's last write = {0x%x, 0x%x}, want enabling CTRL0", last.Off, last.Val)
	}
}

func TestApplySkipsSuspendedDevice(t *testing.T) {
	drv, lender, id, regs := setupDriver(t, Version2, 8)
	if err := drv.Initialize(id, SimInitConfig(lender, Version2).Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := drv.Suspend(id); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	regs.ClearWrites()

	// The hardware may be powered down; apply must not touch it.
	if err := drv.HostStage2IDMapApply(id, 0x1000, 0x2000); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := drv.HostStage2IDMapComplete(id); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got := len(regs.Writes()); got != 0 {
		t.Errorf("suspended device saw %d register writes", got)
	}
}
