package s2mpu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestFullBoardV9 drives a realistic board: one v9 protection unit with two
// synchronization units, through initialization, a protection update, host
// trap emulation and a suspend/resume cycle.
func TestFullBoardV9(t *testing.T) {
	ResetMetrics()

	lender := NewSimLender()
	drv := NewDriver(lender)
	drv.SetLogger(testLogger())

	regs := NewSimProtector(Version9|0x00000042, 8)
	pid, err := drv.Attach(DeviceConfig{
		Name: "s2mpu@1c000000", Kind: KindProtector, Base: 0x1c000000,
		Size: MMIOSize, Parent: NoDevice, Regs: regs,
	})
	if err != nil {
		t.Fatalf("Attach protector: %v", err)
	}

	syncs := []*SimSyncUnit{NewSimSyncUnit(), NewSimSyncUnit()}
	for i, s := range syncs {
		_, err := drv.Attach(DeviceConfig{
			Name: "sysmmu-sync", Kind: KindSyncUnit, Base: 0x1c010000 + uint64(i)*0x1000,
			Size: SyncMMIOSize, Parent: pid, Regs: s,
		})
		if err != nil {
			t.Fatalf("Attach sync unit %d: %v", i, err)
		}
	}

	if err := drv.Initialize(pid, SimInitConfig(lender, Version9).Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	dev, err := drv.device(pid)
	if err != nil {
		t.Fatal(err)
	}
	if !dev.isVersion(Version9) {
		t.Fatalf("device version = 0x%08x, want v9", dev.Version())
	}

	// v9 encodes the 1G protection at bits [5:4]; every giga-block starts
	// fully open.
	if got := regs.Read32(RegL1EntryAttr(0, 0)); got != uint32(ProtRW)<<4 {
		t.Errorf("L1ENTRY_ATTR(0,0) = 0x%x, want 0x%x", got, uint32(ProtRW)<<4)
	}

	// The per-VID protection enable is the v9 enabling write; it must come
	// after the context configuration and all table programming.
	writes := regs.Writes()
	protEn := writeIndex(writes, RegV9CtrlProtEnPerVIDSet)
	ctxCfg := writeIndex(writes, RegContextCfgValidVID)
	lastL1 := -1
	for i, w := range writes {
		if w.Off >= RegL1EntryL2TableAddr(0, 0) && w.Off < regL1EntryEnd {
			lastL1 = i
		}
	}
	if protEn == -1 || ctxCfg == -1 || lastL1 == -1 {
		t.Fatalf("missing writes: protEn=%d ctxCfg=%d lastL1=%d", protEn, ctxCfg, lastL1)
	}
	if protEn < lastL1 || ctxCfg > lastL1 {
		t.Errorf("write order: ctxCfg=%d, lastL1=%d, protEn=%d; want ctxCfg < L1 < protEn",
			ctxCfg, lastL1, protEn)
	}

	// Revoke write access to a firmware carve-out.
	carveStart := uint64(0x80000000)
	carveEnd := uint64(0x80200000)
	if err := drv.HostStage2IDMapPrepare(carveStart, carveEnd, ProtR); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := drv.HostStage2IDMapApply(pid, carveStart, carveEnd); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := drv.HostStage2IDMapComplete(pid); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	mpt := drv.LiveTable()
	if got := mpt.ProtAt(carveStart); got != ProtR {
		t.Errorf("ProtAt(carve start) = %v, want ProtR", got)
	}
	if got := mpt.ProtAt(carveEnd); got != ProtRW {
		t.Errorf("ProtAt(carve end) = %v, want ProtRW", got)
	}

	// The carve-out's giga-block is now SMPT-backed.
	gb := int(carveStart / GigabyteSize)
	if got := regs.Read32(RegL1EntryAttr(0, gb)); got != l1AttrL2Enable {
		t.Errorf("L1ENTRY_ATTR(0,%d) = 0x%x, want L2 walk enabled", gb, got)
	}
	if got := regs.Read32(RegL1EntryL2TableAddr(0, gb)); got != uint32(mpt.Blocks[gb].PA>>l2TableAddrShift) {
		t.Errorf("L1ENTRY_L2TABLE_ADDR(0,%d) = 0x%x", gb, got)
	}

	// Host trap emulation follows the v9 allow-list.
	if _, handled := drv.HostMMIOTrap(pid, uint64(RegV9ReadSTLB), true, 4, 0x00010001); !handled {
		t.Error("v9 STLB dump trigger write denied")
	}
	if _, handled := drv.HostMMIOTrap(pid, uint64(RegReadMPTC), true, 4, 1); handled {
		t.Error("v1/v2 MPTC dump trigger handled on a v9 device")
	}
	if val, handled := drv.HostMMIOTrap(pid, uint64(RegCtrl0), false, 4, 0); !handled || val&^uint64(V9Ctrl0Mask) != 0 {
		t.Errorf("CTRL0 trap read = (0x%x, %v)", val, handled)
	}

	// Power cycle: the carve-out survives.
	snapshot := cloneMPT(mpt)
	if err := drv.Suspend(pid); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	// While suspended every giga-block is programmed to deny all.
	if got := regs.Read32(RegL1EntryAttr(0, gb)); got != uint32(ProtNone)<<4 {
		t.Errorf("suspended L1ENTRY_ATTR(0,%d) = 0x%x, want deny-all", gb, got)
	}
	if err := drv.Resume(pid); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if diff := cmp.Diff(snapshot, drv.LiveTable()); diff != "" {
		t.Errorf("table changed across suspend/resume (-before +after):\n%s", diff)
	}
	if got := regs.Read32(RegL1EntryAttr(0, gb)); got != l1AttrL2Enable {
		t.Errorf("resumed L1ENTRY_ATTR(0,%d) = 0x%x, want L2 walk enabled", gb, got)
	}

	m := GetMetrics()
	if m.Initializations != 1 || m.Suspends != 1 || m.Resumes != 1 {
		t.Errorf("lifecycle counters = %d/%d/%d", m.Initializations, m.Suspends, m.Resumes)
	}
	if m.FullInvalidations != 3 || m.RangeInvalidations != 1 {
		t.Errorf("invalidations = %d full / %d range, want 3/1", m.FullInvalidations, m.RangeInvalidations)
	}
	if m.SyncTimeouts != 0 {
		t.Errorf("sync timeouts = %d", m.SyncTimeouts)
	}
}

// TestConcurrentTrapsAndUpdates exercises the locking: trap emulation racing
// protection updates must not corrupt state or deadlock.
func TestConcurrentTrapsAndUpdates(t *testing.T) {
	drv, lender, id, _ := setupDriver(t, Version2, 8)
	if err := drv.Initialize(id, SimInitConfig(lender, Version2).Encode()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			drv.HostMMIOTrap(id, uint64(RegCfg), false, 4, 0)
			drv.HostMMIOTrap(id, uint64(RegFaultStatus), false, 4, 0)
		}
	}()

	for i := 0; i < 200; i++ {
		start := uint64(i%8) * GigabyteSize
		if err := drv.HostStage2IDMapPrepare(start, start+0x10000, Prot(i%4)); err != nil {
			t.Fatalf("Prepare: %v", err)
		}
		if err := drv.HostStage2IDMapApply(id, start, start+0x10000); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if err := drv.HostStage2IDMapComplete(id); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	<-done
}
