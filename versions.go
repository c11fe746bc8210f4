package s2mpu

import "math/bits"

// regOps is the register-programming half of a version operation bundle.
type regOps interface {
	// init performs version-specific one-time initialization before any
	// table programming (v2/v9 context configuration).
	init(dev *Device) error

	// setControlRegs enables protection and fault reporting. The enabling
	// write must come last; the device resets to blocking-all and must not
	// become selectively permissive with partial configuration visible.
	setControlRegs(dev *Device)

	// accessMask returns the version-specific host access mask for trapped
	// MMIO, consulted after the common allow-list.
	accessMask(off uint32, isWrite bool) uint32
}

// mptOps is the table-encoding half of a version operation bundle.
type mptOps interface {
	smptSize() int

	// initWithProt programs every giga-block as a single 1G entry with the
	// given protection, ignoring any SMPT contents.
	initWithProt(rs RegisterSpace, prot Prot)

	// initWithMPT programs L2 table addresses and L1 attributes from the
	// given table.
	initWithMPT(rs RegisterSpace, mpt *MPT)

	// prepareRange stages protection bits into the table without touching
	// hardware.
	prepareRange(mpt *MPT, first, last uint64, prot Prot)

	// applyRange writes the staged state of giga-blocks [firstGB, lastGB]
	// to hardware.
	applyRange(rs RegisterSpace, mpt *MPT, firstGB, lastGB int)
}

// opSet bundles the operations selected for one hardware revision.
type opSet struct {
	reg regOps
	mpt mptOps
}

var (
	opsV1V2 = &opSet{reg: regOpsV1V2{}, mpt: mptOpsLegacy{}}
	opsV9   = &opSet{reg: regOpsV9{}, mpt: mptOpsV9{}}
)

// selectVersion maps a declared or detected version value to its operation
// bundle. Callers must treat the result as immutable for the device lifetime.
func selectVersion(raw uint32) (*opSet, error) {
	switch raw & VersionCheckMask {
	case Version1, Version2:
		return opsV1V2, nil
	case Version9:
		return opsV9, nil
	default:
		return nil, ErrUnsupportedVersion
	}
}

// contextCfgValidVID computes the CONTEXT_CFG_VALID_VID value assigning
// hardware context slots to the lowest set VIDs, bounded by the context
// count the device reports. Computed once per device and frozen.
func contextCfgValidVID(dev *Device, vidBitmap uint32) uint32 {
	if dev.ctxCfgValidVID != 0 {
		return dev.ctxCfgValidVID
	}

	numCtx := int(dev.regs.Read32(RegNumContext) & NumContextMask)
	var ctxVID [NumCtxIDs]uint8
	ctx := 0
	for vidBitmap != 0 && ctx < numCtx {
		vid := bits.TrailingZeros32(vidBitmap)
		vidBitmap &^= 1 << uint(vid)
		ctxVID[ctx] = uint8(vid)
		ctx++
	}

	var res uint32
	for i := 0; i < NumCtxIDs; i++ {
		res |= ctxCfgEntry(i, ctx, ctxVID[i])
	}

	dev.ctxCfgValidVID = res
	return res
}

// initContextCfg assumes all VIDs may be generated by the connected traffic
// sources and writes the context configuration. Writes to L1ENTRY registers
// are ignored until a context is allocated to the corresponding VID, so this
// must happen before any table programming.
func initContextCfg(dev *Device) error {
	cfg := contextCfgValidVID(dev, AllVIDsBitmap)
	if cfg == 0 {
		return ErrInvalidConfig
	}
	dev.regs.Write32(RegContextCfgValidVID, cfg)
	return nil
}

type regOpsV1V2 struct{}

func (regOpsV1V2) init(dev *Device) error {
	if dev.version == 0 {
		dev.version = dev.regs.Read32(RegVersion)
	}

	switch dev.version & VersionCheckMask {
	case Version1:
		return nil
	case Version2:
		return initContextCfg(dev)
	default:
		return ErrUnsupportedVersion
	}
}

func (regOpsV1V2) setControlRegs(dev *Device) {
	// Rely on the hardware reset state blocking all traffic until CTRL0 is
	// written; writing the enable bit before the rest of the configuration
	// would open a window where partial state is live.
	ctrl0 := Ctrl0Enable | Ctrl0InterruptEnable
	if dev.isVersion(Version2) {
		ctrl0 |= Ctrl0FaultRespDecerr
	} else {
		ctrl0 |= Ctrl0FaultRespSlverr
	}

	dev.regs.Write32(RegInterruptEnablePerVIDSet, AllVIDsBitmap)
	dev.regs.Write32(RegCfg, 0)
	dev.regs.Write32(RegCtrl1, 0)
	dev.regs.Write32(RegCtrl0, ctrl0)
}

func (regOpsV1V2) accessMask(off uint32, isWrite bool) uint32 {
	return hostAccessMaskV1V2(off, isWrite)
}

type regOpsV9 struct{}

func (regOpsV9) init(dev *Device) error {
	if dev.version == 0 {
		dev.version = dev.regs.Read32(RegVersion)
	}
	return initContextCfg(dev)
}

func (regOpsV9) setControlRegs(dev *Device) {
	// Return DECERR to the device on permission fault.
	dev.regs.Write32(RegV9CtrlErrRespTPerVIDSet, AllVIDsBitmap)
	dev.regs.Write32(RegInterruptEnablePerVIDSet, AllVIDsBitmap)
	dev.regs.Write32(RegCtrl0, 0)
	// Enable protection per VID, otherwise all traffic would be allowed.
	dev.regs.Write32(RegV9CtrlProtEnPerVIDSet, AllVIDsBitmap)
	dev.regs.Write32(RegV9CfgMPTWAttribute, 0)
}

func (regOpsV9) accessMask(off uint32, isWrite bool) uint32 {
	return hostAccessMaskV9(off, isWrite)
}

// l1Attrs abstracts the version-specific L1ENTRY_ATTR encoding.
type l1Attrs struct {
	protShift uint
}

func (a l1Attrs) attr1G(prot Prot) uint32 { return uint32(prot) << a.protShift }
func (a l1Attrs) attrL2() uint32          { return l1AttrL2Enable }

func applyL1Entries(rs RegisterSpace, mpt *MPT, firstGB, lastGB int, a l1Attrs) {
	for gb := firstGB; gb <= lastGB; gb++ {
		f := &mpt.Blocks[gb]
		for vid := 0; vid < NumVIDs; vid++ {
			if f.Gran1G {
				rs.Write32(RegL1EntryL2TableAddr(vid, gb), 0)
				rs.Write32(RegL1EntryAttr(vid, gb), a.attr1G(f.Prot))
			} else {
				rs.Write32(RegL1EntryL2TableAddr(vid, gb), uint32(f.PA>>l2TableAddrShift))
				rs.Write32(RegL1EntryAttr(vid, gb), a.attrL2())
			}
		}
	}
}

func initL1EntriesWithProt(rs RegisterSpace, prot Prot, a l1Attrs) {
	for gb := 0; gb < NumGigabytes; gb++ {
		for vid := 0; vid < NumVIDs; vid++ {
			rs.Write32(RegL1EntryL2TableAddr(vid, gb), 0)
			rs.Write32(RegL1EntryAttr(vid, gb), a.attr1G(prot))
		}
	}
}

// mptOpsLegacy encodes tables for v1/v2.
type mptOpsLegacy struct{}

func (mptOpsLegacy) smptSize() int { return SMPTSize }

func (mptOpsLegacy) initWithProt(rs RegisterSpace, prot Prot) {
	initL1EntriesWithProt(rs, prot, l1Attrs{protShift: l1AttrProtShiftV1})
}

func (mptOpsLegacy) initWithMPT(rs RegisterSpace, mpt *MPT) {
	applyL1Entries(rs, mpt, 0, NumGigabytes-1, l1Attrs{protShift: l1AttrProtShiftV1})
}

func (mptOpsLegacy) prepareRange(mpt *MPT, first, last uint64, prot Prot) {
	mpt.prepareRange(first, last, prot)
}

func (mptOpsLegacy) applyRange(rs RegisterSpace, mpt *MPT, firstGB, lastGB int) {
	applyL1Entries(rs, mpt, firstGB, lastGB, l1Attrs{protShift: l1AttrProtShiftV1})
}

// mptOpsV9 encodes tables for v9, which moved the PROT field in
// L1ENTRY_ATTR.
type mptOpsV9 struct{}

func (mptOpsV9) smptSize() int { return SMPTSize }

func (mptOpsV9) initWithProt(rs RegisterSpace, prot Prot) {
	initL1EntriesWithProt(rs, prot, l1Attrs{protShift: l1AttrProtShiftV9})
}

func (mptOpsV9) initWithMPT(rs RegisterSpace, mpt *MPT) {
	applyL1Entries(rs, mpt, 0, NumGigabytes-1, l1Attrs{protShift: l1AttrProtShiftV9})
}

func (mptOpsV9) prepareRange(mpt *MPT, first, last uint64, prot Prot) {
	mpt.prepareRange(first, last, prot)
}

func (mptOpsV9) applyRange(rs RegisterSpace, mpt *MPT, firstGB, lastGB int) {
	applyL1Entries(rs, mpt, firstGB, lastGB, l1Attrs{protShift: l1AttrProtShiftV9})
}
