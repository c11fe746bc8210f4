package s2mpu

// Register offsets and bit masks for the documented S2MPU hardware revisions.
// These values are dictated by the physical device and form the external
// compatibility surface of the driver; everything else in this package is
// free to change, these numbers are not.

// Address space geometry. The S2MPU covers NumGigabytes of physical address
// space, one giga-block per gigabyte, with protection tracked at page
// granularity inside a subdivided giga-block.
const (
	NumGigabytes = 64
	GigabyteSize = uint64(1) << 30

	// PAMax is the first byte past the addressable maximum.
	PAMax = uint64(NumGigabytes) * GigabyteSize

	PageShift = 12
	PageSize  = 1 << PageShift

	// SMPT layout: 2 protection bits per page, 16 pages per 32-bit word.
	// One SMPT buffer spans a full gigabyte.
	SMPTProtBits     = 2
	SMPTPagesPerWord = 32 / SMPTProtBits
	SMPTWordsPerGB   = int(GigabyteSize>>PageShift) / SMPTPagesPerWord
	SMPTSize         = SMPTWordsPerGB * 4

	// SMPTGran is the granularity protection ranges are aligned to.
	SMPTGran = uint64(PageSize)
)

// VID/context geometry. Traffic sources share the port through up to NumVIDs
// virtual IDs; the hardware maps VIDs into a limited number of context slots.
const (
	NumVIDs       = 8
	NumCtxIDs     = 8
	AllVIDsBitmap = uint32(1<<NumVIDs) - 1
)

// Hardware version identifiers as reported by REG_NS_VERSION. The revision
// lives in the top byte; the low bytes carry the minor/patch level and are
// ignored for dispatch.
const (
	VersionCheckMask uint32 = 0xFF000000

	Version1 uint32 = 0x11000000
	Version2 uint32 = 0x20000000
	Version9 uint32 = 0x90000000
)

// MMIO footprints checked by Validate.
const (
	MMIOSize     = 0x10000 // S2MPU register window
	SyncMMIOSize = 0x1000  // SysMMU_SYNC register window
)

// Common non-secure register block (v1/v2/v9).
const (
	RegCtrl0                    uint32 = 0x0
	RegCtrl1                    uint32 = 0x4
	RegCfg                      uint32 = 0x10
	RegInterruptEnablePerVIDSet uint32 = 0x20
	RegInterruptClear           uint32 = 0x2c
	RegVersion                  uint32 = 0x60
	RegInfo                     uint32 = 0x64
	RegStatus                   uint32 = 0x68
	RegNumContext               uint32 = 0x100
	RegContextCfgValidVID       uint32 = 0x104

	RegAllInvalidation           uint32 = 0x1000
	RegRangeInvalidation         uint32 = 0x1020
	RegRangeInvalidationStartPPN uint32 = 0x1024
	RegRangeInvalidationEndPPN   uint32 = 0x1028

	RegFaultStatus uint32 = 0x2000
)

// Per-VID fault information bank. Each VID owns a 0x20-byte stride.
const (
	regFaultBankBase   uint32 = 0x2004
	regFaultBankStride uint32 = 0x20

	// RegFaultVIDMask covers the VID index bits inside the fault bank, so a
	// trapped offset can be matched independently of which VID faulted.
	RegFaultVIDMask uint32 = 0x0e0
)

// RegFaultPALow returns the fault physical-address low word register for vid.
func RegFaultPALow(vid int) uint32 { return regFaultBankBase + uint32(vid)*regFaultBankStride }

// RegFaultPAHigh returns the fault physical-address high word register for vid.
func RegFaultPAHigh(vid int) uint32 { return RegFaultPALow(vid) + 0x4 }

// RegFaultInfo returns the fault information register for vid.
func RegFaultInfo(vid int) uint32 { return RegFaultPALow(vid) + 0x8 }

// L1ENTRY bank: per (VID, giga-block) L2 table address and attribute
// registers, 8 bytes per giga-block, 0x200 bytes per VID.
const (
	regL1EntryBase      uint32 = 0x4000
	regL1EntryVIDStride uint32 = 0x200
)

// RegL1EntryL2TableAddr returns the L2 table address register for (vid, gb).
func RegL1EntryL2TableAddr(vid, gb int) uint32 {
	return regL1EntryBase + uint32(vid)*regL1EntryVIDStride + uint32(gb)*8
}

// RegL1EntryAttr returns the L1 attribute register for (vid, gb).
func RegL1EntryAttr(vid, gb int) uint32 {
	return RegL1EntryL2TableAddr(vid, gb) + 0x4
}

// regL1EntryEnd is the first offset past the whole L1ENTRY bank.
const regL1EntryEnd = regL1EntryBase + NumVIDs*regL1EntryVIDStride

// v1/v2 MPTC introspection block.
const (
	RegReadMPTC          uint32 = 0x3000
	RegReadMPTCTagPPN    uint32 = 0x3004
	RegReadMPTCTagOthers uint32 = 0x3008
	RegReadMPTCData      uint32 = 0x300c
)

// v9-only register block. v9 retires the monolithic CTRL0 enable in favour of
// per-VID set registers and adds TLB/MPTC/PTLB dump windows.
const (
	RegV9CtrlErrRespTPerVIDSet uint32 = 0x140
	RegV9CtrlProtEnPerVIDSet   uint32 = 0x144
	RegV9CfgMPTWAttribute      uint32 = 0x148

	RegV9ReadSTLB          uint32 = 0x5000
	RegV9ReadSTLBTPN       uint32 = 0x5004
	RegV9ReadSTLBTagPPN    uint32 = 0x5008
	RegV9ReadSTLBTagOthers uint32 = 0x500c
	RegV9ReadSTLBData      uint32 = 0x5010

	RegV9MPTCInfo          uint32 = 0x5100
	RegV9ReadMPTC          uint32 = 0x5104
	RegV9ReadMPTCTagPPN    uint32 = 0x5108
	RegV9ReadMPTCTagOthers uint32 = 0x510c
	RegV9ReadMPTCData      uint32 = 0x5110

	RegV9PMMUInfo                uint32 = 0x5200
	RegV9ReadPTLB                uint32 = 0x5204
	RegV9ReadPTLBTag             uint32 = 0x5208
	RegV9ReadPTLBDataS1EnPPNAP   uint32 = 0x520c
	RegV9ReadPTLBDataS1DisAPList uint32 = 0x5210
	RegV9PMMUIndicator           uint32 = 0x5214
	RegV9SwalkerInfo             uint32 = 0x5218

	regV9PMMUPTLBInfoBase uint32 = 0x5400
	regV9STLBInfoBase     uint32 = 0x5800

	V9MaxPTLBNum = 16
	V9MaxSTLBNum = 16
)

// RegV9PMMUPTLBInfo returns the PMMU PTLB info register for index n.
func RegV9PMMUPTLBInfo(n int) uint32 { return regV9PMMUPTLBInfoBase + uint32(n)*4 }

// RegV9STLBInfo returns the STLB info register for index n.
func RegV9STLBInfo(n int) uint32 { return regV9STLBInfoBase + uint32(n)*4 }

// SysMMU_SYNC registers (child synchronization units).
const (
	RegSyncCmd  uint32 = 0x8
	RegSyncComp uint32 = 0xc

	SyncCmdSync      uint32 = 1 << 0
	SyncCompComplete uint32 = 1 << 0
)

// CTRL0 bits (v1/v2).
const (
	Ctrl0Enable          uint32 = 1 << 0
	Ctrl0InterruptEnable uint32 = 1 << 1
	Ctrl0FaultRespSlverr uint32 = 0x0
	Ctrl0FaultRespDecerr uint32 = 1 << 2

	Ctrl0Mask   uint32 = Ctrl0Enable | Ctrl0InterruptEnable | Ctrl0FaultRespDecerr
	V9Ctrl0Mask uint32 = 0x3

	Ctrl1Mask uint32 = 0x3
	CfgMask   uint32 = 0xf
)

// STATUS bits.
const (
	StatusBusy           uint32 = 1 << 0
	StatusOnInvalidating uint32 = 1 << 1
)

// Invalidation command/geometry.
const (
	InvalidationInvalidate    uint32 = 1 << 0
	RangeInvalidationPPNShift        = PageShift
)

// INFO/NUM_CONTEXT field masks.
const (
	InfoNumSetMask uint32 = 0xffff
	NumContextMask uint32 = 0xff
)

// MPTC/STLB/PTLB dump sub-field masks. Write-only trigger registers carry a
// (set, way) selector; the corresponding read-only registers expose the tag
// and data fields.
const (
	ReadMPTCMask          uint32 = 0x00ff00ff // set[7:0], way[23:16]
	ReadMPTCTagPPNMask    uint32 = 0x00ffffff
	ReadMPTCTagOthersMask uint32 = 0x0000ffff

	V9ReadSTLBMaskTypeA      uint32 = 0x000000ff
	V9ReadSTLBMaskTypeB      uint32 = 0x00ff0000
	V9ReadSTLBTPNMask        uint32 = 0x00ffffff
	V9ReadSTLBTagPPNMask     uint32 = 0x00ffffff
	V9ReadSTLBTagOthersMask  uint32 = 0x0000ffff
	V9ReadMPTCInfoMask       uint32 = 0x00ffffff
	V9ReadMPTCMask           uint32 = 0x00ff00ff
	V9ReadMPTCTagPPNMask     uint32 = 0x00ffffff
	V9ReadMPTCTagOthersMask  uint32 = 0x0000ffff
	V9ReadPMMUInfoMask       uint32 = 0x0000ffff
	V9ReadPTLBMask           uint32 = 0x00ff00ff
	V9ReadPTLBTagMask        uint32 = 0x00ffffff
	V9ReadPTLBDataS1EnMask   uint32 = 0x0fffffff
	V9ReadPMMUIndicatorMask  uint32 = 0x000000ff
	V9SwalkerInfoMask        uint32 = 0x00ffffff
	V9ReadPMMUPTLBInfoMask   uint32 = 0x00ffffff
	V9ReadSTLBInfoMask       uint32 = 0x00ffffff
)

// L1ENTRY_ATTR encodings. An attribute either resolves the whole giga-block
// with a single protection value or enables the L2 (SMPT) walk.
const (
	l1AttrL2Enable uint32 = 1 << 0

	l1AttrProtShiftV1 = 2 // v1/v2 place PROT at [3:2]
	l1AttrProtShiftV9 = 4 // v9 places PROT at [5:4]

	// L2 table address registers hold the buffer PA shifted right by this.
	l2TableAddrShift = 4
)

// Context configuration register encoding: 4 bits per context slot, VID in
// the low 3 bits, valid flag in bit 3.
const (
	ctxCfgVIDBits  = 4
	ctxCfgValidBit = uint32(0x8)
)

func ctxCfgEntry(ctxid, nrCtx int, vid uint8) uint32 {
	e := uint32(vid) << (ctxCfgVIDBits * ctxid)
	if ctxid < nrCtx {
		e |= ctxCfgValidBit << (ctxCfgVIDBits * ctxid)
	}
	return e
}
