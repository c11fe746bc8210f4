package s2mpu

// Access-mask computation for trapped host MMIO. A mask is the set of bits
// the untrusted host may read (on a read) or write (on a write) at a given
// register offset; zero means no access. Masks are pure functions of
// (offset, direction) and the selected hardware version.

const (
	maskNoAccess  uint32 = 0
	maskReadWrite uint32 = ^uint32(0)
)

func directionMasks(isWrite bool) (readOnly, writeOnly uint32) {
	if isWrite {
		return maskNoAccess, maskReadWrite
	}
	return maskReadWrite, maskNoAccess
}

// hostAccessMaskCommon covers the registers every version exposes to the
// host: read-only debugging state and the interrupt handling the EL1 IRQ
// handler needs.
func hostAccessMaskCommon(off uint32, isWrite bool) uint32 {
	readOnly, writeOnly := directionMasks(isWrite)

	switch off {
	case RegCfg:
		return readOnly & CfgMask
	// Allow EL1 IRQ handler to clear interrupts.
	case RegInterruptClear:
		return writeOnly & AllVIDsBitmap
	// Allow reading number of sets used by MPTC.
	case RegInfo:
		return readOnly & InfoNumSetMask
	// Allow EL1 IRQ handler to read bitmap of pending interrupts.
	case RegFaultStatus:
		return readOnly & AllVIDsBitmap
	}

	// Allow reading L1ENTRY registers for debugging.
	if off >= RegL1EntryL2TableAddr(0, 0) && off < regL1EntryEnd {
		return readOnly
	}

	// Allow EL1 IRQ handler to read fault information for any VID.
	maskedOff := off &^ RegFaultVIDMask
	if maskedOff == RegFaultPALow(0) || maskedOff == RegFaultPAHigh(0) || maskedOff == RegFaultInfo(0) {
		return readOnly
	}

	return maskNoAccess
}

// hostAccessMaskV1V2 extends the common allow-list with the v1/v2 MPTC dump
// registers: write (set, way) to READ_MPTC, then read READ_MPTC_*.
func hostAccessMaskV1V2(off uint32, isWrite bool) uint32 {
	readOnly, writeOnly := directionMasks(isWrite)

	switch off {
	// Allow reading control registers for debugging.
	case RegCtrl0:
		return readOnly & Ctrl0Mask
	case RegCtrl1:
		return readOnly & Ctrl1Mask
	case RegReadMPTC:
		return writeOnly & ReadMPTCMask
	case RegReadMPTCTagPPN:
		return readOnly & ReadMPTCTagPPNMask
	case RegReadMPTCTagOthers:
		return readOnly & ReadMPTCTagOthersMask
	case RegReadMPTCData:
		return readOnly
	}
	return maskNoAccess
}

// hostAccessMaskV9 extends the common allow-list with the v9 per-VID control
// reads and the STLB/MPTC/PTLB dump windows.
func hostAccessMaskV9(off uint32, isWrite bool) uint32 {
	readOnly, writeOnly := directionMasks(isWrite)

	switch off {
	// Allow reading control registers for debugging.
	case RegCtrl0:
		return readOnly & V9Ctrl0Mask
	case RegV9CtrlErrRespTPerVIDSet:
		return readOnly & AllVIDsBitmap
	case RegV9CtrlProtEnPerVIDSet:
		return readOnly & AllVIDsBitmap
	case RegV9ReadSTLB:
		return writeOnly & (V9ReadSTLBMaskTypeA | V9ReadSTLBMaskTypeB)
	case RegV9ReadSTLBTPN:
		return readOnly & V9ReadSTLBTPNMask
	case RegV9ReadSTLBTagPPN:
		return readOnly & V9ReadSTLBTagPPNMask
	case RegV9ReadSTLBTagOthers:
		return readOnly & V9ReadSTLBTagOthersMask
	case RegV9ReadSTLBData:
		return readOnly
	case RegV9MPTCInfo:
		return readOnly & V9ReadMPTCInfoMask
	case RegV9ReadMPTC:
		return writeOnly & V9ReadMPTCMask
	case RegV9ReadMPTCTagPPN:
		return readOnly & V9ReadMPTCTagPPNMask
	case RegV9ReadMPTCTagOthers:
		return readOnly & V9ReadMPTCTagOthersMask
	case RegV9ReadMPTCData:
		return readOnly
	case RegV9PMMUInfo:
		return readOnly & V9ReadPMMUInfoMask
	case RegV9ReadPTLB:
		return writeOnly & V9ReadPTLBMask
	case RegV9ReadPTLBTag:
		return readOnly & V9ReadPTLBTagMask
	case RegV9ReadPTLBDataS1EnPPNAP:
		return readOnly & V9ReadPTLBDataS1EnMask
	case RegV9ReadPTLBDataS1DisAPList:
		return readOnly
	case RegV9PMMUIndicator:
		return readOnly & V9ReadPMMUIndicatorMask
	case RegV9SwalkerInfo:
		return readOnly & V9SwalkerInfoMask
	}

	if off >= RegV9PMMUPTLBInfo(0) && off < RegV9PMMUPTLBInfo(V9MaxPTLBNum) {
		return readOnly & V9ReadPMMUPTLBInfoMask
	}
	if off >= RegV9STLBInfo(0) && off < RegV9STLBInfo(V9MaxSTLBNum) {
		return readOnly & V9ReadSTLBInfoMask
	}

	return maskNoAccess
}

// HostAccessMask returns the access mask the host would be granted for a
// register offset under the given hardware version, independent of any
// attached device. Intended for tooling and audits.
func HostAccessMask(version uint32, off uint32, isWrite bool) (uint32, error) {
	ops, err := selectVersion(version)
	if err != nil {
		return 0, err
	}
	if mask := hostAccessMaskCommon(off, isWrite); mask != 0 {
		return mask, nil
	}
	return ops.reg.accessMask(off, isWrite), nil
}

// hostAccessMask resolves the final mask for a trapped access: the common
// allow-list first, then the version-specific table.
func hostAccessMask(dev *Device, off uint32, isWrite bool) uint32 {
	if mask := hostAccessMaskCommon(off, isWrite); mask != 0 {
		return mask
	}
	if dev.ops == nil {
		return maskNoAccess
	}
	return dev.ops.reg.accessMask(off, isWrite)
}

// HostMMIOTrap emulates a trapped host access to a protected register
// window. Only naturally aligned 32-bit accesses are considered; anything
// else, and any offset outside the allow-list, reports handled == false so
// the dispatcher can inject a fault. For handled reads the masked register
// value is returned; handled writes are masked before reaching hardware.
func (d *Driver) HostMMIOTrap(id DeviceID, off uint64, isWrite bool, length int, value uint64) (uint64, bool) {
	dev, err := d.device(id)
	if err != nil {
		return 0, false
	}

	// Only handle MMIO access with u32 size and alignment.
	if length != 4 || off&3 != 0 || off > uint64(^uint32(0)) {
		recordTrapDenied()
		return 0, false
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	mask := hostAccessMask(dev, uint32(off), isWrite)
	if mask == 0 {
		recordTrapDenied()
		return 0, false
	}

	recordTrapHandled()
	if isWrite {
		dev.regs.Write32(uint32(off), uint32(value)&mask)
		return 0, true
	}
	return uint64(dev.regs.Read32(uint32(off)) & mask), true
}
