// Package s2mpu implements a stage-2 memory protection unit (S2MPU) driver
// for a trusted hypervisor layer, enforcing DMA isolation between an
// untrusted host kernel and physical devices.
//
// The driver maintains a logical protection table (MPT) mapping physical
// address ranges to protection bits, partitioned into per-gigabyte blocks
// each backed by an exclusively-owned SMPT buffer, and programs it into
// hardware through a version operation table covering the v1, v2 and v9
// register layouts.
//
// # Basic Usage
//
// Build a driver around the hosting framework's donation primitives and
// attach the hardware:
//
//	drv := s2mpu.NewDriver(lender)
//
//	id, err := drv.Attach(s2mpu.DeviceConfig{
//		Name: "s2mpu@1a000000",
//		Kind: s2mpu.KindProtector,
//		Base: 0x1a000000,
//		Size: s2mpu.MMIOSize,
//		Regs: regs,
//	})
//	if err != nil {
//		log.Fatal("Failed to attach device:", err)
//	}
//
// Adopt the host's SMPT buffers and enable protection:
//
//	cfg := &s2mpu.InitConfig{Version: s2mpu.Version2}
//	// ... fill cfg.Blocks with one aligned buffer per giga-block ...
//	if err := drv.Initialize(id, cfg.Encode()); err != nil {
//		log.Fatal("Failed to initialize:", err)
//	}
//
// Host address-space updates flow through the three-phase staging API so
// many table updates can be batched before paying the invalidation cost:
//
//	drv.HostStage2IDMapPrepare(start, end, s2mpu.ProtR)
//	drv.HostStage2IDMapApply(id, start, end)
//	drv.HostStage2IDMapComplete(id)
//
// Trapped host accesses to the protected register window are emulated
// through the access-mask filter:
//
//	val, handled := drv.HostMMIOTrap(id, off, isWrite, length, reg)
//
// # Error Handling
//
// All errors implement the standard Go error interface. Driver-specific
// failures are wrapped in DriverError values carrying stable error codes;
// match them with errors.Is against the Err* sentinels.
//
// # Concurrency
//
// The driver is built for synchronous invocation on behalf of one hypercall
// or trapped instruction at a time. Callers targeting different devices may
// run concurrently; per-device state is serialized internally, and the live
// protection table has a single in-flight invalidation slot.
//
// # Platform Support
//
// The register access path is an interface; software register spaces work
// everywhere. Raw /dev/mem windows are Linux only.
package s2mpu
