package s2mpu

import (
	"fmt"
	"sync"
)

// DeviceID is a stable index into the driver's device arena. Parent/child
// relationships are stored as IDs rather than pointers so the attachment
// graph stays free of aliasing and trivially comparable in tests.
type DeviceID int

// NoDevice marks the absence of a parent.
const NoDevice DeviceID = -1

// DeviceKind distinguishes protection units from their dependent
// synchronization units.
type DeviceKind int

const (
	KindProtector DeviceKind = iota
	KindSyncUnit
)

func (k DeviceKind) String() string {
	switch k {
	case KindProtector:
		return "s2mpu"
	case KindSyncUnit:
		return "sysmmu-sync"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// LifecycleState tracks a device through initialize/suspend/resume.
type LifecycleState int

const (
	StateUninitialized LifecycleState = iota
	StateActive
	StateSuspended
)

func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateSuspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DeviceConfig describes one hardware instance at attachment time.
type DeviceConfig struct {
	Name   string
	Kind   DeviceKind
	Base   uint64
	Size   uint64
	Parent DeviceID // NoDevice for top-level devices
	Regs   RegisterSpace
}

// Device is one hardware instance tracked by the driver.
type Device struct {
	id     DeviceID
	name   string
	kind   DeviceKind
	base   uint64
	size   uint64
	regs   RegisterSpace
	parent DeviceID

	// children holds attached synchronization units in attachment order.
	children []DeviceID

	// mu serializes initialize/suspend/resume and trap emulation for this
	// device; concurrent lifecycle calls would corrupt ownership and
	// version bookkeeping.
	mu sync.Mutex

	state LifecycleState

	// version is sticky: set at most once, on first successful
	// initialization, either from the declared config version or from the
	// hardware VERSION register.
	version uint32
	ops     *opSet

	// ctxCfgValidVID caches the computed VID-to-context mapping; computed
	// lazily once and frozen thereafter.
	ctxCfgValidVID uint32
}

func (dev *Device) ID() DeviceID          { return dev.id }
func (dev *Device) Name() string          { return dev.name }
func (dev *Device) Kind() DeviceKind      { return dev.kind }
func (dev *Device) State() LifecycleState { return dev.state }

// Version returns the device's effective hardware version, or zero before
// first initialization.
func (dev *Device) Version() uint32 { return dev.version }

func (dev *Device) isVersion(v uint32) bool {
	return dev.version&VersionCheckMask == v
}

// device resolves an ID against the arena.
func (d *Driver) device(id DeviceID) (*Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(id) < 0 || int(id) >= len(d.devs) || d.devs[id] == nil {
		return nil, fmt.Errorf("s2mpu: no device %d: %w", id, ErrValidation)
	}
	return d.devs[id], nil
}

// Attach validates and wires a device into the arena, returning its ID.
// Validation failures leave the arena untouched.
func (d *Driver) Attach(cfg DeviceConfig) (DeviceID, error) {
	if cfg.Regs == nil {
		return NoDevice, fmt.Errorf("s2mpu: device %q has no register space: %w", cfg.Name, ErrValidation)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	dev := &Device{
		id:     DeviceID(len(d.devs)),
		name:   cfg.Name,
		kind:   cfg.Kind,
		base:   cfg.Base,
		size:   cfg.Size,
		regs:   cfg.Regs,
		parent: cfg.Parent,
	}

	var parent *Device
	if cfg.Parent != NoDevice {
		if int(cfg.Parent) < 0 || int(cfg.Parent) >= len(d.devs) || d.devs[cfg.Parent] == nil {
			return NoDevice, fmt.Errorf("s2mpu: device %q references unknown parent %d: %w", cfg.Name, cfg.Parent, ErrValidation)
		}
		parent = d.devs[cfg.Parent]
	}

	if err := validateDevice(dev, parent); err != nil {
		return NoDevice, err
	}
	if parent != nil {
		if err := validateChild(parent, dev); err != nil {
			return NoDevice, err
		}
	}

	d.devs = append(d.devs, dev)
	if parent != nil {
		parent.children = append(parent.children, dev.id)
	}

	d.log.WithFields(logFields{
		"device": dev.name,
		"kind":   dev.kind.String(),
		"base":   fmt.Sprintf("0x%x", dev.base),
	}).Debug("device attached")

	return dev.id, nil
}

// Validate re-checks the structural preconditions of an attached device.
func (d *Driver) Validate(id DeviceID) error {
	dev, err := d.device(id)
	if err != nil {
		return err
	}
	var parent *Device
	if dev.parent != NoDevice {
		if parent, err = d.device(dev.parent); err != nil {
			return err
		}
	}
	return validateDevice(dev, parent)
}

// ValidateChild checks whether child may attach under parent.
func (d *Driver) ValidateChild(parentID, childID DeviceID) error {
	parent, err := d.device(parentID)
	if err != nil {
		return err
	}
	child, err := d.device(childID)
	if err != nil {
		return err
	}
	return validateChild(parent, child)
}

// validateDevice checks a device's structural preconditions before it is
// wired into the device tree.
func validateDevice(dev, parent *Device) error {
	switch dev.kind {
	case KindProtector:
		if dev.size != MMIOSize {
			return fmt.Errorf("s2mpu: device %q mmio size 0x%x, want 0x%x: %w",
				dev.name, dev.size, uint64(MMIOSize), ErrValidation)
		}
	case KindSyncUnit:
		if dev.size != SyncMMIOSize {
			return fmt.Errorf("s2mpu: sync unit %q mmio size 0x%x, want 0x%x: %w",
				dev.name, dev.size, uint64(SyncMMIOSize), ErrValidation)
		}
		// A synchronization unit is useless without exactly one
		// protection-unit parent to serve.
		if parent == nil || parent.kind != KindProtector {
			return fmt.Errorf("s2mpu: sync unit %q requires an s2mpu parent: %w", dev.name, ErrValidation)
		}
	default:
		return fmt.Errorf("s2mpu: unknown device kind %d: %w", dev.kind, ErrValidation)
	}
	return nil
}

// validateChild restricts which kinds may attach under which parents: only
// synchronization units may hang off a protection unit.
func validateChild(parent, child *Device) error {
	if parent.kind != KindProtector || child.kind != KindSyncUnit {
		return fmt.Errorf("s2mpu: cannot attach %s under %s: %w",
			child.kind, parent.kind, ErrValidation)
	}
	return nil
}
