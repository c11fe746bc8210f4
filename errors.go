package s2mpu

import (
	"fmt"
	"os"
	"strconv"
)

// Driver error codes. The hosting framework sees these on every failing
// hypercall; the values are stable so they can be forwarded to the host
// unchanged.
const (
	S2MPU_OK                  uint32 = 0x00000000
	S2MPU_INVALID_CONFIG      uint32 = 0xE52D0001
	S2MPU_UNSUPPORTED_VERSION uint32 = 0xE52D0002
	S2MPU_ALIGNMENT           uint32 = 0xE52D0003
	S2MPU_OWNERSHIP_TRANSFER  uint32 = 0xE52D0004
	S2MPU_VALIDATION          uint32 = 0xE52D0005
	S2MPU_SYNC_TIMEOUT        uint32 = 0xE52D0006
	S2MPU_NOT_READY           uint32 = 0xE52D0007
	S2MPU_BAD_STATE           uint32 = 0xE52D0008
)

// DriverError wraps a driver error code.
// Code stores the raw 32-bit value (0xE52D00xx).
type DriverError struct {
	Code    uint32
	message string // Optional custom message for specific errors
}

func (e *DriverError) Error() string {
	// Use custom message if available
	if e.message != "" {
		return e.message
	}

	// Security: Check if we should sanitize error messages
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is reports whether target carries the same driver error code, so wrapped
// errors still match the sentinel values below via errors.Is.
func (e *DriverError) Is(target error) bool {
	t, ok := target.(*DriverError)
	return ok && t.Code == e.Code
}

// detailedError provides full error context for development
func (e *DriverError) detailedError() string {
	switch e.Code {
	case S2MPU_OK:
		return "s2mpu: success"
	case S2MPU_INVALID_CONFIG:
		return "s2mpu: invalid configuration (S2MPU_INVALID_CONFIG) - check blob size and giga-block layout"
	case S2MPU_UNSUPPORTED_VERSION:
		return "s2mpu: unsupported version (S2MPU_UNSUPPORTED_VERSION) - only v1, v2 and v9 register layouts are known"
	case S2MPU_ALIGNMENT:
		return "s2mpu: misaligned buffer (S2MPU_ALIGNMENT) - SMPT buffers must be aligned to their own size"
	case S2MPU_OWNERSHIP_TRANSFER:
		return "s2mpu: ownership transfer failed (S2MPU_OWNERSHIP_TRANSFER) - donation rejected, transferred buffers were returned"
	case S2MPU_VALIDATION:
		return "s2mpu: validation failed (S2MPU_VALIDATION) - device or parent/child precondition unmet"
	case S2MPU_SYNC_TIMEOUT:
		return "s2mpu: sync timeout (S2MPU_SYNC_TIMEOUT) - invalidation retry budget exhausted, hardware may still be invalidating"
	case S2MPU_NOT_READY:
		return "s2mpu: not ready (S2MPU_NOT_READY) - no live protection table, call Initialize first"
	case S2MPU_BAD_STATE:
		return "s2mpu: bad state (S2MPU_BAD_STATE) - operation not permitted in the device's lifecycle state"
	default:
		return fmt.Sprintf("s2mpu: unknown error code 0x%08x", e.Code)
	}
}

// sanitizedError provides minimal error information for production
func (e *DriverError) sanitizedError() string {
	switch e.Code {
	case S2MPU_OK:
		return "s2mpu: success"
	case S2MPU_INVALID_CONFIG:
		return "s2mpu: invalid configuration"
	case S2MPU_UNSUPPORTED_VERSION:
		return "s2mpu: unsupported version"
	case S2MPU_ALIGNMENT:
		return "s2mpu: misaligned buffer"
	case S2MPU_OWNERSHIP_TRANSFER:
		return "s2mpu: ownership transfer failed"
	case S2MPU_VALIDATION:
		return "s2mpu: validation failed"
	case S2MPU_SYNC_TIMEOUT:
		return "s2mpu: sync timeout"
	case S2MPU_NOT_READY:
		return "s2mpu: not ready"
	case S2MPU_BAD_STATE:
		return "s2mpu: bad state"
	default:
		return "s2mpu: driver error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("S2MPU_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("S2MPU_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Common specific errors for API consumers
var (
	ErrInvalidConfig      = &DriverError{Code: S2MPU_INVALID_CONFIG}
	ErrUnsupportedVersion = &DriverError{Code: S2MPU_UNSUPPORTED_VERSION}
	ErrAlignment          = &DriverError{Code: S2MPU_ALIGNMENT}
	ErrOwnershipTransfer  = &DriverError{Code: S2MPU_OWNERSHIP_TRANSFER}
	ErrValidation         = &DriverError{Code: S2MPU_VALIDATION}
	ErrSyncTimeout        = &DriverError{Code: S2MPU_SYNC_TIMEOUT}
	ErrNotReady           = &DriverError{Code: S2MPU_NOT_READY}
	ErrBadState           = &DriverError{Code: S2MPU_BAD_STATE}

	ErrDeviceClosed = &DriverError{Code: S2MPU_BAD_STATE, message: "s2mpu: device is detached"}
)
