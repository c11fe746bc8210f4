package s2mpu

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDriverError(t *testing.T) {
	tests := []struct {
		name     string
		code     uint32
		expected string
	}{
		{
			name:     "S2MPU_OK",
			code:     S2MPU_OK,
			expected: "s2mpu: success",
		},
		{
			name:     "S2MPU_INVALID_CONFIG",
			code:     S2MPU_INVALID_CONFIG,
			expected: "s2mpu: invalid configuration (S2MPU_INVALID_CONFIG) - check blob size and giga-block layout",
		},
		{
			name:     "S2MPU_UNSUPPORTED_VERSION",
			code:     S2MPU_UNSUPPORTED_VERSION,
			expected: "s2mpu: unsupported version (S2MPU_UNSUPPORTED_VERSION) - only v1, v2 and v9 register layouts are known",
		},
		{
			name:     "S2MPU_ALIGNMENT",
			code:     S2MPU_ALIGNMENT,
			expected: "s2mpu: misaligned buffer (S2MPU_ALIGNMENT) - SMPT buffers must be aligned to their own size",
		},
		{
			name:     "S2MPU_OWNERSHIP_TRANSFER",
			code:     S2MPU_OWNERSHIP_TRANSFER,
			expected: "s2mpu: ownership transfer failed (S2MPU_OWNERSHIP_TRANSFER) - donation rejected, transferred buffers were returned",
		},
		{
			name:     "S2MPU_VALIDATION",
			code:     S2MPU_VALIDATION,
			expected: "s2mpu: validation failed (S2MPU_VALIDATION) - device or parent/child precondition unmet",
		},
		{
			name:     "S2MPU_SYNC_TIMEOUT",
			code:     S2MPU_SYNC_TIMEOUT,
			expected: "s2mpu: sync timeout (S2MPU_SYNC_TIMEOUT) - invalidation retry budget exhausted, hardware may still be invalidating",
		},
		{
			name:     "S2MPU_NOT_READY",
			code:     S2MPU_NOT_READY,
			expected: "s2mpu: not ready (S2MPU_NOT_READY) - no live protection table, call Initialize first",
		},
		{
			name:     "S2MPU_BAD_STATE",
			code:     S2MPU_BAD_STATE,
			expected: "s2mpu: bad state (S2MPU_BAD_STATE) - operation not permitted in the device's lifecycle state",
		},
		{
			name:     "Unknown error code",
			code:     0x12345678,
			expected: "s2mpu: unknown error code 0x12345678",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &DriverError{Code: tt.code}
			got := err.Error()
			if got != tt.expected {
				t.Errorf("DriverError{Code: 0x%08x}.Error() = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestDriverErrorSanitized(t *testing.T) {
	t.Setenv("S2MPU_ENV", "production")

	err := &DriverError{Code: S2MPU_ALIGNMENT}
	got := err.Error()
	if got != "s2mpu: misaligned buffer" {
		t.Errorf("sanitized Error() = %q", got)
	}
	if strings.Contains(got, "S2MPU_ALIGNMENT") {
		t.Errorf("sanitized error leaks code name: %q", got)
	}
}

func TestDriverErrorCustomMessage(t *testing.T) {
	if got := ErrDeviceClosed.Error(); got != "s2mpu: device is detached" {
		t.Errorf("ErrDeviceClosed.Error() = %q", got)
	}
}

func TestDriverErrorIs(t *testing.T) {
	wrapped := fmt.Errorf("s2mpu: giga-block 3 buffer 0x1234 not aligned to 0x10000: %w", ErrAlignment)

	if !errors.Is(wrapped, ErrAlignment) {
		t.Error("wrapped alignment error does not match ErrAlignment")
	}
	if errors.Is(wrapped, ErrInvalidConfig) {
		t.Error("alignment error unexpectedly matches ErrInvalidConfig")
	}
	// ErrDeviceClosed shares the bad-state code.
	if !errors.Is(ErrDeviceClosed, ErrBadState) {
		t.Error("ErrDeviceClosed does not match ErrBadState")
	}
}
