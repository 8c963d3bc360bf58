package fsutil

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrInsufficientMemory is returned by CheckMemory when a stack would not
// fit comfortably in RAM.
var ErrInsufficientMemory = errors.New("insufficient memory")

var availableMemory = AvailableMemoryMB

// StackWorkingSetMB estimates the memory needed to hold a stack of frames
// as uint16 samples plus the complex spectra used while registering it.
func StackWorkingSetMB(frames, width, height int) int64 {
	px := int64(width) * int64(height)
	samples := int64(frames) * px * 2
	spectra := px * 16 * 3 // reference, target, cross-power
	return (samples+spectra)/(1024*1024) + 1
}

// CheckMemory fails when needMB exceeds half of the available RAM. An
// unknown amount of available memory is not an error.
func CheckMemory(needMB int64, logger *slog.Logger) error {
	available, err := availableMemory()
	if err != nil {
		if logger != nil {
			logger.Debug("failed to get system memory info", "error", err)
		}
		return nil
	}
	if logger != nil {
		logger.Debug("memory check", "available_ram_mb", available, "required_mb", needMB)
	}
	if needMB > available/2 {
		return fmt.Errorf("%w: need about %d MB, %d MB available", ErrInsufficientMemory, needMB, available)
	}
	return nil
}
