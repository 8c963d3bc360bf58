//go:build !linux

package fsutil

import "errors"

// AvailableMemoryMB is only implemented on Linux.
func AvailableMemoryMB() (int64, error) {
	return 0, errors.New("available memory unknown on this platform")
}
