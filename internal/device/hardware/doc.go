// Package hardware drives a PCIe device: CSRs are 32-bit words in an mmapped
// BAR resource file, ring memory is locked anonymous memory, and virtual
// addresses are translated through /proc/self/pagemap.
package hardware

import (
	"errors"
	"time"
)

var (
	ErrUnsupported = errors.New("hardware: unsupported on this platform")
	ErrCSRRange    = errors.New("hardware: csr address out of range")
	ErrNotPresent  = errors.New("hardware: page not present")
)

type Config struct {
	// ResourcePath is the BAR file, e.g. /sys/bus/pci/devices/0000:03:00.0/resource1.
	ResourcePath string
	BARSize      int
	RingDepth    uint32
	// PagemapPath defaults to /proc/self/pagemap.
	PagemapPath string
	// ResetTimeout bounds how long Open waits for the device to clear its
	// ring indices after base programming.
	ResetTimeout time.Duration
}
