//go:build !linux

package hardware

import (
	"github.com/danmuck/openrdma/internal/device"
)

// Open is only available on Linux.
func Open(cfg Config) (device.Adaptor, error) {
	return nil, ErrUnsupported
}
