package chipset

import (
	"github.com/tinyrange/legacypc/internal/hv"
)

// PortIOHandler handles trapped accesses to the ports it claimed. The
// handler reads or writes exit.Data(buf) in place.
type PortIOHandler interface {
	HandleIO(exit hv.IOExit, buf []byte) error
}

// PortIOHandlerFunc adapts a function to PortIOHandler.
type PortIOHandlerFunc func(exit hv.IOExit, buf []byte) error

// HandleIO implements PortIOHandler.
func (f PortIOHandlerFunc) HandleIO(exit hv.IOExit, buf []byte) error {
	return f(exit, buf)
}

// PortRange is an inclusive range of I/O ports.
type PortRange struct {
	Start uint16
	End   uint16
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

// ChangeDeviceState exposes lifecycle hooks for devices that own background
// goroutines.
type ChangeDeviceState interface {
	Start() error
	Stop() error
}

// Device is a port I/O device that describes its own port ranges.
type Device interface {
	PortIOHandler

	// Init runs exactly once, when the device is registered.
	Init() error
	PortRanges() []PortRange
}
