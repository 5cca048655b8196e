package chipset

import (
	"fmt"

	"github.com/tinyrange/legacypc/internal/hv"
)

const portCount = 1 << 16

type binding struct {
	name    string
	handler PortIOHandler
}

// Builder claims I/O ports for handlers before the dispatch table is frozen
// into a Chipset.
type Builder struct {
	devices map[string]Device
	order   []string
	ports   [portCount]*binding
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		devices: make(map[string]Device),
	}
}

// Register runs init (when non-nil) and then claims every port in
// [start, end] for handler. If any port of the range is already claimed the
// call fails with hv.ErrPortClaimed and no port of the range is claimed.
func (b *Builder) Register(init func() error, handler PortIOHandler, start, end uint16) error {
	return b.register(fmt.Sprintf("%T", handler), init, handler, PortRange{Start: start, End: end})
}

// RegisterDevice initialises dev and claims all of its port ranges under name.
func (b *Builder) RegisterDevice(name string, dev Device) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	ranges := dev.PortRanges()
	if len(ranges) == 0 {
		return fmt.Errorf("device %q claims no ports", name)
	}
	if err := b.checkFree(name, ranges...); err != nil {
		return err
	}
	if err := dev.Init(); err != nil {
		return fmt.Errorf("device %q: init: %w", name, err)
	}
	for _, rng := range ranges {
		b.claim(name, dev, rng)
	}

	b.devices[name] = dev
	b.order = append(b.order, name)
	return nil
}

func (b *Builder) register(name string, init func() error, handler PortIOHandler, rng PortRange) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if handler == nil {
		return fmt.Errorf("PIO handler for ports 0x%x-0x%x is nil", rng.Start, rng.End)
	}
	if init != nil {
		if err := init(); err != nil {
			return fmt.Errorf("%s: init: %w", name, err)
		}
	}
	if err := b.checkFree(name, rng); err != nil {
		return err
	}
	b.claim(name, handler, rng)
	return nil
}

func (b *Builder) checkFree(name string, ranges ...PortRange) error {
	for _, rng := range ranges {
		if rng.End < rng.Start {
			return fmt.Errorf("%s: invalid port range 0x%x-0x%x", name, rng.Start, rng.End)
		}
		for port := uint32(rng.Start); port <= uint32(rng.End); port++ {
			if existing := b.ports[port]; existing != nil {
				return fmt.Errorf("%s: port 0x%04x owned by %s: %w", name, port, existing.name, hv.ErrPortClaimed)
			}
		}
	}
	// Overlap between the ranges of a single device.
	for i, a := range ranges {
		for _, c := range ranges[i+1:] {
			if a.Start <= c.End && c.Start <= a.End {
				return fmt.Errorf("%s: ranges 0x%x-0x%x and 0x%x-0x%x overlap: %w",
					name, a.Start, a.End, c.Start, c.End, hv.ErrPortClaimed)
			}
		}
	}
	return nil
}

func (b *Builder) claim(name string, handler PortIOHandler, rng PortRange) {
	bind := &binding{name: name, handler: handler}
	for port := uint32(rng.Start); port <= uint32(rng.End); port++ {
		b.ports[port] = bind
	}
}

// Build freezes the dispatch table.
func (b *Builder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	c := &Chipset{
		devices: make(map[string]Device, len(b.devices)),
		order:   append([]string(nil), b.order...),
		ports:   b.ports,
	}
	for name, dev := range b.devices {
		c.devices[name] = dev
	}
	return c, nil
}
