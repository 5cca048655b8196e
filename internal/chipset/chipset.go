package chipset

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/legacypc/internal/hv"
)

// Chipset is the frozen port dispatch table produced by Builder.Build.
type Chipset struct {
	devices map[string]Device
	order   []string
	ports   [portCount]*binding
}

// Start activates every registered device that owns background work, in
// registration order.
func (c *Chipset) Start() error {
	for _, name := range c.order {
		dev, ok := c.devices[name].(ChangeDeviceState)
		if !ok {
			continue
		}
		if err := dev.Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates devices in reverse registration order. Every device is
// stopped even when an earlier one fails; the first error is returned.
func (c *Chipset) Stop() error {
	var first error
	for i := len(c.order) - 1; i >= 0; i-- {
		name := c.order[i]
		dev, ok := c.devices[name].(ChangeDeviceState)
		if !ok {
			continue
		}
		if err := dev.Stop(); err != nil && first == nil {
			first = fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return first
}

// Dispatch routes a trapped port access to the handler that claimed
// exit.Port.
func (c *Chipset) Dispatch(exit hv.IOExit, buf []byte) error {
	bind := c.ports[exit.Port]
	if bind == nil {
		return fmt.Errorf("chipset: %s: %w", exit, hv.ErrPortUnclaimed)
	}

	slog.Debug("port access", "device", bind.name, "exit", exit)

	if err := bind.handler.HandleIO(exit, buf); err != nil {
		return fmt.Errorf("chipset: %s: %w", bind.name, err)
	}
	return nil
}

// Claimed reports whether any handler owns port.
func (c *Chipset) Claimed(port uint16) bool {
	return c.ports[port] != nil
}

// Owner returns the name the owner of port was registered under.
func (c *Chipset) Owner(port uint16) (string, bool) {
	bind := c.ports[port]
	if bind == nil {
		return "", false
	}
	return bind.name, true
}

// Device looks up a registered device by name.
func (c *Chipset) Device(name string) (Device, bool) {
	dev, ok := c.devices[name]
	return dev, ok
}

// Devices returns device names in registration order.
func (c *Chipset) Devices() []string {
	return append([]string(nil), c.order...)
}

// Ports collapses the dispatch table into contiguous ranges owned by
// the same handler.
func (c *Chipset) Ports() []ClaimedRange {
	var out []ClaimedRange
	var cur *ClaimedRange
	var curBind *binding
	for port := 0; port < portCount; port++ {
		bind := c.ports[port]
		if bind != nil && bind == curBind && cur != nil && int(cur.End)+1 == port {
			cur.End = uint16(port)
			continue
		}
		curBind = bind
		if bind == nil {
			cur = nil
			continue
		}
		out = append(out, ClaimedRange{
			PortRange: PortRange{Start: uint16(port), End: uint16(port)},
			Owner:     bind.name,
		})
		cur = &out[len(out)-1]
	}
	return out
}

// ClaimedRange is a contiguous run of ports owned by one handler.
type ClaimedRange struct {
	PortRange
	Owner string
}
