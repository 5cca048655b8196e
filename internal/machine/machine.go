// Package machine assembles the legacy PC device layer onto a single port
// dispatcher.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/config"
	"github.com/tinyrange/legacypc/internal/devices/amd64/ata"
	amd64chipset "github.com/tinyrange/legacypc/internal/devices/amd64/chipset"
	"github.com/tinyrange/legacypc/internal/devices/amd64/input"
	"github.com/tinyrange/legacypc/internal/devices/amd64/pci"
	"github.com/tinyrange/legacypc/internal/hv"
)

// Legacy IRQ assignments.
const (
	IRQTimer      = 0
	IRQKeyboard   = 1
	IRQPrimaryATA = 14
)

// Device names used for registration and in error messages.
const (
	DeviceDMA          = "dma"
	DevicePIC          = "pic"
	DevicePIT          = "pit"
	DeviceI8042        = "i8042"
	DeviceCMOS         = "cmos"
	DeviceATAPrimary   = "ata0"
	DeviceATASecondary = "ata1"
	DevicePCI          = "pci"
)

// Machine owns every device of the legacy PC layer.
type Machine struct {
	cfg     config.Config
	chipset *chipset.Chipset
	lines   *chipset.LineSet

	pic  *amd64chipset.DualPIC
	pit  *amd64chipset.PIT
	cmos *amd64chipset.CMOS
	dma  *amd64chipset.DMA
	kbd  *input.I8042
	pci  *pci.HostBridge
	ata  *ata.Controller

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	fs         afero.Fs
	picOptions []amd64chipset.PICOption
	pitOptions []amd64chipset.PITOption
	cmosOpts   []amd64chipset.CMOSOption
	ataOptions []ata.Option
}

// Option customises machine construction.
type Option func(*options)

// WithFs resolves image paths against fs instead of the host file system.
func WithFs(fs afero.Fs) Option {
	return func(o *options) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithPICOptions appends options for the interrupt controller.
func WithPICOptions(opts ...amd64chipset.PICOption) Option {
	return func(o *options) { o.picOptions = append(o.picOptions, opts...) }
}

// WithPITOptions appends options for the interval timer.
func WithPITOptions(opts ...amd64chipset.PITOption) Option {
	return func(o *options) { o.pitOptions = append(o.pitOptions, opts...) }
}

// WithCMOSOptions appends options for the RTC.
func WithCMOSOptions(opts ...amd64chipset.CMOSOption) Option {
	return func(o *options) { o.cmosOpts = append(o.cmosOpts, opts...) }
}

// WithATAOptions appends options for the primary ATA channel.
func WithATAOptions(opts ...ata.Option) Option {
	return func(o *options) { o.ataOptions = append(o.ataOptions, opts...) }
}

// New builds and registers every device described by cfg. host receives
// interrupt vectors once Start runs; it may be nil when the caller pulls
// vectors with PIC().Acknowledge.
func New(cfg config.Config, host hv.InterruptInjector, opts ...Option) (*Machine, error) {
	o := options{fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Machine{cfg: cfg}

	m.pic = amd64chipset.NewDualPIC(host, append([]amd64chipset.PICOption{
		amd64chipset.WithPICClockHz(cfg.PICClockHz),
	}, o.picOptions...)...)
	m.lines = chipset.NewLineSet(m.pic)

	m.pit = amd64chipset.NewPIT(m.lines.AllocateLine(IRQTimer), append([]amd64chipset.PITOption{
		amd64chipset.WithPITTick(cfg.PITTick),
	}, o.pitOptions...)...)
	m.cmos = amd64chipset.NewCMOS(append([]amd64chipset.CMOSOption{
		amd64chipset.WithCMOSMemory(cfg.MemoryBytes()),
	}, o.cmosOpts...)...)
	m.dma = amd64chipset.NewDMA()
	m.kbd = input.NewI8042(m.lines.AllocateLine(IRQKeyboard))
	m.pci = pci.NewHostBridge()

	controller, err := ata.NewController(cfg.CDROM, cfg.Disk, m.lines.AllocateLine(IRQPrimaryATA),
		append([]ata.Option{ata.WithFs(o.fs)}, o.ataOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	m.ata = controller

	b := chipset.NewBuilder()
	for _, dev := range []struct {
		name string
		dev  chipset.Device
	}{
		{DeviceDMA, m.dma},
		{DevicePIC, m.pic},
		{DevicePIT, m.pit},
		{DeviceI8042, m.kbd},
		{DeviceCMOS, m.cmos},
		{DeviceATAPrimary, m.ata},
		{DeviceATASecondary, ata.NewSecondaryChannel()},
		{DevicePCI, m.pci},
	} {
		if err := b.RegisterDevice(dev.name, dev.dev); err != nil {
			m.ata.Close()
			return nil, fmt.Errorf("machine: register %s: %w", dev.name, err)
		}
	}

	m.chipset, err = b.Build()
	if err != nil {
		m.ata.Close()
		return nil, fmt.Errorf("machine: %w", err)
	}

	slog.Debug("machine: assembled",
		"cdrom", cfg.CDROM,
		"disk", cfg.Disk,
		"memory_mb", cfg.MemoryMB,
		"devices", m.chipset.Devices())
	return m, nil
}

// HandleIO dispatches one trapped port access.
func (m *Machine) HandleIO(exit hv.IOExit, buf []byte) error {
	return m.chipset.Dispatch(exit, buf)
}

// Start launches the PIC and PIT clocks.
func (m *Machine) Start() error {
	if err := m.chipset.Start(); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	return nil
}

// Close stops the clocks, drains the ATA work queue and releases the
// backing images. It is safe to call more than once.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = errors.Join(m.chipset.Stop(), m.ata.Close())
		if m.closeErr != nil {
			m.closeErr = fmt.Errorf("machine: close: %w", m.closeErr)
		}
	})
	return m.closeErr
}

func (m *Machine) Config() config.Config { return m.cfg }
func (m *Machine) Chipset() *chipset.Chipset { return m.chipset }
func (m *Machine) Lines() *chipset.LineSet { return m.lines }
func (m *Machine) PIC() *amd64chipset.DualPIC { return m.pic }
func (m *Machine) PIT() *amd64chipset.PIT { return m.pit }
func (m *Machine) CMOS() *amd64chipset.CMOS { return m.cmos }
func (m *Machine) DMA() *amd64chipset.DMA { return m.dma }
func (m *Machine) Keyboard() *input.I8042 { return m.kbd }
func (m *Machine) PCI() *pci.HostBridge { return m.pci }
func (m *Machine) ATA() *ata.Controller { return m.ata }
