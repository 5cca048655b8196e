package input

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	i8042DataPort    uint16 = 0x60
	i8042CommandPort uint16 = 0x64

	i8042CommandReadCommandByte  = 0x20
	i8042CommandWriteCommandByte = 0x60
	i8042CommandDisableSecond    = 0xa7
	i8042CommandEnableSecond     = 0xa8
	i8042CommandControllerTest   = 0xaa
	i8042CommandTestFirstPort    = 0xab
	i8042CommandDisableFirstPort = 0xad
	i8042CommandEnableFirstPort  = 0xae
	i8042CommandReadOutputPort   = 0xd0
	i8042CommandWriteOutputPort  = 0xd1
	i8042CommandResetCPU         = 0xfe
)

const (
	i8042StatusOutputFull = 1 << 0
	i8042StatusSystemFlag = 1 << 2
	i8042StatusCommand    = 1 << 3
	i8042StatusKeyLock    = 1 << 4
)

const (
	i8042CommandByteInterruptFirst  = 1 << 0
	i8042CommandByteDisablePort1Clk = 1 << 4
	i8042CommandByteDisablePort2Clk = 1 << 5
)

const (
	i8042ResponseSelfTestOK = 0x55
	i8042ResponsePortOK     = 0x00

	// i8042EmptyRead is returned by data reads with nothing queued.
	i8042EmptyRead = 0xff

	i8042FIFOSize = 16

	i8042DefaultStatus     = i8042StatusSystemFlag | i8042StatusKeyLock
	i8042DefaultCommand    = i8042CommandByteInterruptFirst
	i8042DefaultOutputPort = 0x01
)

type i8042Expect uint8

const (
	i8042ExpectNothing i8042Expect = iota
	i8042ExpectCommandByte
	i8042ExpectOutputPort
)

func (e i8042Expect) String() string {
	switch e {
	case i8042ExpectNothing:
		return "nothing"
	case i8042ExpectCommandByte:
		return "command byte"
	case i8042ExpectOutputPort:
		return "output port"
	default:
		return fmt.Sprintf("i8042Expect(%d)", uint8(e))
	}
}

// I8042 emulates the PS/2 keyboard controller and the keyboard on its first
// port. Responses queue in a bounded FIFO and each one raises IRQ1 while the
// first-port interrupt bit of the command byte is set.
type I8042 struct {
	mu sync.Mutex

	status      byte
	commandByte byte
	outputPort  byte
	expect      i8042Expect

	fifo  [i8042FIFOSize]byte
	head  int
	count int

	keyboard *ps2Keyboard
	irq      chipset.Line
	pending  int
}

// NewI8042 builds a controller whose responses are signalled on irq.
func NewI8042(irq chipset.Line) *I8042 {
	c := &I8042{
		irq:      irq,
		keyboard: newPS2Keyboard(),
	}
	if c.irq == nil {
		c.irq = chipset.DetachedLine()
	}
	c.resetLocked()
	return c
}

func (c *I8042) resetLocked() {
	c.status = i8042DefaultStatus
	c.commandByte = i8042DefaultCommand
	c.outputPort = i8042DefaultOutputPort
	c.expect = i8042ExpectNothing
	c.head = 0
	c.count = 0
	c.pending = 0
	c.keyboard.reset()
}

// Init implements chipset.Device.
func (c *I8042) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

// PortRanges implements chipset.Device.
func (c *I8042) PortRanges() []chipset.PortRange {
	return []chipset.PortRange{
		{Start: i8042DataPort, End: i8042DataPort},
		{Start: i8042CommandPort, End: i8042CommandPort},
	}
}

// HandleIO implements chipset.PortIOHandler.
func (c *I8042) HandleIO(exit hv.IOExit, buf []byte) error {
	if exit.Size != 1 {
		return hv.Unhandled("i8042", exit, buf, "invalid access size %d", exit.Size)
	}
	data, err := exit.Data(buf)
	if err != nil {
		return fmt.Errorf("i8042: %w", err)
	}

	c.mu.Lock()
	err = c.handleLocked(exit, buf, data)
	raises := c.pending
	c.pending = 0
	c.mu.Unlock()

	for range raises {
		c.irq.Raise()
	}
	return err
}

func (c *I8042) handleLocked(exit hv.IOExit, buf, data []byte) error {
	for i := range data {
		switch {
		case exit.Port == i8042CommandPort && exit.IsWrite():
			if err := c.handleCommandLocked(exit, buf, data[i]); err != nil {
				return err
			}
		case exit.Port == i8042CommandPort:
			data[i] = c.statusLocked()
		case exit.Port == i8042DataPort && exit.IsWrite():
			if err := c.handleDataWriteLocked(exit, buf, data[i]); err != nil {
				return err
			}
		case exit.Port == i8042DataPort:
			data[i] = c.dequeueLocked()
		default:
			return hv.Unhandled("i8042", exit, buf, "invalid port")
		}
	}
	return nil
}

func (c *I8042) handleCommandLocked(exit hv.IOExit, buf []byte, command byte) error {
	c.status |= i8042StatusCommand

	switch command {
	case i8042CommandReadCommandByte:
		c.queueLocked(c.commandByte)
	case i8042CommandWriteCommandByte:
		c.expect = i8042ExpectCommandByte
	case i8042CommandDisableSecond:
		c.commandByte |= i8042CommandByteDisablePort2Clk
	case i8042CommandEnableSecond:
		c.commandByte &^= i8042CommandByteDisablePort2Clk
	case i8042CommandControllerTest:
		c.status &^= i8042StatusSystemFlag
		c.queueLocked(i8042ResponseSelfTestOK)
	case i8042CommandTestFirstPort:
		c.queueLocked(i8042ResponsePortOK)
	case i8042CommandDisableFirstPort:
		c.commandByte |= i8042CommandByteDisablePort1Clk
	case i8042CommandEnableFirstPort:
		c.commandByte &^= i8042CommandByteDisablePort1Clk
	case i8042CommandReadOutputPort:
		c.queueLocked(c.outputPort)
	case i8042CommandWriteOutputPort:
		c.expect = i8042ExpectOutputPort
	case i8042CommandResetCPU:
		slog.Info("i8042: guest pulsed the reset line")
		return hv.ErrGuestRequestedReboot
	default:
		return hv.Unhandled("i8042", exit, buf, "unknown controller command 0x%02x", command)
	}
	return nil
}

func (c *I8042) handleDataWriteLocked(exit hv.IOExit, buf []byte, value byte) error {
	c.status &^= i8042StatusCommand

	switch c.expect {
	case i8042ExpectCommandByte:
		c.commandByte = value
	case i8042ExpectOutputPort:
		c.outputPort = value
	default:
		if value == ps2CmdReset && c.keyboard.expect == keyboardExpectCommand {
			c.status = i8042DefaultStatus | c.status&i8042StatusCommand
		}
		if err := c.keyboard.write(value, c.queueLocked); err != nil {
			return hv.Unhandled("i8042", exit, buf, "%v", err)
		}
		return nil
	}
	c.expect = i8042ExpectNothing
	return nil
}

func (c *I8042) statusLocked() byte {
	status := c.status &^ i8042StatusOutputFull
	if c.count > 0 {
		status |= i8042StatusOutputFull
	}
	return status
}

// queueLocked appends one response byte. A full FIFO drops the byte.
func (c *I8042) queueLocked(v byte) {
	if c.count == i8042FIFOSize {
		slog.Warn("i8042: output FIFO full, dropping byte", "value", v)
		return
	}
	c.fifo[(c.head+c.count)%i8042FIFOSize] = v
	c.count++
	if c.commandByte&i8042CommandByteInterruptFirst != 0 {
		c.pending++
	}
}

func (c *I8042) dequeueLocked() byte {
	if c.count == 0 {
		return i8042EmptyRead
	}
	v := c.fifo[c.head]
	c.head = (c.head + 1) % i8042FIFOSize
	c.count--
	return v
}

// InjectScancodes queues bytes from the keyboard as if keys were pressed.
// Nothing is queued while scanning is disabled or the first port's clock is
// off.
func (c *I8042) InjectScancodes(codes ...byte) {
	c.mu.Lock()
	if c.keyboard.scanning && c.commandByte&i8042CommandByteDisablePort1Clk == 0 {
		for _, code := range codes {
			c.queueLocked(code)
		}
	}
	raises := c.pending
	c.pending = 0
	c.mu.Unlock()

	for range raises {
		c.irq.Raise()
	}
}

// I8042State is a snapshot of the controller registers.
type I8042State struct {
	Status      byte
	CommandByte byte
	OutputPort  byte
	Queued      int
}

// State returns the current register values.
func (c *I8042) State() I8042State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return I8042State{
		Status:      c.statusLocked(),
		CommandByte: c.commandByte,
		OutputPort:  c.outputPort,
		Queued:      c.count,
	}
}

var _ chipset.Device = (*I8042)(nil)
