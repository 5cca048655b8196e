package chipset

import (
	"fmt"
	"sync"
	"time"

	corechipset "github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	cmosAddrPort uint16 = 0x70
	cmosDataPort uint16 = 0x71

	cmosRegisterCount = 128

	cmosRegSeconds    byte = 0x00
	cmosRegMinutes    byte = 0x02
	cmosRegHours      byte = 0x04
	cmosRegWeekday    byte = 0x06
	cmosRegDayOfMonth byte = 0x07
	cmosRegMonth      byte = 0x08
	cmosRegYear       byte = 0x09
	cmosRegStatusA    byte = 0x0A
	cmosRegStatusB    byte = 0x0B
	cmosRegStatusC    byte = 0x0C
	cmosRegStatusD    byte = 0x0D

	cmosRegBaseMemLow     byte = 0x15
	cmosRegBaseMemHigh    byte = 0x16
	cmosRegExtMemLow      byte = 0x17
	cmosRegExtMemHigh     byte = 0x18
	cmosRegChecksumHigh   byte = 0x2E
	cmosRegChecksumLow    byte = 0x2F
	cmosRegExtMemLowCopy  byte = 0x30
	cmosRegExtMemHighCopy byte = 0x31
	cmosRegCentury        byte = 0x32
	cmosRegHighMemLow     byte = 0x34
	cmosRegHighMemHigh    byte = 0x35

	// checksum covers 0x10-0x2D.
	cmosChecksumStart byte = 0x10
	cmosChecksumEnd   byte = 0x2D

	conventionalMemoryKB = 640
)

const (
	statusBSet             = 1 << 7
	statusBBinaryMode      = 1 << 2
	statusB24HourMode      = 1 << 1
	statusBDaylightSavings = 1 << 0

	statusAUpdateInProgress = 1 << 7
	statusDValidRAM         = 1 << 7
)

// CMOS emulates the MC146818 RTC/CMOS chip.
type CMOS struct {
	mu sync.Mutex

	addr        byte
	nmiDisabled bool
	regs        [cmosRegisterCount]byte
	now         func() time.Time
	memoryBytes uint64
}

// CMOSOption customises the RTC for tests.
type CMOSOption func(*CMOS)

// WithCMOSClock overrides the time source used for RTC registers.
func WithCMOSClock(now func() time.Time) CMOSOption {
	return func(c *CMOS) {
		if now != nil {
			c.now = now
		}
	}
}

// WithCMOSMemory sets the guest RAM size reported through the memory
// registers.
func WithCMOSMemory(bytes uint64) CMOSOption {
	return func(c *CMOS) {
		c.memoryBytes = bytes
	}
}

// NewCMOS constructs the RTC/CMOS block.
func NewCMOS(opts ...CMOSOption) *CMOS {
	c := &CMOS{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Init implements corechipset.Device. It lays out the memory size, status
// and RTC registers.
func (c *CMOS) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs = [cmosRegisterCount]byte{}
	c.addr = 0
	c.nmiDisabled = false

	c.regs[cmosRegStatusA] = 0x26
	c.regs[cmosRegStatusB] = statusB24HourMode
	c.regs[cmosRegStatusD] = statusDValidRAM

	c.setWordLocked(cmosRegBaseMemLow, conventionalMemoryKB)

	const (
		oneMiB     = 1 << 20
		sixteenMiB = 16 << 20
	)
	var extKB, highBlocks uint64
	if c.memoryBytes > oneMiB {
		extKB = min((c.memoryBytes-oneMiB)/1024, 0xFFFF)
	}
	if c.memoryBytes > sixteenMiB {
		highBlocks = min((c.memoryBytes-sixteenMiB)/(64<<10), 0xFFFF)
	}
	c.setWordLocked(cmosRegExtMemLow, uint16(extKB))
	c.setWordLocked(cmosRegExtMemLowCopy, uint16(extKB))
	c.setWordLocked(cmosRegHighMemLow, uint16(highBlocks))

	c.latchTimeLocked()
	c.updateChecksumLocked()
	return nil
}

// PortRanges implements corechipset.Device.
func (c *CMOS) PortRanges() []corechipset.PortRange {
	return []corechipset.PortRange{{Start: cmosAddrPort, End: cmosDataPort}}
}

// HandleIO implements corechipset.PortIOHandler.
func (c *CMOS) HandleIO(exit hv.IOExit, buf []byte) error {
	if exit.Size != 1 {
		return hv.Unhandled("cmos", exit, buf, "invalid access size %d", exit.Size)
	}
	data, err := exit.Data(buf)
	if err != nil {
		return fmt.Errorf("cmos: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch exit.Port {
	case cmosAddrPort:
		if !exit.IsWrite() {
			return hv.Unhandled("cmos", exit, buf, "index port is write-only")
		}
		for _, v := range data {
			c.addr = v & 0x7F
			c.nmiDisabled = v&0x80 != 0
		}
	case cmosDataPort:
		for i := range data {
			if exit.IsWrite() {
				c.writeRegisterLocked(c.addr, data[i])
			} else {
				data[i] = c.readRegisterLocked(c.addr)
			}
		}
	default:
		return hv.Unhandled("cmos", exit, buf, "invalid port")
	}
	return nil
}

// NMIDisabled reports the NMI-disable flag from the last index write.
func (c *CMOS) NMIDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nmiDisabled
}

// Register returns the raw contents of register idx.
func (c *CMOS) Register(idx byte) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[idx&0x7F]
}

func (c *CMOS) setWordLocked(low byte, v uint16) {
	c.regs[low] = byte(v)
	c.regs[low+1] = byte(v >> 8)
}

func (c *CMOS) updateChecksumLocked() {
	var sum uint16
	for i := cmosChecksumStart; i <= cmosChecksumEnd; i++ {
		sum += uint16(c.regs[i])
	}
	c.regs[cmosRegChecksumHigh] = byte(sum >> 8)
	c.regs[cmosRegChecksumLow] = byte(sum)
}

func (c *CMOS) readRegisterLocked(idx byte) byte {
	switch idx {
	case cmosRegSeconds, cmosRegMinutes, cmosRegHours,
		cmosRegWeekday, cmosRegDayOfMonth, cmosRegMonth,
		cmosRegYear, cmosRegCentury:
		c.latchTimeLocked()
	case cmosRegStatusA:
		return c.regs[idx] &^ statusAUpdateInProgress
	case cmosRegStatusC:
		value := c.regs[idx]
		c.regs[idx] = 0
		return value
	}
	return c.regs[idx]
}

func (c *CMOS) writeRegisterLocked(idx byte, value byte) {
	switch idx {
	case cmosRegStatusA:
		c.regs[idx] = value &^ statusAUpdateInProgress
	case cmosRegStatusC, cmosRegStatusD:
		// Read-only
	default:
		c.regs[idx] = value
	}
	if idx >= cmosChecksumStart && idx <= cmosChecksumEnd {
		c.updateChecksumLocked()
	}
}

// latchTimeLocked copies the host clock into the time registers unless the
// guest froze updates with the SET bit.
func (c *CMOS) latchTimeLocked() {
	statusB := c.regs[cmosRegStatusB]
	if statusB&statusBSet != 0 {
		return
	}

	t := c.now().UTC()
	if statusB&statusBDaylightSavings != 0 {
		t = t.Add(time.Hour)
	}
	fields := rtcFields{
		second:  byte(t.Second()),
		minute:  byte(t.Minute()),
		hour:    byte(t.Hour()),
		weekday: byte(t.Weekday()) + 1,
		day:     byte(t.Day()),
		month:   byte(t.Month()),
		year:    byte(t.Year() % 100),
		century: byte(t.Year() / 100),
	}
	fields.normalize(statusB)

	c.regs[cmosRegSeconds] = fields.second
	c.regs[cmosRegMinutes] = fields.minute
	c.regs[cmosRegHours] = fields.hour
	c.regs[cmosRegWeekday] = fields.weekday
	c.regs[cmosRegDayOfMonth] = fields.day
	c.regs[cmosRegMonth] = fields.month
	c.regs[cmosRegYear] = fields.year
	c.regs[cmosRegCentury] = fields.century
}

type rtcFields struct {
	second, minute, hour byte
	weekday, day, month  byte
	year, century        byte
}

func (f *rtcFields) normalize(statusB byte) {
	binaryMode := statusB&statusBBinaryMode != 0
	twentyFour := statusB&statusB24HourMode != 0

	if !twentyFour {
		pm := f.hour >= 12
		hour := f.hour % 12
		if hour == 0 {
			hour = 12
		}
		if !binaryMode {
			hour = toBCD(hour)
		}
		if pm {
			hour |= 0x80
		}
		f.hour = hour
	} else if !binaryMode {
		f.hour = toBCD(f.hour)
	}

	if !binaryMode {
		f.second = toBCD(f.second)
		f.minute = toBCD(f.minute)
		f.day = toBCD(f.day)
		f.month = toBCD(f.month)
		f.year = toBCD(f.year)
		f.century = toBCD(f.century)
		f.weekday = toBCD(f.weekday)
	}
}

func toBCD(v byte) byte {
	return ((v / 10) << 4) | (v % 10)
}

var _ corechipset.Device = (*CMOS)(nil)
