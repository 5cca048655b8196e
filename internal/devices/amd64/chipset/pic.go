package chipset

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	corechipset "github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	primaryPicCommandPort   uint16 = 0x20
	primaryPicDataPort      uint16 = 0x21
	secondaryPicCommandPort uint16 = 0xa0
	secondaryPicDataPort    uint16 = 0xa1

	picIRQMask = 0x7

	// DefaultPICClockHz is the rate at which pending vectors are offered
	// to the host.
	DefaultPICClockHz = 1000
)

// PICStats counts delivered vectors.
type PICStats struct {
	Injected uint64
	Dropped  uint64
	PerIRQ   [16]uint64
}

// DualPIC implements the classic pair of cascaded 8259A controllers. A
// single mutex serialises both units against the dispatch path, the PIC
// clock, and every IRQ source calling Raise.
type DualPIC struct {
	mu    sync.Mutex
	ready readySink

	host hv.InterruptInjector

	pics [2]*pic

	clock deviceClock

	stats PICStats
}

// PICOption customises the DualPIC instance, mainly for tests.
type PICOption func(*DualPIC)

// WithPICClockHz sets how often pending vectors are offered to the host.
func WithPICClockHz(hz int) PICOption {
	return func(p *DualPIC) {
		if hz > 0 {
			p.clock.period = time.Second / time.Duration(hz)
		}
	}
}

// WithPICTimerFactory injects a custom periodic timer factory (used in tests).
func WithPICTimerFactory(factory func(time.Duration, func()) timerHandle) PICOption {
	return func(p *DualPIC) {
		if factory != nil {
			p.clock.factory = factory
		}
	}
}

// WithPICReadySink reports the INT output level after every state change.
func WithPICReadySink(sink readySink) PICOption {
	return func(p *DualPIC) {
		if sink != nil {
			p.ready = sink
		}
	}
}

// NewDualPIC builds the controller pair. host may be nil when vectors are
// pulled with Acknowledge instead of being pushed by the clock.
func NewDualPIC(host hv.InterruptInjector, opts ...PICOption) *DualPIC {
	p := &DualPIC{
		ready: noopReadySink{},
		host:  host,
		pics:  [2]*pic{newPic(true), newPic(false)},
		clock: newDeviceClock(time.Second / DefaultPICClockHz),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Init implements corechipset.Device.
func (p *DualPIC) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[0].reset()
	p.pics[1].reset()
	p.stats = PICStats{}
	p.syncOutputLocked()
	return nil
}

// PortRanges implements corechipset.Device.
func (p *DualPIC) PortRanges() []corechipset.PortRange {
	return []corechipset.PortRange{
		{Start: primaryPicCommandPort, End: primaryPicDataPort},
		{Start: secondaryPicCommandPort, End: secondaryPicDataPort},
	}
}

// HandleIO implements corechipset.PortIOHandler.
func (p *DualPIC) HandleIO(exit hv.IOExit, buf []byte) error {
	if exit.Size != 1 {
		return hv.Unhandled("pic", exit, buf, "invalid access size %d", exit.Size)
	}
	data, err := exit.Data(buf)
	if err != nil {
		return fmt.Errorf("pic: %w", err)
	}

	var unit *pic
	var command bool
	switch exit.Port {
	case primaryPicCommandPort:
		unit, command = p.pics[0], true
	case primaryPicDataPort:
		unit = p.pics[0]
	case secondaryPicCommandPort:
		unit, command = p.pics[1], true
	case secondaryPicDataPort:
		unit = p.pics[1]
	default:
		return hv.Unhandled("pic", exit, buf, "invalid port")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.syncOutputLocked()

	for i := range data {
		switch {
		case exit.IsWrite() && command:
			if err := unit.writeCommand(data[i]); err != nil {
				return hv.Unhandled("pic", exit, buf, "%v", err)
			}
		case exit.IsWrite():
			unit.writeData(data[i])
		case command:
			data[i] = unit.readCommand()
		default:
			data[i] = unit.readData()
		}
	}
	return nil
}

// Raise latches an edge on irq (0-15). The request is admitted only when the
// line is not already pending, not in service and not masked. Lines at or
// above 16 are ignored.
func (p *DualPIC) Raise(irq uint8) {
	if irq >= 16 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pics[irq/8].raise(irq & picIRQMask)
	p.syncOutputLocked()
}

// NextPendingVector takes the highest priority pending vector from one unit
// (0 primary, 1 secondary).
func (p *DualPIC) NextPendingVector(unit int) (uint8, bool) {
	if unit < 0 || unit > 1 {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.syncOutputLocked()
	return p.pics[unit].takePending()
}

// Acknowledge takes the next pending vector, primary unit first.
func (p *DualPIC) Acknowledge() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.syncOutputLocked()
	for _, unit := range p.pics {
		if vec, ok := unit.takePending(); ok {
			return vec, true
		}
	}
	return 0, false
}

// HasPending reports whether either unit holds an unmasked request.
func (p *DualPIC) HasPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasPendingLocked()
}

func (p *DualPIC) hasPendingLocked() bool {
	return p.pics[0].pending() != 0 || p.pics[1].pending() != 0
}

func (p *DualPIC) syncOutputLocked() {
	p.ready.SetLevel(p.hasPendingLocked())
}

// Start launches the clock that offers pending vectors to the host while it
// reports interrupts as enabled.
func (p *DualPIC) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.host == nil {
		return fmt.Errorf("pic: no interrupt injector configured")
	}
	p.clock.start(p.tick)
	return nil
}

// Stop halts the clock. It is safe to call more than once.
func (p *DualPIC) Stop() error {
	p.mu.Lock()
	handle := p.clock.detach()
	p.mu.Unlock()
	if handle != nil {
		handle.Stop()
	}
	return nil
}

func (p *DualPIC) tick() {
	host := p.host
	if host == nil || !host.InterruptsEnabled() {
		return
	}

	var vectors [2]uint8
	var taken [2]bool
	var irqs [2]int

	p.mu.Lock()
	for i, unit := range p.pics {
		vectors[i], taken[i] = unit.takePending()
		irqs[i] = i*8 + int(vectors[i]&picIRQMask)
	}
	p.syncOutputLocked()
	p.mu.Unlock()

	for i := range vectors {
		if !taken[i] {
			continue
		}
		err := host.InjectInterrupt(vectors[i])

		p.mu.Lock()
		if err != nil {
			p.stats.Dropped++
		} else {
			p.stats.Injected++
			p.stats.PerIRQ[irqs[i]]++
		}
		p.mu.Unlock()

		if err != nil {
			slog.Warn("pic: inject interrupt", "vector", vectors[i], "err", err)
		}
	}
}

// Stats returns delivery counters for the clock-driven path.
func (p *DualPIC) Stats() PICStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Registers returns IMR, IRR and ISR for one unit.
func (p *DualPIC) Registers(unit int) (imr, irr, isr byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.pics[unit&1]
	return u.imr, u.irr, u.isr
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%v, secondary=%v)", p.pics[0], p.pics[1])
}

var _ corechipset.Device = (*DualPIC)(nil)
var _ corechipset.ChangeDeviceState = (*DualPIC)(nil)
var _ corechipset.IRQRaiser = (*DualPIC)(nil)

// pic models a single 8259A.
type pic struct {
	primary bool

	initStage initStage
	icw1      icw1
	base      byte
	icw3      byte
	icw4      icw4
	ocw2      ocw2
	ocw3      ocw3

	imr byte
	irr byte
	isr byte

	// cursor is the level with the lowest priority; the scan for the
	// highest priority level starts just after it.
	cursor      byte
	autoRotate  bool
	specialMask bool
	pollPending bool
}

func newPic(primary bool) *pic {
	p := &pic{primary: primary}
	p.reset()
	return p
}

func (p *pic) reset() {
	base := byte(0x08)
	if !p.primary {
		base = 0x70
	}
	*p = pic{
		primary:   p.primary,
		initStage: expectICW1,
		base:      base,
		imr:       0xff,
		cursor:    7,
	}
}

func (p *pic) String() string {
	return fmt.Sprintf("{stage=%s base=0x%02x imr=0x%02x irr=0x%02x isr=0x%02x cursor=%d}",
		p.initStage, p.base, p.imr, p.irr, p.isr, p.cursor)
}

func (p *pic) raise(line byte) {
	bit := byte(1) << line
	if (p.irr|p.isr|p.imr)&bit != 0 {
		return
	}
	p.irr |= bit
}

func (p *pic) pending() byte {
	return p.irr &^ p.imr
}

// highestPriority returns the first level set in mask walking from
// cursor+1 around the ring.
func (p *pic) highestPriority(mask byte) (byte, bool) {
	if mask == 0 {
		return 0, false
	}
	for i := byte(1); i <= 8; i++ {
		level := (p.cursor + i) & picIRQMask
		if mask&(1<<level) != 0 {
			return level, true
		}
	}
	return 0, false
}

func (p *pic) takePending() (uint8, bool) {
	level, ok := p.highestPriority(p.pending())
	if !ok {
		return 0, false
	}
	bit := byte(1) << level
	p.irr &^= bit
	if !p.icw4.autoEOI() {
		p.isr |= bit
	} else if p.autoRotate {
		p.cursor = level
	}
	return p.base + level, true
}

func (p *pic) nonSpecificEOI() (byte, bool) {
	level, ok := p.highestPriority(p.isr)
	if !ok {
		return 0, false
	}
	p.isr &^= 1 << level
	return level, true
}

func (p *pic) readCommand() byte {
	if p.pollPending {
		p.pollPending = false
		vec, ok := p.takePending()
		if !ok {
			return 0
		}
		return 0x80 | (vec & picIRQMask)
	}
	if p.ocw3.ris() {
		return p.isr
	}
	return p.irr
}

func (p *pic) readData() byte {
	if !p.ocw3.rr() {
		return p.imr
	}
	if p.ocw3.ris() {
		return p.isr
	}
	return p.irr
}

func (p *pic) writeCommand(value byte) error {
	if icw1(value).isICW1() {
		if p.initStage != expectICW1 {
			return fmt.Errorf("ICW1 0x%02x while expecting %s", value, p.initStage)
		}
		p.reset()
		p.icw1 = icw1(value)
		p.initStage = expectICW2
		return nil
	}

	if value&0x08 == 0 {
		p.writeOCW2(ocw2(value))
		return nil
	}

	ocw := ocw3(value)
	if ocw.specialMaskEnabled() {
		p.specialMask = ocw.specialMask()
	}
	if ocw.poll() {
		p.pollPending = true
	}
	if ocw.rr() {
		p.ocw3 = ocw
	}
	return nil
}

func (p *pic) writeOCW2(ocw ocw2) {
	p.ocw2 = ocw
	switch {
	case ocw.rotate() && ocw.specific() && ocw.eoi():
		p.isr &^= 1 << ocw.level()
		p.cursor = ocw.level()
	case ocw.rotate() && ocw.specific():
		p.cursor = ocw.level()
	case ocw.rotate() && ocw.eoi():
		if level, ok := p.nonSpecificEOI(); ok {
			p.cursor = level
		}
	case ocw.rotate():
		p.autoRotate = true
	case ocw.specific() && ocw.eoi():
		p.isr &^= 1 << ocw.level()
	case ocw.eoi():
		p.nonSpecificEOI()
	case !ocw.specific():
		p.autoRotate = false
	}
}

func (p *pic) writeData(value byte) {
	switch p.initStage {
	case expectICW2:
		p.base = value &^ picIRQMask
		p.initStage = p.afterICW2()
	case expectICW3:
		p.icw3 = value
		p.initStage = p.afterICW3()
	case expectICW4:
		p.icw4 = icw4(value)
		p.initStage = expectICW1
	default:
		p.imr = value
		return
	}
	if p.initStage == expectICW1 {
		slog.Debug("pic: initialized",
			"primary", p.primary,
			"base", p.base,
			"cascade", !p.icw1.single(),
			"level_triggered", p.icw1.levelTriggered(),
			"x86", p.icw4.x86Mode(),
			"aeoi", p.icw4.autoEOI(),
		)
	}
}

func (p *pic) afterICW2() initStage {
	if !p.icw1.single() {
		return expectICW3
	}
	return p.afterICW3()
}

func (p *pic) afterICW3() initStage {
	if p.icw1.icw4Needed() {
		return expectICW4
	}
	return expectICW1
}

type initStage int

const (
	expectICW1 initStage = iota
	expectICW2
	expectICW3
	expectICW4
)

func (s initStage) String() string {
	switch s {
	case expectICW1:
		return "ICW1"
	case expectICW2:
		return "ICW2"
	case expectICW3:
		return "ICW3"
	case expectICW4:
		return "ICW4"
	default:
		return fmt.Sprintf("initStage(%d)", int(s))
	}
}

// icw1: bit 0 IC4, bit 1 SNGL, bit 2 ADI, bit 3 LTIM, bit 4 always set.
type icw1 byte

func (w icw1) isICW1() bool         { return byte(w)&0x10 != 0 }
func (w icw1) icw4Needed() bool     { return byte(w)&0x01 != 0 }
func (w icw1) single() bool         { return byte(w)&0x02 != 0 }
func (w icw1) levelTriggered() bool { return byte(w)&0x08 != 0 }

// icw4: bit 0 uPM, bit 1 AEOI, bit 2 M/S, bit 3 BUF, bit 4 SFNM.
type icw4 byte

func (w icw4) x86Mode() bool { return byte(w)&0x01 != 0 }
func (w icw4) autoEOI() bool { return byte(w)&0x02 != 0 }

// ocw2: bits 0-2 level, bit 5 EOI, bit 6 SL, bit 7 R.
type ocw2 byte

func (o ocw2) level() byte    { return byte(o) & picIRQMask }
func (o ocw2) eoi() bool      { return byte(o)&0x20 != 0 }
func (o ocw2) specific() bool { return byte(o)&0x40 != 0 }
func (o ocw2) rotate() bool   { return byte(o)&0x80 != 0 }

// ocw3: bit 0 RIS, bit 1 RR, bit 2 P, bit 5 SMM, bit 6 ESMM.
type ocw3 byte

func (o ocw3) ris() bool                { return byte(o)&0x01 != 0 }
func (o ocw3) rr() bool                 { return byte(o)&0x02 != 0 }
func (o ocw3) poll() bool               { return byte(o)&0x04 != 0 }
func (o ocw3) specialMask() bool        { return byte(o)&0x20 != 0 }
func (o ocw3) specialMaskEnabled() bool { return byte(o)&0x40 != 0 }
