package chipset

import (
	"fmt"
	"sync"
	"time"

	corechipset "github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	pitChannel0Port uint16 = 0x40
	pitChannel1Port uint16 = 0x41
	pitChannel2Port uint16 = 0x42
	pitControlPort  uint16 = 0x43

	pitInputFrequency = 1193182

	// DefaultPITTick is how often the PIT clock converts elapsed wall time
	// into input pulses.
	DefaultPITTick = time.Millisecond
)

// PIT emulates the legacy 8254 programmable interval timer used by x86 PCs.
type PIT struct {
	mu sync.Mutex

	now    func() time.Time
	timers [3]*pitChannel
	irq    corechipset.Line

	clock    deviceClock
	started  time.Time
	consumed uint64
}

// PITOption customises the PIT instance, mainly for tests.
type PITOption func(*PIT)

// WithPITClock overrides the time base used to compute elapsed pulses.
func WithPITClock(now func() time.Time) PITOption {
	return func(p *PIT) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPITTick overrides how often the clock goroutine runs.
func WithPITTick(d time.Duration) PITOption {
	return func(p *PIT) {
		if d > 0 {
			p.clock.period = d
		}
	}
}

// WithPITTimerFactory injects a custom periodic timer factory (used in tests).
func WithPITTimerFactory(factory func(time.Duration, func()) timerHandle) PITOption {
	return func(p *PIT) {
		if factory != nil {
			p.clock.factory = factory
		}
	}
}

// NewPIT builds a programmable interval timer whose channel 0 drives irq.
func NewPIT(irq corechipset.Line, opts ...PITOption) *PIT {
	pit := &PIT{
		now:   time.Now,
		irq:   irq,
		clock: newDeviceClock(DefaultPITTick),
	}
	if pit.irq == nil {
		pit.irq = corechipset.DetachedLine()
	}
	for i := range pit.timers {
		pit.timers[i] = newPitChannel()
	}
	for _, opt := range opts {
		opt(pit)
	}
	return pit
}

// Init implements corechipset.Device.
func (p *PIT) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.timers {
		p.timers[i] = newPitChannel()
	}
	return nil
}

// PortRanges implements corechipset.Device.
func (p *PIT) PortRanges() []corechipset.PortRange {
	return []corechipset.PortRange{{Start: pitChannel0Port, End: pitControlPort}}
}

// HandleIO implements corechipset.PortIOHandler.
func (p *PIT) HandleIO(exit hv.IOExit, buf []byte) error {
	if exit.Size != 1 {
		return hv.Unhandled("pit", exit, buf, "invalid access size %d", exit.Size)
	}
	if exit.Port == pitControlPort && !exit.IsWrite() {
		return hv.Unhandled("pit", exit, buf, "control port is write-only")
	}
	if exit.Port < pitChannel0Port || exit.Port > pitControlPort {
		return hv.Unhandled("pit", exit, buf, "invalid port")
	}
	data, err := exit.Data(buf)
	if err != nil {
		return fmt.Errorf("pit: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range data {
		switch {
		case exit.Port == pitControlPort:
			p.writeControlLocked(data[i])
		case exit.IsWrite():
			p.timers[exit.Port-pitChannel0Port].write(data[i])
		default:
			data[i] = p.timers[exit.Port-pitChannel0Port].read()
		}
	}
	return nil
}

func (p *PIT) writeControlLocked(value byte) {
	selectField := (value >> 6) & 0x3
	if selectField == 0x3 {
		p.handleReadBackLocked(readBackCommand(value))
		return
	}

	ch := p.timers[selectField]
	access := pitAccessMode((value >> 4) & 0x3)
	if access == pitAccessLatch {
		ch.latchCount()
		return
	}
	ch.setControl(access, pitMode((value>>1)&0x7), value&0x1 == 1)
}

func (p *PIT) handleReadBackLocked(command readBackCommand) {
	for idx, ch := range p.timers {
		if !command.selects(idx) {
			continue
		}
		if command.latchStatus() {
			ch.latchStatus()
		}
		if command.latchCount() {
			ch.latchCount()
		}
	}
}

// Start launches the clock goroutine.
func (p *PIT) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clock.running() {
		return nil
	}
	p.started = p.now()
	p.consumed = 0
	p.clock.start(p.tick)
	return nil
}

// Stop halts the clock goroutine. It is safe to call more than once.
func (p *PIT) Stop() error {
	p.mu.Lock()
	handle := p.clock.detach()
	p.mu.Unlock()
	if handle != nil {
		handle.Stop()
	}
	return nil
}

func (p *PIT) tick() {
	p.mu.Lock()
	elapsed := p.now().Sub(p.started)
	if elapsed < 0 {
		elapsed = 0
	}
	total := pulsesIn(elapsed)
	var pulses uint64
	if total > p.consumed {
		pulses = total - p.consumed
	}
	p.consumed += pulses
	fire := p.advanceLocked(pulses)
	p.mu.Unlock()

	if fire {
		p.irq.Raise()
	}
}

// pulsesIn converts wall time into 1.193182 MHz input clocks.
func pulsesIn(d time.Duration) uint64 {
	secs := uint64(d / time.Second)
	rem := uint64(d % time.Second)
	return secs*pitInputFrequency + rem*pitInputFrequency/uint64(time.Second)
}

// advanceLocked feeds pulses input clocks into every started channel and
// reports whether channel 0 reached terminal count.
func (p *PIT) advanceLocked(pulses uint64) bool {
	if pulses == 0 {
		return false
	}
	fire := false
	for idx, ch := range p.timers {
		if ch.advance(pulses) > 0 && idx == 0 {
			fire = true
		}
	}
	return fire
}

// PITChannelState is a snapshot of one counter.
type PITChannelState struct {
	Access    uint8
	Mode      uint8
	BCD       bool
	Divisor   uint16
	Count     uint32
	Started   bool
	NullCount bool
	Output    bool
}

// Channel returns the state of counter idx (0-2).
func (p *PIT) Channel(idx int) PITChannelState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := p.timers[idx%len(p.timers)]
	return PITChannelState{
		Access:    uint8(ch.access),
		Mode:      uint8(ch.mode),
		BCD:       ch.bcd,
		Divisor:   ch.divisor,
		Count:     ch.countdown,
		Started:   ch.started,
		NullCount: ch.nullCount,
		Output:    ch.output,
	}
}

var _ corechipset.Device = (*PIT)(nil)
var _ corechipset.ChangeDeviceState = (*PIT)(nil)

type pitAccessMode uint8

const (
	pitAccessLatch   pitAccessMode = 0
	pitAccessLow     pitAccessMode = 1
	pitAccessHigh    pitAccessMode = 2
	pitAccessLowHigh pitAccessMode = 3
)

type pitMode uint8

const (
	pitMode0 pitMode = 0
	pitMode1 pitMode = 1
	pitMode2 pitMode = 2
	pitMode3 pitMode = 3
	pitMode4 pitMode = 4
	pitMode5 pitMode = 5
	pitMode6 pitMode = 6
	pitMode7 pitMode = 7
)

// periodic reports whether the counter reloads itself on terminal count.
// Modes 6 and 7 alias 2 and 3.
func (m pitMode) periodic() bool {
	switch m {
	case pitMode2, pitMode3, pitMode6, pitMode7:
		return true
	}
	return false
}

type pitChannel struct {
	access pitAccessMode
	mode   pitMode
	bcd    bool

	divisor    uint16
	pendingLow byte
	writeHigh  bool
	readHigh   bool
	readValue  uint16

	countdown uint32
	started   bool
	expired   bool
	nullCount bool
	output    bool

	countLatched     bool
	countLatchHigh   bool
	countLatchValue  uint16
	statusLatched    bool
	statusLatchValue byte
}

func newPitChannel() *pitChannel {
	return &pitChannel{
		access:    pitAccessLowHigh,
		mode:      pitMode3,
		nullCount: true,
		output:    true,
	}
}

func (ch *pitChannel) setControl(access pitAccessMode, mode pitMode, bcd bool) {
	ch.access = access
	ch.mode = mode
	ch.bcd = bcd
	ch.writeHigh = false
	ch.readHigh = false
	ch.countLatched = false
	ch.countLatchHigh = false
	ch.statusLatched = false
	ch.nullCount = true
	ch.started = false
	ch.expired = false
	ch.output = mode != pitMode0
}

func (ch *pitChannel) write(value byte) {
	switch ch.access {
	case pitAccessLow:
		ch.divisor = uint16(value)
	case pitAccessHigh:
		ch.divisor = uint16(value) << 8
	case pitAccessLowHigh:
		if !ch.writeHigh {
			ch.pendingLow = value
			ch.writeHigh = true
			return
		}
		ch.divisor = uint16(value)<<8 | uint16(ch.pendingLow)
		ch.writeHigh = false
	default:
		return
	}

	ch.countdown = ch.reload()
	ch.started = true
	ch.expired = false
	ch.nullCount = false
	ch.output = ch.mode != pitMode0
}

// reload is the number of input pulses per period. A zero divisor means
// 65536 (binary) or 10000 (BCD).
func (ch *pitChannel) reload() uint32 {
	if ch.bcd {
		v := fromBCD16(ch.divisor)
		if v == 0 {
			return 10000
		}
		return v
	}
	if ch.divisor == 0 {
		return 1 << 16
	}
	return uint32(ch.divisor)
}

// visibleCount is the counter as the guest reads it.
func (ch *pitChannel) visibleCount() uint16 {
	if !ch.started {
		return ch.divisor
	}
	if ch.bcd {
		return toBCD16(ch.countdown % 10000)
	}
	return uint16(ch.countdown)
}

// advance consumes pulses and returns the number of terminal counts reached.
func (ch *pitChannel) advance(pulses uint64) uint64 {
	if !ch.started || ch.expired {
		return 0
	}
	if pulses < uint64(ch.countdown) {
		ch.countdown -= uint32(pulses)
		return 0
	}

	if !ch.mode.periodic() {
		ch.countdown = 0
		ch.expired = true
		ch.output = true
		return 1
	}

	reload := uint64(ch.reload())
	rest := pulses - uint64(ch.countdown)
	ch.countdown = uint32(reload - rest%reload)
	if ch.mode == pitMode3 || ch.mode == pitMode7 {
		ch.output = ch.countdown > uint32(reload/2)
	}
	return 1 + rest/reload
}

func (ch *pitChannel) read() byte {
	if ch.statusLatched {
		ch.statusLatched = false
		return ch.statusLatchValue
	}

	if ch.countLatched {
		value := ch.countLatchValue
		switch ch.access {
		case pitAccessLow:
			ch.countLatched = false
			return byte(value)
		case pitAccessHigh:
			ch.countLatched = false
			return byte(value >> 8)
		default:
			if !ch.countLatchHigh {
				ch.countLatchHigh = true
				return byte(value)
			}
			ch.countLatched = false
			ch.countLatchHigh = false
			return byte(value >> 8)
		}
	}

	switch ch.access {
	case pitAccessLow:
		return byte(ch.visibleCount())
	case pitAccessHigh:
		return byte(ch.visibleCount() >> 8)
	default:
		if !ch.readHigh {
			ch.readHigh = true
			ch.readValue = ch.visibleCount()
			return byte(ch.readValue)
		}
		ch.readHigh = false
		return byte(ch.readValue >> 8)
	}
}

func (ch *pitChannel) latchCount() {
	if ch.countLatched {
		return
	}
	ch.countLatchValue = ch.visibleCount()
	ch.countLatched = true
	ch.countLatchHigh = false
}

func (ch *pitChannel) latchStatus() {
	if ch.statusLatched {
		return
	}
	ch.statusLatched = true
	ch.statusLatchValue = ch.statusByte()
}

// statusByte: bit 7 OUT, bit 6 null count, bits 5-4 access, bits 3-1 mode,
// bit 0 BCD.
func (ch *pitChannel) statusByte() byte {
	status := byte(0)
	if ch.output {
		status |= 1 << 7
	}
	if ch.nullCount {
		status |= 1 << 6
	}
	status |= byte(ch.access&0x3) << 4
	status |= byte(ch.mode&0x7) << 1
	if ch.bcd {
		status |= 1
	}
	return status
}

// readBackCommand: bit 5 /COUNT, bit 4 /STATUS (both active low), bits 3-1
// select counters 2, 1 and 0.
type readBackCommand byte

func (c readBackCommand) selects(idx int) bool { return (byte(c)>>(1+idx))&1 == 1 }
func (c readBackCommand) latchStatus() bool    { return byte(c)&(1<<4) == 0 }
func (c readBackCommand) latchCount() bool     { return byte(c)&(1<<5) == 0 }

func fromBCD16(v uint16) uint32 {
	return uint32(v>>12&0xf)*1000 + uint32(v>>8&0xf)*100 + uint32(v>>4&0xf)*10 + uint32(v&0xf)
}

func toBCD16(v uint32) uint16 {
	return uint16(v/1000%10)<<12 | uint16(v/100%10)<<8 | uint16(v/10%10)<<4 | uint16(v%10)
}
