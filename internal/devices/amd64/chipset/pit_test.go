package chipset

import (
	"errors"
	"sync"
	"testing"
	"time"

	corechipset "github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

type countingLine struct {
	mu sync.Mutex
	n  int
}

func (l *countingLine) Raise() {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()
}

func (l *countingLine) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

var _ corechipset.Line = (*countingLine)(nil)

func TestPITDivisorBothBytes(t *testing.T) {
	pit := NewPIT(nil)
	outb(t, pit, pitControlPort, 0x34) // ch0, lobyte/hibyte, mode 2
	outb(t, pit, pitChannel0Port, 0x34)
	if state := pit.Channel(0); !state.NullCount || state.Started {
		t.Fatalf("channel started after a single byte: %+v", state)
	}
	outb(t, pit, pitChannel0Port, 0x12)

	state := pit.Channel(0)
	if state.Divisor != 0x1234 {
		t.Fatalf("divisor = 0x%04x, want 0x1234", state.Divisor)
	}
	if !state.Started || state.NullCount || state.Count != 0x1234 {
		t.Fatalf("channel not loaded: %+v", state)
	}

	outb(t, pit, pitControlPort, 0xe2) // read-back status of ch0
	status := inb(t, pit, pitChannel0Port)
	if got := (status >> 4) & 0x3; got != 3 {
		t.Fatalf("status access bits = %d, want 3 (status 0x%02x)", got, status)
	}
	if got := (status >> 1) & 0x7; got != 2 {
		t.Fatalf("status mode bits = %d, want 2 (status 0x%02x)", got, status)
	}
	if status&(1<<6) != 0 {
		t.Fatalf("null count still set in status 0x%02x", status)
	}

	// The status latch is one-shot: the next reads return the count.
	lo := inb(t, pit, pitChannel0Port)
	hi := inb(t, pit, pitChannel0Port)
	if lo != 0x34 || hi != 0x12 {
		t.Fatalf("count after status = 0x%02x%02x", hi, lo)
	}
}

func TestPITReadsDivisorBeforeStart(t *testing.T) {
	pit := NewPIT(nil)
	outb(t, pit, pitControlPort, 0x54) // ch1, lobyte only, mode 2
	if got := inb(t, pit, pitChannel1Port); got != 0 {
		t.Fatalf("unloaded counter = 0x%02x", got)
	}
	outb(t, pit, pitChannel1Port, 0x12)
	if got := inb(t, pit, pitChannel1Port); got != 0x12 {
		t.Fatalf("lobyte read = 0x%02x", got)
	}
}

func TestPITCountLatchFreezesValue(t *testing.T) {
	pit := NewPIT(nil)
	outb(t, pit, pitControlPort, 0x34)
	outb(t, pit, pitChannel0Port, 0x00)
	outb(t, pit, pitChannel0Port, 0x10) // 0x1000

	pit.mu.Lock()
	pit.advanceLocked(0x100)
	pit.mu.Unlock()

	outb(t, pit, pitControlPort, 0x00) // latch ch0

	pit.mu.Lock()
	pit.advanceLocked(0x10)
	pit.mu.Unlock()

	lo := inb(t, pit, pitChannel0Port)
	hi := inb(t, pit, pitChannel0Port)
	if got := uint16(hi)<<8 | uint16(lo); got != 0x0f00 {
		t.Fatalf("latched count = 0x%04x, want 0x0f00", got)
	}

	lo = inb(t, pit, pitChannel0Port)
	hi = inb(t, pit, pitChannel0Port)
	if got := uint16(hi)<<8 | uint16(lo); got != 0x0ef0 {
		t.Fatalf("live count = 0x%04x, want 0x0ef0", got)
	}
}

func TestPITReadBackIsActiveLow(t *testing.T) {
	pit := NewPIT(nil)
	outb(t, pit, pitControlPort, 0xb6) // ch2, lobyte/hibyte, mode 3
	outb(t, pit, pitChannel2Port, 0x00)
	outb(t, pit, pitChannel2Port, 0x20)

	// /COUNT and /STATUS both high: nothing latched.
	outb(t, pit, pitControlPort, 0xf8)
	pit.mu.Lock()
	latched := pit.timers[2].countLatched || pit.timers[2].statusLatched
	pit.mu.Unlock()
	if latched {
		t.Fatalf("read-back with both flags high latched something")
	}

	// Latch count only for ch2.
	outb(t, pit, pitControlPort, 0xd8)
	lo := inb(t, pit, pitChannel2Port)
	hi := inb(t, pit, pitChannel2Port)
	if lo != 0x00 || hi != 0x20 {
		t.Fatalf("read-back count = 0x%02x%02x", hi, lo)
	}
}

func TestPITControlReadIsFatal(t *testing.T) {
	pit := NewPIT(nil)
	exit := hv.IOExit{Direction: hv.IODirectionIn, Size: 1, Port: pitControlPort, Count: 1}
	if err := pit.HandleIO(exit, []byte{0}); !errors.Is(err, hv.ErrProtocolViolation) {
		t.Fatalf("control read err = %v", err)
	}
}

func TestPITRateGeneratorRaisesIRQ0(t *testing.T) {
	now := time.Unix(0, 0)
	var nowMu sync.Mutex
	nowFn := func() time.Time {
		nowMu.Lock()
		defer nowMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		nowMu.Lock()
		now = now.Add(d)
		nowMu.Unlock()
	}

	line := &countingLine{}
	factory := &manualTimerFactory{}
	pit := NewPIT(line,
		WithPITClock(nowFn),
		WithPITTimerFactory(factory.Factory),
		WithPITTick(time.Millisecond),
	)
	if err := pit.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	// 1193 pulses is almost exactly one millisecond.
	outb(t, pit, pitControlPort, 0x34)
	outb(t, pit, pitChannel0Port, 0xa9)
	outb(t, pit, pitChannel0Port, 0x04)

	if err := pit.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(factory.timers) != 1 || factory.timers[0].period != time.Millisecond {
		t.Fatalf("unexpected timers %+v", factory.timers)
	}

	advance(500 * time.Microsecond)
	factory.timers[0].Fire()
	if line.count() != 0 {
		t.Fatalf("IRQ0 raised before terminal count")
	}

	advance(600 * time.Microsecond)
	factory.timers[0].Fire()
	if line.count() != 1 {
		t.Fatalf("IRQ0 raised %d times, want 1", line.count())
	}
	if state := pit.Channel(0); state.Count == 0 || state.Count > 0x04a9 {
		t.Fatalf("counter did not reload: %+v", state)
	}

	advance(10 * time.Millisecond)
	factory.timers[0].Fire()
	if line.count() != 2 {
		t.Fatalf("IRQ0 raised %d times, want 2", line.count())
	}

	if err := pit.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !factory.timers[0].stopped {
		t.Fatalf("clock not stopped")
	}
}

func TestPITMode0FiresOnce(t *testing.T) {
	line := &countingLine{}
	pit := NewPIT(line)
	outb(t, pit, pitControlPort, 0x30) // ch0, lobyte/hibyte, mode 0
	outb(t, pit, pitChannel0Port, 0x10)
	outb(t, pit, pitChannel0Port, 0x00)

	if pit.Channel(0).Output {
		t.Fatalf("mode 0 output high before terminal count")
	}

	pit.mu.Lock()
	first := pit.advanceLocked(0x20)
	second := pit.advanceLocked(0x20)
	pit.mu.Unlock()

	if !first || second {
		t.Fatalf("mode 0 terminal count fired first=%v second=%v", first, second)
	}
	state := pit.Channel(0)
	if !state.Output || state.Count != 0 {
		t.Fatalf("mode 0 after terminal count: %+v", state)
	}
}

func TestPITZeroDivisorMeans65536(t *testing.T) {
	pit := NewPIT(nil)
	outb(t, pit, pitControlPort, 0x36)
	outb(t, pit, pitChannel0Port, 0x00)
	outb(t, pit, pitChannel0Port, 0x00)

	if got := pit.Channel(0).Count; got != 1<<16 {
		t.Fatalf("countdown = %d, want 65536", got)
	}
	pit.mu.Lock()
	fired := pit.advanceLocked(0xffff)
	pit.mu.Unlock()
	if fired {
		t.Fatalf("terminal count one pulse early")
	}
}

func TestPITBCDCounting(t *testing.T) {
	pit := NewPIT(nil)
	outb(t, pit, pitControlPort, 0x35) // ch0, lobyte/hibyte, mode 2, BCD
	outb(t, pit, pitChannel0Port, 0x00)
	outb(t, pit, pitChannel0Port, 0x10) // 1000 decimal

	pit.mu.Lock()
	pit.advanceLocked(1)
	pit.mu.Unlock()

	lo := inb(t, pit, pitChannel0Port)
	hi := inb(t, pit, pitChannel0Port)
	if lo != 0x99 || hi != 0x09 {
		t.Fatalf("BCD count = 0x%02x%02x, want 0x0999", hi, lo)
	}
}

func TestPulsesIn(t *testing.T) {
	if got := pulsesIn(time.Second); got != pitInputFrequency {
		t.Fatalf("pulses in 1s = %d", got)
	}
	if got := pulsesIn(time.Millisecond); got != 1193 {
		t.Fatalf("pulses in 1ms = %d", got)
	}
}
