package chipset

import (
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/legacypc/internal/hv"
)

type manualTimer struct {
	period  time.Duration
	cb      func()
	stopped bool
}

func (m *manualTimer) Stop() {
	m.stopped = true
}

func (m *manualTimer) Fire() {
	if m.stopped || m.cb == nil {
		return
	}
	m.cb()
}

type manualTimerFactory struct {
	timers []*manualTimer
}

func (m *manualTimerFactory) Factory(period time.Duration, cb func()) timerHandle {
	timer := &manualTimer{period: period, cb: cb}
	m.timers = append(m.timers, timer)
	return timer
}

type recordingInjector struct {
	mu      sync.Mutex
	enabled bool
	vectors []uint8
}

func (r *recordingInjector) InterruptsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *recordingInjector) InjectInterrupt(vector uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectors = append(r.vectors, vector)
	return nil
}

type recordingRaiser struct {
	mu   sync.Mutex
	irqs []uint8
}

func (r *recordingRaiser) Raise(irq uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.irqs = append(r.irqs, irq)
}

func (r *recordingRaiser) count(irq uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.irqs {
		if got == irq {
			n++
		}
	}
	return n
}

type portDevice interface {
	HandleIO(exit hv.IOExit, buf []byte) error
}

func outb(t *testing.T, dev portDevice, port uint16, value byte) {
	t.Helper()
	exit := hv.IOExit{Direction: hv.IODirectionOut, Size: 1, Port: port, Count: 1}
	if err := dev.HandleIO(exit, []byte{value}); err != nil {
		t.Fatalf("out 0x%04x <- 0x%02x: %v", port, value, err)
	}
}

func inb(t *testing.T, dev portDevice, port uint16) byte {
	t.Helper()
	buf := []byte{0}
	exit := hv.IOExit{Direction: hv.IODirectionIn, Size: 1, Port: port, Count: 1}
	if err := dev.HandleIO(exit, buf); err != nil {
		t.Fatalf("in 0x%04x: %v", port, err)
	}
	return buf[0]
}
