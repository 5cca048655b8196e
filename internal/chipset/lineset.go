package chipset

import "sync"

// IRQRaiser latches an edge on a legacy IRQ line (0-15).
type IRQRaiser interface {
	Raise(irq uint8)
}

// IRQRaiserFunc adapts a function to IRQRaiser.
type IRQRaiserFunc func(irq uint8)

func (f IRQRaiserFunc) Raise(irq uint8) {
	if f != nil {
		f(irq)
	}
}

// Line is a single interrupt line bound to a fixed IRQ number.
type Line interface {
	Raise()
}

// LineSet hands out Line handles that forward to an IRQRaiser and keeps a
// per-line count of raised edges.
type LineSet struct {
	mu sync.Mutex

	sink   IRQRaiser
	raises map[uint8]uint64
}

// NewLineSet builds a LineSet that forwards edges to sink.
func NewLineSet(sink IRQRaiser) *LineSet {
	if sink == nil {
		sink = noopRaiser{}
	}
	return &LineSet{
		sink:   sink,
		raises: make(map[uint8]uint64),
	}
}

// AllocateLine returns a Line handle for irq.
func (l *LineSet) AllocateLine(irq uint8) Line {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.raises[irq]; !ok {
		l.raises[irq] = 0
	}
	return &lineHandle{owner: l, irq: irq}
}

// Raises returns how many edges were forwarded on irq.
func (l *LineSet) Raises(irq uint8) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raises[irq]
}

func (l *LineSet) raise(irq uint8) {
	l.mu.Lock()
	l.raises[irq]++
	sink := l.sink
	l.mu.Unlock()

	sink.Raise(irq)
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) Raise() {
	h.owner.raise(h.irq)
}

// DetachedLine returns a Line that drops every edge.
func DetachedLine() Line { return detachedLine{} }

type detachedLine struct{}

func (detachedLine) Raise() {}

type noopRaiser struct{}

func (noopRaiser) Raise(uint8) {}
