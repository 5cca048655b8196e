package hv

import (
	"errors"
	"fmt"
)

var (
	// ErrPortClaimed is returned when a port is registered twice.
	ErrPortClaimed = errors.New("I/O port already claimed")
	// ErrPortUnclaimed is returned when an access targets a port no device owns.
	ErrPortUnclaimed = errors.New("I/O port not claimed")
	// ErrProtocolViolation marks guest behavior the device model does not cover.
	// The host loop must treat it as terminal.
	ErrProtocolViolation = errors.New("device protocol violation")
	// ErrGuestRequestedReboot is returned when the guest pulses the reset line.
	ErrGuestRequestedReboot = errors.New("guest requested reboot")
)

type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

func (d IODirection) String() string {
	switch d {
	case IODirectionIn:
		return "in"
	case IODirectionOut:
		return "out"
	default:
		return fmt.Sprintf("IODirection(%d)", uint8(d))
	}
}

// IOExit describes a single trapped port access. The layout mirrors the
// io member of struct kvm_run: the transferred bytes live in a buffer owned
// by the host at DataOffset.
type IOExit struct {
	Direction  IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

// IsWrite reports whether the guest executed an OUT.
func (e IOExit) IsWrite() bool { return e.Direction == IODirectionOut }

// Len is the number of bytes moved by the access (size * count).
func (e IOExit) Len() int {
	count := e.Count
	if count == 0 {
		count = 1
	}
	return int(e.Size) * int(count)
}

// Data returns the window of buf addressed by the access.
func (e IOExit) Data(buf []byte) ([]byte, error) {
	switch e.Size {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("invalid I/O size %d at port 0x%04x", e.Size, e.Port)
	}
	end := e.DataOffset + uint64(e.Len())
	if end < e.DataOffset || end > uint64(len(buf)) {
		return nil, fmt.Errorf("I/O data window 0x%x+%d exceeds buffer of %d bytes", e.DataOffset, e.Len(), len(buf))
	}
	return buf[e.DataOffset:end], nil
}

func (e IOExit) String() string {
	return fmt.Sprintf("port=0x%04x dir=%s size=%d count=%d offset=0x%x",
		e.Port, e.Direction, e.Size, e.Count, e.DataOffset)
}

// UnhandledAccessError reports a port access outside a device model together
// with the full descriptor context.
type UnhandledAccessError struct {
	Device string
	Exit   IOExit
	// Value is the byte at the buffer offset when the access was trapped.
	Value  byte
	Reason string
}

func (e *UnhandledAccessError) Error() string {
	return fmt.Sprintf("%s: %s (%s data=0x%02x)", e.Device, e.Reason, e.Exit, e.Value)
}

func (e *UnhandledAccessError) Unwrap() error { return ErrProtocolViolation }

// Unhandled builds an UnhandledAccessError for exit, capturing the byte
// currently at the data offset of buf.
func Unhandled(device string, exit IOExit, buf []byte, format string, args ...any) error {
	var value byte
	if exit.DataOffset < uint64(len(buf)) {
		value = buf[exit.DataOffset]
	}
	return &UnhandledAccessError{
		Device: device,
		Exit:   exit,
		Value:  value,
		Reason: fmt.Sprintf(format, args...),
	}
}

// InterruptInjector is implemented by the host collaborator that owns the
// virtual CPU.
type InterruptInjector interface {
	// InterruptsEnabled reports whether the guest currently accepts
	// external interrupts (RFLAGS.IF set and no injection pending).
	InterruptsEnabled() bool
	// InjectInterrupt delivers vector to the virtual CPU.
	InjectInterrupt(vector uint8) error
}

// InterruptInjectorFuncs adapts a pair of functions to InterruptInjector.
type InterruptInjectorFuncs struct {
	EnabledFunc func() bool
	InjectFunc  func(vector uint8) error
}

func (f InterruptInjectorFuncs) InterruptsEnabled() bool {
	if f.EnabledFunc == nil {
		return false
	}
	return f.EnabledFunc()
}

func (f InterruptInjectorFuncs) InjectInterrupt(vector uint8) error {
	if f.InjectFunc == nil {
		return nil
	}
	return f.InjectFunc(vector)
}

var _ InterruptInjector = InterruptInjectorFuncs{}
