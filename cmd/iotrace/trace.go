package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/legacypc/internal/hv"
	"github.com/tinyrange/legacypc/internal/machine"
)

// errMismatch marks a replayed read that returned something other than the
// trace expected.
var errMismatch = errors.New("trace mismatch")

// Trace is a recorded sequence of port accesses.
type Trace struct {
	Name  string `yaml:"name,omitempty"`
	Steps []Step `yaml:"steps"`
}

// Step is one trace entry.
//
//	op: out    write data to port
//	op: in     read port, compare with expect when present
//	op: sync   wait for queued ATA work
//	op: ack    take the next vector from the PIC, compare with expect
type Step struct {
	Op     string  `yaml:"op"`
	Port   uint16  `yaml:"port,omitempty"`
	Size   uint8   `yaml:"size,omitempty"`
	Data   uint32  `yaml:"data,omitempty"`
	Expect *uint32 `yaml:"expect,omitempty"`
	// Repeat runs the step this many times.
	Repeat int `yaml:"repeat,omitempty"`
	// Error names the failure the step must produce: reboot, violation or
	// unclaimed.
	Error string `yaml:"error,omitempty"`
}

func (s Step) String() string {
	switch s.Op {
	case "out":
		return fmt.Sprintf("out%d 0x%04x <- 0x%x", s.Size, s.Port, s.Data)
	case "in":
		return fmt.Sprintf("in%d 0x%04x", s.Size, s.Port)
	default:
		return s.Op
	}
}

func loadTrace(fs afero.Fs, path string) (Trace, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Trace{}, fmt.Errorf("read trace: %w", err)
	}
	return parseTrace(data)
}

func parseTrace(data []byte) (Trace, error) {
	var tr Trace
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return Trace{}, fmt.Errorf("parse trace: %w", err)
	}
	for i := range tr.Steps {
		s := &tr.Steps[i]
		if s.Size == 0 {
			s.Size = 1
		}
		if s.Repeat == 0 {
			s.Repeat = 1
		}
		switch s.Op {
		case "out", "in":
			switch s.Size {
			case 1, 2, 4:
			default:
				return Trace{}, fmt.Errorf("step %d: invalid size %d", i, s.Size)
			}
		case "sync", "ack":
		default:
			return Trace{}, fmt.Errorf("step %d: unknown op %q", i, s.Op)
		}
		switch s.Error {
		case "", "reboot", "violation", "unclaimed":
		default:
			return Trace{}, fmt.Errorf("step %d: unknown error class %q", i, s.Error)
		}
	}
	return tr, nil
}

// total is the number of accesses the trace performs.
func (tr Trace) total() int {
	n := 0
	for _, s := range tr.Steps {
		n += s.Repeat
	}
	return n
}

func errorClass(name string) error {
	switch name {
	case "reboot":
		return hv.ErrGuestRequestedReboot
	case "violation":
		return hv.ErrProtocolViolation
	case "unclaimed":
		return hv.ErrPortUnclaimed
	}
	return nil
}

// replay runs every step of tr against m. progress is called after each
// access.
func replay(ctx context.Context, m *machine.Machine, tr Trace, progress func()) error {
	for i, s := range tr.Steps {
		for range s.Repeat {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := runStep(m, s)
			if want := errorClass(s.Error); want != nil {
				if !errors.Is(err, want) {
					return fmt.Errorf("step %d (%s): got %v, want %w", i, s, err, want)
				}
				err = nil
			}
			if err != nil {
				return fmt.Errorf("step %d (%s): %w", i, s, err)
			}
			if progress != nil {
				progress()
			}
		}
	}
	return nil
}

func runStep(m *machine.Machine, s Step) error {
	switch s.Op {
	case "out":
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, s.Data)
		return m.HandleIO(hv.IOExit{
			Direction: hv.IODirectionOut,
			Size:      s.Size,
			Port:      s.Port,
			Count:     1,
		}, buf[:s.Size])

	case "in":
		buf := make([]byte, 4)
		if err := m.HandleIO(hv.IOExit{
			Direction: hv.IODirectionIn,
			Size:      s.Size,
			Port:      s.Port,
			Count:     1,
		}, buf[:s.Size]); err != nil {
			return err
		}
		got := binary.LittleEndian.Uint32(buf)
		slog.Debug("iotrace: read", "port", fmt.Sprintf("0x%04x", s.Port), "value", fmt.Sprintf("0x%x", got))
		if s.Expect != nil && got != *s.Expect {
			return fmt.Errorf("read 0x%x, want 0x%x: %w", got, *s.Expect, errMismatch)
		}
		return nil

	case "sync":
		return m.ATA().Sync()

	case "ack":
		vec, ok := m.PIC().Acknowledge()
		if s.Expect == nil {
			return nil
		}
		if !ok {
			return fmt.Errorf("no pending vector, want 0x%02x: %w", *s.Expect, errMismatch)
		}
		if uint32(vec) != *s.Expect {
			return fmt.Errorf("vector 0x%02x, want 0x%02x: %w", vec, *s.Expect, errMismatch)
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", s.Op)
}
