package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/tinyrange/legacypc/internal/config"
	"github.com/tinyrange/legacypc/internal/machine"
)

func newTraceMachine(t *testing.T) *machine.Machine {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/boot.iso", make([]byte, 4*2048), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/disk.img", make([]byte, 64*512), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.CDROM = "/boot.iso"
	cfg.Disk = "/disk.img"

	m, err := machine.New(cfg, nil, machine.WithFs(fs))
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestReplayBIOSProbe(t *testing.T) {
	tr, err := loadTrace(afero.NewOsFs(), "testdata/bios_probe.yml")
	if err != nil {
		t.Fatalf("loadTrace: %v", err)
	}
	if tr.Name != "bios-probe" {
		t.Fatalf("name = %q", tr.Name)
	}

	m := newTraceMachine(t)
	steps := 0
	if err := replay(context.Background(), m, tr, func() { steps++ }); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if steps != tr.total() {
		t.Fatalf("progress called %d times, want %d", steps, tr.total())
	}
}

func TestReplayMismatch(t *testing.T) {
	tr, err := parseTrace([]byte(`
steps:
  - {op: out, port: 0x70, data: 0x15}
  - {op: in, port: 0x71, expect: 0x81}
`))
	if err != nil {
		t.Fatalf("parseTrace: %v", err)
	}
	err = replay(context.Background(), newTraceMachine(t), tr, nil)
	if !errors.Is(err, errMismatch) {
		t.Fatalf("err = %v, want mismatch", err)
	}
	if !strings.Contains(err.Error(), "step 1") {
		t.Fatalf("error does not name the step: %v", err)
	}
}

func TestReplayUnexpectedViolation(t *testing.T) {
	tr, err := parseTrace([]byte("steps:\n  - {op: in, port: 0x3f7}\n"))
	if err != nil {
		t.Fatalf("parseTrace: %v", err)
	}
	if err := replay(context.Background(), newTraceMachine(t), tr, nil); err == nil {
		t.Fatal("replay succeeded across a protocol violation")
	}
}

func TestReplayExpectedErrorMissing(t *testing.T) {
	tr, err := parseTrace([]byte("steps:\n  - {op: out, port: 0x64, data: 0xaa, error: reboot}\n"))
	if err != nil {
		t.Fatalf("parseTrace: %v", err)
	}
	if err := replay(context.Background(), newTraceMachine(t), tr, nil); err == nil {
		t.Fatal("replay accepted a step that did not reboot")
	}
}

func TestReplayCancelled(t *testing.T) {
	tr, err := parseTrace([]byte("steps:\n  - {op: in, port: 0x60}\n"))
	if err != nil {
		t.Fatalf("parseTrace: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := replay(ctx, newTraceMachine(t), tr, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestParseTraceRejects(t *testing.T) {
	for _, doc := range []string{
		"steps:\n  - {op: jump}\n",
		"steps:\n  - {op: in, port: 0x60, size: 3}\n",
		"steps:\n  - {op: in, port: 0x60, error: panic}\n",
	} {
		if _, err := parseTrace([]byte(doc)); err == nil {
			t.Errorf("parseTrace accepted %q", doc)
		}
	}
}

func TestParseTraceDefaults(t *testing.T) {
	tr, err := parseTrace([]byte("steps:\n  - {op: in, port: 0x1f0, size: 2, repeat: 4}\n  - {op: sync}\n"))
	if err != nil {
		t.Fatalf("parseTrace: %v", err)
	}
	if tr.Steps[1].Size != 1 || tr.Steps[1].Repeat != 1 {
		t.Fatalf("defaults = %+v", tr.Steps[1])
	}
	if tr.total() != 5 {
		t.Fatalf("total = %d, want 5", tr.total())
	}
}
