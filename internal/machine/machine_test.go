package machine

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/tinyrange/legacypc/internal/config"
	"github.com/tinyrange/legacypc/internal/devices/amd64/ata"
	"github.com/tinyrange/legacypc/internal/hv"
)

func newTestMachine(t *testing.T) *Machine {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/boot.iso", make([]byte, 8*2048), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/disk.img", make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.CDROM = "/boot.iso"
	cfg.Disk = "/disk.img"

	m, err := New(cfg, nil, WithFs(fs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return m
}

func access(t *testing.T, m *Machine, dir hv.IODirection, port uint16, size uint8, buf []byte) error {
	t.Helper()
	return m.HandleIO(hv.IOExit{Direction: dir, Size: size, Port: port, Count: 1}, buf)
}

func outb(t *testing.T, m *Machine, port uint16, v byte) {
	t.Helper()
	if err := access(t, m, hv.IODirectionOut, port, 1, []byte{v}); err != nil {
		t.Fatalf("out 0x%04x <- 0x%02x: %v", port, v, err)
	}
}

func inb(t *testing.T, m *Machine, port uint16) byte {
	t.Helper()
	buf := []byte{0}
	if err := access(t, m, hv.IODirectionIn, port, 1, buf); err != nil {
		t.Fatalf("in 0x%04x: %v", port, err)
	}
	return buf[0]
}

func inw(t *testing.T, m *Machine, port uint16) uint16 {
	t.Helper()
	buf := make([]byte, 2)
	if err := access(t, m, hv.IODirectionIn, port, 2, buf); err != nil {
		t.Fatalf("inw 0x%04x: %v", port, err)
	}
	return binary.LittleEndian.Uint16(buf)
}

func outl(t *testing.T, m *Machine, port uint16, v uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	if err := access(t, m, hv.IODirectionOut, port, 4, buf); err != nil {
		t.Fatalf("outl 0x%04x <- 0x%08x: %v", port, v, err)
	}
}

func inl(t *testing.T, m *Machine, port uint16) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := access(t, m, hv.IODirectionIn, port, 4, buf); err != nil {
		t.Fatalf("inl 0x%04x: %v", port, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func TestPortMap(t *testing.T) {
	m := newTestMachine(t)
	tests := []struct {
		port  uint16
		owner string
	}{
		{0x00, DeviceDMA}, {0x0f, DeviceDMA}, {0xc0, DeviceDMA}, {0xde, DeviceDMA},
		{0x20, DevicePIC}, {0x21, DevicePIC}, {0xa0, DevicePIC}, {0xa1, DevicePIC},
		{0x40, DevicePIT}, {0x43, DevicePIT},
		{0x60, DeviceI8042}, {0x64, DeviceI8042},
		{0x70, DeviceCMOS}, {0x71, DeviceCMOS},
		{0x1f0, DeviceATAPrimary}, {0x1f7, DeviceATAPrimary}, {0x3f6, DeviceATAPrimary}, {0x3f7, DeviceATAPrimary},
		{0x170, DeviceATASecondary}, {0x177, DeviceATASecondary}, {0x376, DeviceATASecondary}, {0x377, DeviceATASecondary},
		{0xcf8, DevicePCI}, {0xcff, DevicePCI},
	}
	for _, tt := range tests {
		owner, ok := m.Chipset().Owner(tt.port)
		if !ok || owner != tt.owner {
			t.Errorf("port 0x%04x owned by %q (%v), want %q", tt.port, owner, ok, tt.owner)
		}
	}
	for _, port := range []uint16{0x61, 0x80, 0x3f8} {
		if m.Chipset().Claimed(port) {
			t.Errorf("port 0x%04x unexpectedly claimed", port)
		}
	}
}

func TestUnclaimedPort(t *testing.T) {
	m := newTestMachine(t)
	err := access(t, m, hv.IODirectionIn, 0x3f8, 1, []byte{0})
	if !errors.Is(err, hv.ErrPortUnclaimed) {
		t.Fatalf("err = %v, want ErrPortUnclaimed", err)
	}
}

// TestBIOSProbe replays the port traffic of a BIOS bring-up and checks each
// device answers the way firmware expects.
func TestBIOSProbe(t *testing.T) {
	m := newTestMachine(t)

	// PIC: remap to 0x08/0x70, cascade on IRQ2, 8086 mode.
	for _, w := range []struct {
		port uint16
		v    byte
	}{
		{0x20, 0x11}, {0x21, 0x08}, {0x21, 0x04}, {0x21, 0x01},
		{0xa0, 0x11}, {0xa1, 0x70}, {0xa1, 0x02}, {0xa1, 0x01},
		{0x21, 0xf8}, {0xa1, 0xbf},
	} {
		outb(t, m, w.port, w.v)
	}
	if got := inb(t, m, 0x21); got != 0xf8 {
		t.Fatalf("primary IMR = 0x%02x", got)
	}
	if got := inb(t, m, 0xa1); got != 0xbf {
		t.Fatalf("secondary IMR = 0x%02x", got)
	}

	// PIT: channel 0, lo/hi, mode 2, 100 Hz.
	outb(t, m, 0x43, 0x34)
	outb(t, m, 0x40, 0x9c)
	outb(t, m, 0x40, 0x2e)
	if ch := m.PIT().Channel(0); ch.Divisor != 0x2e9c || ch.Mode != 2 {
		t.Fatalf("PIT channel 0 = %+v", ch)
	}

	// Keyboard controller self-test raises IRQ1.
	outb(t, m, 0x64, 0xaa)
	if st := inb(t, m, 0x64); st&0x01 == 0 {
		t.Fatalf("i8042 status = 0x%02x, want OBF", st)
	}
	if got := inb(t, m, 0x60); got != 0x55 {
		t.Fatalf("self-test = 0x%02x, want 0x55", got)
	}
	if vec, ok := m.PIC().Acknowledge(); !ok || vec != 0x09 {
		t.Fatalf("keyboard vector = 0x%02x (%v), want 0x09", vec, ok)
	}
	outb(t, m, 0x20, 0x20)

	// CMOS base memory.
	outb(t, m, 0x70, 0x15)
	lo := inb(t, m, 0x71)
	outb(t, m, 0x70, 0x16)
	hi := inb(t, m, 0x71)
	if kb := uint16(hi)<<8 | uint16(lo); kb != 640 {
		t.Fatalf("base memory = %d KiB", kb)
	}

	// PCI host bridge at 00:00.0.
	outl(t, m, 0xcf8, 0x80000000)
	if id := inl(t, m, 0xcfc); id != 0x12378086 {
		t.Fatalf("host bridge id = 0x%08x", id)
	}
	outl(t, m, 0xcf8, 0x80000000|31<<11)
	if id := inl(t, m, 0xcfc); id != 0xffffffff {
		t.Fatalf("absent device id = 0x%08x", id)
	}

	// ATAPI IDENTIFY PACKET DEVICE completes on the work queue and raises
	// IRQ14 on the secondary PIC.
	outb(t, m, 0x1f6, 0xa0)
	outb(t, m, 0x1f7, 0xa1)
	if err := m.ATA().Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if st := inb(t, m, 0x1f7); st&ata.StatusDRQ == 0 || st&ata.StatusBusy != 0 {
		t.Fatalf("ATA status = 0x%02x", st)
	}
	if w0 := inw(t, m, 0x1f0); w0 != 0x85c0 {
		t.Fatalf("identify word 0 = 0x%04x", w0)
	}
	for i := 1; i < 256; i++ {
		inw(t, m, 0x1f0)
	}
	if st := inb(t, m, 0x1f7); st&ata.StatusDRQ != 0 {
		t.Fatalf("DRQ still set after 512 bytes: 0x%02x", st)
	}
	if vec, ok := m.PIC().Acknowledge(); !ok || vec != 0x76 {
		t.Fatalf("ATA vector = 0x%02x (%v), want 0x76", vec, ok)
	}
	if n := m.Lines().Raises(IRQPrimaryATA); n != 1 {
		t.Fatalf("IRQ14 raised %d times", n)
	}
}

func TestSecondaryChannelIsFatal(t *testing.T) {
	m := newTestMachine(t)
	err := access(t, m, hv.IODirectionIn, 0x177, 1, []byte{0})
	if !errors.Is(err, hv.ErrProtocolViolation) {
		t.Fatalf("err = %v, want ErrProtocolViolation", err)
	}
}

func TestKeyboardResetRequestsReboot(t *testing.T) {
	m := newTestMachine(t)
	err := access(t, m, hv.IODirectionOut, 0x64, 1, []byte{0xfe})
	if !errors.Is(err, hv.ErrGuestRequestedReboot) {
		t.Fatalf("err = %v, want ErrGuestRequestedReboot", err)
	}
}

func TestNewMissingImage(t *testing.T) {
	cfg := config.Default()
	cfg.CDROM = "/absent.iso"
	cfg.Disk = "/absent.img"
	if _, err := New(cfg, nil, WithFs(afero.NewMemMapFs())); err == nil {
		t.Fatal("New succeeded without images")
	}
}

func TestStartWithoutHost(t *testing.T) {
	m := newTestMachine(t)
	if err := m.Start(); err == nil {
		t.Fatal("Start succeeded without an interrupt injector")
	}
}

func TestStartDeliversTimerInterrupts(t *testing.T) {
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/boot.iso", make([]byte, 2048), 0o644)
	afero.WriteFile(fs, "/disk.img", make([]byte, 512), 0o644)
	cfg := config.Default()
	cfg.CDROM = "/boot.iso"
	cfg.Disk = "/disk.img"

	vectors := make(chan uint8, 16)
	host := hv.InterruptInjectorFuncs{
		EnabledFunc: func() bool { return true },
		InjectFunc: func(v uint8) error {
			select {
			case vectors <- v:
			default:
			}
			return nil
		},
	}
	m, err := New(cfg, host, WithFs(fs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	for _, w := range []struct {
		port uint16
		v    byte
	}{
		{0x20, 0x11}, {0x21, 0x20}, {0x21, 0x04}, {0x21, 0x03}, // auto EOI
		{0x21, 0xfe},
		{0x43, 0x34}, {0x40, 0x00}, {0x40, 0x01}, // divisor 256
	} {
		outb(t, m, w.port, w.v)
	}
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if v := <-vectors; v != 0x20 {
		t.Fatalf("vector = 0x%02x, want 0x20", v)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
