package pci

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/legacypc/internal/hv"
)

func configAddress(bus, device, function, register uint32) uint32 {
	return bus<<16 | device<<11 | function<<8 | register<<2
}

func outl(t *testing.T, hb *HostBridge, port uint16, v uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	exit := hv.IOExit{Direction: hv.IODirectionOut, Size: 4, Port: port, Count: 1}
	if err := hb.HandleIO(exit, buf); err != nil {
		t.Fatalf("outl 0x%04x: %v", port, err)
	}
}

func in(t *testing.T, hb *HostBridge, port uint16, size uint8) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	exit := hv.IOExit{Direction: hv.IODirectionIn, Size: size, Port: port, Count: 1}
	if err := hb.HandleIO(exit, buf); err != nil {
		t.Fatalf("in%d 0x%04x: %v", size, port, err)
	}
	return binary.LittleEndian.Uint32(buf)
}

func newBridge(t *testing.T) *HostBridge {
	t.Helper()
	hb := NewHostBridge()
	if err := hb.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return hb
}

func TestHostBridgeIdentity(t *testing.T) {
	hb := newBridge(t)

	outl(t, hb, pciConfigAddressPort, configAddress(0, 0, 0, 0))
	if got := in(t, hb, pciConfigDataPort, 4); got != 0x12378086 {
		t.Fatalf("vendor/device = 0x%08x, want 0x12378086", got)
	}

	outl(t, hb, pciConfigAddressPort, configAddress(0, 0, 0, 2))
	if got := in(t, hb, pciConfigDataPort, 4); got != 0x06000002 {
		t.Fatalf("class/revision = 0x%08x, want 0x06000002", got)
	}

	outl(t, hb, pciConfigAddressPort, configAddress(0, 0, 0, 0x2c>>2))
	if got := in(t, hb, pciConfigDataPort, 4); got != 0x11001af4 {
		t.Fatalf("subsystem = 0x%08x, want 0x11001af4", got)
	}
}

func TestHostBridgeAddressReadback(t *testing.T) {
	hb := newBridge(t)
	want := uint32(0x80001008)
	outl(t, hb, pciConfigAddressPort, want)
	if got := in(t, hb, pciConfigAddressPort, 4); got != want {
		t.Fatalf("CONFIG_ADDRESS = 0x%08x, want 0x%08x", got, want)
	}
}

func TestHostBridgeDisplayFunction(t *testing.T) {
	hb := newBridge(t)
	outl(t, hb, pciConfigAddressPort, configAddress(0, 2, 0, 0))
	if got := in(t, hb, pciConfigDataPort+2, 2); got&0xffff != 0x0166 {
		t.Fatalf("device id = 0x%04x, want 0x0166", got&0xffff)
	}
	if got := hb.ReadConfig(0, 2, 0, RegClass, 1); got != 0x03 {
		t.Fatalf("class = 0x%02x, want 0x03", got)
	}
}

func TestHostBridgeAbsentFunction(t *testing.T) {
	hb := newBridge(t)
	outl(t, hb, pciConfigAddressPort, configAddress(0, 5, 0, 0))
	if got := in(t, hb, pciConfigDataPort, 4); got != 0xffffffff {
		t.Fatalf("absent read = 0x%08x, want all ones", got)
	}
	outl(t, hb, pciConfigDataPort, 0x12345678)
	if got := in(t, hb, pciConfigDataPort, 4); got != 0xffffffff {
		t.Fatalf("absent read after write = 0x%08x", got)
	}
}

func TestHostBridgeSubwordAccess(t *testing.T) {
	hb := newBridge(t)
	outl(t, hb, pciConfigAddressPort, configAddress(0, 0, 0, 1))

	if got := in(t, hb, pciConfigDataPort, 2); got&0xffff != 0x0006 {
		t.Fatalf("command = 0x%04x, want 0x0006", got&0xffff)
	}
	if got := in(t, hb, pciConfigDataPort+2, 1); got&0xff != 0x80 {
		t.Fatalf("status low = 0x%02x, want 0x80", got&0xff)
	}

	exit := hv.IOExit{Direction: hv.IODirectionOut, Size: 1, Port: pciConfigDataPort + 1, Count: 1}
	if err := hb.HandleIO(exit, []byte{0x01}); err != nil {
		t.Fatalf("write command high: %v", err)
	}
	if got := hb.ReadConfig(0, 0, 0, RegCommand, 2); got != 0x0106 {
		t.Fatalf("command = 0x%04x, want 0x0106", got)
	}
}

func TestHostBridgeIDsReadOnly(t *testing.T) {
	hb := newBridge(t)
	outl(t, hb, pciConfigAddressPort, configAddress(0, 0, 0, 0))
	outl(t, hb, pciConfigDataPort, 0)
	if got := hb.ReadConfig(0, 0, 0, RegVendorID, 4); got != 0x12378086 {
		t.Fatalf("ids changed to 0x%08x", got)
	}
}

func TestHostBridgeAddFunction(t *testing.T) {
	hb := newBridge(t)
	if err := hb.AddFunction(0, 3, 0, 0x1af4, 0x1001); err != nil {
		t.Fatalf("AddFunction: %v", err)
	}
	if err := hb.AddFunction(0, 3, 0, 0x1af4, 0x1001); err == nil {
		t.Fatal("duplicate AddFunction succeeded")
	}
	if err := hb.AddFunction(0, 32, 0, 0x1af4, 0x1001); err == nil {
		t.Fatal("AddFunction accepted device 32")
	}
	outl(t, hb, pciConfigAddressPort, configAddress(0, 3, 0, 0))
	if got := in(t, hb, pciConfigDataPort, 4); got != 0x10011af4 {
		t.Fatalf("added ids = 0x%08x", got)
	}
}

func TestHostBridgeFatalAccesses(t *testing.T) {
	hb := newBridge(t)
	cases := []hv.IOExit{
		{Direction: hv.IODirectionOut, Size: 2, Port: pciConfigAddressPort, Count: 1},
		{Direction: hv.IODirectionIn, Size: 1, Port: pciConfigAddressPort, Count: 1},
		{Direction: hv.IODirectionIn, Size: 4, Port: pciConfigDataPort + 2, Count: 1},
		{Direction: hv.IODirectionIn, Size: 1, Port: 0x0cfa, Count: 1},
	}
	for _, exit := range cases {
		err := hb.HandleIO(exit, make([]byte, 4))
		if !errors.Is(err, hv.ErrProtocolViolation) {
			t.Errorf("%s: err = %v, want protocol violation", exit, err)
		}
	}
}

func TestHostBridgeResetControl(t *testing.T) {
	hb := newBridge(t)
	exit := hv.IOExit{Direction: hv.IODirectionOut, Size: 1, Port: pciResetControlPort, Count: 1}
	if err := hb.HandleIO(exit, []byte{0x02}); err != nil {
		t.Fatalf("write 0x02: %v", err)
	}
	if err := hb.HandleIO(exit, []byte{0x06}); !errors.Is(err, hv.ErrGuestRequestedReboot) {
		t.Fatalf("write 0x06: err = %v, want reboot", err)
	}
}
