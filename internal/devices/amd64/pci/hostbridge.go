package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	pciConfigAddressPort uint16 = 0x0cf8
	pciResetControlPort  uint16 = 0x0cf9
	pciConfigDataPort    uint16 = 0x0cfc
	pciLastPort          uint16 = 0x0cff

	configSpaceSize = 256

	maxDevices   = 32
	maxFunctions = 8
)

// Configuration header offsets.
const (
	RegVendorID       = 0x00
	RegDeviceID       = 0x02
	RegCommand        = 0x04
	RegStatus         = 0x06
	RegRevision       = 0x08
	RegProgIF         = 0x09
	RegSubclass       = 0x0A
	RegClass          = 0x0B
	RegHeaderType     = 0x0E
	RegSubsysVendorID = 0x2C
	RegSubsysID       = 0x2E

	// 82441FX DRAM row boundary 0.
	regI440FXDRB0 = 0x60
)

const (
	vendorIntel       = 0x8086
	deviceI440FX      = 0x1237
	deviceDisplay     = 0x0166
	vendorRedHatVirt  = 0x1af4
	subsystemQEMUHost = 0x1100
	classBridge       = 0x06
	classDisplay      = 0x03

	resetControlCPU = 1 << 2
)

type pciLocation struct {
	bus      uint8
	device   uint8
	function uint8
}

func (l pciLocation) String() string {
	return fmt.Sprintf("%02x:%02x.%d", l.bus, l.device, l.function)
}

type configSpace [configSpaceSize]byte

// HostBridge implements PCI configuration mechanism #1 at ports
// 0xCF8-0xCFF. Functions that were never added read as all ones and ignore
// writes.
type HostBridge struct {
	mu sync.Mutex

	address uint32
	cursor  pciLocation
	reg     uint8

	resetControl byte

	config   map[pciLocation]*configSpace
	readOnly map[pciLocation]map[uint32]struct{}
}

// NewHostBridge returns a bridge populated with the 440FX host bridge at
// 00:00.0 and a display controller at 00:02.0.
func NewHostBridge() *HostBridge {
	hb := &HostBridge{}
	hb.reset()
	return hb
}

func (hb *HostBridge) reset() {
	hb.address = 0
	hb.cursor = pciLocation{}
	hb.reg = 0
	hb.resetControl = 0
	hb.config = make(map[pciLocation]*configSpace)
	hb.readOnly = make(map[pciLocation]map[uint32]struct{})

	host := hb.addFunctionLocked(pciLocation{}, vendorIntel, deviceI440FX)
	binary.LittleEndian.PutUint16(host[RegCommand:], 0x0006)
	binary.LittleEndian.PutUint16(host[RegStatus:], 0x0280)
	host[RegRevision] = 0x02
	host[RegClass] = classBridge
	host[regI440FXDRB0] = 0x01
	binary.LittleEndian.PutUint16(host[RegSubsysVendorID:], vendorRedHatVirt)
	binary.LittleEndian.PutUint16(host[RegSubsysID:], subsystemQEMUHost)

	display := hb.addFunctionLocked(pciLocation{device: 2}, vendorIntel, deviceDisplay)
	display[RegSubclass] = 0x00
	display[RegClass] = classDisplay
}

// Init implements chipset.Device.
func (hb *HostBridge) Init() error {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	hb.reset()
	return nil
}

// PortRanges implements chipset.Device.
func (hb *HostBridge) PortRanges() []chipset.PortRange {
	return []chipset.PortRange{{Start: pciConfigAddressPort, End: pciLastPort}}
}

// AddFunction populates bus/device/function with a blank configuration
// header carrying the given IDs.
func (hb *HostBridge) AddFunction(bus, device, function uint8, vendorID, deviceID uint16) error {
	if device >= maxDevices || function >= maxFunctions {
		return fmt.Errorf("pci: invalid location %02x:%02x.%d", bus, device, function)
	}
	loc := pciLocation{bus: bus, device: device, function: function}

	hb.mu.Lock()
	defer hb.mu.Unlock()
	if _, exists := hb.config[loc]; exists {
		return fmt.Errorf("pci: function %s already present", loc)
	}
	hb.addFunctionLocked(loc, vendorID, deviceID)
	return nil
}

func (hb *HostBridge) addFunctionLocked(loc pciLocation, vendorID, deviceID uint16) *configSpace {
	cfg := &configSpace{}
	binary.LittleEndian.PutUint16(cfg[RegVendorID:], vendorID)
	binary.LittleEndian.PutUint16(cfg[RegDeviceID:], deviceID)
	hb.config[loc] = cfg
	hb.setReadOnlyRange(loc, RegVendorID, RegDeviceID+1)
	hb.setReadOnlyRange(loc, RegRevision, RegClass)
	hb.setReadOnlyRange(loc, RegHeaderType, RegHeaderType)
	return cfg
}

// ReadConfig returns size bytes (1, 2 or 4) at offset of a function, or all
// ones when the function is absent.
func (hb *HostBridge) ReadConfig(bus, device, function uint8, offset uint8, size int) uint32 {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	loc := pciLocation{bus: bus, device: device, function: function}
	var v uint32
	for i := 0; i < size; i++ {
		v |= uint32(hb.readConfigByte(loc, uint32(offset)+uint32(i))) << (8 * i)
	}
	return v
}

// HandleIO implements chipset.PortIOHandler.
func (hb *HostBridge) HandleIO(exit hv.IOExit, buf []byte) error {
	data, err := exit.Data(buf)
	if err != nil {
		return fmt.Errorf("pci: %w", err)
	}

	hb.mu.Lock()
	defer hb.mu.Unlock()

	switch {
	case exit.Port == pciConfigAddressPort:
		if exit.Size != 4 {
			return hv.Unhandled("pci", exit, buf, "CONFIG_ADDRESS requires a 4-byte access")
		}
		for off := 0; off < len(data); off += 4 {
			if exit.IsWrite() {
				hb.setAddressLocked(binary.LittleEndian.Uint32(data[off:]))
			} else {
				binary.LittleEndian.PutUint32(data[off:], hb.address)
			}
		}
	case exit.Port == pciResetControlPort && exit.Size == 1:
		return hb.resetControlLocked(exit, data)
	case exit.Port >= pciConfigDataPort && exit.Port <= pciLastPort:
		offset := uint32(exit.Port - pciConfigDataPort)
		if offset+uint32(exit.Size) > 4 {
			return hv.Unhandled("pci", exit, buf, "CONFIG_DATA access crosses the dword")
		}
		base := uint32(hb.reg)*4 + offset
		size := int(exit.Size)
		for off := 0; off < len(data); off += size {
			for i := 0; i < size; i++ {
				if exit.IsWrite() {
					hb.writeConfigByte(hb.cursor, base+uint32(i), data[off+i])
				} else {
					data[off+i] = hb.readConfigByte(hb.cursor, base+uint32(i))
				}
			}
		}
	default:
		return hv.Unhandled("pci", exit, buf, "unmodelled register")
	}
	return nil
}

// setAddressLocked decodes CONFIG_ADDRESS: bits 23-16 bus, 15-11 device,
// 10-8 function, 7-2 register. The enable bit is not required.
func (hb *HostBridge) setAddressLocked(v uint32) {
	hb.address = v
	hb.cursor = pciLocation{
		bus:      uint8(v >> 16),
		device:   uint8(v>>11) & 0x1F,
		function: uint8(v>>8) & 0x7,
	}
	hb.reg = uint8(v>>2) & 0x3F
}

// resetControlLocked models the PIIX reset control register sharing 0xCF9
// with the CONFIG_ADDRESS dword.
func (hb *HostBridge) resetControlLocked(exit hv.IOExit, data []byte) error {
	if !exit.IsWrite() {
		for i := range data {
			data[i] = hb.resetControl
		}
		return nil
	}
	for _, v := range data {
		hb.resetControl = v &^ resetControlCPU
		if v&resetControlCPU != 0 {
			slog.Info("pci: reset control requested CPU reset", "value", v)
			return hv.ErrGuestRequestedReboot
		}
	}
	return nil
}

func (hb *HostBridge) readConfigByte(loc pciLocation, reg uint32) byte {
	cfg, ok := hb.config[loc]
	if !ok || reg >= configSpaceSize {
		return 0xFF
	}
	return cfg[reg]
}

func (hb *HostBridge) writeConfigByte(loc pciLocation, reg uint32, value byte) {
	cfg, ok := hb.config[loc]
	if !ok || reg >= configSpaceSize {
		return
	}
	if hb.isReadOnly(loc, reg) {
		return
	}
	cfg[reg] = value
}

func (hb *HostBridge) setReadOnlyRange(loc pciLocation, start, end uint32) {
	if hb.readOnly[loc] == nil {
		hb.readOnly[loc] = make(map[uint32]struct{})
	}
	for offset := start; offset <= end; offset++ {
		hb.readOnly[loc][offset] = struct{}{}
	}
}

func (hb *HostBridge) isReadOnly(loc pciLocation, offset uint32) bool {
	entries, ok := hb.readOnly[loc]
	if !ok {
		return false
	}
	_, ro := entries[offset]
	return ro
}

var _ chipset.Device = (*HostBridge)(nil)
