package chipset

import (
	"fmt"
	"sync"

	corechipset "github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	dmaSlaveFirstPort        uint16 = 0x00
	dmaSlaveSingleMaskPort   uint16 = 0x0A
	dmaSlaveModePort         uint16 = 0x0B
	dmaSlaveMasterResetPort  uint16 = 0x0D
	dmaSlaveLastPort         uint16 = 0x0F
	dmaMasterFirstPort       uint16 = 0xC0
	dmaMasterSingleMaskPort  uint16 = 0xD4
	dmaMasterModePort        uint16 = 0xD6
	dmaMasterMasterResetPort uint16 = 0xDA
	dmaMasterLastPort        uint16 = 0xDE

	dmaAllChannelsMasked byte = 0x0F
)

// DMATransferMode is bits 7-6 of the mode register.
type DMATransferMode uint8

const (
	DMAOnDemand DMATransferMode = iota
	DMASingle
	DMABlock
	DMACascade
)

// DMATransferType is bits 3-2 of the mode register.
type DMATransferType uint8

const (
	DMAVerify DMATransferType = iota
	DMAWrite
	DMARead
	DMAInvalid
)

// DMAUnitState is the decoded configuration of one 8237.
type DMAUnitState struct {
	Mode      DMATransferMode
	Down      bool
	AutoInit  bool
	Transfer  DMATransferType
	Selection uint8
	Mask      uint8
	FlipFlop  bool
	Status    uint8
}

// DMA models the slave (channels 0-3) and master (channels 4-7) 8237
// controllers. Only reset, mode and single-mask writes are modelled; any
// other access is a protocol violation.
type DMA struct {
	mu     sync.Mutex
	slave  DMAUnitState
	master DMAUnitState
}

// NewDMA returns both units with every channel masked.
func NewDMA() *DMA {
	d := &DMA{}
	d.reset()
	return d
}

func (d *DMA) reset() {
	d.slave = DMAUnitState{Mask: dmaAllChannelsMasked}
	d.master = DMAUnitState{Mask: dmaAllChannelsMasked}
}

// Init implements corechipset.Device.
func (d *DMA) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset()
	return nil
}

// PortRanges implements corechipset.Device.
func (d *DMA) PortRanges() []corechipset.PortRange {
	return []corechipset.PortRange{
		{Start: dmaSlaveFirstPort, End: dmaSlaveLastPort},
		{Start: dmaMasterFirstPort, End: dmaMasterLastPort},
	}
}

// HandleIO implements corechipset.PortIOHandler.
func (d *DMA) HandleIO(exit hv.IOExit, buf []byte) error {
	if !exit.IsWrite() {
		return hv.Unhandled("dma", exit, buf, "reads are not modelled")
	}
	if exit.Size != 1 {
		return hv.Unhandled("dma", exit, buf, "invalid access size %d", exit.Size)
	}
	data, err := exit.Data(buf)
	if err != nil {
		return fmt.Errorf("dma: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, v := range data {
		switch exit.Port {
		case dmaSlaveMasterResetPort:
			d.slave.masterReset()
		case dmaMasterMasterResetPort:
			d.master.masterReset()
		case dmaSlaveModePort:
			d.slave.setMode(v)
		case dmaMasterModePort:
			d.master.setMode(v)
		case dmaSlaveSingleMaskPort:
			d.slave.singleMask(v)
		case dmaMasterSingleMaskPort:
			d.master.singleMask(v)
			// Channel 4 cascades the slave; masking it masks 5-7 too.
			if v&0x3 == 0 && v&0x4 != 0 {
				d.master.Mask = dmaAllChannelsMasked
			}
		default:
			return hv.Unhandled("dma", exit, buf, "register not modelled")
		}
	}
	return nil
}

// Slave returns the configuration of channels 0-3.
func (d *DMA) Slave() DMAUnitState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slave
}

// Master returns the configuration of channels 4-7.
func (d *DMA) Master() DMAUnitState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.master
}

func (u *DMAUnitState) masterReset() {
	u.FlipFlop = false
	u.Status = 0
	u.Mask = dmaAllChannelsMasked
}

// setMode decodes the mode register: bits 7-6 mode, bit 5 address
// decrement, bit 4 auto-init, bits 3-2 transfer type, bits 1-0 channel.
func (u *DMAUnitState) setMode(v byte) {
	u.Mode = DMATransferMode(v >> 6 & 0x3)
	u.Down = v&(1<<5) != 0
	u.AutoInit = v&(1<<4) != 0
	u.Transfer = DMATransferType(v >> 2 & 0x3)
	u.Selection = v & 0x3
}

// singleMask: bit 2 set/clear, bits 1-0 channel.
func (u *DMAUnitState) singleMask(v byte) {
	bit := byte(1) << (v & 0x3)
	if v&0x4 != 0 {
		u.Mask |= bit
	} else {
		u.Mask &^= bit
	}
}

var _ corechipset.Device = (*DMA)(nil)
