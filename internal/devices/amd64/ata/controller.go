package ata

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/afero"

	"github.com/tinyrange/legacypc/internal/chipset"
	"github.com/tinyrange/legacypc/internal/hv"
)

const (
	PrimaryCommandBase   uint16 = 0x1f0
	PrimaryControlBase   uint16 = 0x3f6
	SecondaryCommandBase uint16 = 0x170
	SecondaryControlBase uint16 = 0x376

	commandBlockPorts = 8
	controlBlockPorts = 2

	// DataBufferSize bounds one data phase.
	DataBufferSize = 64 << 10

	defaultQueueDepth = 4
)

// Command block register offsets.
const (
	regData        = 0
	regErrFeatures = 1
	regSectorCount = 2
	regLBALow      = 3
	regLBAMid      = 4
	regLBAHigh     = 5
	regDriveHead   = 6
	regStatusCmd   = 7
)

// Status register bits.
const (
	StatusErr   = 1 << 0
	StatusDRQ   = 1 << 3
	StatusReady = 1 << 6
	StatusBusy  = 1 << 7
)

// ErrorAbort is the aborted-command bit of the error register.
const ErrorAbort = 1 << 2

const (
	cmdNOP            = 0x00
	cmdPacket         = 0xa0
	cmdIdentifyPacket = 0xa1
	cmdIdentifyDevice = 0xec
)

// Task file contents an ATAPI unit reports after rejecting IDENTIFY DEVICE.
const (
	atapiSignatureSectors = 0x01
	atapiSignatureLBALow  = 0x01
	atapiSignatureLBAMid  = 0x14
	atapiSignatureLBAHigh = 0xeb
)

// ATAPI interrupt reason, reported in the sector count register.
const (
	interruptReasonCoD = 1 << 0
	interruptReasonIO  = 1 << 1

	maxByteCount = 0xfffe
)

const (
	errorSenseKeyShift = 4

	deviceControlNIEN = 1 << 1
	deviceControlSRST = 1 << 2

	driveHeadDrive    = 1 << 4
	driveHeadLBA      = 1 << 6
	driveHeadHeadMask = 0x0f
)

const (
	unitCDROM = 0
	unitDisk  = 1
)

// driveHead is the drive/head select register.
type driveHead byte

// unit returns the selected drive (bit 4).
func (d driveHead) unit() int {
	if d&driveHeadDrive != 0 {
		return unitDisk
	}
	return unitCDROM
}

// lbaMode reports LBA addressing (bit 6).
func (d driveHead) lbaMode() bool { return d&driveHeadLBA != 0 }

// head is bits 3-0: the CHS head or LBA bits 27-24.
func (d driveHead) head() byte { return byte(d) & driveHeadHeadMask }

// deviceControl is the device control register written at the control block.
type deviceControl byte

// softwareReset is SRST (bit 2).
func (c deviceControl) softwareReset() bool { return c&deviceControlSRST != 0 }

// interruptsDisabled is nIEN (bit 1).
func (c deviceControl) interruptsDisabled() bool { return c&deviceControlNIEN != 0 }

// expectation is what the channel waits for next.
type expectation uint8

const (
	expectNothing expectation = iota
	expectCDB
	expectIdentify
)

func (e expectation) String() string {
	switch e {
	case expectNothing:
		return "nothing"
	case expectCDB:
		return "cdb"
	case expectIdentify:
		return "identify"
	default:
		return fmt.Sprintf("expectation(%d)", uint8(e))
	}
}

// Option customises a Controller.
type Option func(*Controller)

// WithFs opens the backing images on fs instead of the host file system.
func WithFs(fs afero.Fs) Option {
	return func(c *Controller) {
		if fs != nil {
			c.fs = fs
		}
	}
}

// WithQueueDepth sets how many tasks may wait on the work queue.
func WithQueueDepth(depth int) Option {
	return func(c *Controller) {
		if depth > 0 {
			c.queueDepth = depth
		}
	}
}

// Controller is the primary IDE channel with an ATAPI CD-ROM as drive 0
// and an ATA hard disk as drive 1.
//
// Locks are taken in the order regMu, cdbMu, dataMu, statusMu.
type Controller struct {
	statusMu sync.Mutex
	status   byte
	errReg   byte
	sense    senseData

	dataMu   sync.Mutex
	data     [DataBufferSize]byte
	dataSize int
	dataRead int

	cdbMu  sync.Mutex
	packet cdb
	cdbLen int

	regMu       sync.Mutex
	features    byte
	sectorCount byte
	lba         [3]byte
	drive       driveHead
	control     deviceControl
	expect      expectation
	generation  uint64

	fs         afero.Fs
	queueDepth int
	cdrom      *Image
	disk       *Image
	irq        chipset.Line
	queue      *workQueue
	closeOnce  sync.Once
	closeErr   error
}

// NewController opens the CD-ROM image read-only and the disk image
// read/write and starts the channel's work queue.
func NewController(cdromPath, diskPath string, irq chipset.Line, opts ...Option) (*Controller, error) {
	c := &Controller{
		fs:         afero.NewOsFs(),
		queueDepth: defaultQueueDepth,
		irq:        irq,
	}
	if c.irq == nil {
		c.irq = chipset.DetachedLine()
	}
	for _, opt := range opts {
		opt(c)
	}

	cdrom, err := OpenImage(c.fs, cdromPath, false)
	if err != nil {
		return nil, err
	}
	disk, err := OpenImage(c.fs, diskPath, true)
	if err != nil {
		cdrom.Close()
		return nil, err
	}
	c.cdrom = cdrom
	c.disk = disk
	c.status = StatusReady
	c.queue = newWorkQueue(c.queueDepth)

	slog.Debug("ata: images opened",
		"cdrom", cdrom.Path(), "cdrom_bytes", cdrom.Size(),
		"disk", disk.Path(), "disk_bytes", disk.Size())
	return c, nil
}

// Init implements chipset.Device.
func (c *Controller) Init() error {
	c.resetChannel()
	return nil
}

// PortRanges implements chipset.Device.
func (c *Controller) PortRanges() []chipset.PortRange {
	return []chipset.PortRange{
		{Start: PrimaryCommandBase, End: PrimaryCommandBase + commandBlockPorts - 1},
		{Start: PrimaryControlBase, End: PrimaryControlBase + controlBlockPorts - 1},
	}
}

// Close stops the work queue and releases both images.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.queue.close()
		c.closeErr = errors.Join(c.cdrom.Close(), c.disk.Close())
	})
	return c.closeErr
}

// Sync waits until every task queued so far has run.
func (c *Controller) Sync() error {
	return c.queue.do(func() error { return nil })
}

// HandleIO implements chipset.PortIOHandler.
func (c *Controller) HandleIO(exit hv.IOExit, buf []byte) error {
	data, err := exit.Data(buf)
	if err != nil {
		return fmt.Errorf("ata: %w", err)
	}

	switch {
	case exit.Port == PrimaryCommandBase+regData:
		if exit.IsWrite() {
			return c.writeData(exit, buf, data)
		}
		return c.readData(exit, buf, data)
	case exit.Port > PrimaryCommandBase && exit.Port < PrimaryCommandBase+commandBlockPorts:
		if exit.Size != 1 {
			return hv.Unhandled("ata", exit, buf, "invalid register access size %d", exit.Size)
		}
		offset := exit.Port - PrimaryCommandBase
		for i := range data {
			if exit.IsWrite() {
				if err := c.writeRegister(exit, buf, offset, data[i]); err != nil {
					return err
				}
			} else {
				data[i] = c.readRegister(offset)
			}
		}
		return nil
	case exit.Port == PrimaryControlBase:
		if exit.Size != 1 {
			return hv.Unhandled("ata", exit, buf, "invalid control access size %d", exit.Size)
		}
		for i := range data {
			if exit.IsWrite() {
				c.writeDeviceControl(deviceControl(data[i]))
			} else {
				data[i] = c.Status()
			}
		}
		return nil
	default:
		return hv.Unhandled("ata", exit, buf, "unmodelled register")
	}
}

// Status returns the status register without side effects.
func (c *Controller) Status() byte {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *Controller) readRegister(offset uint16) byte {
	switch offset {
	case regErrFeatures:
		c.statusMu.Lock()
		defer c.statusMu.Unlock()
		return c.errReg
	case regStatusCmd:
		return c.Status()
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	switch offset {
	case regSectorCount:
		return c.sectorCount
	case regLBALow, regLBAMid, regLBAHigh:
		return c.lba[offset-regLBALow]
	default:
		return byte(c.drive)
	}
}

func (c *Controller) writeRegister(exit hv.IOExit, buf []byte, offset uint16, v byte) error {
	if offset == regStatusCmd {
		return c.command(exit, buf, v)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	switch offset {
	case regErrFeatures:
		c.features = v
	case regSectorCount:
		c.sectorCount = v
	case regLBALow, regLBAMid, regLBAHigh:
		c.lba[offset-regLBALow] = v
	case regDriveHead:
		c.drive = driveHead(v)
	}
	return nil
}

// command executes a write to the command register.
func (c *Controller) command(exit hv.IOExit, buf []byte, cmd byte) error {
	if c.Status()&StatusBusy != 0 {
		return hv.Unhandled("ata", exit, buf, "command 0x%02x written while busy", cmd)
	}

	c.regMu.Lock()
	unit := c.drive.unit()
	c.regMu.Unlock()

	switch cmd {
	case cmdNOP:
		return nil
	case cmdIdentifyPacket:
		if unit != unitCDROM {
			c.abort(false)
			return nil
		}
		return c.startIdentify(exit, buf, unitCDROM)
	case cmdIdentifyDevice:
		if unit != unitDisk {
			c.abort(true)
			return nil
		}
		return c.startIdentify(exit, buf, unitDisk)
	case cmdPacket:
		if unit != unitCDROM {
			c.abort(false)
			return nil
		}
		c.startPacket()
		return nil
	default:
		return hv.Unhandled("ata", exit, buf, "unknown command 0x%02x", cmd)
	}
}

// abort fails the current command with ABRT. An ATAPI unit rejecting IDENTIFY
// DEVICE also presents its signature in the task file.
func (c *Controller) abort(signature bool) {
	c.regMu.Lock()
	c.expect = expectNothing
	if signature {
		c.sectorCount = atapiSignatureSectors
		c.lba = [3]byte{atapiSignatureLBALow, atapiSignatureLBAMid, atapiSignatureLBAHigh}
	}
	masked := c.control.interruptsDisabled()

	c.statusMu.Lock()
	c.status = StatusReady | StatusErr
	c.errReg = ErrorAbort
	c.statusMu.Unlock()
	c.regMu.Unlock()

	slog.Debug("ata: command aborted")
	if !masked {
		c.irq.Raise()
	}
}

func (c *Controller) startIdentify(exit hv.IOExit, buf []byte, unit int) error {
	c.regMu.Lock()
	c.expect = expectIdentify
	gen := c.generation

	c.dataMu.Lock()
	c.dataSize, c.dataRead = 0, 0
	c.dataMu.Unlock()

	c.statusMu.Lock()
	c.status = StatusBusy
	c.errReg = 0
	c.statusMu.Unlock()
	c.regMu.Unlock()

	if err := c.queue.submit(func() { c.completeIdentify(gen, unit) }); err != nil {
		return hv.Unhandled("ata", exit, buf, "schedule identify: %v", err)
	}
	return nil
}

func (c *Controller) completeIdentify(gen uint64, unit int) {
	var block *identifyBlock
	if unit == unitCDROM {
		block = identifyPacketDevice(c.cdrom.Sectors(cdromSectorSize))
	} else {
		block = identifyDevice(c.disk.Sectors(diskSectorSize))
	}

	c.regMu.Lock()
	if gen != c.generation || c.expect != expectIdentify {
		c.regMu.Unlock()
		return
	}
	c.expect = expectNothing
	masked := c.control.interruptsDisabled()

	c.dataMu.Lock()
	c.dataSize = copy(c.data[:], block.bytes())
	c.dataRead = 0
	c.dataMu.Unlock()

	c.statusMu.Lock()
	c.status = StatusReady | StatusDRQ
	c.statusMu.Unlock()
	c.regMu.Unlock()

	if !masked {
		c.irq.Raise()
	}
}

// startPacket begins the command phase of PACKET: DRQ is raised and the
// channel waits for a 12-byte CDB.
func (c *Controller) startPacket() {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.expect = expectCDB
	c.sectorCount = interruptReasonCoD

	c.cdbMu.Lock()
	c.cdbLen = 0
	c.cdbMu.Unlock()

	c.dataMu.Lock()
	c.dataSize, c.dataRead = 0, 0
	c.dataMu.Unlock()

	c.statusMu.Lock()
	c.status = StatusReady | StatusDRQ
	c.errReg = 0
	c.statusMu.Unlock()
}

func (c *Controller) writeData(exit hv.IOExit, buf, data []byte) error {
	c.regMu.Lock()
	if c.expect != expectCDB || c.Status()&StatusDRQ == 0 {
		c.regMu.Unlock()
		return hv.Unhandled("ata", exit, buf, "data write without a transfer request")
	}

	c.cdbMu.Lock()
	if c.cdbLen+len(data) > cdbLength {
		c.cdbMu.Unlock()
		c.regMu.Unlock()
		return hv.Unhandled("ata", exit, buf, "command packet longer than %d bytes", cdbLength)
	}
	c.cdbLen += copy(c.packet[c.cdbLen:], data)
	if c.cdbLen < cdbLength {
		c.cdbMu.Unlock()
		c.regMu.Unlock()
		return nil
	}
	packet := c.packet
	c.cdbLen = 0
	c.cdbMu.Unlock()

	c.expect = expectNothing
	gen := c.generation
	c.statusMu.Lock()
	c.status = StatusReady | StatusBusy
	c.statusMu.Unlock()
	c.regMu.Unlock()

	err := c.queue.do(func() error { return c.executePacket(gen, packet) })
	if err != nil {
		return hv.Unhandled("ata", exit, buf, "%s: %v", packet.String(), err)
	}
	return nil
}

// executePacket runs one CDB on the work queue. Only unsupported opcodes
// return an error; failures the guest can observe are reported as sense
// data.
func (c *Controller) executePacket(gen uint64, packet cdb) error {
	switch packet.opcode() {
	case scsiTestUnitReady, scsiStartStopUnit:
		c.finishPacket(gen, nil, nil)
	case scsiRequestSense:
		c.statusMu.Lock()
		sense := c.sense
		c.statusMu.Unlock()
		c.finishPacket(gen, truncate(sense.fixed(), packet.allocationLength()), nil)
	case scsiInquiry:
		c.finishPacket(gen, truncate(inquiryData(), packet.allocationLength()), nil)
	case scsiReadCapacity10:
		c.finishPacket(gen, readCapacityData(c.cdrom.Sectors(cdromSectorSize)), nil)
	case scsiRead10:
		c.read10(gen, packet)
	default:
		return fmt.Errorf("unsupported SCSI opcode 0x%02x", packet.opcode())
	}
	return nil
}

func (c *Controller) read10(gen uint64, packet cdb) {
	lba := uint64(packet.lba())
	count := uint64(packet.transferLength())
	end := (lba + count) * cdromSectorSize
	length := count * cdromSectorSize

	if end > uint64(c.cdrom.Size()) || length > DataBufferSize {
		slog.Debug("ata: read(10) out of range", "lba", lba, "count", count, "image_bytes", c.cdrom.Size())
		sense := senseLBAOutOfRange
		c.finishPacket(gen, nil, &sense)
		return
	}
	if count == 0 {
		c.finishPacket(gen, nil, nil)
		return
	}

	payload := make([]byte, length)
	if err := c.cdrom.ReadAt(payload, int64(lba*cdromSectorSize)); err != nil {
		slog.Warn("ata: read(10) failed", "lba", lba, "count", count, "err", err)
		sense := senseReadError
		c.finishPacket(gen, nil, &sense)
		return
	}
	c.finishPacket(gen, payload, nil)
}

// finishPacket publishes the outcome of a CDB: sense data on failure, a data
// phase when payload is non-empty, otherwise straight to completion.
func (c *Controller) finishPacket(gen uint64, payload []byte, failure *senseData) {
	c.regMu.Lock()
	if gen != c.generation {
		c.regMu.Unlock()
		return
	}
	masked := c.control.interruptsDisabled()

	switch {
	case failure != nil:
		c.sectorCount = interruptReasonIO | interruptReasonCoD
		c.statusMu.Lock()
		c.status = StatusReady | StatusErr
		c.errReg = failure.key<<errorSenseKeyShift | ErrorAbort
		c.sense = *failure
		c.statusMu.Unlock()
	case len(payload) > 0:
		c.sectorCount = interruptReasonIO
		byteCount := min(len(payload), maxByteCount)
		c.lba[1] = byte(byteCount)
		c.lba[2] = byte(byteCount >> 8)

		c.dataMu.Lock()
		c.dataSize = copy(c.data[:], payload)
		c.dataRead = 0
		c.dataMu.Unlock()

		c.statusMu.Lock()
		c.status = StatusReady | StatusDRQ
		c.errReg = 0
		c.sense = senseData{}
		c.statusMu.Unlock()
	default:
		c.sectorCount = interruptReasonIO | interruptReasonCoD
		c.statusMu.Lock()
		c.status = StatusReady
		c.errReg = 0
		c.sense = senseData{}
		c.statusMu.Unlock()
	}
	c.regMu.Unlock()

	if !masked {
		c.irq.Raise()
	}
}

func (c *Controller) readData(exit hv.IOExit, buf, data []byte) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.dataMu.Lock()
	defer c.dataMu.Unlock()

	remaining := c.dataSize - c.dataRead
	if c.Status()&StatusDRQ == 0 || remaining <= 0 {
		return hv.Unhandled("ata", exit, buf, "data read with no data pending")
	}

	n := copy(data, c.data[c.dataRead:c.dataSize])
	c.dataRead += n
	if c.dataRead < c.dataSize {
		return nil
	}

	c.dataSize, c.dataRead = 0, 0
	if c.drive.unit() == unitCDROM {
		c.sectorCount = interruptReasonIO | interruptReasonCoD
	}
	c.statusMu.Lock()
	c.status &^= StatusDRQ
	c.statusMu.Unlock()
	return nil
}

// writeDeviceControl latches the device control register. Setting SRST holds
// the channel busy; clearing it completes the reset.
func (c *Controller) writeDeviceControl(v deviceControl) {
	c.regMu.Lock()
	prev := c.control
	c.control = v
	c.regMu.Unlock()

	switch {
	case !prev.softwareReset() && v.softwareReset():
		c.statusMu.Lock()
		c.status = StatusBusy
		c.statusMu.Unlock()
	case prev.softwareReset() && !v.softwareReset():
		slog.Debug("ata: software reset")
		c.resetChannel()
	}
}

// resetChannel returns the channel to READY with empty buffers and abandons
// any command still on the work queue.
func (c *Controller) resetChannel() {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.generation++
	c.expect = expectNothing
	c.lba = [3]byte{}

	c.cdbMu.Lock()
	c.cdbLen = 0
	c.packet = cdb{}
	c.cdbMu.Unlock()

	c.dataMu.Lock()
	clear(c.data[:])
	c.dataSize, c.dataRead = 0, 0
	c.dataMu.Unlock()

	c.statusMu.Lock()
	c.status = StatusReady
	c.errReg = 0
	c.sense = senseData{}
	c.statusMu.Unlock()
}

// Registers is a snapshot of the task file and data phase.
type Registers struct {
	Status      byte
	Error       byte
	Features    byte
	SectorCount byte
	LBALow      byte
	LBAMid      byte
	LBAHigh     byte
	DriveHead   byte
	DataSize    int
	DataRead    int
}

// Registers returns the current channel registers.
func (c *Controller) Registers() Registers {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.dataMu.Lock()
	defer c.dataMu.Unlock()
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return Registers{
		Status:      c.status,
		Error:       c.errReg,
		Features:    c.features,
		SectorCount: c.sectorCount,
		LBALow:      c.lba[0],
		LBAMid:      c.lba[1],
		LBAHigh:     c.lba[2],
		DriveHead:   byte(c.drive),
		DataSize:    c.dataSize,
		DataRead:    c.dataRead,
	}
}

// SecondaryChannel claims the secondary channel's ports. No drives are
// attached there, so every access is a protocol violation.
type SecondaryChannel struct{}

// NewSecondaryChannel returns the secondary channel stub.
func NewSecondaryChannel() *SecondaryChannel { return &SecondaryChannel{} }

// Init implements chipset.Device.
func (*SecondaryChannel) Init() error { return nil }

// PortRanges implements chipset.Device.
func (*SecondaryChannel) PortRanges() []chipset.PortRange {
	return []chipset.PortRange{
		{Start: SecondaryCommandBase, End: SecondaryCommandBase + commandBlockPorts - 1},
		{Start: SecondaryControlBase, End: SecondaryControlBase + controlBlockPorts - 1},
	}
}

// HandleIO implements chipset.PortIOHandler.
func (*SecondaryChannel) HandleIO(exit hv.IOExit, buf []byte) error {
	return hv.Unhandled("ata-secondary", exit, buf, "secondary channel is not modelled")
}

var (
	_ chipset.Device = (*Controller)(nil)
	_ chipset.Device = (*SecondaryChannel)(nil)
)
