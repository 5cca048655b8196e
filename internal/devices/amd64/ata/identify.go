package ata

import (
	"encoding/binary"
	"strings"
)

const identifyWords = 256

// IDENTIFY word offsets.
const (
	idGeneralConfig   = 0
	idCylinders       = 1
	idHeads           = 3
	idSectorsPerTrack = 6
	idSerial          = 10
	idSerialWords     = 10
	idFirmware        = 23
	idFirmwareWords   = 4
	idModel           = 27
	idModelWords      = 20
	idCapabilities    = 49
	idLBA28Sectors    = 60
	idMajorVersion    = 80
	idCommandSet2     = 83
	idCommandSet2En   = 86
	idLBA48Sectors    = 100
)

const (
	// Word 0 for a removable CD-ROM ATAPI unit with 12-byte packets:
	// bits 15-14 protocol (10b ATAPI), 12-8 device type (5), 7 removable,
	// 6-5 DRQ timing (10b).
	idConfigATAPICDROM = 0x85c0
	// Word 0 for a fixed ATA disk (bit 6).
	idConfigFixedDisk = 0x0040

	idCapLBA          = 1 << 9
	idCmdSet2Valid    = 1 << 14
	idCmdSet2LBA48    = 1 << 10
	idMajorVersionATA = 0x007e // ATA-1 through ATA-6

	maxLBA28 = 0x0fffffff

	chsHeads           = 16
	chsSectorsPerTrack = 63
	chsMaxCylinders    = 16383
)

// identifyBlock is the 512-byte IDENTIFY (PACKET) DEVICE response.
type identifyBlock [identifyWords]uint16

// setString stores s in ATA string order: two characters per word, first
// character in the high byte, space padded.
func (b *identifyBlock) setString(word, words int, s string) {
	n := words * 2
	if len(s) > n {
		s = s[:n]
	}
	s += strings.Repeat(" ", n-len(s))
	for i := 0; i < words; i++ {
		b[word+i] = uint16(s[2*i])<<8 | uint16(s[2*i+1])
	}
}

func (b *identifyBlock) getString(word, words int) string {
	var sb strings.Builder
	for i := 0; i < words; i++ {
		sb.WriteByte(byte(b[word+i] >> 8))
		sb.WriteByte(byte(b[word+i]))
	}
	return strings.TrimRight(sb.String(), " ")
}

func (b *identifyBlock) setUint32(word int, v uint32) {
	b[word] = uint16(v)
	b[word+1] = uint16(v >> 16)
}

func (b *identifyBlock) getUint32(word int) uint32 {
	return uint32(b[word]) | uint32(b[word+1])<<16
}

func (b *identifyBlock) setUint64(word int, v uint64) {
	for i := 0; i < 4; i++ {
		b[word+i] = uint16(v >> (16 * i))
	}
}

func (b *identifyBlock) getUint64(word int) uint64 {
	var v uint64
	for i := 0; i < 4; i++ {
		v |= uint64(b[word+i]) << (16 * i)
	}
	return v
}

func (b *identifyBlock) model() string    { return b.getString(idModel, idModelWords) }
func (b *identifyBlock) serial() string   { return b.getString(idSerial, idSerialWords) }
func (b *identifyBlock) firmware() string { return b.getString(idFirmware, idFirmwareWords) }
func (b *identifyBlock) lba28Sectors() uint32 {
	return b.getUint32(idLBA28Sectors)
}
func (b *identifyBlock) lba48Sectors() uint64 {
	return b.getUint64(idLBA48Sectors)
}

// bytes returns the block in little-endian word order, as read from the
// data port.
func (b *identifyBlock) bytes() []byte {
	out := make([]byte, identifyWords*2)
	for i, w := range b {
		binary.LittleEndian.PutUint16(out[2*i:], w)
	}
	return out
}

type driveIdentity struct {
	model    string
	serial   string
	firmware string
}

var (
	cdromIdentity = driveIdentity{model: "LEGACYPC ATAPI CD-ROM", serial: "LPC-CD0001", firmware: "1.0"}
	diskIdentity  = driveIdentity{model: "LEGACYPC HARDDISK", serial: "LPC-HD0001", firmware: "1.0"}
)

func (b *identifyBlock) setIdentity(id driveIdentity) {
	b.setString(idSerial, idSerialWords, id.serial)
	b.setString(idFirmware, idFirmwareWords, id.firmware)
	b.setString(idModel, idModelWords, id.model)
}

// identifyPacketDevice builds the IDENTIFY PACKET DEVICE block of the CD-ROM
// unit.
func identifyPacketDevice(sectors uint64) *identifyBlock {
	b := &identifyBlock{}
	b[idGeneralConfig] = idConfigATAPICDROM
	b.setIdentity(cdromIdentity)
	b[idCapabilities] = idCapLBA
	b.setUint32(idLBA28Sectors, uint32(min(sectors, maxLBA28)))
	b[idMajorVersion] = idMajorVersionATA
	return b
}

// identifyDevice builds the IDENTIFY DEVICE block of the hard disk unit,
// including a CHS geometry and LBA48 capacity.
func identifyDevice(sectors uint64) *identifyBlock {
	b := &identifyBlock{}
	b[idGeneralConfig] = idConfigFixedDisk
	b.setIdentity(diskIdentity)

	cylinders := min(sectors/(chsHeads*chsSectorsPerTrack), chsMaxCylinders)
	b[idCylinders] = uint16(cylinders)
	b[idHeads] = chsHeads
	b[idSectorsPerTrack] = chsSectorsPerTrack

	b[idCapabilities] = idCapLBA
	b.setUint32(idLBA28Sectors, uint32(min(sectors, maxLBA28)))
	b[idMajorVersion] = idMajorVersionATA
	b[idCommandSet2] = idCmdSet2Valid
	b[idCommandSet2En] = idCmdSet2Valid
	if sectors > maxLBA28 {
		b[idCommandSet2] |= idCmdSet2LBA48
		b[idCommandSet2En] |= idCmdSet2LBA48
	}
	b.setUint64(idLBA48Sectors, sectors)
	return b
}
