package ata

import (
	"encoding/binary"
	"fmt"
)

const (
	cdbLength       = 12
	cdromSectorSize = 2048
	diskSectorSize  = 512
)

// SCSI operation codes understood by the CD-ROM unit.
const (
	scsiTestUnitReady  = 0x00
	scsiRequestSense   = 0x03
	scsiInquiry        = 0x12
	scsiStartStopUnit  = 0x1b
	scsiReadCapacity10 = 0x25
	scsiRead10         = 0x28
)

// Sense keys and additional sense codes.
const (
	senseNoSense        = 0x00
	senseMediumError    = 0x03
	senseIllegalRequest = 0x05

	ascUnrecoveredRead = 0x11
	ascLBAOutOfRange   = 0x21
)

const (
	fixedSenseLength  = 18
	fixedSenseCurrent = 0x70

	inquiryLength      = 36
	inquiryTypeCDROM   = 0x05
	inquiryRemovable   = 0x80
	inquiryVersionSPC  = 0x05
	inquiryFormatATAPI = 0x32
	inquiryVendor      = "LEGACYPC"
	inquiryProduct     = "ATAPI CD-ROM"
	inquiryRevision    = "1.0"
	readCapacityLength = 8
)

// cdb is a 12-byte ATAPI command packet.
type cdb [cdbLength]byte

func (c *cdb) opcode() byte { return c[0] }

// lba is the big-endian logical block address in bytes 2-5 of a 10-byte
// command.
func (c *cdb) lba() uint32 { return binary.BigEndian.Uint32(c[2:6]) }

// transferLength is the big-endian block count in bytes 7-8 of READ(10).
func (c *cdb) transferLength() uint16 { return binary.BigEndian.Uint16(c[7:9]) }

// allocationLength is byte 4 of a 6-byte command.
func (c *cdb) allocationLength() int { return int(c[4]) }

func (c *cdb) String() string {
	return fmt.Sprintf("cdb[% x]", c[:])
}

// senseData is the error state reported by REQUEST SENSE.
type senseData struct {
	key  byte
	asc  byte
	ascq byte
}

var (
	senseLBAOutOfRange = senseData{key: senseIllegalRequest, asc: ascLBAOutOfRange}
	senseReadError     = senseData{key: senseMediumError, asc: ascUnrecoveredRead}
)

// fixed encodes the sense data in fixed format.
func (s senseData) fixed() []byte {
	out := make([]byte, fixedSenseLength)
	out[0] = fixedSenseCurrent
	out[2] = s.key & 0x0f
	out[7] = fixedSenseLength - 8
	out[12] = s.asc
	out[13] = s.ascq
	return out
}

func inquiryData() []byte {
	out := make([]byte, inquiryLength)
	out[0] = inquiryTypeCDROM
	out[1] = inquiryRemovable
	out[2] = inquiryVersionSPC
	out[3] = inquiryFormatATAPI
	out[4] = inquiryLength - 5
	copy(out[8:16], padded(inquiryVendor, 8))
	copy(out[16:32], padded(inquiryProduct, 16))
	copy(out[32:36], padded(inquiryRevision, 4))
	return out
}

func readCapacityData(sectors uint64) []byte {
	out := make([]byte, readCapacityLength)
	var last uint32
	if sectors > 0 {
		last = uint32(min(sectors-1, 0xffffffff))
	}
	binary.BigEndian.PutUint32(out[0:4], last)
	binary.BigEndian.PutUint32(out[4:8], cdromSectorSize)
	return out
}

func padded(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}

// truncate limits a response to the guest's allocation length.
func truncate(b []byte, n int) []byte {
	if n < len(b) {
		return b[:n]
	}
	return b
}
