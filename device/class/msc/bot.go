package msc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbd/pkg"
)

// CommandBlockWrapper is the command phase of a Bulk-Only transaction.
type CommandBlockWrapper struct {
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8
	CBLength           uint8
	CB                 [16]byte
}

// ParseCBW decodes a CBW. The packet must be exactly [CBWSize] bytes and
// carry the CBW signature.
func ParseCBW(data []byte, out *CommandBlockWrapper) error {
	if len(data) != CBWSize {
		return fmt.Errorf("CBW of %d bytes: %w", len(data), pkg.ErrInvalidLength)
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != CBWSignature {
		return fmt.Errorf("CBW signature 0x%08X: %w", sig, pkg.ErrInvalidRequest)
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])
	if out.CBLength == 0 || out.CBLength > 16 {
		return fmt.Errorf("CB length %d: %w", out.CBLength, pkg.ErrInvalidLength)
	}
	return nil
}

// MarshalTo encodes the CBW into buf and returns CBWSize, or 0 if buf is
// too small.
func (c *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataTransferLength)
	buf[12] = c.Flags
	buf[13] = c.LUN & 0x0F
	buf[14] = c.CBLength & 0x1F
	copy(buf[15:31], c.CB[:])
	return CBWSize
}

// IsDataIn reports whether the host expects data from the device.
func (c *CommandBlockWrapper) IsDataIn() bool {
	return c.Flags&CBWFlagDataIn != 0
}

// OpCode returns the SCSI operation code.
func (c *CommandBlockWrapper) OpCode() uint8 {
	return c.CB[0]
}

// CommandStatusWrapper is the status phase of a Bulk-Only transaction.
type CommandStatusWrapper struct {
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// MarshalTo encodes the CSW into buf and returns CSWSize, or 0 if buf is
// too small.
func (c *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], CSWSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataResidue)
	buf[12] = c.Status
	return CSWSize
}

// ParseCSW decodes a CSW.
func ParseCSW(data []byte, out *CommandStatusWrapper) error {
	if len(data) != CSWSize {
		return fmt.Errorf("CSW of %d bytes: %w", len(data), pkg.ErrInvalidLength)
	}
	if sig := binary.LittleEndian.Uint32(data[0:4]); sig != CSWSignature {
		return fmt.Errorf("CSW signature 0x%08X: %w", sig, pkg.ErrInvalidRequest)
	}
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]
	return nil
}
