package msc

import "encoding/binary"

// Inquiry is the standard INQUIRY data of the logical unit.
type Inquiry struct {
	Removable bool
	Vendor    string // 8 characters
	Product   string // 16 characters
	Revision  string // 4 characters
}

// MarshalTo writes the standard INQUIRY data into buf and returns
// InquirySize, or 0 if buf is too small. Identification fields are
// space-padded ASCII.
func (q *Inquiry) MarshalTo(buf []byte) int {
	if len(buf) < InquirySize {
		return 0
	}
	clear(buf[:InquirySize])
	buf[0] = DeviceTypeDisk
	if q.Removable {
		buf[1] = 0x80
	}
	buf[2] = 0x06 // SPC-4
	buf[3] = 0x02 // response data format
	buf[4] = InquirySize - 5
	pad(buf[8:16], q.Vendor)
	pad(buf[16:32], q.Product)
	pad(buf[32:36], q.Revision)
	return InquirySize
}

func pad(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// Sense is the fixed-format sense data reported by REQUEST SENSE.
type Sense struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
}

// MarshalTo writes fixed-format sense data into buf and returns SenseSize,
// or 0 if buf is too small.
func (s *Sense) MarshalTo(buf []byte) int {
	if len(buf) < SenseSize {
		return 0
	}
	clear(buf[:SenseSize])
	buf[0] = 0x70 // current error, fixed format
	buf[2] = s.Key & 0x0F
	buf[7] = SenseSize - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ
	return SenseSize
}

func marshalCapacity10(buf []byte, blocks uint64, blockSize uint32) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}
	last := uint32(0xFFFFFFFF)
	if blocks <= 0xFFFFFFFF {
		last = uint32(blocks - 1)
	}
	binary.BigEndian.PutUint32(buf[0:4], last)
	binary.BigEndian.PutUint32(buf[4:8], blockSize)
	return ReadCapacity10Size
}

func marshalCapacity16(buf []byte, blocks uint64, blockSize uint32) int {
	if len(buf) < ReadCapacity16Size {
		return 0
	}
	clear(buf[:ReadCapacity16Size])
	binary.BigEndian.PutUint64(buf[0:8], blocks-1)
	binary.BigEndian.PutUint32(buf[8:12], blockSize)
	return ReadCapacity16Size
}

// marshalFormatCapacities writes a capacity list holding one current
// capacity descriptor for formatted media.
func marshalFormatCapacities(buf []byte, blocks uint64, blockSize uint32) int {
	if len(buf) < FormatCapacitySize {
		return 0
	}
	clear(buf[:4])
	buf[3] = 8
	binary.BigEndian.PutUint32(buf[4:8], uint32(min(blocks, 0xFFFFFFFF)))
	binary.BigEndian.PutUint32(buf[8:12], blockSize&0x00FFFFFF)
	buf[8] = 0x02
	return FormatCapacitySize
}

// marshalModeSense6 writes a mode parameter header with no pages.
func marshalModeSense6(buf []byte, readOnly bool) int {
	if len(buf) < ModeSense6Size {
		return 0
	}
	buf[0] = ModeSense6Size - 1
	buf[1] = 0
	buf[2] = 0
	if readOnly {
		buf[2] = 0x80
	}
	buf[3] = 0
	return ModeSense6Size
}
