package cdc

import (
	"encoding/binary"
	"fmt"
)

// Interface class triples of the ACM function.
const (
	ClassCDC     = 0x02
	ClassCDCData = 0x0A

	SubclassNone = 0x00
	SubclassACM  = 0x02

	ProtocolNone = 0x00
	ProtocolAT   = 0x01 // V.250 AT commands
)

// DescriptorTypeCSInterface tags class-specific interface descriptors.
const DescriptorTypeCSInterface = 0x24

// Functional descriptor subtypes emitted by the control interface.
const (
	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// ACM functional descriptor capability bits.
const (
	ACMCapCommFeature = 1 << iota
	ACMCapLineCoding
	ACMCapSendBreak
)

// CDCVersion110 is bcdCDC for release 1.10.
const CDCVersion110 = 0x0110

// FunctionalDescriptorsSize is the length of the header, call management,
// ACM and union descriptors written by [MarshalFunctional].
const FunctionalDescriptorsSize = 5 + 5 + 4 + 5

// MarshalFunctional writes the functional descriptors of an ACM control
// interface numbered ctrl whose data interface is data. It returns 0 when
// buf is too small.
func MarshalFunctional(buf []byte, ctrl, data, caps uint8) int {
	if len(buf) < FunctionalDescriptorsSize {
		return 0
	}
	copy(buf, []byte{
		5, DescriptorTypeCSInterface, SubtypeHeader, byte(CDCVersion110), byte(CDCVersion110 >> 8),
		5, DescriptorTypeCSInterface, SubtypeCallManagement, 0, data,
		4, DescriptorTypeCSInterface, SubtypeACM, caps,
		5, DescriptorTypeCSInterface, SubtypeUnion, ctrl, data,
	})
	return FunctionalDescriptorsSize
}

// Class requests handled by the control interface. SET_COMM_FEATURE is
// not advertised and always stalls.
const (
	RequestSetCommFeature      = 0x02
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// NotificationSerialState is the bNotification of SERIAL_STATE.
const NotificationSerialState = 0x20

// SET_CONTROL_LINE_STATE wValue bits.
const (
	ControlLineDTR = 1 << iota
	ControlLineRTS
)

// SERIAL_STATE bitmap, as passed to [ACM.SendSerialState].
const (
	SerialStateRxCarrier = 1 << iota // DCD
	SerialStateTxCarrier             // DSR
	SerialStateBreak
	SerialStateRingSignal
	SerialStateFraming
	SerialStateParity
	SerialStateOverrun
)

// bCharFormat values.
const (
	StopBits1 = iota
	StopBits1_5
	StopBits2
)

// bParityType values.
const (
	ParityNone = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// LineCodingSize is the wire length of [LineCoding].
const LineCodingSize = 7

// LineCoding is the payload of SET_LINE_CODING and GET_LINE_CODING.
type LineCoding struct {
	DTERate    uint32
	CharFormat uint8
	ParityType uint8
	DataBits   uint8
}

// DefaultLineCoding is reported until the host sets one: 115200 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo writes lc to buf and returns 7, or 0 when buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding decodes data into out. It reports false when data is
// short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.DTERate = binary.LittleEndian.Uint32(data)
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// String renders lc in the usual terminal notation, e.g. "115200 8N1".
func (lc LineCoding) String() string {
	parity := byte('?')
	if int(lc.ParityType) < len("NOEMS") {
		parity = "NOEMS"[lc.ParityType]
	}
	stop := "?"
	switch lc.CharFormat {
	case StopBits1:
		stop = "1"
	case StopBits1_5:
		stop = "1.5"
	case StopBits2:
		stop = "2"
	}
	return fmt.Sprintf("%d %d%c%s", lc.DTERate, lc.DataBits, parity, stop)
}
