package hid

// Interface class triple.
const (
	ClassHID = 0x03

	SubclassNone = 0x00
	SubclassBoot = 0x01

	// Boot interface protocols, used only with SubclassBoot.
	ProtocolNone     = 0x00
	ProtocolKeyboard = 0x01
	ProtocolMouse    = 0x02
)

// Class descriptor types.
const (
	DescriptorTypeHID      = 0x21
	DescriptorTypeReport   = 0x22
	DescriptorTypePhysical = 0x23
)

// Class requests.
const (
	RequestGetReport   = 0x01
	RequestGetIdle     = 0x02
	RequestGetProtocol = 0x03
	RequestSetReport   = 0x09
	RequestSetIdle     = 0x0A
	RequestSetProtocol = 0x0B
)

// Report types carried in the wValue high byte of GET_REPORT and SET_REPORT.
const (
	ReportTypeInput   = 0x01
	ReportTypeOutput  = 0x02
	ReportTypeFeature = 0x03
)

// GET_PROTOCOL / SET_PROTOCOL values.
const (
	ProtocolBoot   = 0x00
	ProtocolReport = 0x01
)

// Country codes for [WithCountry]. Most devices are not localized.
const (
	CountryNone = 0x00
	CountryUS   = 0x20
)

// HIDVersion111 is bcdHID for release 1.11.
const HIDVersion111 = 0x0111

// HIDDescriptor is the class descriptor that follows the interface
// descriptor. It always names exactly one report descriptor.
type HIDDescriptor struct {
	HIDVersion     uint16
	CountryCode    uint8
	NumDescriptors uint8
	ReportDescLen  uint16
}

// HIDDescriptorSize is bLength of a HID descriptor with one class
// descriptor.
const HIDDescriptorSize = 9

// MarshalTo writes the descriptor to buf and returns 9, or 0 when buf is
// too small.
func (d *HIDDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HIDDescriptorSize {
		return 0
	}
	buf[0] = HIDDescriptorSize
	buf[1] = DescriptorTypeHID
	buf[2], buf[3] = byte(d.HIDVersion), byte(d.HIDVersion>>8)
	buf[4] = d.CountryCode
	buf[5] = d.NumDescriptors
	buf[6] = DescriptorTypeReport
	buf[7], buf[8] = byte(d.ReportDescLen), byte(d.ReportDescLen>>8)
	return HIDDescriptorSize
}
