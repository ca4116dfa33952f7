package device

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ardnew/usbd/pkg"
)

var errMaxCurrent = fmt.Errorf("%w: max current above 500 mA", pkg.ErrInvalidParameter)

// String descriptor indexes assigned by the core.
const (
	StringIndexLangID        = 0
	StringIndexVendor        = 1
	StringIndexProduct       = 2
	StringIndexSerial        = 3
	StringIndexConfiguration = 4

	// StringIndexInterfaceBase is added to the interface number to form
	// the low nibble of an interface string index.
	StringIndexInterfaceBase = 5
)

// InterfaceStringIndex returns the string descriptor index that routes to
// interface ifNum with the interface-internal index intNum (0-15).
func InterfaceStringIndex(ifNum, intNum uint8) uint8 {
	return intNum<<4 | (ifNum+StringIndexInterfaceBase)&0x0F
}

// splitInterfaceStringIndex is the inverse of [InterfaceStringIndex].
func splitInterfaceStringIndex(index uint8) (ifNum, intNum uint8, ok bool) {
	lo := index & 0x0F
	if lo < StringIndexInterfaceBase {
		return 0, 0, false
	}
	return lo - StringIndexInterfaceBase, index >> 4, true
}

// ConfigAttributes is the bmAttributes view of the configuration.
type ConfigAttributes uint8

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   ConfigAttributes = 0x80 // Reserved, always set
	ConfigAttrSelfPowered  ConfigAttributes = 0x40 // Self-powered
	ConfigAttrRemoteWakeup ConfigAttributes = 0x20 // Remote wakeup capable
)

// SelfPowered reports whether the configuration is self-powered.
func (a ConfigAttributes) SelfPowered() bool { return a&ConfigAttrSelfPowered != 0 }

// RemoteWakeup reports whether the configuration supports remote wakeup.
func (a ConfigAttributes) RemoteWakeup() bool { return a&ConfigAttrRemoteWakeup != 0 }

// With returns a copy with bit set or cleared.
func (a ConfigAttributes) With(bit ConfigAttributes, on bool) ConfigAttributes {
	if on {
		return a | bit
	}
	return a &^ bit
}

// Byte returns the bmAttributes byte with the reserved bit 7 set.
func (a ConfigAttributes) Byte() uint8 {
	return uint8(a&(ConfigAttrSelfPowered|ConfigAttrRemoteWakeup) | ConfigAttrBusPowered)
}

// Features holds the device feature flags reported by GET_STATUS.
type Features uint8

// Feature bits, in GET_STATUS(device) order.
const (
	FeatureSelfPowered  Features = 1 << 0
	FeatureRemoteWakeup Features = 1 << 1
)

// SelfPowered reports the self-powered bit.
func (f Features) SelfPowered() bool { return f&FeatureSelfPowered != 0 }

// RemoteWakeup reports whether the host enabled remote wakeup.
func (f Features) RemoteWakeup() bool { return f&FeatureRemoteWakeup != 0 }

// With returns a copy with bit set or cleared.
func (f Features) With(bit Features, on bool) Features {
	if on {
		return f | bit
	}
	return f &^ bit
}

// Status returns the two-byte GET_STATUS(device) word.
func (f Features) Status() uint16 {
	return uint16(f & (FeatureSelfPowered | FeatureRemoteWakeup))
}

// Config describes the single device configuration.
type Config struct {
	Name         string           // Configuration string, empty for none
	MaxCurrentMA uint16           // Bus current draw in mA (2-500)
	Attributes   ConfigAttributes // Self-powered and remote-wakeup capability
	LPM          bool             // Link power management supported
}

// MaxPower returns the bMaxPower field in 2 mA units.
func (c *Config) MaxPower() uint8 {
	if c.MaxCurrentMA > 510 {
		return 255
	}
	return uint8(c.MaxCurrentMA / 2)
}

// Vendor identifies the manufacturer.
type Vendor struct {
	Name string
	ID   uint16
}

// Version is a major.minor release number.
type Version struct {
	Major uint8
	Minor uint8
}

// BCD returns the version as bcdDevice.
func (v Version) BCD() uint16 {
	return uint16(toBCD(v.Major))<<8 | uint16(toBCD(v.Minor))
}

func toBCD(v uint8) uint8 {
	if v > 99 {
		v = 99
	}
	return (v/10)<<4 | v%10
}

// Product identifies the device.
type Product struct {
	Name    string
	ID      uint16
	Version Version
}

// Description is the externally owned identity of the device. The core keeps
// a reference and never copies or mutates it.
type Description struct {
	Config  Config
	Vendor  Vendor
	Product Product

	// SerialNumber holds BCD digits, two per byte, rendered as hex.
	SerialNumber []byte
}

// SerialString returns the serial number as upper-case hex digits.
func (d *Description) SerialString() string {
	if len(d.SerialNumber) == 0 {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(d.SerialNumber))
}

// Validate checks the fields the core relies on.
func (d *Description) Validate() error {
	if d.Config.MaxCurrentMA > 500 {
		return errMaxCurrent
	}
	return nil
}
