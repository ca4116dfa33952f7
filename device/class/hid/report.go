package hid

// Keyboard modifier byte.
const (
	ModLeftCtrl = 1 << iota
	ModLeftShift
	ModLeftAlt
	ModLeftGUI
	ModRightCtrl
	ModRightShift
	ModRightAlt
	ModRightGUI
)

// Keyboard output report LED bits.
const (
	LEDNumLock = 1 << iota
	LEDCapsLock
	LEDScrollLock
)

// Keyboard usages that anchor [Keycode]. Letters and digits are
// contiguous from KeyA and Key1.
const (
	KeyNone      = 0x00
	KeyA         = 0x04
	Key1         = 0x1E
	Key0         = 0x27
	KeyEnter     = 0x28
	KeyEscape    = 0x29
	KeyBackspace = 0x2A
	KeyTab       = 0x2B
	KeySpace     = 0x2C
)

// Mouse button bits.
const (
	MouseButtonLeft = 1 << iota
	MouseButtonRight
	MouseButtonMiddle
)

// KeyboardReportDescriptor describes the boot keyboard report: modifier
// byte, reserved byte and six key slots in, five LED bits out.
var KeyboardReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x06, // Usage (Keyboard)
	0xA1, 0x01, // Collection (Application)
	0x05, 0x07, 0x19, 0xE0, 0x29, 0xE7, // modifiers: Left Control..Right GUI
	0x15, 0x00, 0x25, 0x01, 0x75, 0x01, 0x95, 0x08,
	0x81, 0x02, // Input (Data, Variable, Absolute)
	0x95, 0x01, 0x75, 0x08,
	0x81, 0x01, // Input (Constant), reserved byte
	0x95, 0x05, 0x75, 0x01,
	0x05, 0x08, 0x19, 0x01, 0x29, 0x05, // LEDs: Num Lock..Kana
	0x91, 0x02, // Output (Data, Variable, Absolute)
	0x95, 0x01, 0x75, 0x03,
	0x91, 0x01, // Output (Constant), padding
	0x95, 0x06, 0x75, 0x08,
	0x15, 0x00, 0x26, 0xFF, 0x00,
	0x05, 0x07, 0x19, 0x00, 0x2A, 0xFF, 0x00, // keys 0..255
	0x81, 0x00, // Input (Data, Array)
	0xC0, // End Collection
}

// MouseReportDescriptor describes the boot mouse report extended with a
// wheel: three buttons, then relative X, Y and wheel bytes.
var MouseReportDescriptor = []byte{
	0x05, 0x01, // Usage Page (Generic Desktop)
	0x09, 0x02, // Usage (Mouse)
	0xA1, 0x01, // Collection (Application)
	0x09, 0x01, // Usage (Pointer)
	0xA1, 0x00, // Collection (Physical)
	0x05, 0x09, 0x19, 0x01, 0x29, 0x03, // buttons 1..3
	0x15, 0x00, 0x25, 0x01, 0x95, 0x03, 0x75, 0x01,
	0x81, 0x02, // Input (Data, Variable, Absolute)
	0x95, 0x01, 0x75, 0x05,
	0x81, 0x01, // Input (Constant), padding
	0x05, 0x01, 0x09, 0x30, 0x09, 0x31, 0x09, 0x38, // X, Y, Wheel
	0x15, 0x81, 0x25, 0x7F, 0x75, 0x08, 0x95, 0x03,
	0x81, 0x06, // Input (Data, Variable, Relative)
	0xC0, // End Collection
	0xC0, // End Collection
}

// KeyboardReportSize is the length of a boot keyboard input report.
const KeyboardReportSize = 8

// KeyboardReport is the boot keyboard input report.
type KeyboardReport struct {
	Modifiers uint8
	Keys      [6]uint8
}

// MarshalTo writes the report to buf and returns 8, or 0 when buf is too
// small.
func (r *KeyboardReport) MarshalTo(buf []byte) int {
	if len(buf) < KeyboardReportSize {
		return 0
	}
	buf[0] = r.Modifiers
	buf[1] = 0
	copy(buf[2:KeyboardReportSize], r.Keys[:])
	return KeyboardReportSize
}

// SetKey adds key to the first free slot. It reports false when all six
// slots hold other keys.
func (r *KeyboardReport) SetKey(key uint8) bool {
	for i, k := range r.Keys {
		switch k {
		case key:
			return true
		case KeyNone:
			r.Keys[i] = key
			return true
		}
	}
	return false
}

// ClearKey releases key and packs the remaining slots to the front.
func (r *KeyboardReport) ClearKey(key uint8) {
	n := 0
	for _, k := range r.Keys {
		if k != key {
			r.Keys[n] = k
			n++
		}
	}
	clear(r.Keys[n:])
}

// Keycode maps a printable ASCII letter, digit, space, tab or newline to
// its US-layout usage and modifiers.
func Keycode(c rune) (key, mods uint8, ok bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return KeyA + uint8(c-'a'), 0, true
	case c >= 'A' && c <= 'Z':
		return KeyA + uint8(c-'A'), ModLeftShift, true
	case c == '0':
		return Key0, 0, true
	case c >= '1' && c <= '9':
		return Key1 + uint8(c-'1'), 0, true
	case c == ' ':
		return KeySpace, 0, true
	case c == '\t':
		return KeyTab, 0, true
	case c == '\n':
		return KeyEnter, 0, true
	}
	return KeyNone, 0, false
}

// MouseReportSize is the length of a [MouseReport].
const MouseReportSize = 4

// MouseReport is the input report of [MouseReportDescriptor].
type MouseReport struct {
	Buttons uint8
	X, Y    int8
	Wheel   int8
}

// MarshalTo writes the report to buf and returns 4, or 0 when buf is too
// small.
func (r *MouseReport) MarshalTo(buf []byte) int {
	if len(buf) < MouseReportSize {
		return 0
	}
	buf[0] = r.Buttons
	buf[1], buf[2], buf[3] = byte(r.X), byte(r.Y), byte(r.Wheel)
	return MouseReportSize
}
