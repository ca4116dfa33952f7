package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/samber/lo"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/class/hid"
	"github.com/ardnew/usbd/device/class/msc"
	"github.com/ardnew/usbd/pkg"
)

// HID report presets.
const (
	ReportKeyboard = "keyboard"
	ReportMouse    = "mouse"
)

type report struct {
	descriptor []byte
	size       uint16
	boot       uint8
}

var reports = map[string]report{
	ReportKeyboard: {hid.KeyboardReportDescriptor, hid.KeyboardReportSize, hid.ProtocolKeyboard},
	ReportMouse:    {hid.MouseReportDescriptor, hid.MouseReportSize, hid.ProtocolMouse},
}

// maxStringUnits is the UTF-16 capacity of a string descriptor.
const maxStringUnits = (255 - 2) / 2

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{pkg.ErrInvalidParameter}, args...)...)
}

// Validate checks the file and reports every problem found. Each error
// wraps [pkg.ErrInvalidParameter].
func (f *File) Validate() error {
	errs := f.Device.validate()

	for i := range f.Functions {
		errs = append(errs, f.Functions[i].validate(i)...)
	}

	names := lo.Compact(lo.Map(f.Functions, func(fn Function, _ int) string { return fn.Name }))
	for _, dup := range lo.FindDuplicates(names) {
		errs = append(errs, invalid("function name %q used more than once", dup))
	}

	interfaces := lo.SumBy(f.Functions, func(fn Function) int { return fn.interfaces() })
	if interfaces > device.MaxInterfaceCount {
		errs = append(errs, invalid("%d interfaces exceed the limit of %d", interfaces, device.MaxInterfaceCount))
	}

	if len(errs) == 0 {
		if _, err := f.Plan(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (id *Identity) validate() []error {
	var errs []error
	if id.Configuration.MaxCurrentMA > 500 {
		errs = append(errs, invalid("max current %d mA above 500", id.Configuration.MaxCurrentMA))
	}
	if _, err := parseVersion(id.Version); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseSerial(id.Serial); err != nil {
		errs = append(errs, err)
	}
	for field, s := range map[string]string{
		"vendorName":         id.VendorName,
		"productName":        id.ProductName,
		"configuration.name": id.Configuration.Name,
	} {
		if n := len(utf16.Encode([]rune(s))); n > maxStringUnits {
			errs = append(errs, invalid("%s is %d UTF-16 units, limit %d", field, n, maxStringUnits))
		}
	}
	return errs
}

func (fn *Function) validate(i int) []error {
	var errs []error
	hidOptions := fn.Report != "" || fn.Boot || fn.Output
	mscOptions := fn.Image != "" || fn.Blocks != 0 || fn.BlockSize != 0 || fn.ReadOnly || fn.Removable
	switch fn.Kind {
	case KindHID:
		if _, ok := reports[fn.Report]; !ok {
			errs = append(errs, invalid("functions[%d]: report %q, want one of %s",
				i, fn.Report, strings.Join(lo.Keys(reports), ", ")))
		}
		if fn.Echo {
			errs = append(errs, invalid("functions[%d]: echo applies to cdc only", i))
		}
		if mscOptions {
			errs = append(errs, invalid("functions[%d]: disk options apply to msc only", i))
		}
	case KindCDC:
		if hidOptions {
			errs = append(errs, invalid("functions[%d]: report options apply to hid only", i))
		}
		if mscOptions {
			errs = append(errs, invalid("functions[%d]: disk options apply to msc only", i))
		}
	case KindMSC:
		if hidOptions || fn.Echo || fn.Interval != 0 {
			errs = append(errs, invalid("functions[%d]: hid and cdc options do not apply to msc", i))
		}
		errs = append(errs, fn.validateDisk(i)...)
	default:
		errs = append(errs, invalid("functions[%d]: kind %q, want one of %s", i, fn.Kind, strings.Join(kinds, ", ")))
	}
	if n := len(utf16.Encode([]rune(fn.Name))); n > maxStringUnits {
		errs = append(errs, invalid("functions[%d]: name is %d UTF-16 units, limit %d", i, n, maxStringUnits))
	}
	return errs
}

// maxRAMDisk bounds the size of a RAM disk.
const maxRAMDisk = 64 << 20

func (fn *Function) blockSize() uint32 {
	return lo.CoalesceOrEmpty(fn.BlockSize, msc.DefaultBlockSize)
}

func (fn *Function) validateDisk(i int) []error {
	var errs []error
	bs := fn.blockSize()
	if bs < 512 || bs > msc.BufferSize || bs&(bs-1) != 0 {
		errs = append(errs, invalid("functions[%d]: block size %d, want a power of two from 512 to %d",
			i, bs, msc.BufferSize))
	}
	switch {
	case fn.Image != "" && fn.Blocks != 0:
		errs = append(errs, invalid("functions[%d]: blocks is taken from the image size", i))
	case fn.Image != "" && fn.Removable:
		errs = append(errs, invalid("functions[%d]: image disks are not removable", i))
	case fn.Image == "" && fn.Blocks == 0:
		errs = append(errs, invalid("functions[%d]: RAM disk needs blocks", i))
	case fn.Image == "" && fn.Blocks*uint64(bs) > maxRAMDisk:
		errs = append(errs, invalid("functions[%d]: RAM disk of %d bytes above %d", i, fn.Blocks*uint64(bs), maxRAMDisk))
	}
	return errs
}

func (fn *Function) interfaces() int {
	if fn.Kind == KindCDC {
		return 2
	}
	return 1
}

// parseVersion parses "major.minor".
func parseVersion(s string) (device.Version, error) {
	if s == "" {
		return device.Version{}, nil
	}
	majorText, minorText, _ := strings.Cut(s, ".")
	major, err := strconv.ParseUint(majorText, 10, 8)
	if err != nil || major > 99 {
		return device.Version{}, invalid("version %q, want major.minor in 0-99", s)
	}
	var minor uint64
	if minorText != "" {
		if minor, err = strconv.ParseUint(minorText, 10, 8); err != nil || minor > 99 {
			return device.Version{}, invalid("version %q, want major.minor in 0-99", s)
		}
	}
	return device.Version{Major: uint8(major), Minor: uint8(minor)}, nil
}

// parseSerial decodes an even number of hex digits.
func parseSerial(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, invalid("serial %q, want an even number of hex digits", s)
	}
	return b, nil
}
