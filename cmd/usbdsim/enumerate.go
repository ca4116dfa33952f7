package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/samber/lo"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/internal/usbids"
	"github.com/ardnew/usbd/trace"
)

// EnumerateCmd runs the host enumeration sequence against a device.
type EnumerateCmd struct {
	Device  string `help:"Device description file (.yaml, .yml, .toml); the built-in template when empty" type:"path" short:"d"`
	Speed   string `help:"Bus speed" enum:"low,full,high" default:"full"`
	Address uint8  `help:"Address assigned by the host" default:"1"`
	Capture string `help:"Write the bus capture to this file" type:"path" short:"c"`
	Records bool   `help:"Print every captured record"`
	IDs     string `help:"usb.ids database used to name the vendor and product; standard locations are searched when empty" name:"usb-ids" type:"path"`
}

// Run is called by kong when the enumerate command is executed.
func (c *EnumerateCmd) Run(ctx context.Context, logger *slog.Logger, out io.Writer) error {
	f, err := loadFile(c.Device, logger)
	if err != nil {
		return err
	}
	speed, err := parseSpeed(c.Speed)
	if err != nil {
		return err
	}

	s, err := startSession(ctx, f, true)
	if err != nil {
		return err
	}
	defer s.close(logger)

	e, err := s.bus.Enumerate(speed, c.Address)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}
	logger.Info("device enumerated",
		"address", e.Address,
		"speed", speed.String(),
		"configuration", len(e.Configuration))

	strs := map[uint8]string{}
	str := func(index uint8) string { return strs[index] }
	if langID, err := s.language(); err != nil {
		logger.Debug("device reports no strings", "error", err)
	} else {
		for _, index := range stringIndexes(e.Device, e.Configuration) {
			text, err := s.readString(index, langID)
			if err != nil {
				logger.Warn("read string", "index", index, "error", err)
				continue
			}
			strs[index] = text
		}
	}

	var dd device.DeviceDescriptor
	if err := device.ParseDeviceDescriptor(e.Device, &dd); err != nil {
		return err
	}
	ids, err := c.database(logger)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, title("Device"))
	fmt.Fprintln(out, renderTable([]string{"field", "value"}, [][]string{
		{"address", fmt.Sprint(e.Address)},
		{"speed", speed.String()},
		{"state", s.gadget.Device.State().String()},
		{"usb", bcd(dd.USBVersion)},
		{"class", fmt.Sprintf("%s (0x%02X/0x%02X)", className(dd.DeviceClass), dd.DeviceSubClass, dd.DeviceProtocol)},
		{"ep0 max packet", fmt.Sprint(dd.MaxPacketSize0)},
		{"vendor", fmt.Sprintf("%04X %s", dd.VendorID, str(dd.ManufacturerIndex))},
		{"product", fmt.Sprintf("%04X %s", dd.ProductID, str(dd.ProductIndex))},
		{"registered", registered(ids, dd.VendorID, dd.ProductID)},
		{"release", bcd(dd.DeviceVersion)},
		{"serial", str(dd.SerialNumberIndex)},
	}))

	rows, err := configurationRows(e.Configuration, str)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, title("Configuration"))
	fmt.Fprintln(out, renderTable([]string{"descriptor", "id", "class", "detail", "string"}, rows))

	records := s.recorder.Records()
	fmt.Fprintln(out, title("Bus traffic"))
	fmt.Fprintln(out, renderTable([]string{"kind", "count"}, countRows(records), 1))
	if c.Records {
		fmt.Fprintln(out, renderTable([]string{"seq", "kind", "addr", "len", "data"}, recordRows(records), 0, 3))
	}

	if c.Capture != "" {
		if err := writeCapture(c.Capture, records); err != nil {
			return err
		}
		logger.Info("capture written", "path", c.Capture, "records", len(records))
	}
	return nil
}

// database opens the usb.ids file named by --usb-ids. Without the flag a
// missing database only disables the lookup.
func (c *EnumerateCmd) database(logger *slog.Logger) (*usbids.Database, error) {
	if c.IDs != "" {
		return usbids.Open(c.IDs)
	}
	db, err := usbids.Open()
	if err != nil {
		logger.Debug("no usb.ids database", "error", err)
		return nil, nil
	}
	return db, nil
}

// registered names the IDs as listed in the database.
func registered(db *usbids.Database, vid, pid uint16) string {
	vendor := db.Vendor(vid)
	if vendor == "" {
		return "unknown vendor"
	}
	if product := db.Product(vid, pid); product != "" {
		return vendor + ", " + product
	}
	return vendor
}

// stringIndexes collects the non-zero string indexes referenced by the
// device and configuration descriptors.
func stringIndexes(dev, conf []byte) []uint8 {
	var indexes []uint8
	var dd device.DeviceDescriptor
	if device.ParseDeviceDescriptor(dev, &dd) == nil {
		indexes = append(indexes, dd.ManufacturerIndex, dd.ProductIndex, dd.SerialNumberIndex)
	}
	at := map[uint8]int{
		device.DescriptorTypeConfiguration:        6,
		device.DescriptorTypeInterface:            8,
		device.DescriptorTypeInterfaceAssociation: 7,
	}
	_ = device.WalkDescriptors(conf, func(descType uint8, desc []byte) error {
		if i, ok := at[descType]; ok && i < len(desc) {
			indexes = append(indexes, desc[i])
		}
		return nil
	})
	return lo.Uniq(lo.Without(indexes, 0))
}

func bcd(v uint16) string {
	return fmt.Sprintf("%x.%02x", v>>8, v&0xFF)
}

func writeCapture(path string, records []trace.Record) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return trace.Encode(f, records)
}
