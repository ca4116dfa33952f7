package main

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbd/device"
)

var classNames = map[uint8]string{
	device.ClassPerInterface: "per-interface",
	device.ClassAudio:        "audio",
	device.ClassCDC:          "CDC",
	device.ClassHID:          "HID",
	device.ClassMassStorage:  "mass storage",
	device.ClassCDCData:      "CDC data",
	device.ClassVideo:        "video",
	device.ClassMisc:         "misc",
	device.ClassVendor:       "vendor",
}

func className(c uint8) string {
	if s, ok := classNames[c]; ok {
		return s
	}
	return fmt.Sprintf("0x%02X", c)
}

var transferNames = [4]string{"control", "isochronous", "bulk", "interrupt"}

// configurationRows renders a full configuration descriptor as one table
// row per descriptor. str resolves string indexes.
func configurationRows(conf []byte, str func(uint8) string) ([][]string, error) {
	var rows [][]string
	err := device.WalkDescriptors(conf, func(descType uint8, desc []byte) error {
		switch descType {
		case device.DescriptorTypeConfiguration:
			var c device.ConfigurationDescriptor
			if err := device.ParseConfigurationDescriptor(desc, &c); err != nil {
				return err
			}
			rows = append(rows, []string{"configuration", fmt.Sprint(c.ConfigurationValue), "",
				fmt.Sprintf("%d interfaces, %d mA, attributes 0x%02X", c.NumInterfaces, int(c.MaxPower)*2, c.Attributes),
				str(c.ConfigurationIndex)})
		case device.DescriptorTypeInterfaceAssociation:
			if len(desc) < device.IADSize {
				return fmt.Errorf("association descriptor of %d bytes", len(desc))
			}
			rows = append(rows, []string{"  association", fmt.Sprintf("%d-%d", desc[2], int(desc[2])+int(desc[3])-1),
				className(desc[4]), fmt.Sprintf("subclass 0x%02X, protocol 0x%02X", desc[5], desc[6]), str(desc[7])})
		case device.DescriptorTypeInterface:
			var i device.InterfaceDescriptor
			if err := device.ParseInterfaceDescriptor(desc, &i); err != nil {
				return err
			}
			rows = append(rows, []string{"  interface", fmt.Sprintf("%d.%d", i.InterfaceNumber, i.AlternateSetting),
				className(i.InterfaceClass),
				fmt.Sprintf("subclass 0x%02X, protocol 0x%02X, %d endpoints", i.InterfaceSubClass, i.InterfaceProtocol, i.NumEndpoints),
				str(i.InterfaceIndex)})
		case device.DescriptorTypeEndpoint:
			var e device.EndpointDescriptor
			if err := device.ParseEndpointDescriptor(desc, &e); err != nil {
				return err
			}
			dir := "OUT"
			if e.EndpointAddress&device.EndpointDirectionIn != 0 {
				dir = "IN"
			}
			rows = append(rows, []string{"    endpoint", fmt.Sprintf("0x%02X", e.EndpointAddress),
				transferNames[e.Attributes&0x03],
				fmt.Sprintf("%s, max packet %d, interval %d", dir, e.MaxPacketSize, e.Interval), ""})
		default:
			rows = append(rows, []string{"    class-specific", fmt.Sprintf("0x%02X", descType), "",
				fmt.Sprintf("% X", desc[2:]), ""})
		}
		return nil
	})
	return rows, err
}

// totalLength reads wTotalLength from a configuration descriptor header.
func totalLength(conf []byte) int {
	if len(conf) < 4 {
		return 0
	}
	return int(binary.LittleEndian.Uint16(conf[2:4]))
}
