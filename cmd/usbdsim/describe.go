package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/ardnew/usbd/config"
	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/hal"
)

// DescribeCmd shows how a description file maps onto interfaces and
// endpoints, and the raw descriptors the device reports.
type DescribeCmd struct {
	Device string `help:"Device description file (.yaml, .yml, .toml); the built-in template when empty" type:"path" short:"d"`
	Raw    bool   `help:"Also dump each descriptor in hex"`
}

// Run is called by kong when the describe command is executed.
func (c *DescribeCmd) Run(ctx context.Context, logger *slog.Logger, out io.Writer) error {
	f, err := loadFile(c.Device, logger)
	if err != nil {
		return err
	}
	s, err := startSession(ctx, f, false)
	if err != nil {
		return err
	}
	defer s.close(logger)

	ifNum := 0
	plan := lo.Map(s.gadget.Slots, func(slot config.Slot, i int) []string {
		fn := slot.Function
		n := 1
		if fn.Kind == config.KindCDC {
			n = 2
		}
		ifaces := fmt.Sprint(ifNum)
		if n > 1 {
			ifaces = fmt.Sprintf("%d-%d", ifNum, ifNum+n-1)
		}
		ifNum += n
		eps := lo.Map(slot.Addresses(), func(a uint8, _ int) string { return fmt.Sprintf("0x%02X", a) })
		return []string{fmt.Sprint(i), fn.Kind, fn.Name, ifaces, strings.Join(eps, " "), options(fn)}
	})
	fmt.Fprintln(out, title("Functions"))
	fmt.Fprintln(out, renderTable([]string{"#", "kind", "name", "interfaces", "endpoints", "options"}, plan, 0))

	e, err := s.bus.Enumerate(hal.SpeedFull, 1)
	if err != nil {
		return fmt.Errorf("read descriptors: %w", err)
	}
	fmt.Fprintln(out, title(fmt.Sprintf("Descriptors (%d bytes)", totalLength(e.Configuration))))
	rows, err := configurationRows(e.Configuration, func(index uint8) string {
		if index == 0 {
			return ""
		}
		return fmt.Sprintf("#%d", index)
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, renderTable([]string{"descriptor", "id", "class", "detail", "string"}, rows))

	if c.Raw {
		var raw [][]string
		dump := func(descType uint8, desc []byte) error {
			raw = append(raw, []string{fmt.Sprintf("0x%02X", descType), fmt.Sprint(len(desc)), fmt.Sprintf("% X", desc)})
			return nil
		}
		if err := dump(device.DescriptorTypeDevice, e.Device); err != nil {
			return err
		}
		if err := device.WalkDescriptors(e.Configuration, dump); err != nil {
			return err
		}
		fmt.Fprintln(out, renderTable([]string{"type", "len", "bytes"}, raw, 1))
	}
	return nil
}

func options(fn config.Function) string {
	var opts []string
	if fn.Report != "" {
		opts = append(opts, "report="+fn.Report)
	}
	if fn.Boot {
		opts = append(opts, "boot")
	}
	if fn.Output {
		opts = append(opts, "output")
	}
	if fn.Interval != 0 {
		opts = append(opts, fmt.Sprintf("interval=%dms", fn.Interval))
	}
	if fn.Echo {
		opts = append(opts, "echo")
	}
	if fn.Kind == config.KindMSC {
		if fn.Image != "" {
			opts = append(opts, "image="+fn.Image)
		} else {
			opts = append(opts, fmt.Sprintf("ram=%d", fn.Blocks))
		}
		if fn.BlockSize != 0 {
			opts = append(opts, fmt.Sprintf("block=%d", fn.BlockSize))
		}
		if fn.ReadOnly {
			opts = append(opts, "read-only")
		}
		if fn.Removable {
			opts = append(opts, "removable")
		}
	}
	return strings.Join(opts, ", ")
}
