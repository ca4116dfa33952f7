package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/samber/lo"

	"github.com/ardnew/usbd/config"
	"github.com/ardnew/usbd/device/class/msc"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/device/hal/sim"
)

// DiskCmd queries every mass storage function of a device with SCSI
// commands sent over the simulated bus.
type DiskCmd struct {
	Device string `help:"Device description file (.yaml, .yml, .toml)" type:"path" short:"d" required:""`
	Dump   int64  `help:"Also dump this block of each disk" default:"-1" placeholder:"LBA"`
}

// Run is called by kong when the disk command is executed.
func (c *DiskCmd) Run(ctx context.Context, logger *slog.Logger, out io.Writer) error {
	f, err := loadFile(c.Device, logger)
	if err != nil {
		return err
	}
	disks := lo.Filter(f.Functions, func(fn config.Function, _ int) bool { return fn.Kind == config.KindMSC })
	if len(disks) == 0 {
		return errors.New("device has no msc functions")
	}

	s, err := startSession(ctx, f, false)
	if err != nil {
		return err
	}
	defer s.close(logger)
	if _, err := s.bus.Enumerate(hal.SpeedFull, 1); err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}

	var rows [][]string
	var dumps []string
	for _, slot := range s.gadget.Slots {
		if slot.Function.Kind != config.KindMSC {
			continue
		}
		h := &botHost{bus: s.bus, in: slot.In, out: slot.Out}
		row, err := h.inquire(slot.Function.Name)
		if err != nil {
			return fmt.Errorf("%s: %w", slot.Function.Name, err)
		}
		rows = append(rows, row)

		if c.Dump >= 0 {
			dump, err := h.dump(uint32(c.Dump))
			if err != nil {
				return fmt.Errorf("%s: %w", slot.Function.Name, err)
			}
			dumps = append(dumps, title(fmt.Sprintf("%s block %d", slot.Function.Name, c.Dump)), dump)
		}
	}

	fmt.Fprintln(out, title("Disks"))
	fmt.Fprintln(out, renderTable([]string{"name", "vendor", "product", "rev", "blocks", "block", "capacity", "state"}, rows, 4, 5, 6))
	for _, d := range dumps {
		fmt.Fprintln(out, d)
	}
	return nil
}

// botHost is the host half of the Bulk-Only Transport on a simulated bus.
type botHost struct {
	bus     *sim.Bus
	in, out uint8
	tag     uint32
}

// command runs one CBW/data/CSW cycle with an IN or empty data phase.
func (h *botHost) command(length uint32, cb ...byte) ([]byte, uint8, error) {
	h.tag++
	cbw := msc.CommandBlockWrapper{Tag: h.tag, DataTransferLength: length, CBLength: uint8(len(cb))}
	if length > 0 {
		cbw.Flags = msc.CBWFlagDataIn
	}
	copy(cbw.CB[:], cb)
	var buf [msc.CBWSize]byte
	cbw.MarshalTo(buf[:])
	if err := h.bus.Write(h.out, buf[:]); err != nil {
		return nil, 0, fmt.Errorf("CBW: %w", err)
	}

	var data []byte
	if length > 0 {
		var err error
		if data, err = h.bus.Read(h.in, int(length)); err != nil {
			return nil, 0, fmt.Errorf("data: %w", err)
		}
	}

	packet, err := h.bus.Read(h.in, msc.CSWSize)
	if err != nil {
		return nil, 0, fmt.Errorf("CSW: %w", err)
	}
	var csw msc.CommandStatusWrapper
	if err := msc.ParseCSW(packet, &csw); err != nil {
		return nil, 0, err
	}
	if csw.Tag != h.tag {
		return nil, 0, fmt.Errorf("CSW tag %d, want %d", csw.Tag, h.tag)
	}
	return data, csw.Status, nil
}

func (h *botHost) inquire(name string) ([]string, error) {
	inquiry, _, err := h.command(msc.InquirySize, msc.OpInquiry, 0, 0, 0, msc.InquirySize, 0)
	if err != nil {
		return nil, err
	}
	if len(inquiry) < msc.InquirySize {
		return nil, fmt.Errorf("INQUIRY returned %d bytes", len(inquiry))
	}
	field := func(b []byte) string { return strings.TrimRight(string(b), " ") }

	_, status, err := h.command(0, msc.OpTestUnitReady, 0, 0, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	state := okStyle.Render("ready")
	if status != msc.CSWStatusGood {
		state = errStyle.Render("not ready")
	}

	blocks, size := "-", "-"
	capacity := "-"
	data, status, err := h.command(msc.ReadCapacity10Size, msc.OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	if status == msc.CSWStatusGood && len(data) == msc.ReadCapacity10Size {
		n := uint64(binary.BigEndian.Uint32(data[0:4])) + 1
		bs := binary.BigEndian.Uint32(data[4:8])
		blocks, size, capacity = fmt.Sprint(n), fmt.Sprint(bs), byteSize(n*uint64(bs))
	}

	mode, status, err := h.command(msc.ModeSense6Size, msc.OpModeSense6, 0, 0x3F, 0, msc.ModeSense6Size, 0)
	if err != nil {
		return nil, err
	}
	if status == msc.CSWStatusGood && len(mode) > 2 && mode[2]&0x80 != 0 {
		state += dimStyle.Render(", read-only")
	}

	return []string{name, field(inquiry[8:16]), field(inquiry[16:32]), field(inquiry[32:36]),
		blocks, size, capacity, state}, nil
}

// dump reads block lba and renders it sixteen bytes per row.
func (h *botHost) dump(lba uint32) (string, error) {
	data, _, err := h.command(msc.ReadCapacity10Size, msc.OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0)
	if err != nil {
		return "", err
	}
	if len(data) < msc.ReadCapacity10Size {
		return "", errors.New("no capacity")
	}
	bs := binary.BigEndian.Uint32(data[4:8])

	cb := make([]byte, 10)
	cb[0] = msc.OpRead10
	binary.BigEndian.PutUint32(cb[2:6], lba)
	binary.BigEndian.PutUint16(cb[7:9], 1)
	block, status, err := h.command(bs, cb...)
	if err != nil {
		return "", err
	}
	if status != msc.CSWStatusGood {
		return "", fmt.Errorf("READ(10) of block %d failed", lba)
	}

	rows := lo.Map(lo.Chunk(block, 16), func(line []byte, i int) []string {
		text := lo.Map(line, func(b byte, _ int) byte {
			if b < 0x20 || b > 0x7E {
				return '.'
			}
			return b
		})
		return []string{fmt.Sprintf("%04X", i*16), fmt.Sprintf("% X", line), string(text)}
	})
	return renderTable([]string{"offset", "bytes", "text"}, rows), nil
}

func byteSize(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
