package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/samber/lo"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/class/cdc"
	"github.com/ardnew/usbd/device/class/hid"
	"github.com/ardnew/usbd/device/class/msc"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Slot is a function with its endpoint addresses resolved. Unused
// addresses are zero.
type Slot struct {
	Function Function
	In       uint8
	Out      uint8
	Notify   uint8
}

// Addresses returns the endpoint addresses the slot uses.
func (s *Slot) Addresses() []uint8 {
	return lo.Without([]uint8{s.In, s.Out, s.Notify}, 0)
}

type allocator struct {
	used map[uint8]bool
}

func (a *allocator) reserve(addr uint8) {
	a.used[addr] = true
}

// next returns a number free in both directions and reserves both.
func (a *allocator) next() (uint8, error) {
	for num := uint8(1); num < device.MaxEndpointCount; num++ {
		if !a.used[num] && !a.used[num|device.EndpointDirectionIn] {
			a.reserve(num)
			a.reserve(num | device.EndpointDirectionIn)
			return num, nil
		}
	}
	return 0, fmt.Errorf("%w: no free endpoint numbers", pkg.ErrNoMemory)
}

func explicit(fn *Function) (in, out, notify uint8) {
	if fn.Endpoints == nil {
		return 0, 0, 0
	}
	return fn.Endpoints.In & 0x0F, fn.Endpoints.Out & 0x0F, fn.Endpoints.Notify & 0x0F
}

// Plan resolves endpoint addresses. Explicit numbers are honored first,
// then the rest are allocated in function order.
func (f *File) Plan() ([]Slot, error) {
	a := allocator{used: map[uint8]bool{}}

	var fixed []uint8
	for i := range f.Functions {
		in, out, notify := explicit(&f.Functions[i])
		if in != 0 {
			fixed = append(fixed, in|device.EndpointDirectionIn)
		}
		if out != 0 {
			fixed = append(fixed, out)
		}
		if notify != 0 {
			fixed = append(fixed, notify|device.EndpointDirectionIn)
		}
	}
	if dups := lo.FindDuplicates(fixed); len(dups) > 0 {
		return nil, invalid("endpoint 0x%02X assigned more than once", dups[0])
	}
	for _, addr := range fixed {
		if addr&0x0F >= device.MaxEndpointCount {
			return nil, invalid("endpoint 0x%02X beyond the %d supported", addr, device.MaxEndpointCount)
		}
		a.reserve(addr)
	}

	slots := make([]Slot, len(f.Functions))
	for i := range f.Functions {
		fn := &f.Functions[i]
		in, out, notify := explicit(fn)
		slot := Slot{Function: *fn}

		var err error
		switch fn.Kind {
		case KindHID:
			err = a.planHID(&slot, in, out, fn.Output || out != 0)
		case KindCDC:
			err = a.planCDC(&slot, in, out, notify)
		case KindMSC:
			err = a.planMSC(&slot, in, out)
		}
		if err != nil {
			return nil, fmt.Errorf("functions[%d]: %w", i, err)
		}
		slots[i] = slot
	}
	return slots, nil
}

func (a *allocator) planHID(s *Slot, in, out uint8, wantOut bool) error {
	switch {
	case in == 0 && wantOut && out == 0:
		num, err := a.next()
		if err != nil {
			return err
		}
		in, out = num, num
	case in == 0:
		num, err := a.next()
		if err != nil {
			return err
		}
		in = num
	}
	if wantOut && out == 0 {
		num, err := a.next()
		if err != nil {
			return err
		}
		out = num
	}
	s.In = in | device.EndpointDirectionIn
	if wantOut {
		s.Out = out
	}
	return nil
}

func (a *allocator) planCDC(s *Slot, in, out, notify uint8) error {
	if notify == 0 {
		num, err := a.next()
		if err != nil {
			return err
		}
		notify = num
	}
	if in == 0 || out == 0 {
		num, err := a.next()
		if err != nil {
			return err
		}
		in, out = lo.CoalesceOrEmpty(in, num), lo.CoalesceOrEmpty(out, num)
	}
	s.Notify = notify | device.EndpointDirectionIn
	s.In = in | device.EndpointDirectionIn
	s.Out = out
	return nil
}

func (a *allocator) planMSC(s *Slot, in, out uint8) error {
	if in == 0 || out == 0 {
		num, err := a.next()
		if err != nil {
			return err
		}
		in, out = lo.CoalesceOrEmpty(in, num), lo.CoalesceOrEmpty(out, num)
	}
	s.In = in | device.EndpointDirectionIn
	s.Out = out
	return nil
}

// Description converts the identity section.
func (f *File) Description() (*device.Description, error) {
	id := &f.Device
	version, err := parseVersion(id.Version)
	if err != nil {
		return nil, err
	}
	serial, err := parseSerial(id.Serial)
	if err != nil {
		return nil, err
	}
	attrs := device.ConfigAttributes(0).
		With(device.ConfigAttrSelfPowered, id.Configuration.SelfPowered).
		With(device.ConfigAttrRemoteWakeup, id.Configuration.RemoteWakeup)

	return &device.Description{
		Vendor:  device.Vendor{Name: id.VendorName, ID: id.VendorID},
		Product: device.Product{Name: id.ProductName, ID: id.ProductID, Version: version},
		Config: device.Config{
			Name:         id.Configuration.Name,
			MaxCurrentMA: id.Configuration.MaxCurrentMA,
			Attributes:   attrs,
			LPM:          id.Configuration.LPM,
		},
		SerialNumber: serial,
	}, nil
}

// Gadget is a device assembled from a file, with its class drivers
// registered in function order.
type Gadget struct {
	Description *device.Description
	Device      *device.Device
	Slots       []Slot
	HID         []*hid.HID
	ACM         []*cdc.ACM
	MSC         []*msc.MSC

	closers []io.Closer
}

// Close releases disk images opened by Build.
func (g *Gadget) Close() error {
	errs := lo.Map(g.closers, func(c io.Closer, _ int) error { return c.Close() })
	g.closers = nil
	return errors.Join(errs...)
}

// Build validates f and assembles a device driven by driver.
func (f *File) Build(driver hal.Driver) (*Gadget, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	slots, err := f.Plan()
	if err != nil {
		return nil, err
	}
	desc, err := f.Description()
	if err != nil {
		return nil, err
	}

	var opts []device.Option
	if f.Device.LangID != 0 {
		opts = append(opts, device.WithLangID(f.Device.LangID))
	}
	if f.Device.HighSpeed {
		opts = append(opts, device.WithHighSpeed())
	}
	dev, err := device.New(desc, driver, opts...)
	if err != nil {
		return nil, err
	}

	g := &Gadget{Description: desc, Device: dev, Slots: slots}
	for i := range slots {
		if err := g.register(&slots[i]); err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("functions[%d]: %w", i, err)
		}
	}
	pkg.LogInfo(pkg.ComponentConfig, "device assembled",
		"vendor", fmt.Sprintf("%04X", desc.Vendor.ID),
		"product", fmt.Sprintf("%04X", desc.Product.ID),
		"interfaces", dev.IfCount())
	return g, nil
}

func (g *Gadget) register(s *Slot) error {
	fn := &s.Function
	switch fn.Kind {
	case KindHID:
		r := reports[fn.Report]
		opts := []hid.Option{
			hid.WithEndpoints(s.In, s.Out),
			hid.WithReportSize(r.size),
			hid.WithName(fn.Name),
		}
		if fn.Boot {
			opts = append(opts, hid.WithBootProtocol(r.boot))
		}
		if fn.Interval != 0 {
			opts = append(opts, hid.WithInterval(fn.Interval))
		}
		h := hid.New(r.descriptor, opts...)
		if err := g.Device.Register(device.NewInterface(h, 1)); err != nil {
			return err
		}
		g.HID = append(g.HID, h)
	case KindCDC:
		opts := []cdc.Option{
			cdc.WithEndpoints(s.Notify, s.In, s.Out),
			cdc.WithName(fn.Name),
		}
		if fn.Echo {
			opts = append(opts, cdc.WithEcho())
		}
		acm := cdc.NewACM(opts...)
		if err := acm.Register(g.Device); err != nil {
			return err
		}
		g.ACM = append(g.ACM, acm)
	case KindMSC:
		storage, err := g.storage(fn)
		if err != nil {
			return err
		}
		opts := []msc.Option{msc.WithEndpoints(s.In, s.Out)}
		if fn.Name != "" {
			opts = append(opts, msc.WithName(fn.Name))
		}
		if id := g.Description; id.Vendor.Name != "" || id.Product.Name != "" {
			opts = append(opts, msc.WithInquiry(id.Vendor.Name, id.Product.Name,
				fmt.Sprintf("%d.%d", id.Product.Version.Major, id.Product.Version.Minor)))
		}
		disk := msc.New(storage, opts...)
		if err := g.Device.Register(device.NewInterface(disk, 1)); err != nil {
			return err
		}
		g.MSC = append(g.MSC, disk)
	default:
		return invalid("kind %q", fn.Kind)
	}
	return nil
}

func (g *Gadget) storage(fn *Function) (msc.Storage, error) {
	if fn.Image != "" {
		fs, err := msc.OpenFileStorage(fn.Image, fn.blockSize(), fn.ReadOnly)
		if err != nil {
			return nil, fmt.Errorf("disk image: %w", err)
		}
		g.closers = append(g.closers, fs)
		return fs, nil
	}
	mem := msc.NewMemoryStorage(fn.Blocks, fn.blockSize())
	mem.SetReadOnly(fn.ReadOnly)
	mem.SetRemovable(fn.Removable)
	return mem, nil
}
