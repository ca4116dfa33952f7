package device

import (
	"fmt"

	"github.com/ardnew/usbd/pkg"
)

// Transmit starts an IN transfer of data on endpoint addr. Bulk transfers
// ending on a full packet are terminated with a ZLP. data is borrowed until
// the owning interface's InData callback.
func (d *Device) Transmit(addr uint8, data []byte) error {
	ep := d.endpoint(addr | EndpointDirectionIn)
	if ep == nil || ep.Number() == 0 || addr&EndpointDirectionIn == 0 {
		return fmt.Errorf("transmit on 0x%02X: %w", addr, pkg.ErrInvalidEndpoint)
	}
	return d.transmit(ep, data, ep.IsBulk())
}

// Receive arms an OUT transfer into buf on endpoint addr. The transfer
// completes when len(buf) bytes or a short packet arrive.
func (d *Device) Receive(addr uint8, buf []byte) error {
	ep := d.endpoint(addr)
	if ep == nil || ep.Number() == 0 || ep.IsIn() {
		return fmt.Errorf("receive on 0x%02X: %w", addr, pkg.ErrInvalidEndpoint)
	}
	return d.receive(ep, buf)
}

func (d *Device) transmit(ep *Endpoint, data []byte, zlp bool) error {
	if d.configSelector == 0 {
		return fmt.Errorf("transmit on 0x%02X: %w", ep.Address, pkg.ErrNotConfigured)
	}
	if err := ep.Start(data, len(data), zlp); err != nil {
		return err
	}
	pkg.LogTrace(pkg.ComponentEndpoint, "transmit",
		"address", fmt.Sprintf("0x%02X", ep.Address),
		"length", len(data))
	return d.queue(ep)
}

func (d *Device) receive(ep *Endpoint, buf []byte) error {
	if d.configSelector == 0 {
		return fmt.Errorf("receive on 0x%02X: %w", ep.Address, pkg.ErrNotConfigured)
	}
	if err := ep.Start(buf, len(buf), false); err != nil {
		return err
	}
	pkg.LogTrace(pkg.ComponentEndpoint, "receive",
		"address", fmt.Sprintf("0x%02X", ep.Address),
		"length", len(buf))
	return d.queue(ep)
}

// queue hands the endpoint's next packet to the driver. A driver failure
// aborts the transfer.
func (d *Device) queue(ep *Endpoint) error {
	if err := d.driver.QueueTransfer(ep.Address, ep.Next()); err != nil {
		ep.Abort()
		return fmt.Errorf("%w: queue on 0x%02X: %w", pkg.ErrDriver, ep.Address, err)
	}
	return nil
}

// OnOutComplete accounts for length bytes received on OUT endpoint addr.
func (d *Device) OnOutComplete(addr uint8, length int) {
	ep := d.endpoint(addr &^ EndpointDirectionIn)
	if ep == nil {
		pkg.LogWarn(pkg.ComponentEndpoint, "out completion on unknown endpoint",
			"address", fmt.Sprintf("0x%02X", addr))
		return
	}
	if ep.Number() == 0 {
		d.controlOut(length)
		return
	}
	d.advance(ep, length, CapOutData)
}

// OnInComplete accounts for the acknowledged packet on IN endpoint addr.
func (d *Device) OnInComplete(addr uint8) {
	ep := d.endpoint(addr | EndpointDirectionIn)
	if ep == nil {
		pkg.LogWarn(pkg.ComponentEndpoint, "in completion on unknown endpoint",
			"address", fmt.Sprintf("0x%02X", addr))
		return
	}
	if ep.Number() == 0 {
		d.controlIn()
		return
	}
	d.advance(ep, ep.Pending(), CapInData)
}

// advance moves a non-control transfer forward by one packet and notifies
// the owning interface once it completes.
func (d *Device) advance(ep *Endpoint, n int, c Capability) {
	if !ep.Advance(n) {
		if !ep.Busy() {
			pkg.LogTrace(pkg.ComponentEndpoint, "stray completion",
				"address", fmt.Sprintf("0x%02X", ep.Address),
				"state", ep.State.String())
			return
		}
		if err := d.queue(ep); err != nil {
			pkg.LogError(pkg.ComponentEndpoint, "transfer dropped",
				"address", fmt.Sprintf("0x%02X", ep.Address),
				"error", err)
		}
		return
	}

	pkg.LogTrace(pkg.ComponentEndpoint, "transfer complete",
		"address", fmt.Sprintf("0x%02X", ep.Address),
		"length", ep.Transfer.Progress)

	if int(ep.IfNum) >= d.ifCount {
		return
	}
	iface := d.interfaces[ep.IfNum]
	if !iface.caps.has(c) {
		return
	}
	if err := d.Dispatch(c, iface.num, ep); err != nil {
		pkg.LogWarn(pkg.ComponentInterface, "completion dispatch failed",
			"interface", iface.num,
			"error", err)
	}
}
