package device

import (
	"fmt"

	"github.com/ardnew/usbd/pkg"
)

// deferredKind names a standard request whose effect waits for the status
// stage.
type deferredKind uint8

const (
	deferNone deferredKind = iota
	deferAddress
	deferConfiguration
	deferInterface
)

type deferred struct {
	kind  deferredKind
	value uint8
	iface *Interface
}

// control is the EP0 transfer context. It exists once per device.
type control struct {
	stage    ControlStage
	owner    *Interface // interface the request was forwarded to
	response []byte     // staged device-to-host data
	staged   bool
	received int // bytes received in the host-to-device data stage
	deferred deferred
}

// Stage returns the current control transfer stage.
func (d *Device) Stage() ControlStage {
	return d.ctl.stage
}

// OnControlStage registers fn to observe control stage transitions.
func (d *Device) OnControlStage(fn func(old, new ControlStage)) {
	d.onStage = fn
}

func (d *Device) setStage(s ControlStage) {
	old := d.ctl.stage
	d.ctl.stage = s
	if old == s {
		return
	}
	pkg.LogTrace(pkg.ComponentControl, "control stage",
		"from", old.String(),
		"to", s.String())
	if d.onStage != nil {
		d.onStage(old, s)
	}
}

// resetControl drops the current control transfer and clears any EP0
// stall without touching the stage.
func (d *Device) resetControl() {
	for _, ep := range []*Endpoint{&d.out[0], &d.in[0]} {
		ep.ClearStall()
		ep.Abort()
	}
	stage := d.ctl.stage
	d.ctl = control{stage: stage}
}

func (d *Device) abortControl() {
	d.resetControl()
	d.setStage(StageIdle)
}

// OnSetup starts a control transfer. Any transfer in progress on EP0 is
// abandoned without completing, together with its deferred request.
func (d *Device) OnSetup(packet []byte) {
	d.resetControl()
	d.setStage(StageSetupReceived)

	if err := ParseSetupPacket(packet, &d.setup); err != nil {
		d.stallControl(err)
		return
	}
	pkg.LogTrace(pkg.ComponentControl, "setup received", "setup", d.setup.String())

	if err := d.setup.Validate(); err != nil {
		d.stallControl(err)
		return
	}
	if err := d.handleRequest(); err != nil {
		d.stallControl(err)
		return
	}
	if err := d.startData(); err != nil {
		d.stallControl(err)
	}
}

// startData begins the data stage of an accepted request, or the status
// stage when wLength is zero.
func (d *Device) startData() error {
	s := &d.setup
	switch {
	case s.Length == 0:
		d.setStage(StageNoData)
		return d.statusIn()

	case s.IsHostToDevice():
		d.setStage(StageDataOut)
		if err := d.out[0].Start(d.ctrl[:], int(s.Length), false); err != nil {
			return err
		}
		return d.queue(&d.out[0])

	default:
		if !d.ctl.staged {
			return fmt.Errorf("request 0x%02X accepted without data: %w", s.Request, pkg.ErrInvalidRequest)
		}
		n := min(len(d.ctl.response), int(s.Length))
		d.setStage(StageDataIn)
		if err := d.in[0].Start(d.ctl.response, n, n < int(s.Length)); err != nil {
			return err
		}
		return d.queue(&d.in[0])
	}
}

func (d *Device) statusIn() error {
	if err := d.in[0].StartStatus(); err != nil {
		return err
	}
	d.setStage(StageStatus)
	return d.queue(&d.in[0])
}

func (d *Device) statusOut() error {
	if err := d.out[0].StartStatus(); err != nil {
		return err
	}
	d.setStage(StageStatus)
	return d.queue(&d.out[0])
}

// stallControl halts both directions of EP0 until the next SETUP or reset.
func (d *Device) stallControl(err error) {
	pkg.LogDebug(pkg.ComponentControl, "request stalled",
		"setup", d.setup.String(),
		"error", err)

	d.in[0].Stall()
	d.out[0].Stall()
	for _, addr := range []uint8{0x80, 0x00} {
		if serr := d.driver.Stall(addr); serr != nil {
			pkg.LogWarn(pkg.ComponentControl, "stall failed",
				"address", fmt.Sprintf("0x%02X", addr),
				"error", serr)
		}
	}
	stage := d.ctl.stage
	d.ctl = control{stage: stage}
	d.setStage(StageStalled)
}

// controlOut handles a completed OUT packet on EP0.
func (d *Device) controlOut(n int) {
	switch d.ctl.stage {
	case StageDataOut:
		if !d.out[0].Advance(n) {
			if err := d.queue(&d.out[0]); err != nil {
				d.stallControl(err)
			}
			return
		}
		d.ctl.received = d.out[0].Transfer.Progress
		if owner := d.ctl.owner; owner != nil && owner.caps.has(CapDataStage) {
			if err := d.Dispatch(CapDataStage, owner.num, nil); err != nil {
				d.stallControl(err)
				return
			}
		}
		if err := d.statusIn(); err != nil {
			d.stallControl(err)
		}

	case StageDataIn:
		if n != 0 {
			pkg.LogDebug(pkg.ComponentControl, "unexpected data during IN stage", "length", n)
			return
		}
		// Host ended the data stage early with an OUT status.
		d.in[0].Abort()
		d.finishControl()

	case StageStatus:
		if d.out[0].Advance(n) {
			d.finishControl()
		}

	default:
		pkg.LogTrace(pkg.ComponentControl, "ignoring EP0 OUT",
			"stage", d.ctl.stage.String(),
			"length", n)
	}
}

// controlIn handles an acknowledged IN packet on EP0.
func (d *Device) controlIn() {
	switch d.ctl.stage {
	case StageDataIn:
		if !d.in[0].Advance(d.in[0].Pending()) {
			if err := d.queue(&d.in[0]); err != nil {
				d.stallControl(err)
			}
			return
		}
		if err := d.statusOut(); err != nil {
			d.stallControl(err)
		}

	case StageStatus:
		if d.in[0].Advance(0) {
			d.finishControl()
		}

	default:
		pkg.LogTrace(pkg.ComponentControl, "ignoring EP0 IN", "stage", d.ctl.stage.String())
	}
}

// finishControl completes the status stage and applies any deferred
// standard request.
func (d *Device) finishControl() {
	def := d.ctl.deferred
	d.ctl = control{stage: d.ctl.stage}

	switch def.kind {
	case deferAddress:
		d.applyAddress(def.value)
	case deferConfiguration:
		d.applyConfiguration(def.value)
	case deferInterface:
		d.applyAlternate(def.iface, def.value)
	}
	d.setStage(StageIdle)
}

// respond stages the data of a standard device-to-host request.
func (d *Device) respond(data []byte) {
	d.ctl.response = data
	d.ctl.staged = true
}

func (d *Device) deferRequest(kind deferredKind, value uint8, iface *Interface) {
	d.ctl.deferred = deferred{kind: kind, value: value, iface: iface}
}
