package cdc

import (
	"fmt"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// MaxRxBufferSize is the size of the bulk OUT receive buffer.
const MaxRxBufferSize = 512

// MaxTxBufferSize is the size of the echo buffer.
const MaxTxBufferSize = 512

// Default endpoint addresses.
const (
	DefaultNotifyEndpoint  = 0x81
	DefaultDataInEndpoint  = 0x82
	DefaultDataOutEndpoint = 0x02
)

// NotifyPacketSize is the max packet size of the notification endpoint.
const NotifyPacketSize = 10

// SerialStateNotificationSize is the length of a SERIAL_STATE notification.
const SerialStateNotificationSize = 10

// ACM implements a CDC-ACM (Abstract Control Model) class driver.
// It provides USB serial port functionality through a pair of interfaces:
// [ACM.Control] and [ACM.Data], registered in that order.
//
// Every method runs in the device's mutual-exclusion domain: application
// calls such as [ACM.Write] go through [device.Stack.Do].
type ACM struct {
	control acmControl
	data    acmData

	notifyAddr  uint8
	dataInAddr  uint8
	dataOutAddr uint8
	name        string
	echo        bool

	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)
	onReceive            func(data []byte)
	onTransmitDone       func()

	rxBuf     [MaxRxBufferSize]byte
	txBuf     [MaxTxBufferSize]byte
	notifyBuf [SerialStateNotificationSize]byte
}

// acmControl is the Communications Class interface of an [ACM].
type acmControl struct {
	acm   *ACM
	iface *device.Interface
}

// acmData is the Data Class interface of an [ACM].
type acmData struct {
	acm   *ACM
	iface *device.Interface
}

var (
	_ device.DescriptorProvider = (*acmControl)(nil)
	_ device.StringProvider     = (*acmControl)(nil)
	_ device.Initializer        = (*acmControl)(nil)
	_ device.Deinitializer      = (*acmControl)(nil)
	_ device.SetupHandler       = (*acmControl)(nil)
	_ device.DataStageHandler   = (*acmControl)(nil)

	_ device.DescriptorProvider = (*acmData)(nil)
	_ device.Initializer        = (*acmData)(nil)
	_ device.Deinitializer      = (*acmData)(nil)
	_ device.OutHandler         = (*acmData)(nil)
	_ device.InHandler          = (*acmData)(nil)
)

// Option configures an [ACM].
type Option func(*ACM)

// WithEndpoints sets the notification, bulk IN, and bulk OUT endpoint
// addresses.
func WithEndpoints(notify, dataIn, dataOut uint8) Option {
	return func(a *ACM) {
		a.notifyAddr = notify | device.EndpointDirectionIn
		a.dataInAddr = dataIn | device.EndpointDirectionIn
		a.dataOutAddr = dataOut &^ device.EndpointDirectionIn
	}
}

// WithEcho sends every received packet back to the host.
func WithEcho() Option {
	return func(a *ACM) { a.echo = true }
}

// WithName sets the function and control interface string.
func WithName(name string) Option {
	return func(a *ACM) { a.name = name }
}

// NewACM creates a new CDC-ACM class driver.
func NewACM(opts ...Option) *ACM {
	a := &ACM{
		notifyAddr:  DefaultNotifyEndpoint,
		dataInAddr:  DefaultDataInEndpoint,
		dataOutAddr: DefaultDataOutEndpoint,
		lineCoding:  DefaultLineCoding,
	}
	a.control.acm = a
	a.data.acm = a
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Control returns the class of the control interface.
func (a *ACM) Control() device.Class { return &a.control }

// Data returns the class of the data interface.
func (a *ACM) Data() device.Class { return &a.data }

// Register registers the control and data interfaces on dev. They must
// receive consecutive interface numbers.
func (a *ACM) Register(dev *device.Device) error {
	if err := dev.Register(device.NewInterface(a.Control(), 1)); err != nil {
		return fmt.Errorf("CDC control interface: %w", err)
	}
	if err := dev.Register(device.NewInterface(a.Data(), 1)); err != nil {
		return fmt.Errorf("CDC data interface: %w", err)
	}
	return nil
}

// SetOnLineCodingChange sets the callback for line coding changes.
func (a *ACM) SetOnLineCodingChange(cb func(*LineCoding)) {
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for control line state changes.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for break signaling.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.onBreak = cb
}

// SetOnReceive sets the callback for data from the host. data aliases the
// receive buffer and is only valid during the call.
func (a *ACM) SetOnReceive(cb func(data []byte)) {
	a.onReceive = cb
}

// SetOnTransmitDone sets the callback invoked when a [ACM.Write] completes.
func (a *ACM) SetOnTransmitDone(cb func()) {
	a.onTransmitDone = cb
}

// LineCoding returns the current line coding configuration.
func (a *ACM) LineCoding() LineCoding {
	return a.lineCoding
}

// DTR returns the current DTR (Data Terminal Ready) state.
func (a *ACM) DTR() bool {
	return a.controlState&ControlLineDTR != 0
}

// RTS returns the current RTS (Request To Send) state.
func (a *ACM) RTS() bool {
	return a.controlState&ControlLineRTS != 0
}

// SerialState returns the last state sent with [ACM.SendSerialState].
func (a *ACM) SerialState() uint16 {
	return a.serialState
}

// Configured reports whether both interfaces are active.
func (a *ACM) Configured() bool {
	return a.control.iface != nil && a.data.iface != nil
}

func (a *ACM) bulkPacketSize(iface *device.Interface) uint16 {
	if iface.Device().Speed() == hal.SpeedHigh {
		return 512
	}
	return 64
}

func (a *ACM) notifyConfig() hal.EndpointConfig {
	return hal.EndpointConfig{
		Address:       a.notifyAddr,
		Attributes:    device.EndpointTypeInterrupt,
		MaxPacketSize: NotifyPacketSize,
		Interval:      16,
	}
}

func (a *ACM) dataConfigs(mps uint16) [2]hal.EndpointConfig {
	return [2]hal.EndpointConfig{
		{Address: a.dataInAddr, Attributes: device.EndpointTypeBulk, MaxPacketSize: mps},
		{Address: a.dataOutAddr, Attributes: device.EndpointTypeBulk, MaxPacketSize: mps},
	}
}

// ControlDescriptorSize is the length of the control interface fragment.
const ControlDescriptorSize = device.IADSize + device.InterfaceDescriptorSize +
	FunctionalDescriptorsSize + device.EndpointDescriptorSize

// DataDescriptorSize is the length of the data interface fragment.
const DataDescriptorSize = device.InterfaceDescriptorSize + 2*device.EndpointDescriptorSize

func marshalEndpoint(cfg hal.EndpointConfig, dest []byte) int {
	ed := device.EndpointDescriptor{
		EndpointAddress: cfg.Address,
		Attributes:      cfg.Attributes,
		MaxPacketSize:   cfg.MaxPacketSize,
		Interval:        cfg.Interval,
	}
	return ed.MarshalTo(dest)
}

// GetDescriptor writes the IAD, the control interface, its functional
// descriptors, and the notification endpoint.
func (c *acmControl) GetDescriptor(iface *device.Interface, ifNum uint8, dest []byte) int {
	if len(dest) < ControlDescriptorSize {
		return 0
	}
	a := c.acm
	dataNum := ifNum + 1

	var strIndex uint8
	if a.name != "" {
		strIndex = iface.StringIndex(0)
	}

	iad := device.InterfaceAssociationDescriptor{
		FirstInterface:   ifNum,
		InterfaceCount:   2,
		FunctionClass:    ClassCDC,
		FunctionSubClass: SubclassACM,
		FunctionProtocol: ProtocolAT,
		FunctionIndex:    strIndex,
	}
	n := iad.MarshalTo(dest)

	id := device.InterfaceDescriptor{
		InterfaceNumber:   ifNum,
		NumEndpoints:      1,
		InterfaceClass:    ClassCDC,
		InterfaceSubClass: SubclassACM,
		InterfaceProtocol: ProtocolAT,
		InterfaceIndex:    strIndex,
	}
	n += id.MarshalTo(dest[n:])

	n += MarshalFunctional(dest[n:], ifNum, dataNum, ACMCapLineCoding|ACMCapSendBreak)

	n += marshalEndpoint(a.notifyConfig(), dest[n:])
	return n
}

// GetString returns the function name for index 0.
func (c *acmControl) GetString(iface *device.Interface, intNum uint8) string {
	if intNum == 0 {
		return c.acm.name
	}
	return ""
}

// Init opens the notification endpoint.
func (c *acmControl) Init(iface *device.Interface) {
	c.iface = iface
	a := c.acm
	a.controlState = 0
	if err := iface.OpenEndpoint(a.notifyConfig(), SerialStateNotificationSize); err != nil {
		pkg.LogError(pkg.ComponentClass, "CDC notify endpoint open failed", "error", err)
	}
}

// Deinit forgets the control interface.
func (c *acmControl) Deinit(iface *device.Interface) {
	c.iface = nil
}

// SetupStage handles the ACM class requests.
func (c *acmControl) SetupStage(iface *device.Interface, setup *device.SetupPacket) error {
	if !setup.IsClass() {
		return fmt.Errorf("CDC request type 0x%02X: %w", setup.RequestType, pkg.ErrNotSupported)
	}
	a := c.acm

	switch setup.Request {
	case RequestSetLineCoding:
		if setup.Length != LineCodingSize {
			return fmt.Errorf("line coding length %d: %w", setup.Length, pkg.ErrInvalidLength)
		}
		return nil

	case RequestGetLineCoding:
		buf := iface.ControlBuffer()
		n := a.lineCoding.MarshalTo(buf)
		return iface.ControlIn(buf[:n])

	case RequestSetControlLineState:
		a.controlState = setup.Value
		dtr, rts := a.DTR(), a.RTS()
		pkg.LogDebug(pkg.ComponentClass, "control line state set",
			"dtr", dtr,
			"rts", rts)
		if a.onControlStateChange != nil {
			a.onControlStateChange(dtr, rts)
		}
		return nil

	case RequestSendBreak:
		millis := setup.Value
		pkg.LogDebug(pkg.ComponentClass, "break signaled",
			"duration_ms", millis)
		if a.onBreak != nil {
			a.onBreak(millis)
		}
		return nil

	default:
		return fmt.Errorf("CDC request 0x%02X: %w", setup.Request, pkg.ErrInvalidRequest)
	}
}

// DataStage applies SET_LINE_CODING.
func (c *acmControl) DataStage(iface *device.Interface) {
	setup := iface.Setup()
	if setup.Request != RequestSetLineCoding {
		return
	}
	a := c.acm
	var lc LineCoding
	if !ParseLineCoding(iface.ControlData(), &lc) {
		pkg.LogWarn(pkg.ComponentClass, "short line coding", "length", len(iface.ControlData()))
		return
	}
	a.lineCoding = lc

	pkg.LogDebug(pkg.ComponentClass, "line coding set", "coding", lc.String())

	if a.onLineCodingChange != nil {
		a.onLineCodingChange(&a.lineCoding)
	}
}

// GetDescriptor writes the data interface and its bulk endpoints.
func (d *acmData) GetDescriptor(iface *device.Interface, ifNum uint8, dest []byte) int {
	if len(dest) < DataDescriptorSize {
		return 0
	}
	a := d.acm
	id := device.InterfaceDescriptor{
		InterfaceNumber: ifNum,
		NumEndpoints:    2,
		InterfaceClass:  ClassCDCData,
	}
	n := id.MarshalTo(dest)
	for _, cfg := range a.dataConfigs(a.bulkPacketSize(iface)) {
		n += marshalEndpoint(cfg, dest[n:])
	}
	return n
}

// Init opens the bulk endpoints and arms the receive loop.
func (d *acmData) Init(iface *device.Interface) {
	d.iface = iface
	a := d.acm
	for _, cfg := range a.dataConfigs(a.bulkPacketSize(iface)) {
		if err := iface.OpenEndpoint(cfg, 0); err != nil {
			pkg.LogError(pkg.ComponentClass, "CDC data endpoint open failed",
				"address", fmt.Sprintf("0x%02X", cfg.Address),
				"error", err)
			return
		}
	}
	d.armReceive()

	pkg.LogDebug(pkg.ComponentClass, "CDC-ACM configured",
		"dataIn", fmt.Sprintf("0x%02X", a.dataInAddr),
		"dataOut", fmt.Sprintf("0x%02X", a.dataOutAddr))
}

// Deinit forgets the data interface.
func (d *acmData) Deinit(iface *device.Interface) {
	d.iface = nil
}

func (d *acmData) armReceive() {
	if err := d.iface.Receive(d.acm.dataOutAddr, d.acm.rxBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "CDC receive arm failed", "error", err)
	}
}

// OutData hands received bytes to the application, echoes them if
// enabled, and re-arms the receive loop.
func (d *acmData) OutData(iface *device.Interface, ep *device.Endpoint) {
	a := d.acm
	t := &ep.Transfer
	data := t.Data[:t.Progress]

	if a.onReceive != nil {
		a.onReceive(data)
	}
	if a.echo && len(data) > 0 {
		n := copy(a.txBuf[:], data)
		if err := iface.Transmit(a.dataInAddr, a.txBuf[:n]); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "CDC echo dropped",
				"length", n,
				"error", err)
		}
	}
	d.armReceive()
}

// InData reports a completed write.
func (d *acmData) InData(iface *device.Interface, ep *device.Endpoint) {
	if ep.Address == d.acm.dataInAddr && d.acm.onTransmitDone != nil {
		d.acm.onTransmitDone()
	}
}

// Write starts sending data to the host. data is borrowed until the
// transfer completes; a second write before then fails with [pkg.ErrBusy].
func (a *ACM) Write(data []byte) error {
	if a.data.iface == nil {
		return pkg.ErrNotConfigured
	}
	return a.data.iface.Transmit(a.dataInAddr, data)
}

// SendSerialState sends a SERIAL_STATE notification to the host.
func (a *ACM) SendSerialState(state uint16) error {
	c := a.control.iface
	if c == nil {
		return pkg.ErrNotConfigured
	}
	if ep := c.Endpoint(a.notifyAddr); ep != nil && ep.Busy() {
		return fmt.Errorf("serial state in flight: %w", pkg.ErrBusy)
	}
	a.serialState = state

	buf := a.notifyBuf[:]
	buf[0] = device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface
	buf[1] = NotificationSerialState
	buf[2], buf[3] = 0, 0 // wValue
	buf[4], buf[5] = c.Number(), 0
	buf[6], buf[7] = 2, 0 // wLength
	buf[8] = byte(state)
	buf[9] = byte(state >> 8)

	return c.Transmit(a.notifyAddr, buf)
}
