package hid

import (
	"fmt"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// MaxReportSize is the maximum HID report size.
const MaxReportSize = 64

// Default endpoint settings.
const (
	DefaultInEndpoint = 0x81
	DefaultInterval   = 10 // ms
)

// HID implements a HID class driver. It owns one interrupt IN endpoint and
// optionally one interrupt OUT endpoint.
//
// Every method runs in the device's mutual-exclusion domain: application
// calls such as [HID.SendReport] go through [device.Stack.Do].
type HID struct {
	iface *device.Interface

	inAddr     uint8
	outAddr    uint8 // 0 when there is no OUT endpoint
	reportSize uint16
	interval   uint8
	subclass   uint8
	bootCode   uint8
	country    uint8
	name       string

	// Report descriptor (stored by reference)
	reportDescriptor []byte

	protocol uint8 // 0 = boot, 1 = report
	idleRate uint8 // Idle rate in 4ms units (0 = infinite)

	onOutputReport  func(data []byte)
	onFeatureReport func(reportID uint8, data []byte)
	onGetReport     func(reportType, reportID uint8, buf []byte) int
	onSetProtocol   func(protocol uint8)
	onSetIdle       func(rate uint8, reportID uint8)
	onReportSent    func()

	reportBuf [MaxReportSize]byte
	outBuf    [MaxReportSize]byte
}

var (
	_ device.DescriptorProvider = (*HID)(nil)
	_ device.StringProvider     = (*HID)(nil)
	_ device.Initializer        = (*HID)(nil)
	_ device.Deinitializer      = (*HID)(nil)
	_ device.SetupHandler       = (*HID)(nil)
	_ device.DataStageHandler   = (*HID)(nil)
	_ device.OutHandler         = (*HID)(nil)
	_ device.InHandler          = (*HID)(nil)
)

// Option configures a [HID].
type Option func(*HID)

// WithEndpoints sets the interrupt endpoint addresses. An out of 0 omits
// the OUT endpoint; output reports then arrive through SET_REPORT.
func WithEndpoints(in, out uint8) Option {
	return func(h *HID) {
		h.inAddr = in | device.EndpointDirectionIn
		h.outAddr = out &^ device.EndpointDirectionIn
	}
}

// WithReportSize sets the interrupt endpoint packet size.
func WithReportSize(size uint16) Option {
	return func(h *HID) {
		h.reportSize = min(size, MaxReportSize)
	}
}

// WithInterval sets the interrupt polling interval in milliseconds.
func WithInterval(ms uint8) Option {
	return func(h *HID) { h.interval = ms }
}

// WithBootProtocol advertises the boot subclass with the given boot
// protocol code ([ProtocolKeyboard] or [ProtocolMouse]).
func WithBootProtocol(code uint8) Option {
	return func(h *HID) {
		h.subclass = SubclassBoot
		h.bootCode = code
	}
}

// WithCountry sets the HID descriptor country code.
func WithCountry(code uint8) Option {
	return func(h *HID) { h.country = code }
}

// WithName sets the interface string.
func WithName(name string) Option {
	return func(h *HID) { h.name = name }
}

// New creates a new HID class driver with the given report descriptor.
// The report descriptor is stored by reference.
func New(reportDescriptor []byte, opts ...Option) *HID {
	h := &HID{
		reportDescriptor: reportDescriptor,
		inAddr:           DefaultInEndpoint,
		reportSize:       8,
		interval:         DefaultInterval,
		protocol:         ProtocolReport,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetOnOutputReport sets the callback for output reports from the host,
// received either on the OUT endpoint or through SET_REPORT.
func (h *HID) SetOnOutputReport(cb func(data []byte)) {
	h.onOutputReport = cb
}

// SetOnFeatureReport sets the callback for SET_REPORT(Feature).
func (h *HID) SetOnFeatureReport(cb func(reportID uint8, data []byte)) {
	h.onFeatureReport = cb
}

// SetOnGetReport sets the callback that fills buf for GET_REPORT and
// returns the report length. Without it the device answers with zeros.
func (h *HID) SetOnGetReport(cb func(reportType, reportID uint8, buf []byte) int) {
	h.onGetReport = cb
}

// SetOnSetProtocol sets the callback for protocol changes.
func (h *HID) SetOnSetProtocol(cb func(protocol uint8)) {
	h.onSetProtocol = cb
}

// SetOnSetIdle sets the callback for idle rate changes.
func (h *HID) SetOnSetIdle(cb func(rate uint8, reportID uint8)) {
	h.onSetIdle = cb
}

// SetOnReportSent sets the callback invoked when an input report has been
// read by the host.
func (h *HID) SetOnReportSent(cb func()) {
	h.onReportSent = cb
}

// Protocol returns the current protocol (boot or report).
func (h *HID) Protocol() uint8 {
	return h.protocol
}

// IdleRate returns the current idle rate.
func (h *HID) IdleRate() uint8 {
	return h.idleRate
}

// ReportDescriptor returns the report descriptor.
func (h *HID) ReportDescriptor() []byte {
	return h.reportDescriptor
}

// Configured reports whether the interface is active.
func (h *HID) Configured() bool {
	return h.iface != nil
}

func (h *HID) descriptor() HIDDescriptor {
	return HIDDescriptor{
		HIDVersion:     HIDVersion111,
		CountryCode:    h.country,
		NumDescriptors: 1,
		ReportDescLen:  uint16(len(h.reportDescriptor)),
	}
}

func (h *HID) endpointConfigs() []hal.EndpointConfig {
	cfgs := []hal.EndpointConfig{{
		Address:       h.inAddr,
		Attributes:    device.EndpointTypeInterrupt,
		MaxPacketSize: h.reportSize,
		Interval:      h.interval,
	}}
	if h.outAddr != 0 {
		cfgs = append(cfgs, hal.EndpointConfig{
			Address:       h.outAddr,
			Attributes:    device.EndpointTypeInterrupt,
			MaxPacketSize: h.reportSize,
			Interval:      h.interval,
		})
	}
	return cfgs
}

// DescriptorSize returns the length of the configuration descriptor
// fragment.
func (h *HID) DescriptorSize() int {
	n := device.InterfaceDescriptorSize + HIDDescriptorSize + device.EndpointDescriptorSize
	if h.outAddr != 0 {
		n += device.EndpointDescriptorSize
	}
	return n
}

// GetDescriptor writes the interface, HID, and endpoint descriptors.
func (h *HID) GetDescriptor(iface *device.Interface, ifNum uint8, dest []byte) int {
	if len(dest) < h.DescriptorSize() {
		pkg.LogWarn(pkg.ComponentClass, "HID descriptor does not fit",
			"interface", ifNum,
			"need", h.DescriptorSize(),
			"have", len(dest))
		return 0
	}

	cfgs := h.endpointConfigs()
	id := device.InterfaceDescriptor{
		InterfaceNumber:   ifNum,
		NumEndpoints:      uint8(len(cfgs)),
		InterfaceClass:    ClassHID,
		InterfaceSubClass: h.subclass,
		InterfaceProtocol: h.bootCode,
	}
	if h.name != "" {
		id.InterfaceIndex = iface.StringIndex(0)
	}
	n := id.MarshalTo(dest)

	hd := h.descriptor()
	n += hd.MarshalTo(dest[n:])

	for _, cfg := range cfgs {
		ed := device.EndpointDescriptor{
			EndpointAddress: cfg.Address,
			Attributes:      cfg.Attributes,
			MaxPacketSize:   cfg.MaxPacketSize,
			Interval:        cfg.Interval,
		}
		n += ed.MarshalTo(dest[n:])
	}
	return n
}

// GetString returns the interface name for index 0.
func (h *HID) GetString(iface *device.Interface, intNum uint8) string {
	if intNum == 0 {
		return h.name
	}
	return ""
}

// Init opens the interrupt endpoints and arms the OUT endpoint.
func (h *HID) Init(iface *device.Interface) {
	h.iface = iface
	h.protocol = ProtocolReport
	h.idleRate = 0

	for _, cfg := range h.endpointConfigs() {
		if err := iface.OpenEndpoint(cfg, MaxReportSize); err != nil {
			pkg.LogError(pkg.ComponentClass, "HID endpoint open failed",
				"address", fmt.Sprintf("0x%02X", cfg.Address),
				"error", err)
			return
		}
	}
	if h.outAddr != 0 {
		h.armOut()
	}

	pkg.LogDebug(pkg.ComponentClass, "HID configured",
		"interface", iface.Number(),
		"in", fmt.Sprintf("0x%02X", h.inAddr),
		"reportDescLen", len(h.reportDescriptor))
}

// Deinit forgets the interface. The core closes the endpoints.
func (h *HID) Deinit(iface *device.Interface) {
	h.iface = nil
}

func (h *HID) armOut() {
	buf := h.outBuf[:h.reportSize]
	if err := h.iface.Receive(h.outAddr, buf); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "HID OUT arm failed", "error", err)
	}
}

// SetupStage handles HID class requests and GET_DESCRIPTOR for the HID
// and report descriptors.
func (h *HID) SetupStage(iface *device.Interface, setup *device.SetupPacket) error {
	if setup.IsStandard() {
		if setup.Request != device.RequestGetDescriptor {
			return fmt.Errorf("HID standard request 0x%02X: %w", setup.Request, pkg.ErrNotSupported)
		}
		return h.handleGetDescriptor(iface, setup)
	}
	if !setup.IsClass() {
		return fmt.Errorf("HID request type 0x%02X: %w", setup.RequestType, pkg.ErrNotSupported)
	}

	switch setup.Request {
	case RequestGetReport:
		return h.handleGetReport(iface, setup)
	case RequestSetReport:
		if setup.Length == 0 {
			h.deliverReport(setup, nil)
		}
		return nil
	case RequestGetIdle:
		buf := iface.ControlBuffer()
		buf[0] = h.idleRate
		return iface.ControlIn(buf[:1])
	case RequestSetIdle:
		return h.handleSetIdle(setup)
	case RequestGetProtocol:
		buf := iface.ControlBuffer()
		buf[0] = h.protocol
		return iface.ControlIn(buf[:1])
	case RequestSetProtocol:
		return h.handleSetProtocol(setup)
	default:
		return fmt.Errorf("HID request 0x%02X: %w", setup.Request, pkg.ErrInvalidRequest)
	}
}

func (h *HID) handleGetDescriptor(iface *device.Interface, setup *device.SetupPacket) error {
	switch setup.DescriptorType() {
	case DescriptorTypeHID:
		hd := h.descriptor()
		buf := iface.ControlBuffer()
		n := hd.MarshalTo(buf)
		return iface.ControlIn(buf[:n])
	case DescriptorTypeReport:
		return iface.ControlIn(h.reportDescriptor)
	default:
		return fmt.Errorf("HID descriptor type 0x%02X: %w", setup.DescriptorType(), pkg.ErrInvalidRequest)
	}
}

func (h *HID) handleGetReport(iface *device.Interface, setup *device.SetupPacket) error {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentClass, "GET_REPORT",
		"type", reportType,
		"id", reportID)

	buf := iface.ControlBuffer()[:min(int(setup.Length), MaxReportSize)]
	var n int
	if h.onGetReport != nil {
		n = h.onGetReport(reportType, reportID, buf)
	} else {
		clear(buf)
		n = len(buf)
	}
	return iface.ControlIn(buf[:n])
}

func (h *HID) handleSetIdle(setup *device.SetupPacket) error {
	rate := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)
	h.idleRate = rate

	pkg.LogDebug(pkg.ComponentClass, "SET_IDLE",
		"rate", rate,
		"reportID", reportID)

	if h.onSetIdle != nil {
		h.onSetIdle(rate, reportID)
	}
	return nil
}

func (h *HID) handleSetProtocol(setup *device.SetupPacket) error {
	protocol := uint8(setup.Value & 0xFF)
	if protocol > ProtocolReport {
		return fmt.Errorf("HID protocol %d: %w", protocol, pkg.ErrInvalidParameter)
	}
	h.protocol = protocol

	pkg.LogDebug(pkg.ComponentClass, "SET_PROTOCOL",
		"protocol", protocol)

	if h.onSetProtocol != nil {
		h.onSetProtocol(protocol)
	}
	return nil
}

// DataStage delivers the payload of SET_REPORT.
func (h *HID) DataStage(iface *device.Interface) {
	setup := iface.Setup()
	if !setup.IsClass() || setup.Request != RequestSetReport {
		return
	}
	h.deliverReport(setup, iface.ControlData())
}

func (h *HID) deliverReport(setup *device.SetupPacket, data []byte) {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentClass, "SET_REPORT",
		"type", reportType,
		"id", reportID,
		"len", len(data))

	switch reportType {
	case ReportTypeOutput:
		if h.onOutputReport != nil {
			h.onOutputReport(data)
		}
	case ReportTypeFeature:
		if h.onFeatureReport != nil {
			h.onFeatureReport(reportID, data)
		}
	}
}

// OutData delivers an output report from the OUT endpoint and re-arms it.
func (h *HID) OutData(iface *device.Interface, ep *device.Endpoint) {
	t := &ep.Transfer
	if h.onOutputReport != nil {
		h.onOutputReport(t.Data[:t.Progress])
	}
	h.armOut()
}

// InData signals that the host has read the last input report.
func (h *HID) InData(iface *device.Interface, ep *device.Endpoint) {
	if h.onReportSent != nil {
		h.onReportSent()
	}
}

// SendReport sends an input report to the host. data is borrowed until the
// host reads it; a second report before then fails with [pkg.ErrBusy].
func (h *HID) SendReport(data []byte) error {
	if err := h.ready(); err != nil {
		return err
	}
	if len(data) > int(h.reportSize) {
		return fmt.Errorf("HID report length %d: %w", len(data), pkg.ErrInvalidLength)
	}
	return h.iface.Transmit(h.inAddr, data)
}

// ready fails unless the IN endpoint can take a report.
func (h *HID) ready() error {
	if h.iface == nil {
		return pkg.ErrNotConfigured
	}
	ep := h.iface.Endpoint(h.inAddr)
	if ep == nil {
		return pkg.ErrNotConfigured
	}
	if ep.Busy() {
		return fmt.Errorf("HID report in flight: %w", pkg.ErrBusy)
	}
	return nil
}

// SendKeyboardReport sends a keyboard report to the host.
func (h *HID) SendKeyboardReport(report *KeyboardReport) error {
	if err := h.ready(); err != nil {
		return err
	}
	n := report.MarshalTo(h.reportBuf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(h.reportBuf[:n])
}

// SendMouseReport sends a mouse report to the host.
func (h *HID) SendMouseReport(report *MouseReport) error {
	if err := h.ready(); err != nil {
		return err
	}
	n := report.MarshalTo(h.reportBuf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(h.reportBuf[:n])
}
