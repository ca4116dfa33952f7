package msc

import (
	"fmt"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Phase is the Bulk-Only Transport state of an [MSC].
type Phase uint8

// Phases.
const (
	PhaseIdle    Phase = iota // not configured
	PhaseCommand              // CBW receive armed
	PhaseDataIn
	PhaseDataOut
	PhaseStatus
	PhaseHalted // invalid CBW; waiting for reset recovery
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseCommand:
		return "Command"
	case PhaseDataIn:
		return "DataIn"
	case PhaseDataOut:
		return "DataOut"
	case PhaseStatus:
		return "Status"
	case PhaseHalted:
		return "Halted"
	default:
		return "Unknown"
	}
}

// command tracks the CBW in progress.
type command struct {
	cbw     CommandBlockWrapper
	status  uint8
	residue uint32 // bytes of dCBWDataTransferLength not yet moved
	lba     uint64
	blocks  uint32 // blocks still to read or write
	discard bool   // OUT data is drained without being stored
}

// MSC implements a Mass Storage Class driver using the Bulk-Only
// Transport and the SCSI transparent command set, serving a single
// logical unit.
//
// The transport is driven entirely by transfer completions: OutData
// receives CBWs and WRITE data, InData advances READ data and status.
type MSC struct {
	iface   *device.Interface
	storage Storage
	inquiry Inquiry
	name    string

	inAddr  uint8
	outAddr uint8

	phase Phase
	cmd   command
	sense Sense

	onCommand func(cbw *CommandBlockWrapper, status uint8)

	cbwBuf  [CBWSize]byte
	cswBuf  [CSWSize]byte
	dataBuf [BufferSize]byte
}

var (
	_ device.DescriptorProvider = (*MSC)(nil)
	_ device.StringProvider     = (*MSC)(nil)
	_ device.Initializer        = (*MSC)(nil)
	_ device.Deinitializer      = (*MSC)(nil)
	_ device.SetupHandler       = (*MSC)(nil)
	_ device.OutHandler         = (*MSC)(nil)
	_ device.InHandler          = (*MSC)(nil)
)

// Option configures an [MSC].
type Option func(*MSC)

// WithEndpoints sets the bulk IN and bulk OUT endpoint addresses.
func WithEndpoints(in, out uint8) Option {
	return func(m *MSC) {
		m.inAddr = in | device.EndpointDirectionIn
		m.outAddr = out &^ device.EndpointDirectionIn
	}
}

// WithName sets the interface string.
func WithName(name string) Option {
	return func(m *MSC) { m.name = name }
}

// WithInquiry sets the SCSI vendor, product, and revision identification.
func WithInquiry(vendor, product, revision string) Option {
	return func(m *MSC) {
		m.inquiry.Vendor = vendor
		m.inquiry.Product = product
		m.inquiry.Revision = revision
	}
}

// New creates a Mass Storage driver serving storage.
func New(storage Storage, opts ...Option) *MSC {
	_, removable := storage.(Ejector)
	m := &MSC{
		storage: storage,
		inAddr:  DefaultInEndpoint,
		outAddr: DefaultOutEndpoint,
		inquiry: Inquiry{
			Removable: removable,
			Vendor:    "usbd",
			Product:   "Mass Storage",
			Revision:  "1.0",
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Storage returns the backing storage.
func (m *MSC) Storage() Storage { return m.storage }

// Phase returns the transport phase.
func (m *MSC) Phase() Phase { return m.phase }

// Sense returns the sense data REQUEST SENSE would report.
func (m *MSC) Sense() Sense { return m.sense }

// SetOnCommand sets a callback invoked as each command's status is
// queued.
func (m *MSC) SetOnCommand(cb func(cbw *CommandBlockWrapper, status uint8)) {
	m.onCommand = cb
}

// DescriptorSize is the length of the configuration descriptor fragment.
const DescriptorSize = device.InterfaceDescriptorSize + 2*device.EndpointDescriptorSize

func (m *MSC) endpointConfigs(iface *device.Interface) [2]hal.EndpointConfig {
	mps := uint16(64)
	if iface.Device().Speed() == hal.SpeedHigh {
		mps = 512
	}
	return [2]hal.EndpointConfig{
		{Address: m.inAddr, Attributes: device.EndpointTypeBulk, MaxPacketSize: mps},
		{Address: m.outAddr, Attributes: device.EndpointTypeBulk, MaxPacketSize: mps},
	}
}

// GetDescriptor writes the interface and its two bulk endpoints.
func (m *MSC) GetDescriptor(iface *device.Interface, ifNum uint8, dest []byte) int {
	if len(dest) < DescriptorSize {
		pkg.LogWarn(pkg.ComponentClass, "MSC descriptor does not fit", "space", len(dest))
		return 0
	}
	id := device.InterfaceDescriptor{
		InterfaceNumber:   ifNum,
		NumEndpoints:      2,
		InterfaceClass:    ClassMSC,
		InterfaceSubClass: SubclassSCSI,
		InterfaceProtocol: ProtocolBulkOnly,
	}
	if m.name != "" {
		id.InterfaceIndex = iface.StringIndex(0)
	}
	n := id.MarshalTo(dest)
	for _, cfg := range m.endpointConfigs(iface) {
		ed := device.EndpointDescriptor{
			EndpointAddress: cfg.Address,
			Attributes:      cfg.Attributes,
			MaxPacketSize:   cfg.MaxPacketSize,
		}
		n += ed.MarshalTo(dest[n:])
	}
	return n
}

// GetString returns the interface name for index 0.
func (m *MSC) GetString(iface *device.Interface, intNum uint8) string {
	if intNum == 0 {
		return m.name
	}
	return ""
}

// Init opens the bulk endpoints and waits for the first CBW.
func (m *MSC) Init(iface *device.Interface) {
	m.iface = iface
	for _, cfg := range m.endpointConfigs(iface) {
		if err := iface.OpenEndpoint(cfg, BufferSize); err != nil {
			pkg.LogError(pkg.ComponentClass, "MSC endpoint open failed",
				"address", fmt.Sprintf("0x%02X", cfg.Address),
				"error", err)
			return
		}
	}
	m.sense = Sense{}
	m.armCommand()

	pkg.LogDebug(pkg.ComponentClass, "MSC configured",
		"in", fmt.Sprintf("0x%02X", m.inAddr),
		"out", fmt.Sprintf("0x%02X", m.outAddr),
		"blocks", m.storage.BlockCount(),
		"blockSize", m.storage.BlockSize())
}

// Deinit forgets the interface.
func (m *MSC) Deinit(iface *device.Interface) {
	m.iface = nil
	m.phase = PhaseIdle
}

// SetupStage handles Bulk-Only Mass Storage Reset and Get Max LUN.
func (m *MSC) SetupStage(iface *device.Interface, setup *device.SetupPacket) error {
	if !setup.IsClass() {
		return fmt.Errorf("MSC request type 0x%02X: %w", setup.RequestType, pkg.ErrNotSupported)
	}
	switch setup.Request {
	case RequestReset:
		if setup.Value != 0 || setup.Length != 0 || setup.IsDeviceToHost() {
			return fmt.Errorf("MSC reset: %w", pkg.ErrInvalidRequest)
		}
		m.reset()
		return nil

	case RequestGetMaxLUN:
		if setup.Value != 0 || setup.Length != 1 || !setup.IsDeviceToHost() {
			return fmt.Errorf("get max LUN: %w", pkg.ErrInvalidRequest)
		}
		buf := iface.ControlBuffer()
		buf[0] = 0
		return iface.ControlIn(buf[:1])

	default:
		return fmt.Errorf("MSC request 0x%02X: %w", setup.Request, pkg.ErrInvalidRequest)
	}
}

// reset abandons the command in progress and rearms the command phase. The
// host follows it by clearing both endpoint halts, which leaves the armed
// receive in place.
func (m *MSC) reset() {
	pkg.LogDebug(pkg.ComponentClass, "MSC reset", "phase", m.phase.String())
	// Halting IN drops any unsent data or status.
	err := m.iface.Stall(m.inAddr)
	if err == nil {
		err = m.iface.ClearStall(m.inAddr)
	}
	if err == nil {
		err = m.iface.ClearStall(m.outAddr)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentClass, "MSC reset clear halt failed", "error", err)
	}
	m.cmd = command{}
	m.armCommand()
}

func (m *MSC) armCommand() {
	m.phase = PhaseCommand
	if ep := m.iface.Endpoint(m.outAddr); ep != nil && ep.Busy() {
		// A receive is already armed; it becomes the CBW receive.
		return
	}
	if err := m.iface.Receive(m.outAddr, m.cbwBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "MSC command receive failed", "error", err)
	}
}

// OutData receives a CBW or a chunk of WRITE data.
func (m *MSC) OutData(iface *device.Interface, ep *device.Endpoint) {
	t := &ep.Transfer
	switch m.phase {
	case PhaseCommand:
		m.command(t.Data[:t.Progress])
	case PhaseDataOut:
		m.dataOut(t.Data[:t.Progress], t.Length)
	default:
		pkg.LogWarn(pkg.ComponentClass, "MSC unexpected OUT data",
			"phase", m.phase.String(),
			"length", t.Progress)
	}
}

// InData advances READ data or finishes the status phase.
func (m *MSC) InData(iface *device.Interface, ep *device.Endpoint) {
	switch m.phase {
	case PhaseDataIn:
		if m.cmd.blocks > 0 && m.cmd.status == CSWStatusGood {
			m.readChunk()
			return
		}
		m.sendStatus()
	case PhaseStatus:
		m.armCommand()
	}
}

// command parses a CBW and starts its data or status phase. A malformed
// CBW halts both endpoints until reset recovery.
func (m *MSC) command(packet []byte) {
	if err := ParseCBW(packet, &m.cmd.cbw); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "invalid CBW", "error", err)
		m.phase = PhaseHalted
		_ = m.iface.Stall(m.inAddr)
		_ = m.iface.Stall(m.outAddr)
		return
	}
	c := &m.cmd
	c.status = CSWStatusGood
	c.residue = c.cbw.DataTransferLength
	c.blocks = 0
	c.discard = false

	pkg.LogDebug(pkg.ComponentClass, "CBW received",
		"tag", c.cbw.Tag,
		"opcode", fmt.Sprintf("0x%02X", c.cbw.OpCode()),
		"length", c.cbw.DataTransferLength,
		"in", c.cbw.IsDataIn())

	if c.cbw.LUN != 0 {
		m.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}
	m.execute()
}

// respond sends data as the data-in phase of the current command,
// truncated to what the host asked for.
func (m *MSC) respond(data []byte) {
	c := &m.cmd
	if len(data) == 0 || c.residue == 0 {
		m.sendStatus()
		return
	}
	if !c.cbw.IsDataIn() {
		m.phaseError()
		return
	}
	n := min(uint32(len(data)), c.residue)
	m.sendData(data[:n])
}

func (m *MSC) sendData(data []byte) {
	c := &m.cmd
	c.residue -= uint32(len(data))
	m.phase = PhaseDataIn
	last := c.blocks == 0
	if err := m.iface.Send(m.inAddr, data, last && c.residue > 0); err != nil {
		pkg.LogError(pkg.ComponentClass, "MSC data-in failed", "error", err)
		c.status = CSWStatusPhaseError
		m.sendStatus()
	}
}

// fail records sense data and ends the command with a failed status. A
// pending data phase is terminated early: data-in with a ZLP and data-out
// by draining what the host sends.
func (m *MSC) fail(key, asc uint8) {
	c := &m.cmd
	m.sense = Sense{Key: key, ASC: asc}
	c.status = CSWStatusFailed
	c.blocks = 0
	switch {
	case c.residue == 0:
		m.sendStatus()
	case c.cbw.IsDataIn():
		m.sendData(m.dataBuf[:0])
	default:
		c.discard = true
		m.receiveChunk()
	}
}

func (m *MSC) phaseError() {
	m.cmd.status = CSWStatusPhaseError
	m.cmd.blocks = 0
	m.sendStatus()
}

func (m *MSC) sendStatus() {
	c := &m.cmd
	csw := CommandStatusWrapper{
		Tag:         c.cbw.Tag,
		DataResidue: c.residue,
		Status:      c.status,
	}
	n := csw.MarshalTo(m.cswBuf[:])
	m.phase = PhaseStatus

	pkg.LogDebug(pkg.ComponentClass, "CSW queued",
		"tag", csw.Tag,
		"status", csw.Status,
		"residue", csw.DataResidue)

	if m.onCommand != nil {
		m.onCommand(&c.cbw, c.status)
	}
	if err := m.iface.Send(m.inAddr, m.cswBuf[:n], false); err != nil {
		pkg.LogError(pkg.ComponentClass, "MSC status failed", "error", err)
	}
}

// chunkBlocks returns how many blocks fit in the data buffer.
func (m *MSC) chunkBlocks() uint32 {
	bs := m.storage.BlockSize()
	if bs == 0 || bs > BufferSize || BufferSize%bs != 0 {
		return 0
	}
	return BufferSize / bs
}

func (m *MSC) readChunk() {
	c := &m.cmd
	bs := m.storage.BlockSize()
	blocks := min(c.blocks, m.chunkBlocks())
	buf := m.dataBuf[:blocks*bs]
	if err := m.storage.ReadBlocks(c.lba, buf); err != nil {
		pkg.LogWarn(pkg.ComponentClass, "MSC read failed",
			"lba", c.lba,
			"error", err)
		m.fail(SenseMediumError, ASCNone)
		return
	}
	c.lba += uint64(blocks)
	c.blocks -= blocks
	m.sendData(buf)
}

func (m *MSC) receiveChunk() {
	c := &m.cmd
	n := min(c.residue, BufferSize)
	if !c.discard {
		n = min(c.blocks, m.chunkBlocks()) * m.storage.BlockSize()
	}
	m.phase = PhaseDataOut
	if err := m.iface.Receive(m.outAddr, m.dataBuf[:n]); err != nil {
		pkg.LogError(pkg.ComponentClass, "MSC data-out failed", "error", err)
		c.status = CSWStatusPhaseError
		m.sendStatus()
	}
}

// dataOut stores one received chunk of WRITE data. want is the length the
// receive was armed with; anything shorter ends the data phase.
func (m *MSC) dataOut(data []byte, want int) {
	c := &m.cmd
	c.residue -= uint32(len(data))
	short := len(data) < want

	if c.discard {
		if c.residue > 0 && !short {
			m.receiveChunk()
			return
		}
		m.sendStatus()
		return
	}

	bs := m.storage.BlockSize()
	whole := uint32(len(data)) / bs
	if whole > 0 {
		if err := m.storage.WriteBlocks(c.lba, data[:whole*bs]); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "MSC write failed",
				"lba", c.lba,
				"error", err)
			m.fail(SenseMediumError, ASCNone)
			return
		}
		c.lba += uint64(whole)
		c.blocks -= whole
	}
	if c.blocks > 0 && !short {
		m.receiveChunk()
		return
	}
	m.sendStatus()
}
