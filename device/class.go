package device

// Class is a class driver instance. It may implement any subset of the
// capability interfaces below; a missing capability means "not supported".
// Capabilities are resolved once, when the owning [Interface] is
// registered.
type Class any

// DescriptorProvider writes the interface's configuration descriptor
// fragment (interface, class-specific, and endpoint descriptors, plus any
// preceding IAD) into dest and returns the number of bytes written.
// It must not change device state.
type DescriptorProvider interface {
	GetDescriptor(iface *Interface, ifNum uint8, dest []byte) int
}

// StringProvider returns the interface-internal string intNum, or "" if
// there is none. It must not change device state.
type StringProvider interface {
	GetString(iface *Interface, intNum uint8) string
}

// Initializer is called when the interface becomes active: on
// SET_CONFIGURATION and after SET_INTERFACE selects a new alternate setting.
type Initializer interface {
	Init(iface *Interface)
}

// Deinitializer is called when the interface stops being active. It runs to
// completion before any Init of the next configuration.
type Deinitializer interface {
	Deinit(iface *Interface)
}

// SetupHandler handles class, vendor, and non-core standard requests
// addressed to the interface or to one of its endpoints. Device-to-host
// requests must stage their response with [Interface.ControlIn] before
// returning. Returning an error wrapping [pkg.ErrInvalid] stalls the
// request.
type SetupHandler interface {
	SetupStage(iface *Interface, setup *SetupPacket) error
}

// DataStageHandler is called when the host-to-device data stage of a
// request accepted by SetupStage has been fully received. The data is
// available from [Interface.ControlData].
type DataStageHandler interface {
	DataStage(iface *Interface)
}

// OutHandler is called when an OUT transfer on one of the interface's
// endpoints completes.
type OutHandler interface {
	OutData(iface *Interface, ep *Endpoint)
}

// InHandler is called when an IN transfer on one of the interface's
// endpoints completes.
type InHandler interface {
	InData(iface *Interface, ep *Endpoint)
}

// Capability names one entry of the dispatch table.
type Capability uint8

// Capabilities.
const (
	CapDescriptor Capability = iota
	CapString
	CapInit
	CapDeinit
	CapSetup
	CapDataStage
	CapOutData
	CapInData
)

// String returns the capability name.
func (c Capability) String() string {
	switch c {
	case CapDescriptor:
		return "GetDescriptor"
	case CapString:
		return "GetString"
	case CapInit:
		return "Init"
	case CapDeinit:
		return "Deinit"
	case CapSetup:
		return "SetupStage"
	case CapDataStage:
		return "DataStage"
	case CapOutData:
		return "OutData"
	case CapInData:
		return "InData"
	default:
		return "Unknown"
	}
}

// capabilities is the resolved dispatch table of one interface.
type capabilities struct {
	descriptor DescriptorProvider
	str        StringProvider
	init       Initializer
	deinit     Deinitializer
	setup      SetupHandler
	dataStage  DataStageHandler
	out        OutHandler
	in         InHandler
}

func resolveCapabilities(c Class) capabilities {
	var caps capabilities
	caps.descriptor, _ = c.(DescriptorProvider)
	caps.str, _ = c.(StringProvider)
	caps.init, _ = c.(Initializer)
	caps.deinit, _ = c.(Deinitializer)
	caps.setup, _ = c.(SetupHandler)
	caps.dataStage, _ = c.(DataStageHandler)
	caps.out, _ = c.(OutHandler)
	caps.in, _ = c.(InHandler)
	return caps
}

func (c *capabilities) has(want Capability) bool {
	switch want {
	case CapDescriptor:
		return c.descriptor != nil
	case CapString:
		return c.str != nil
	case CapInit:
		return c.init != nil
	case CapDeinit:
		return c.deinit != nil
	case CapSetup:
		return c.setup != nil
	case CapDataStage:
		return c.dataStage != nil
	case CapOutData:
		return c.out != nil
	case CapInData:
		return c.in != nil
	}
	return false
}
