package msc

// Interface class triple of a SCSI transparent Bulk-Only device.
const (
	ClassMSC         = 0x08
	SubclassSCSI     = 0x06
	ProtocolBulkOnly = 0x50
)

// Bulk-Only Transport class requests.
const (
	RequestReset     = 0xFF
	RequestGetMaxLUN = 0xFE
)

// Command Block Wrapper.
const (
	CBWSignature  = 0x43425355 // "USBC"
	CBWSize       = 31
	CBWFlagDataIn = 0x80
)

// Command Status Wrapper.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// SCSI operation codes.
const (
	OpTestUnitReady        = 0x00
	OpRequestSense         = 0x03
	OpInquiry              = 0x12
	OpModeSense6           = 0x1A
	OpStartStopUnit        = 0x1B
	OpPreventAllowRemoval  = 0x1E
	OpReadFormatCapacities = 0x23
	OpReadCapacity10       = 0x25
	OpRead10               = 0x28
	OpWrite10              = 0x2A
	OpVerify10             = 0x2F
	OpSynchronizeCache10   = 0x35
	OpServiceActionIn16    = 0x9E
)

// ServiceActionReadCapacity16 selects READ CAPACITY (16) under
// [OpServiceActionIn16].
const ServiceActionReadCapacity16 = 0x10

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseDataProtect    = 0x07
)

// Additional sense codes.
const (
	ASCNone              = 0x00
	ASCInvalidCommand    = 0x20
	ASCLBAOutOfRange     = 0x21
	ASCInvalidFieldInCDB = 0x24
	ASCWriteProtected    = 0x27
	ASCMediumNotPresent  = 0x3A
)

// Response sizes.
const (
	InquirySize        = 36
	SenseSize          = 18
	ReadCapacity10Size = 8
	ReadCapacity16Size = 32
	ModeSense6Size     = 4
	FormatCapacitySize = 12
)

// DeviceTypeDisk is the INQUIRY peripheral type of a direct-access device.
const DeviceTypeDisk = 0x00

// BufferSize is the size of the data stage buffer. READ and WRITE move
// larger transfers through it in chunks, so the block size must divide it.
const BufferSize = 4096

// DefaultBlockSize is the block size of storage created by the helpers in
// this package.
const DefaultBlockSize = 512

// Default endpoint addresses.
const (
	DefaultInEndpoint  = 0x81
	DefaultOutEndpoint = 0x01
)
