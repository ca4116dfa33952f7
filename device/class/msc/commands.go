package msc

import (
	"encoding/binary"

	"github.com/ardnew/usbd/pkg"
)

// execute runs the SCSI command of the current CBW.
func (m *MSC) execute() {
	c := &m.cmd
	cb := c.cbw.CB[:]

	switch op := c.cbw.OpCode(); op {
	case OpTestUnitReady:
		if m.ready() {
			m.sendStatus()
		}

	case OpRequestSense:
		n := m.sense.MarshalTo(m.dataBuf[:])
		n = min(n, int(cb[4]))
		m.sense = Sense{}
		m.respond(m.dataBuf[:n])

	case OpInquiry:
		if cb[1]&0x01 != 0 { // EVPD
			m.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
			return
		}
		n := m.inquiry.MarshalTo(m.dataBuf[:])
		n = min(n, int(binary.BigEndian.Uint16(cb[3:5])))
		m.respond(m.dataBuf[:n])

	case OpReadCapacity10:
		if m.ready() {
			m.respond(m.dataBuf[:marshalCapacity10(m.dataBuf[:], m.storage.BlockCount(), m.storage.BlockSize())])
		}

	case OpServiceActionIn16:
		if cb[1]&0x1F != ServiceActionReadCapacity16 {
			m.unsupported(op)
			return
		}
		if m.ready() {
			n := marshalCapacity16(m.dataBuf[:], m.storage.BlockCount(), m.storage.BlockSize())
			n = min(n, int(binary.BigEndian.Uint32(cb[10:14])))
			m.respond(m.dataBuf[:n])
		}

	case OpReadFormatCapacities:
		if m.ready() {
			n := marshalFormatCapacities(m.dataBuf[:], m.storage.BlockCount(), m.storage.BlockSize())
			n = min(n, int(binary.BigEndian.Uint16(cb[7:9])))
			m.respond(m.dataBuf[:n])
		}

	case OpModeSense6:
		n := marshalModeSense6(m.dataBuf[:], m.storage.ReadOnly())
		n = min(n, int(cb[4]))
		m.respond(m.dataBuf[:n])

	case OpRead10:
		m.startRead(uint64(binary.BigEndian.Uint32(cb[2:6])), uint32(binary.BigEndian.Uint16(cb[7:9])))

	case OpWrite10:
		m.startWrite(uint64(binary.BigEndian.Uint32(cb[2:6])), uint32(binary.BigEndian.Uint16(cb[7:9])))

	case OpVerify10:
		if m.ready() && m.inRange(uint64(binary.BigEndian.Uint32(cb[2:6])), uint32(binary.BigEndian.Uint16(cb[7:9]))) {
			m.sendStatus()
		}

	case OpSynchronizeCache10:
		if err := m.storage.Sync(); err != nil {
			pkg.LogWarn(pkg.ComponentClass, "MSC sync failed", "error", err)
			m.fail(SenseHardwareError, ASCNone)
			return
		}
		m.sendStatus()

	case OpPreventAllowRemoval:
		m.sendStatus()

	case OpStartStopUnit:
		start, loadEject := cb[4]&0x01 != 0, cb[4]&0x02 != 0
		if loadEject && !start {
			if e, ok := m.storage.(Ejector); ok {
				if err := e.Eject(); err != nil {
					m.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
					return
				}
			}
		}
		m.sendStatus()

	default:
		m.unsupported(op)
	}
}

func (m *MSC) unsupported(op uint8) {
	pkg.LogWarn(pkg.ComponentClass, "unsupported SCSI command", "opcode", op)
	m.fail(SenseIllegalRequest, ASCInvalidCommand)
}

// ready fails the command and returns false when the medium is absent.
func (m *MSC) ready() bool {
	if e, ok := m.storage.(Ejector); ok && !e.Present() {
		m.fail(SenseNotReady, ASCMediumNotPresent)
		return false
	}
	if m.chunkBlocks() == 0 {
		m.fail(SenseHardwareError, ASCNone)
		return false
	}
	return true
}

// inRange fails the command and returns false when the block range falls
// off the end of the medium.
func (m *MSC) inRange(lba uint64, blocks uint32) bool {
	if lba+uint64(blocks) > m.storage.BlockCount() {
		m.fail(SenseIllegalRequest, ASCLBAOutOfRange)
		return false
	}
	return true
}

func (m *MSC) startRead(lba uint64, blocks uint32) {
	c := &m.cmd
	if !m.ready() || !m.inRange(lba, blocks) {
		return
	}
	length := uint64(blocks) * uint64(m.storage.BlockSize())
	switch {
	case blocks == 0:
		m.sendStatus()
		return
	case !c.cbw.IsDataIn() || uint64(c.residue) < length:
		m.phaseError()
		return
	}
	pkg.LogDebug(pkg.ComponentClass, "READ(10)", "lba", lba, "blocks", blocks)
	c.lba, c.blocks = lba, blocks
	m.readChunk()
}

func (m *MSC) startWrite(lba uint64, blocks uint32) {
	c := &m.cmd
	if !m.ready() {
		return
	}
	if m.storage.ReadOnly() {
		m.fail(SenseDataProtect, ASCWriteProtected)
		return
	}
	if !m.inRange(lba, blocks) {
		return
	}
	length := uint64(blocks) * uint64(m.storage.BlockSize())
	switch {
	case blocks == 0:
		m.sendStatus()
		return
	case c.cbw.IsDataIn() || uint64(c.residue) != length:
		m.phaseError()
		return
	}
	pkg.LogDebug(pkg.ComponentClass, "WRITE(10)", "lba", lba, "blocks", blocks)
	c.lba, c.blocks = lba, blocks
	m.receiveChunk()
}
