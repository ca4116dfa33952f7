// Package msc implements a USB Mass Storage class driver using the
// Bulk-Only Transport (BOT) and the SCSI transparent command set.
//
// Each BOT transaction has three phases on the bulk pipe pair: the host
// sends a 31-byte Command Block Wrapper (CBW), data moves in the direction
// the CBW announces, and the device answers with a 13-byte Command Status
// Wrapper (CSW). [MSC] runs this cycle from transfer completions alone, so
// it needs no goroutine of its own. READ(10) and WRITE(10) stream through
// a fixed [BufferSize] buffer in chunks.
//
// A CBW that is not exactly 31 bytes or lacks the signature halts both
// endpoints; the host recovers with a Bulk-Only Mass Storage Reset
// followed by CLEAR_FEATURE(ENDPOINT_HALT) on each endpoint.
//
// Supported commands: TEST UNIT READY, REQUEST SENSE, INQUIRY, MODE
// SENSE(6), START STOP UNIT, PREVENT ALLOW MEDIUM REMOVAL, READ FORMAT
// CAPACITIES, READ CAPACITY(10) and (16), READ(10), WRITE(10), VERIFY(10),
// and SYNCHRONIZE CACHE(10).
//
// # Storage
//
// The logical unit is backed by a [Storage]: [MemoryStorage] for a RAM
// disk, [FileStorage] for an image file, or any block device. Storage
// that also implements [Ejector] reports removable media and honors the
// eject bit of START STOP UNIT.
//
// # Usage
//
//	disk := msc.New(msc.NewMemoryStorage(2048, msc.DefaultBlockSize),
//		msc.WithEndpoints(0x81, 0x01),
//		msc.WithName("RAM disk"))
//	if err := dev.Register(device.NewInterface(disk, 1)); err != nil {
//		return err
//	}
package msc
