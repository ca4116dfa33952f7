package trace

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/ardnew/usbd/device/hal"
)

// Kind identifies what a [Record] captured. Event kinds share their values
// with [hal.EventKind].
type Kind uint8

// Event kinds, delivered by the driver to the core.
const (
	KindSetup       = Kind(hal.EventSetup)
	KindOutComplete = Kind(hal.EventOutComplete)
	KindInComplete  = Kind(hal.EventInComplete)
	KindReset       = Kind(hal.EventReset)
	KindLinkState   = Kind(hal.EventLinkState)
)

// Driver call kinds, issued by the core.
const (
	KindInit Kind = iota + 0x10
	KindStart
	KindStop
	KindSetAddress
	KindOpenEndpoint
	KindCloseEndpoint
	KindQueueTransfer
	KindStall
	KindClearStall
	KindRemoteWakeup
)

var kindNames = map[Kind]string{
	KindSetup:         "setup",
	KindOutComplete:   "out",
	KindInComplete:    "in",
	KindReset:         "reset",
	KindLinkState:     "link",
	KindInit:          "init",
	KindStart:         "start",
	KindStop:          "stop",
	KindSetAddress:    "set-address",
	KindOpenEndpoint:  "open",
	KindCloseEndpoint: "close",
	KindQueueTransfer: "queue",
	KindStall:         "stall",
	KindClearStall:    "clear-stall",
	KindRemoteWakeup:  "wakeup",
}

// String returns the short kind name.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsEvent reports whether k is a driver-to-core event.
func (k Kind) IsEvent() bool {
	return k >= KindSetup && k <= KindLinkState
}

// Record is one captured event or driver call.
//
// Addr holds the endpoint address, or the device address for
// [KindSetAddress]. Length is the OUT completion byte count, or the
// packet length for [KindQueueTransfer]. Data holds the SETUP bytes, the
// received OUT payload or the queued IN packet. Attributes, MaxPacketSize
// and Interval are only set for [KindOpenEndpoint].
type Record struct {
	Seq           uint64        `cbor:"seq"`
	Kind          Kind          `cbor:"kind"`
	Addr          uint8         `cbor:"addr,omitempty"`
	Length        int           `cbor:"len,omitempty"`
	Data          []byte        `cbor:"data,omitempty"`
	Speed         hal.Speed     `cbor:"speed,omitempty"`
	Link          hal.LinkState `cbor:"link,omitempty"`
	Attributes    uint8         `cbor:"attr,omitempty"`
	MaxPacketSize uint16        `cbor:"mps,omitempty"`
	Interval      uint8         `cbor:"interval,omitempty"`
	Err           string        `cbor:"err,omitempty"`
}

// Event converts an event record into its [hal.Event] form.
func (r *Record) Event() (hal.Event, bool) {
	if !r.Kind.IsEvent() {
		return hal.Event{}, false
	}
	e := hal.Event{
		Kind:     hal.EventKind(r.Kind),
		Endpoint: r.Addr,
		Length:   r.Length,
		Speed:    r.Speed,
		Link:     r.Link,
	}
	copy(e.Setup[:], r.Data)
	return e, true
}

// Setup parses the SETUP bytes of a [KindSetup] record.
func (r *Record) Setup() (hal.SetupPacket, bool) {
	var s hal.SetupPacket
	if r.Kind != KindSetup {
		return s, false
	}
	return s, hal.ParseSetupPacket(r.Data, &s)
}

// String formats the record on one line.
func (r *Record) String() string {
	switch r.Kind {
	case KindSetup:
		if s, ok := r.Setup(); ok {
			return fmt.Sprintf("#%d setup %02X %02X %04X %04X %d",
				r.Seq, s.RequestType, s.Request, s.Value, s.Index, s.Length)
		}
	case KindReset:
		return fmt.Sprintf("#%d reset %s", r.Seq, r.Speed)
	case KindLinkState:
		return fmt.Sprintf("#%d link %s", r.Seq, r.Link)
	case KindSetAddress:
		return fmt.Sprintf("#%d set-address %d", r.Seq, r.Addr)
	case KindInit, KindStart, KindStop, KindRemoteWakeup:
		return fmt.Sprintf("#%d %s", r.Seq, r.Kind)
	}
	s := fmt.Sprintf("#%d %s 0x%02X len=%d", r.Seq, r.Kind, r.Addr, r.Length)
	if r.Err != "" {
		s += " err=" + r.Err
	}
	return s
}

// Count tallies records by kind.
func Count(records []Record) map[Kind]int {
	return lo.CountValuesBy(records, func(r Record) Kind { return r.Kind })
}

// Events returns the event records, dropping driver calls.
func Events(records []Record) []Record {
	return lo.Filter(records, func(r Record, _ int) bool { return r.Kind.IsEvent() })
}

// Endpoint returns the records that touch endpoint address addr.
func Endpoint(records []Record, addr uint8) []Record {
	return lo.Filter(records, func(r Record, _ int) bool {
		switch r.Kind {
		case KindOutComplete, KindInComplete, KindOpenEndpoint, KindCloseEndpoint,
			KindQueueTransfer, KindStall, KindClearStall:
			return r.Addr == addr
		}
		return false
	})
}
