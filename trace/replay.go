package trace

import (
	"bytes"
	"fmt"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Replay injects the event records into h in order and returns how many
// were delivered. Driver call records are skipped. OUT payloads are not
// restored; use [Rerun] when the handler needs the received bytes.
func Replay(records []Record, h hal.EventHandler) (int, error) {
	n := 0
	for i := range records {
		e, ok := records[i].Event()
		if !ok {
			continue
		}
		if err := hal.Dispatch(h, &e); err != nil {
			return n, fmt.Errorf("replay #%d: %w", records[i].Seq, err)
		}
		n++
	}
	return n, nil
}

// Host is the host half of a simulated bus, as provided by
// [github.com/ardnew/usbd/device/hal/sim.Bus].
type Host interface {
	Reset(speed hal.Speed) error
	Setup(setup hal.SetupPacket) error
	WriteOut(address uint8, packet []byte) error
	ReadIn(address uint8) ([]byte, error)
	Suspend() error
	Sleep() error
	Resume() error
	Disconnect() error
}

// Mismatch is an IN packet that differs from the one in the capture.
type Mismatch struct {
	Seq  uint64
	Addr uint8
	Want []byte
	Got  []byte
}

// String formats the mismatch on one line.
func (m Mismatch) String() string {
	return fmt.Sprintf("#%d 0x%02X: want % X, got % X", m.Seq, m.Addr, m.Want, m.Got)
}

// Rerun plays the captured host side of the traffic through host: SETUP
// packets, OUT payloads, IN acknowledgements, resets and link changes. Each
// IN packet the device queues is compared with the packet it queued in the
// capture. An error means the device diverged far enough that the host
// could not continue, such as an endpoint that never became ready.
func Rerun(records []Record, host Host) ([]Mismatch, error) {
	var (
		queued     [16][]byte
		mismatches []Mismatch
	)
	for i := range records {
		rec := &records[i]
		var err error
		switch rec.Kind {
		case KindQueueTransfer:
			if rec.Addr&0x80 != 0 && rec.Err == "" {
				queued[rec.Addr&0x0F] = rec.Data
			}
		case KindSetup:
			s, ok := rec.Setup()
			if !ok {
				err = pkg.ErrSetupPacketTooShort
				break
			}
			err = host.Setup(s)
		case KindOutComplete:
			err = host.WriteOut(rec.Addr, rec.Data)
		case KindInComplete:
			var got []byte
			got, err = host.ReadIn(rec.Addr)
			if want := queued[rec.Addr&0x0F]; err == nil && !bytes.Equal(want, got) {
				mismatches = append(mismatches, Mismatch{Seq: rec.Seq, Addr: rec.Addr, Want: want, Got: got})
			}
		case KindReset:
			err = host.Reset(rec.Speed)
		case KindLinkState:
			err = link(host, rec.Link)
		}
		if err != nil {
			return mismatches, fmt.Errorf("rerun #%d %s: %w", rec.Seq, rec.Kind, err)
		}
	}
	if len(mismatches) > 0 {
		pkg.LogWarn(pkg.ComponentTrace, "rerun diverged", "mismatches", len(mismatches))
	}
	return mismatches, nil
}

func link(host Host, state hal.LinkState) error {
	switch state {
	case hal.LinkOn:
		return host.Resume()
	case hal.LinkSleep:
		return host.Sleep()
	case hal.LinkSuspend:
		return host.Suspend()
	case hal.LinkOff:
		return host.Disconnect()
	default:
		return fmt.Errorf("%w: link state %d", pkg.ErrInvalidParameter, state)
	}
}
