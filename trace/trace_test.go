package trace

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbd/device"
	"github.com/ardnew/usbd/device/class/cdc"
	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/device/hal/sim"
	"github.com/ardnew/usbd/pkg"
)

func newDevice(t *testing.T, driver hal.Driver, productID uint16) *device.Device {
	t.Helper()
	dev, err := device.New(&device.Description{
		Vendor:  device.Vendor{Name: "Acme", ID: 0xCAFE},
		Product: device.Product{Name: "Serial", ID: productID},
		Config:  device.Config{MaxCurrentMA: 100},
	}, driver)
	require.NoError(t, err)
	require.NoError(t, cdc.NewACM(cdc.WithEcho()).Register(dev))

	stack := device.NewStack(dev)
	require.NoError(t, stack.Start(context.Background()))
	t.Cleanup(func() { _ = stack.Stop() })
	return dev
}

// capture enumerates an echoing serial device and sends it one line.
func capture(t *testing.T) []Record {
	t.Helper()
	bus := sim.New()
	rec := NewRecorder(bus)
	newDevice(t, rec, 0x0002)

	_, err := bus.Enumerate(hal.SpeedFull, 3)
	require.NoError(t, err)
	require.NoError(t, bus.Write(cdc.DefaultDataOutEndpoint, []byte("hi")))
	echo, err := bus.Read(cdc.DefaultDataInEndpoint, 64)
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), echo)
	return rec.Records()
}

func TestRecorderCapturesEnumeration(t *testing.T) {
	records := capture(t)
	require.NotEmpty(t, records)

	assert.Equal(t, KindInit, records[0].Kind)
	assert.Equal(t, KindStart, records[1].Kind)
	for i, r := range records {
		require.Equal(t, uint64(i+1), r.Seq)
	}

	counts := Count(records)
	assert.Equal(t, 6, counts[KindSetup], "five descriptor/address requests and SET_CONFIGURATION")
	assert.Equal(t, 1, counts[KindReset])
	assert.Equal(t, 1, counts[KindSetAddress])

	setupAt, addrAt := -1, -1
	for i := range records {
		if s, ok := records[i].Setup(); ok && s.Request == device.RequestSetAddress {
			setupAt = i
		}
		if records[i].Kind == KindSetAddress {
			addrAt = i
			assert.Equal(t, uint8(3), records[i].Addr)
		}
	}
	require.GreaterOrEqual(t, setupAt, 0)
	assert.Greater(t, addrAt, setupAt, "address applied after the status stage")

	opened := Endpoint(records, cdc.DefaultDataInEndpoint)
	require.NotEmpty(t, opened)
	assert.Equal(t, KindOpenEndpoint, opened[0].Kind)
	assert.Equal(t, uint8(device.EndpointTypeBulk), opened[0].Attributes)
	assert.Equal(t, uint16(64), opened[0].MaxPacketSize)
}

func TestRecorderCapturesPayloads(t *testing.T) {
	records := capture(t)

	var out, in *Record
	for i := range records {
		r := &records[i]
		switch {
		case r.Kind == KindOutComplete && r.Addr == cdc.DefaultDataOutEndpoint:
			out = r
		case r.Kind == KindQueueTransfer && r.Addr == cdc.DefaultDataInEndpoint:
			in = r
		}
	}
	require.NotNil(t, out)
	assert.Equal(t, 2, out.Length)
	assert.Equal(t, []byte("hi"), out.Data)
	require.NotNil(t, in)
	assert.Equal(t, []byte("hi"), in.Data)

	assert.Empty(t, lastOf(records, KindOutComplete, 0x00).Data, "status stage ZLP")
}

func lastOf(records []Record, kind Kind, addr uint8) Record {
	var found Record
	for _, r := range records {
		if r.Kind == kind && r.Addr == addr {
			found = r
		}
	}
	return found
}

func TestRecorderDriverErrors(t *testing.T) {
	bus := sim.New()
	rec := NewRecorder(bus)
	newDevice(t, rec, 1)
	require.NoError(t, bus.Reset(hal.SpeedFull))

	err := rec.QueueTransfer(0x85, []byte{1})
	require.ErrorIs(t, err, sim.ErrNotOpen)

	last := rec.Records()[rec.Len()-1]
	assert.Equal(t, KindQueueTransfer, last.Kind)
	assert.Equal(t, sim.ErrNotOpen.Error(), last.Err)
	assert.Contains(t, last.String(), "err=")
}

func TestRecorderPauseAndClear(t *testing.T) {
	bus := sim.New()
	rec := NewRecorder(bus)
	newDevice(t, rec, 1)

	rec.Clear()
	assert.Zero(t, rec.Len())

	rec.Pause(true)
	require.NoError(t, bus.Reset(hal.SpeedFull))
	assert.Zero(t, rec.Len())

	rec.Pause(false)
	require.NoError(t, bus.Suspend())
	records := rec.Records()
	require.Len(t, records, 1)
	assert.Equal(t, KindLinkState, records[0].Kind)
	assert.Equal(t, hal.LinkSuspend, records[0].Link)
	assert.Greater(t, records[0].Seq, uint64(2), "sequence keeps counting")
}

func TestEncodeDecode(t *testing.T) {
	records := capture(t)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, records))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, records, decoded)
}

func TestDecodeErrors(t *testing.T) {
	stream := func(items ...any) *bytes.Buffer {
		var buf bytes.Buffer
		enc := cbor.NewEncoder(&buf)
		for _, item := range items {
			require.NoError(t, enc.Encode(item))
		}
		return &buf
	}

	tests := []struct {
		name string
		in   *bytes.Buffer
		want error
	}{
		{"empty", &bytes.Buffer{}, ErrFormat},
		{"foreign", stream(Header{Format: "pcap", Version: 1}), ErrFormat},
		{"version", stream(Header{Format: Format, Version: 2}), ErrFormat},
		{"short", stream(Header{Format: Format, Version: Version, Count: 2}, Record{Seq: 1, Kind: KindStart}), pkg.ErrInvalidLength},
		{"garbage", stream(Header{Format: Format, Version: Version, Count: 1}, "not a record"), ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, pkg.ErrInvalid)
		})
	}
}

type eventLog []string

func (l *eventLog) OnSetup(packet []byte)         { *l = append(*l, fmt.Sprintf("setup %02X", packet[1])) }
func (l *eventLog) OnOutComplete(ep uint8, n int) { *l = append(*l, fmt.Sprintf("out %02X %d", ep, n)) }
func (l *eventLog) OnInComplete(ep uint8)         { *l = append(*l, fmt.Sprintf("in %02X", ep)) }
func (l *eventLog) OnReset(speed hal.Speed)       { *l = append(*l, "reset "+speed.String()) }
func (l *eventLog) OnLinkStateChange(s hal.LinkState) {
	*l = append(*l, "link "+s.String())
}

func TestReplay(t *testing.T) {
	records := []Record{
		{Seq: 1, Kind: KindInit},
		{Seq: 2, Kind: KindReset, Speed: hal.SpeedFull},
		{Seq: 3, Kind: KindSetup, Data: []byte{0x80, 0x06, 0, 1, 0, 0, 18, 0}},
		{Seq: 4, Kind: KindQueueTransfer, Addr: 0x80, Length: 18},
		{Seq: 5, Kind: KindInComplete, Addr: 0x80},
		{Seq: 6, Kind: KindOutComplete, Addr: 0x00},
		{Seq: 7, Kind: KindLinkState, Link: hal.LinkSuspend},
	}

	var log eventLog
	n, err := Replay(records, &log)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, eventLog{"reset Full Speed", "setup 06", "in 80", "out 00 0", "link L2"}, log)
	assert.Len(t, Events(records), 5)
}

func TestRerun(t *testing.T) {
	records := capture(t)

	bus := sim.New()
	dev := newDevice(t, bus, 0x0002)
	mismatches, err := Rerun(records, bus)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Equal(t, device.StateConfigured, dev.State())
	assert.Equal(t, uint8(3), bus.Address())
}

func TestRerunReportsMismatches(t *testing.T) {
	records := capture(t)

	bus := sim.New()
	newDevice(t, bus, 0x0003)
	mismatches, err := Rerun(records, bus)
	require.NoError(t, err)
	require.NotEmpty(t, mismatches)

	m := mismatches[0]
	assert.Equal(t, uint8(0x80), m.Addr)
	require.Len(t, m.Got, device.DeviceDescriptorSize, "the short read stops before idProduct")
	assert.NotEqual(t, m.Want, m.Got)
	assert.Contains(t, m.String(), "want")
}

func TestRerunDiverges(t *testing.T) {
	bus := sim.New()
	newDevice(t, bus, 1)

	records := []Record{
		{Seq: 1, Kind: KindReset, Speed: hal.SpeedFull},
		{Seq: 2, Kind: KindOutComplete, Addr: 0x02, Length: 1, Data: []byte{1}},
	}
	_, err := Rerun(records, bus)
	require.ErrorIs(t, err, sim.ErrNotOpen)
	assert.Contains(t, err.Error(), "#2 out")

	_, err = Rerun([]Record{{Seq: 1, Kind: KindSetup, Data: []byte{1}}}, bus)
	assert.ErrorIs(t, err, pkg.ErrSetupPacketTooShort)
}

func TestRecordString(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{Seq: 1, Kind: KindSetup, Data: []byte{0x80, 0x06, 0x00, 0x01, 0, 0, 0x12, 0}}, "#1 setup 80 06 0100 0000 18"},
		{Record{Seq: 2, Kind: KindReset, Speed: hal.SpeedHigh}, "#2 reset High Speed"},
		{Record{Seq: 3, Kind: KindSetAddress, Addr: 9}, "#3 set-address 9"},
		{Record{Seq: 4, Kind: KindQueueTransfer, Addr: 0x81, Length: 8}, "#4 queue 0x81 len=8"},
		{Record{Seq: 5, Kind: KindStart}, "#5 start"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.rec.String())
	}
	assert.Equal(t, "kind(99)", Kind(99).String())
	assert.True(t, KindLinkState.IsEvent())
	assert.False(t, KindInit.IsEvent())
}
