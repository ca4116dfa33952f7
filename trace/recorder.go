package trace

import (
	"context"
	"sync"

	"github.com/ardnew/usbd/device/hal"
	"github.com/ardnew/usbd/pkg"
)

// Recorder captures the traffic between the core and a driver. It
// implements [hal.Driver] towards the core and [hal.EventHandler] towards
// the wrapped driver.
//
// Events are recorded before they are forwarded, so driver calls made by
// the core while handling an event follow the event in the capture.
type Recorder struct {
	driver  hal.Driver
	handler hal.EventHandler

	mutex   sync.Mutex
	seq     uint64
	records []Record
	rx      [16][]byte // OUT buffers borrowed by the driver
	paused  bool
}

var (
	_ hal.Driver       = (*Recorder)(nil)
	_ hal.EventHandler = (*Recorder)(nil)
)

// NewRecorder wraps driver.
func NewRecorder(driver hal.Driver) *Recorder {
	return &Recorder{driver: driver}
}

// Records returns a copy of the capture so far.
func (r *Recorder) Records() []Record {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Record(nil), r.records...)
}

// Len returns the number of records captured.
func (r *Recorder) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.records)
}

// Clear drops the capture. Sequence numbers keep counting.
func (r *Recorder) Clear() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.records = r.records[:0]
}

// Pause stops or resumes capturing. Traffic is forwarded either way.
func (r *Recorder) Pause(on bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.paused = on
}

func (r *Recorder) add(rec Record) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.paused {
		return
	}
	r.seq++
	rec.Seq = r.seq
	r.records = append(r.records, rec)
	pkg.LogTrace(pkg.ComponentTrace, "record", "seq", rec.Seq, "kind", rec.Kind, "addr", rec.Addr, "len", rec.Length)
}

func (r *Recorder) call(kind Kind, addr uint8, err error) error {
	rec := Record{Kind: kind, Addr: addr}
	if err != nil {
		rec.Err = err.Error()
	}
	r.add(rec)
	return err
}

// Init implements [hal.Driver]. The wrapped driver delivers its events to
// the recorder, which forwards them to handler.
func (r *Recorder) Init(ctx context.Context, handler hal.EventHandler) error {
	r.handler = handler
	return r.call(KindInit, 0, r.driver.Init(ctx, r))
}

// Start implements [hal.Driver].
func (r *Recorder) Start() error {
	return r.call(KindStart, 0, r.driver.Start())
}

// Stop implements [hal.Driver].
func (r *Recorder) Stop() error {
	return r.call(KindStop, 0, r.driver.Stop())
}

// SetAddress implements [hal.Driver].
func (r *Recorder) SetAddress(address uint8) error {
	return r.call(KindSetAddress, address, r.driver.SetAddress(address))
}

// OpenEndpoint implements [hal.Driver].
func (r *Recorder) OpenEndpoint(cfg hal.EndpointConfig) error {
	err := r.driver.OpenEndpoint(cfg)
	rec := Record{
		Kind:          KindOpenEndpoint,
		Addr:          cfg.Address,
		Attributes:    cfg.Attributes,
		MaxPacketSize: cfg.MaxPacketSize,
		Interval:      cfg.Interval,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	r.add(rec)
	return err
}

// CloseEndpoint implements [hal.Driver].
func (r *Recorder) CloseEndpoint(address uint8) error {
	return r.call(KindCloseEndpoint, address, r.driver.CloseEndpoint(address))
}

// QueueTransfer implements [hal.Driver]. IN packets are copied into the
// record; OUT buffers are remembered so the completion can capture what
// the driver wrote into them.
func (r *Recorder) QueueTransfer(address uint8, data []byte) error {
	rec := Record{Kind: KindQueueTransfer, Addr: address, Length: len(data)}
	if address&0x80 != 0 {
		rec.Data = append([]byte(nil), data...)
	} else {
		r.mutex.Lock()
		r.rx[address&0x0F] = data
		r.mutex.Unlock()
	}
	err := r.driver.QueueTransfer(address, data)
	if err != nil {
		rec.Err = err.Error()
	}
	r.add(rec)
	return err
}

// Stall implements [hal.Driver].
func (r *Recorder) Stall(address uint8) error {
	return r.call(KindStall, address, r.driver.Stall(address))
}

// ClearStall implements [hal.Driver].
func (r *Recorder) ClearStall(address uint8) error {
	return r.call(KindClearStall, address, r.driver.ClearStall(address))
}

// RemoteWakeup implements [hal.Driver].
func (r *Recorder) RemoteWakeup() error {
	return r.call(KindRemoteWakeup, 0, r.driver.RemoteWakeup())
}

// OnSetup implements [hal.EventHandler].
func (r *Recorder) OnSetup(packet []byte) {
	r.add(Record{Kind: KindSetup, Data: append([]byte(nil), packet...)})
	r.handler.OnSetup(packet)
}

// OnOutComplete implements [hal.EventHandler].
func (r *Recorder) OnOutComplete(ep uint8, length int) {
	rec := Record{Kind: KindOutComplete, Addr: ep, Length: length}
	r.mutex.Lock()
	buf := r.rx[ep&0x0F]
	r.rx[ep&0x0F] = nil
	r.mutex.Unlock()
	if length > 0 && length <= len(buf) {
		rec.Data = append([]byte(nil), buf[:length]...)
	}
	r.add(rec)
	r.handler.OnOutComplete(ep, length)
}

// OnInComplete implements [hal.EventHandler].
func (r *Recorder) OnInComplete(ep uint8) {
	r.add(Record{Kind: KindInComplete, Addr: ep})
	r.handler.OnInComplete(ep)
}

// OnReset implements [hal.EventHandler].
func (r *Recorder) OnReset(speed hal.Speed) {
	r.mutex.Lock()
	r.rx = [16][]byte{}
	r.mutex.Unlock()
	r.add(Record{Kind: KindReset, Speed: speed})
	r.handler.OnReset(speed)
}

// OnLinkStateChange implements [hal.EventHandler].
func (r *Recorder) OnLinkStateChange(state hal.LinkState) {
	r.add(Record{Kind: KindLinkState, Link: state})
	r.handler.OnLinkStateChange(state)
}
