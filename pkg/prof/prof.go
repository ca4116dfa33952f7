package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
)

// Profiling errors.
var (
	// ErrCPUActive indicates a session already owns the CPU profiler.
	ErrCPUActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile name, or the CPU
	// profile where a snapshot profile is required.
	ErrInvalidProfile = errors.New("invalid profile")
)

// Profile names a runtime/pprof profile.
type Profile string

// Profile names.
const (
	ProfileCPU          Profile = "cpu"
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

func (p Profile) String() string {
	return string(p)
}

// Options selects the profiles a [Session] records. Empty paths are skipped.
type Options struct {
	// CPU is sampled from Start until Stop.
	CPU string

	// Snapshots maps a profile to the file it is written to on Stop. Block
	// and mutex sampling are enabled for the session when requested.
	Snapshots map[Profile]string
}

// Session records the profiles named by [Options].
type Session struct {
	cpu       *os.File
	snapshots map[Profile]string
}

var (
	cpuMu     sync.Mutex
	cpuActive bool
)

// Start begins a session. Snapshot profiles are checked before the CPU
// profiler starts so a bad name leaves nothing running.
func Start(opts Options) (*Session, error) {
	s := &Session{snapshots: map[Profile]string{}}
	for p, path := range opts.Snapshots {
		if path == "" {
			continue
		}
		if p == ProfileCPU || pprof.Lookup(string(p)) == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidProfile, p)
		}
		s.snapshots[p] = path
	}

	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, err
		}
		if err := startCPU(f); err != nil {
			_ = f.Close()
			return nil, err
		}
		s.cpu = f
	}

	if _, ok := s.snapshots[ProfileBlock]; ok {
		runtime.SetBlockProfileRate(1)
	}
	if _, ok := s.snapshots[ProfileMutex]; ok {
		runtime.SetMutexProfileFraction(1)
	}
	return s, nil
}

func startCPU(w io.Writer) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		return ErrCPUActive
	}
	if err := pprof.StartCPUProfile(w); err != nil {
		return err
	}
	cpuActive = true
	return nil
}

// Active reports whether the session is sampling CPU.
func (s *Session) Active() bool {
	return s != nil && s.cpu != nil
}

// Stop ends CPU sampling and writes every snapshot profile. All profiles are
// attempted; the errors are joined.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.cpu != nil {
		cpuMu.Lock()
		pprof.StopCPUProfile()
		cpuActive = false
		cpuMu.Unlock()
		errs = append(errs, s.cpu.Close())
		s.cpu = nil
	}

	for p, path := range s.snapshots {
		errs = append(errs, Write(p, path))
	}
	if _, ok := s.snapshots[ProfileBlock]; ok {
		runtime.SetBlockProfileRate(0)
	}
	if _, ok := s.snapshots[ProfileMutex]; ok {
		runtime.SetMutexProfileFraction(0)
	}
	clear(s.snapshots)
	return errors.Join(errs...)
}

// Write writes a snapshot profile to path.
func Write(p Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(p, f, 0); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot profile to w. Debug 0 is the protobuf format
// read by go tool pprof; 1 is text.
func WriteTo(p Profile, w io.Writer, debug int) error {
	if p == ProfileCPU {
		return fmt.Errorf("%w: cpu is sampled by a Session", ErrInvalidProfile)
	}
	pp := pprof.Lookup(string(p))
	if pp == nil {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, p)
	}
	if p == ProfileHeap {
		runtime.GC()
	}
	return pp.WriteTo(w, debug)
}
