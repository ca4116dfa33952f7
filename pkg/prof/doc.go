// Package prof records runtime/pprof profiles around a unit of work, such as
// one usbdsim command.
//
// A [Session] samples CPU from [Start] until [Session.Stop] and writes the
// requested snapshot profiles when it stops:
//
//	s, err := prof.Start(prof.Options{
//		CPU:       "cpu.prof",
//		Snapshots: map[prof.Profile]string{prof.ProfileHeap: "heap.prof"},
//	})
//	if err != nil {
//		return err
//	}
//	defer s.Stop()
//
// Only one session at a time may sample CPU; a second returns
// [ErrCPUActive]. Requesting [ProfileBlock] or [ProfileMutex] enables the
// matching runtime sampling for the life of the session.
//
// [Write] and [WriteTo] take a snapshot outside of any session.
package prof
