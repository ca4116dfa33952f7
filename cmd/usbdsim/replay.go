package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/samber/lo"

	"github.com/ardnew/usbd/trace"
)

// ReplayCmd lists a capture or re-runs it against a device.
type ReplayCmd struct {
	Capture string   `arg:"" help:"Capture written by enumerate --capture" type:"existingfile"`
	Device  string   `help:"Device description file for --verify; the built-in template when empty" type:"path" short:"d"`
	Verify  bool     `help:"Re-run the capture against the device and compare every IN packet"`
	Kind    []string `help:"Only list records of these kinds (setup, out, in, reset, link, queue, ...)" short:"k"`
}

// Run is called by kong when the replay command is executed.
func (c *ReplayCmd) Run(ctx context.Context, logger *slog.Logger, out io.Writer) error {
	records, err := readCapture(c.Capture)
	if err != nil {
		return err
	}
	logger.Debug("capture read", "path", c.Capture, "records", len(records))

	if !c.Verify {
		shown := records
		if len(c.Kind) > 0 {
			shown = lo.Filter(records, func(r trace.Record, _ int) bool {
				return lo.Contains(c.Kind, r.Kind.String())
			})
		}
		fmt.Fprintln(out, title(fmt.Sprintf("%s: %d of %d records", c.Capture, len(shown), len(records))))
		fmt.Fprintln(out, renderTable([]string{"seq", "kind", "addr", "len", "data"}, recordRows(shown), 0, 3))
		fmt.Fprintln(out, renderTable([]string{"kind", "count"}, countRows(records), 1))
		return nil
	}

	f, err := loadFile(c.Device, logger)
	if err != nil {
		return err
	}
	s, err := startSession(ctx, f, false)
	if err != nil {
		return err
	}
	defer s.close(logger)

	mismatches, err := trace.Rerun(records, s.bus)
	if err != nil {
		return err
	}
	if len(mismatches) == 0 {
		fmt.Fprintln(out, okStyle.Render(fmt.Sprintf("%d events replayed, every IN packet matches", len(trace.Events(records)))))
		return nil
	}
	rows := lo.Map(mismatches, func(m trace.Mismatch, _ int) []string {
		return []string{fmt.Sprint(m.Seq), fmt.Sprintf("0x%02X", m.Addr), hexBytes(m.Want), hexBytes(m.Got)}
	})
	fmt.Fprintln(out, errStyle.Render(fmt.Sprintf("%d IN packets differ", len(mismatches))))
	fmt.Fprintln(out, renderTable([]string{"seq", "addr", "captured", "replayed"}, rows, 0))
	return fmt.Errorf("replay diverged in %d packets", len(mismatches))
}

func readCapture(path string) ([]trace.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return trace.Decode(f)
}

// maxShown bounds the bytes printed per record.
const maxShown = 16

func hexBytes(b []byte) string {
	if len(b) == 0 {
		return dimStyle.Render("-")
	}
	if len(b) > maxShown {
		return fmt.Sprintf("% X …", b[:maxShown])
	}
	return fmt.Sprintf("% X", b)
}

func recordRows(records []trace.Record) [][]string {
	return lo.Map(records, func(r trace.Record, _ int) []string {
		addr := ""
		switch r.Kind {
		case trace.KindSetup, trace.KindReset, trace.KindLinkState, trace.KindInit,
			trace.KindStart, trace.KindStop, trace.KindRemoteWakeup:
		case trace.KindSetAddress:
			addr = fmt.Sprint(r.Addr)
		default:
			addr = fmt.Sprintf("0x%02X", r.Addr)
		}
		data := hexBytes(r.Data)
		switch {
		case r.Err != "":
			data = errStyle.Render(r.Err)
		case r.Kind == trace.KindReset:
			data = r.Speed.String()
		case r.Kind == trace.KindLinkState:
			data = r.Link.String()
		}
		return []string{fmt.Sprint(r.Seq), r.Kind.String(), addr, fmt.Sprint(r.Length), data}
	})
}

func countRows(records []trace.Record) [][]string {
	counts := trace.Count(records)
	kinds := lo.Keys(counts)
	slices.Sort(kinds)
	return lo.Map(kinds, func(k trace.Kind, _ int) []string {
		return []string{k.String(), fmt.Sprint(counts[k])}
	})
}
