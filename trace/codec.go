package trace

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ardnew/usbd/pkg"
)

// Format identifies a capture stream.
const Format = "usbd-trace"

// Version is the capture stream version written by [Encode].
const Version = 1

// ErrFormat is returned by [Decode] for streams that are not captures.
var ErrFormat = fmt.Errorf("%w: not a %s stream", pkg.ErrInvalid, Format)

// Header opens every capture stream.
type Header struct {
	Format  string `cbor:"format"`
	Version int    `cbor:"version"`
	Count   int    `cbor:"count"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode writes a header followed by one CBOR item per record.
func Encode(w io.Writer, records []Record) error {
	enc := encMode.NewEncoder(w)
	if err := enc.Encode(Header{Format: Format, Version: Version, Count: len(records)}); err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("encode record %d: %w", records[i].Seq, err)
		}
	}
	pkg.LogDebug(pkg.ComponentTrace, "capture encoded", "records", len(records))
	return nil
}

// Decode reads a stream written by [Encode].
func Decode(r io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(r)

	var h Header
	if err := dec.Decode(&h); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrFormat
		}
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if h.Format != Format {
		return nil, ErrFormat
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, h.Version)
	}

	records := make([]Record, 0, min(max(h.Count, 0), 4096))
	for {
		var rec Record
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("%w: record %d: %w", ErrFormat, len(records)+1, err)
		}
		records = append(records, rec)
	}
	if len(records) != h.Count {
		return records, fmt.Errorf("%w: header promises %d records, found %d",
			pkg.ErrInvalidLength, h.Count, len(records))
	}
	pkg.LogDebug(pkg.ComponentTrace, "capture decoded", "records", len(records))
	return records, nil
}
