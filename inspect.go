package milimg

import (
	"fmt"
	"io"

	"milimg/pkg/av1"
	"milimg/pkg/container"
)

// Info describes a milimg file without decoding its payloads.
type Info struct {
	Version uint32
	Width   uint32
	Height  uint32

	ColorPayloadSize int
	AlphaPayloadSize int

	// TrailingBytes counts bytes after the end of the record. The
	// parser ignores them for compatibility with existing writers.
	TrailingBytes int

	// ColorSequence and AlphaSequence are the parsed AV1 sequence
	// headers, nil when a payload carries none.
	ColorSequence *av1.SequenceHeader
	AlphaSequence *av1.SequenceHeader
}

// HasAlpha reports whether the file carries an alpha section.
func (i *Info) HasAlpha() bool {
	return i.Version == container.VersionAlpha
}

// Inspect reads a milimg file from r and reports its layout.
func Inspect(r io.Reader) (*Info, error) {
	var record container.Record
	if _, err := record.Unmarshal(r); err != nil {
		return nil, err
	}

	trailing, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, fmt.Errorf("trailing bytes: %w", err)
	}

	info := &Info{
		Version:          record.Version,
		Width:            record.Width,
		Height:           record.Height,
		ColorPayloadSize: len(record.ColorPayload),
		AlphaPayloadSize: len(record.AlphaPayload),
		TrailingBytes:    int(trailing),
	}

	// A payload without a parsable sequence header is reported as
	// nil, the container itself is still valid.
	if seqHeader, err := av1.FindSequenceHeader(record.ColorPayload); err == nil {
		info.ColorSequence = seqHeader
	}
	if info.HasAlpha() {
		if seqHeader, err := av1.FindSequenceHeader(record.AlphaPayload); err == nil {
			info.AlphaSequence = seqHeader
		}
	}
	return info, nil
}
