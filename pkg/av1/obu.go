// Package av1 provides minimal parsing of AV1 low overhead bitstreams.
package av1

import (
	"errors"
	"fmt"
)

// OBUType is an open bitstream unit type.
type OBUType uint8

// OBU types.
const (
	OBUTypeSequenceHeader       OBUType = 1
	OBUTypeTemporalDelimiter    OBUType = 2
	OBUTypeFrameHeader          OBUType = 3
	OBUTypeTileGroup            OBUType = 4
	OBUTypeMetadata             OBUType = 5
	OBUTypeFrame                OBUType = 6
	OBUTypeRedundantFrameHeader OBUType = 7
	OBUTypeTileList             OBUType = 8
	OBUTypePadding              OBUType = 15
)

// Errors.
var (
	ErrForbiddenBit     = errors.New("obu forbidden bit is set")
	ErrTruncatedOBU     = errors.New("truncated obu")
	ErrNoSequenceHeader = errors.New("no sequence header in bitstream")
	ErrInvalidLEB128    = errors.New("invalid leb128 value")
)

// OBUHeader is a parsed open bitstream unit header.
type OBUHeader struct {
	Type    OBUType
	HasSize bool
}

// Unmarshal parses a OBU header and returns the number of bytes consumed.
func (h *OBUHeader) Unmarshal(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, ErrTruncatedOBU
	}

	if buf[0]&0x80 != 0 {
		return 0, ErrForbiddenBit
	}
	h.Type = OBUType(buf[0] >> 3 & 0xf)
	extension := buf[0]&0x4 != 0
	h.HasSize = buf[0]&0x2 != 0

	n := 1
	if extension {
		// Temporal and spatial IDs, ignored.
		if len(buf) < 2 {
			return 0, ErrTruncatedOBU
		}
		n = 2
	}
	return n, nil
}

// FindSequenceHeader walks a low overhead bitstream and parses the
// first sequence header. An OBU without a size field is taken to
// extend to the end of the stream.
func FindSequenceHeader(bitstream []byte) (*SequenceHeader, error) {
	pos := 0
	for pos < len(bitstream) {
		var header OBUHeader
		n, err := header.Unmarshal(bitstream[pos:])
		if err != nil {
			return nil, fmt.Errorf("obu at %d: %w", pos, err)
		}
		pos += n

		size := len(bitstream) - pos
		if header.HasSize {
			value, n, err := LEB128Unmarshal(bitstream[pos:])
			if err != nil {
				return nil, fmt.Errorf("obu size at %d: %w", pos, err)
			}
			pos += n
			if value > uint64(len(bitstream)-pos) {
				return nil, fmt.Errorf("%w: obu of %d bytes with %d remaining",
					ErrTruncatedOBU, value, len(bitstream)-pos)
			}
			size = int(value)
		}

		if header.Type == OBUTypeSequenceHeader {
			seqHeader := &SequenceHeader{}
			if err := seqHeader.Unmarshal(bitstream[pos : pos+size]); err != nil {
				return nil, err
			}
			return seqHeader, nil
		}
		pos += size
	}
	return nil, ErrNoSequenceHeader
}
