package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic is the 8-byte signature at the start of every milimg file.
const Magic = "Milimg00"

// Container versions.
const (
	// VersionOpaque stores a single color payload.
	VersionOpaque uint32 = 0

	// VersionAlpha stores a color payload followed by an alpha payload.
	VersionAlpha uint32 = 1
)

// Errors.
var (
	ErrBadMagic           = errors.New("invalid magic signature")
	ErrUnsupportedVersion = errors.New("unsupported version")
	ErrTruncated          = errors.New("unexpected end of stream")
	ErrInvalidRecord      = errors.New("invalid record")
)

const headerSize = len(Magic) + 4 + 4 + 4 + 8

// Record is a single milimg container.
//
// A nil AlphaPayload means the alpha section is absent. A non-nil
// empty slice is a present but empty section. Version and alpha
// presence are coupled: VersionOpaque requires nil, VersionAlpha
// requires non-nil. Unmarshal only produces records that satisfy
// this and always leaves ColorPayload non-nil.
type Record struct {
	Version uint32
	Width   uint32
	Height  uint32

	ColorPayload []byte
	AlphaPayload []byte
}

// Validate checks version and alpha section coupling.
func (r Record) Validate() error {
	switch r.Version {
	case VersionOpaque:
		if r.AlphaPayload != nil {
			return fmt.Errorf("%w: version 0 cannot carry an alpha payload", ErrInvalidRecord)
		}
	case VersionAlpha:
		if r.AlphaPayload == nil {
			return fmt.Errorf("%w: version 1 requires an alpha payload", ErrInvalidRecord)
		}
	default:
		return fmt.Errorf("%w: version %d", ErrInvalidRecord, r.Version)
	}
	return nil
}

// Size returns the marshaled size in bytes.
func (r Record) Size() int {
	size := headerSize + len(r.ColorPayload)
	if r.AlphaPayload != nil {
		size += 8 + len(r.AlphaPayload)
	}
	return size
}

// Marshal serializes the record.
func (r Record) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	out := make([]byte, r.Size())
	pos := copy(out, Magic)

	binary.BigEndian.PutUint32(out[pos:pos+4], r.Version)
	pos += 4

	binary.BigEndian.PutUint32(out[pos:pos+4], r.Width)
	pos += 4

	binary.BigEndian.PutUint32(out[pos:pos+4], r.Height)
	pos += 4

	marshalPayload(out, &pos, r.ColorPayload)

	if r.Version == VersionAlpha {
		marshalPayload(out, &pos, r.AlphaPayload)
	}

	return out, nil
}

func marshalPayload(out []byte, pos *int, payload []byte) {
	binary.BigEndian.PutUint64(out[*pos:*pos+8], uint64(len(payload)))
	*pos += 8

	copy(out[*pos:*pos+len(payload)], payload)
	*pos += len(payload)
}

// Unmarshal parses a single record from the reader and returns the
// number of bytes consumed. Bytes following the record are left
// unread, it's up to the caller to decide if that's an error.
func (r *Record) Unmarshal(rd io.Reader) (int, error) {
	var header Header
	read, err := header.Unmarshal(rd)
	if err != nil {
		return read, err
	}
	r.Version = header.Version
	r.Width = header.Width
	r.Height = header.Height

	var n int
	r.ColorPayload, n, err = unmarshalPayload(rd, "color")
	read += n
	if err != nil {
		return read, err
	}

	r.AlphaPayload = nil
	if r.Version == VersionAlpha {
		r.AlphaPayload, n, err = unmarshalPayload(rd, "alpha")
		read += n
		if err != nil {
			return read, err
		}
	}

	return read, nil
}

// Header is the fixed size prefix of a record, everything before the
// color section. Enough to report dimensions without touching the
// payloads.
type Header struct {
	Version uint32
	Width   uint32
	Height  uint32
}

// Unmarshal parses the magic signature and the fixed header fields
// and returns the number of bytes consumed.
func (h *Header) Unmarshal(rd io.Reader) (int, error) {
	read := 0

	magic := make([]byte, len(Magic))
	n, err := io.ReadFull(rd, magic)
	read += n
	if err != nil {
		return read, fmt.Errorf("%w: magic: %v", ErrTruncated, err)
	}
	if string(magic) != Magic {
		return read, fmt.Errorf("%w: %q", ErrBadMagic, magic)
	}

	h.Version, n, err = unmarshalUint32(rd, "version")
	read += n
	if err != nil {
		return read, err
	}
	if h.Version != VersionOpaque && h.Version != VersionAlpha {
		return read, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}

	h.Width, n, err = unmarshalUint32(rd, "width")
	read += n
	if err != nil {
		return read, err
	}

	h.Height, n, err = unmarshalUint32(rd, "height")
	read += n
	if err != nil {
		return read, err
	}

	return read, nil
}

func unmarshalUint32(rd io.Reader, field string) (uint32, int, error) {
	buf := make([]byte, 4)
	n, err := io.ReadFull(rd, buf)
	if err != nil {
		return 0, n, fmt.Errorf("%w: %s: %v", ErrTruncated, field, err)
	}
	return binary.BigEndian.Uint32(buf), n, nil
}

func unmarshalPayload(rd io.Reader, section string) ([]byte, int, error) {
	buf := make([]byte, 8)
	n, err := io.ReadFull(rd, buf)
	if err != nil {
		return nil, n, fmt.Errorf("%w: %s length: %v", ErrTruncated, section, err)
	}

	size := binary.BigEndian.Uint64(buf)
	if size > math.MaxInt64 {
		return nil, n, fmt.Errorf("%w: %s: %d bytes declared", ErrTruncated, section, size)
	}

	// Grow as bytes actually arrive so a lying length field cannot
	// force a giant up-front allocation.
	var payload bytes.Buffer
	copied, err := io.CopyN(&payload, rd, int64(size))
	n += int(copied)
	if err != nil {
		return nil, n, fmt.Errorf("%w: %s: %d of %d bytes", ErrTruncated, section, copied, size)
	}

	out := payload.Bytes()
	if out == nil {
		// Present but empty, nil is reserved for absent.
		out = []byte{}
	}
	return out, n, nil
}
