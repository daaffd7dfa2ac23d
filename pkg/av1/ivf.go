package av1

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// IVF container constants.
const (
	ivfSignature       = "DKIF"
	ivfFourcc          = "AV01"
	ivfHeaderSize      = 32
	ivfFrameHeaderSize = 12
)

// ErrInvalidIVF .
var ErrInvalidIVF = errors.New("invalid ivf container")

// WrapIVF wraps a single temporal unit in an IVF container. Some
// demuxers refuse naked low overhead bitstreams but probe IVF
// deterministically.
func WrapIVF(frame []byte, width uint32, height uint32) []byte {
	out := make([]byte, ivfHeaderSize+ivfFrameHeaderSize+len(frame))

	copy(out[0:4], ivfSignature)
	binary.LittleEndian.PutUint16(out[4:6], 0)             // Version.
	binary.LittleEndian.PutUint16(out[6:8], ivfHeaderSize) // Header size.
	copy(out[8:12], ivfFourcc)
	binary.LittleEndian.PutUint16(out[12:14], uint16(width))
	binary.LittleEndian.PutUint16(out[14:16], uint16(height))
	binary.LittleEndian.PutUint32(out[16:20], 30) // Timebase denominator.
	binary.LittleEndian.PutUint32(out[20:24], 1)  // Timebase numerator.
	binary.LittleEndian.PutUint32(out[24:28], 1)  // Frame count.

	// Frame header, size followed by a zero timestamp.
	binary.LittleEndian.PutUint32(out[32:36], uint32(len(frame)))

	copy(out[ivfHeaderSize+ivfFrameHeaderSize:], frame)
	return out
}

// StripIVF extracts the first frame from an IVF container.
func StripIVF(buf []byte) ([]byte, error) {
	if len(buf) < ivfHeaderSize+ivfFrameHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidIVF, len(buf))
	}
	if string(buf[0:4]) != ivfSignature {
		return nil, fmt.Errorf("%w: signature %q", ErrInvalidIVF, buf[0:4])
	}
	if string(buf[8:12]) != ivfFourcc {
		return nil, fmt.Errorf("%w: fourcc %q", ErrInvalidIVF, buf[8:12])
	}

	headerSize := int(binary.LittleEndian.Uint16(buf[6:8]))
	if len(buf) < headerSize+ivfFrameHeaderSize {
		return nil, fmt.Errorf("%w: missing frame header", ErrInvalidIVF)
	}

	frameSize := int(binary.LittleEndian.Uint32(buf[headerSize : headerSize+4]))
	start := headerSize + ivfFrameHeaderSize
	if len(buf) < start+frameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes with %d remaining",
			ErrInvalidIVF, frameSize, len(buf)-start)
	}

	return buf[start : start+frameSize], nil
}
