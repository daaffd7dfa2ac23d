// Package container reads and writes the milimg still-image container.
package container

// Container format for storing one or two AV1 encoded frames.
// Requirements.
//   1. Payloads are opaque codec bitstreams, never inspected here.
//   2. A version 0 file must stay readable by readers that only
//      know version 0.
//   3. Parsing is a single forward pass with no backtracking.
//
//
//
// <name>.milimg:
//   magic    [8]byte  ASCII "Milimg00"
//   version  uint32   0 = color only, 1 = color followed by alpha
//   width    uint32   pixel width of the encoded frames
//   height   uint32   pixel height of the encoded frames
//   colorLen uint64
//   color    [colorLen]byte
//
//   // Version 1 only.
//   alphaLen uint64
//   alpha    [alphaLen]byte
//
// All integers are big-endian. There is no padding, no terminator and
// no checksum. Version 0 files are 28+colorLen bytes, version 1 files
// are 36+colorLen+alphaLen bytes.
