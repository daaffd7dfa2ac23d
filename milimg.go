// Package milimg implements the milimg still image format, a minimal
// container holding one or two AV1 encoded frames. Opaque images
// store a single color frame, images with transparency store a second
// grayscale frame for the alpha channel. Compression is delegated to
// an external codec, by default an ffmpeg binary resolved through
// PATH.
//
// Nothing is registered with the image package since registration is
// process wide. Callers that want milimg files to work with
// image.Decode can register the format themselves:
//
//	image.RegisterFormat("milimg", container.Magic,
//		func(r io.Reader) (image.Image, error) {
//			return milimg.Decode(context.Background(), r, nil)
//		},
//		milimg.DecodeConfig)
package milimg

import (
	"milimg/pkg/codec"
	"milimg/pkg/codec/ffmpeg"
)

// defaultBackend is used when no codec is given. ffmpeg implements
// both halves of the codec boundary.
func defaultBackend() *ffmpeg.FFMPEG {
	return ffmpeg.New("ffmpeg", nil)
}

// Quality bounds re-exported for callers that don't import pkg/codec.
const (
	QualityMin     = codec.QualityMin
	QualityMax     = codec.QualityMax
	QualityDefault = codec.QualityDefault
)
