// Package codec converts images to and from still AV1 payloads.
package codec

import (
	"context"
	"errors"
	"image"
	"image/color"
)

// Quality bounds for AV1 constant rate factor encoding. Zero is
// lossless and 63 gives the smallest file.
const (
	QualityMin     = 0
	QualityMax     = 63
	QualityDefault = 28
)

// ErrQualityRange quality is outside [QualityMin, QualityMax].
var ErrQualityRange = errors.New("quality out of range")

// PixelFormat is a raw frame pixel layout, named after the
// corresponding ffmpeg pixel format.
type PixelFormat string

// Pixel formats.
const (
	FormatRGB24 PixelFormat = "rgb24"
	FormatGray  PixelFormat = "gray"
)

// BytesPerPixel returns the packed size of a single pixel.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatRGB24:
		return 3
	case FormatGray:
		return 1
	}
	return 0
}

// Frame is a single tightly packed raw video frame.
type Frame struct {
	Format PixelFormat
	Width  int
	Height int

	// Pix holds packed pixels with a stride of
	// Width*Format.BytesPerPixel() bytes.
	Pix []byte
}

// ErrNoFrame no frame could be decoded from the payload.
var ErrNoFrame = errors.New("no frame in payload")

// Encoder encodes a single raw frame into an AV1 low overhead bitstream.
type Encoder interface {
	// Encode compresses frame at the given quality, 0 is lossless
	// and 63 is the smallest file.
	Encode(ctx context.Context, frame Frame, quality int) ([]byte, error)
}

// Decoder decodes the first frame of an AV1 low overhead bitstream.
type Decoder interface {
	// Decode decompresses payload into an image of the requested
	// format. Width and height size the raw frame and must match
	// the bitstream.
	Decode(ctx context.Context, payload []byte, format PixelFormat, width int, height int) (image.Image, error)
}

// NewRGB24Frame converts img to a packed RGB24 frame, dropping any
// alpha channel without compositing.
func NewRGB24Frame(img image.Image) Frame {
	rgb := RGB24FromImage(img)
	return Frame{
		Format: FormatRGB24,
		Width:  rgb.Rect.Dx(),
		Height: rgb.Rect.Dy(),
		Pix:    rgb.Pix,
	}
}

// NewAlphaFrame extracts the alpha channel of img as a gray frame.
func NewAlphaFrame(img image.Image) Frame {
	alpha := AlphaPlane(img)
	return Frame{
		Format: FormatGray,
		Width:  alpha.Rect.Dx(),
		Height: alpha.Rect.Dy(),
		Pix:    alpha.Pix,
	}
}

// AlphaPlane extracts the straight alpha channel of img.
func AlphaPlane(img image.Image) *image.Gray {
	bounds := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < dst.Rect.Dy(); y++ {
			srcPos := src.PixOffset(bounds.Min.X, bounds.Min.Y+y)
			dstPos := y * dst.Stride
			for x := 0; x < dst.Rect.Dx(); x++ {
				dst.Pix[dstPos+x] = src.Pix[srcPos+x*4+3]
			}
		}
		return dst
	}

	for y := 0; y < dst.Rect.Dy(); y++ {
		for x := 0; x < dst.Rect.Dx(); x++ {
			_, _, _, a := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			dst.Pix[y*dst.Stride+x] = uint8(a >> 8)
		}
	}
	return dst
}

// GrayFromImage converts img to grayscale.
func GrayFromImage(img image.Image) *image.Gray {
	if src, ok := img.(*image.Gray); ok {
		return src
	}

	bounds := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < dst.Rect.Dy(); y++ {
		for x := 0; x < dst.Rect.Dx(); x++ {
			c := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			dst.Pix[y*dst.Stride+x] = c.Y
		}
	}
	return dst
}

// HasTransparency reports whether any pixel of img is not fully opaque.
// Unused transparent palette entries don't count.
func HasTransparency(img image.Image) bool {
	if src, ok := img.(*image.Paletted); ok {
		transparent := make([]bool, len(src.Palette))
		found := false
		for i, entry := range src.Palette {
			if _, _, _, a := entry.RGBA(); a < 0xffff {
				transparent[i] = true
				found = true
			}
		}
		if !found {
			return false
		}
		for _, index := range src.Pix {
			if transparent[index] {
				return true
			}
		}
		return false
	}

	if src, ok := img.(interface{ Opaque() bool }); ok {
		return !src.Opaque()
	}

	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a < 0xffff {
				return true
			}
		}
	}
	return false
}

// Compose merges a color image with an alpha plane of the same size
// into a single NRGBA image.
func Compose(colorImg image.Image, alpha *image.Gray) *image.NRGBA {
	bounds := colorImg.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	if src, ok := colorImg.(*RGB24); ok {
		for y := 0; y < dst.Rect.Dy(); y++ {
			srcPos := src.PixOffset(src.Rect.Min.X, src.Rect.Min.Y+y)
			dstPos := y * dst.Stride
			for x := 0; x < dst.Rect.Dx(); x++ {
				dst.Pix[dstPos+x*4] = src.Pix[srcPos+x*3]
				dst.Pix[dstPos+x*4+1] = src.Pix[srcPos+x*3+1]
				dst.Pix[dstPos+x*4+2] = src.Pix[srcPos+x*3+2]
				dst.Pix[dstPos+x*4+3] = alpha.Pix[y*alpha.Stride+x]
			}
		}
		return dst
	}

	for y := 0; y < dst.Rect.Dy(); y++ {
		for x := 0; x < dst.Rect.Dx(); x++ {
			c := color.NRGBAModel.Convert(colorImg.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA)
			c.A = alpha.Pix[y*alpha.Stride+x]
			dst.SetNRGBA(x, y, c)
		}
	}
	return dst
}
