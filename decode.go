package milimg

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"milimg/pkg/av1"
	"milimg/pkg/codec"
	"milimg/pkg/container"
)

// ErrDimensionMismatch payload dimensions don't match the container
// header. Only checked in strict mode.
var ErrDimensionMismatch = errors.New("payload dimensions don't match container header")

// DecodeOptions are the decoding parameters. A nil *DecodeOptions
// selects the defaults.
type DecodeOptions struct {
	// Decoder decompresses the payloads, nil selects ffmpeg resolved
	// through PATH.
	Decoder codec.Decoder

	// Strict verifies the payload dimensions against the container
	// header, with the AV1 sequence header before decoding and with
	// the decoded frame after. The header is otherwise trusted.
	Strict bool

	// StrictAlpha fails on a broken alpha payload instead of
	// degrading to the opaque color image.
	StrictAlpha bool

	// WarnFunc receives non-fatal problems, nil discards them.
	WarnFunc func(string)
}

// Decode reads a milimg file from r. Version 1 files decode to an
// NRGBA image with the alpha payload applied, version 0 files keep
// the color decoder's opaque format.
//
// A version 1 file with an empty alpha payload yields the opaque
// color image. So does one with a broken alpha payload, with a
// warning, unless StrictAlpha is set.
func Decode(ctx context.Context, r io.Reader, o *DecodeOptions) (image.Image, error) {
	var opts DecodeOptions
	if o != nil {
		opts = *o
	}
	dec := opts.Decoder
	if dec == nil {
		dec = defaultBackend()
	}
	warn := opts.WarnFunc
	if warn == nil {
		warn = func(string) {}
	}

	var record container.Record
	if _, err := record.Unmarshal(r); err != nil {
		return nil, err
	}
	width := int(record.Width)
	height := int(record.Height)

	if opts.Strict {
		if err := checkPayloadDimensions(record.ColorPayload, width, height); err != nil {
			return nil, fmt.Errorf("color: %w", err)
		}
	}

	colorImg, err := dec.Decode(ctx, record.ColorPayload, codec.FormatRGB24, width, height)
	if err != nil {
		return nil, fmt.Errorf("decode color: %w", err)
	}
	if opts.Strict {
		if err := checkFrameDimensions(colorImg, width, height); err != nil {
			return nil, fmt.Errorf("color: %w", err)
		}
	}

	if record.Version != container.VersionAlpha || len(record.AlphaPayload) == 0 {
		return colorImg, nil
	}

	alpha, err := decodeAlpha(ctx, dec, record, opts.Strict, colorImg.Bounds())
	if err != nil {
		if opts.StrictAlpha {
			return nil, fmt.Errorf("decode alpha: %w", err)
		}
		warn(fmt.Sprintf("alpha decode failed, using color only: %v", err))
		return colorImg, nil
	}

	return codec.Compose(colorImg, alpha), nil
}

func decodeAlpha(
	ctx context.Context,
	dec codec.Decoder,
	record container.Record,
	strict bool,
	colorBounds image.Rectangle,
) (*image.Gray, error) {
	width := int(record.Width)
	height := int(record.Height)

	if strict {
		if err := checkPayloadDimensions(record.AlphaPayload, width, height); err != nil {
			return nil, err
		}
	}

	img, err := dec.Decode(ctx, record.AlphaPayload, codec.FormatGray, width, height)
	if err != nil {
		return nil, err
	}

	// Compose indexes the alpha plane with the color image's size,
	// a mismatch is broken alpha even in lenient mode.
	if !img.Bounds().Size().Eq(colorBounds.Size()) {
		return nil, fmt.Errorf("%w: alpha %v, color %v",
			ErrDimensionMismatch, img.Bounds().Size(), colorBounds.Size())
	}

	return codec.GrayFromImage(img), nil
}

// checkPayloadDimensions compares the frame size declared by the
// bitstream's sequence header against the container header.
func checkPayloadDimensions(payload []byte, width int, height int) error {
	seqHeader, err := av1.FindSequenceHeader(payload)
	if err != nil {
		return fmt.Errorf("sequence header: %w", err)
	}
	if seqHeader.MaxFrameWidth != width || seqHeader.MaxFrameHeight != height {
		return fmt.Errorf("%w: bitstream %dx%d, header %dx%d", ErrDimensionMismatch,
			seqHeader.MaxFrameWidth, seqHeader.MaxFrameHeight, width, height)
	}
	return nil
}

func checkFrameDimensions(img image.Image, width int, height int) error {
	size := img.Bounds().Size()
	if size.X != width || size.Y != height {
		return fmt.Errorf("%w: frame %dx%d, header %dx%d",
			ErrDimensionMismatch, size.X, size.Y, width, height)
	}
	return nil
}

// DecodeConfig returns the dimensions and color model of a milimg
// file without decoding any payload.
func DecodeConfig(r io.Reader) (image.Config, error) {
	var header container.Header
	if _, err := header.Unmarshal(r); err != nil {
		return image.Config{}, err
	}

	colorModel := codec.RGB24Model
	if header.Version == container.VersionAlpha {
		colorModel = color.NRGBAModel
	}
	return image.Config{
		ColorModel: colorModel,
		Width:      int(header.Width),
		Height:     int(header.Height),
	}, nil
}
