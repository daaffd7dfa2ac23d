package milimg

import (
	"context"
	"fmt"
	"image"
	"io"

	"milimg/pkg/codec"
	"milimg/pkg/container"

	"github.com/nfnt/resize"
)

// Options are the encoding parameters. A nil *Options selects the
// defaults.
type Options struct {
	// Quality is the AV1 constant rate factor in [0,63], lower is
	// higher quality. Note that the zero value is lossless, not a
	// default, use QualityDefault for balanced output.
	Quality int

	// MaxDim downscales images whose width or height exceeds it,
	// keeping the aspect ratio. Zero keeps the input size.
	MaxDim int

	// Encoder compresses the raw frames, nil selects ffmpeg resolved
	// through PATH.
	Encoder codec.Encoder
}

func (o *Options) encoder() codec.Encoder {
	if o.Encoder != nil {
		return o.Encoder
	}
	return defaultBackend()
}

// Encode writes img to w in the milimg format.
//
// The container version is decided by the image, not the caller: any
// not fully opaque pixel selects version 1 with an alpha payload,
// fully opaque images get a version 0 container.
func Encode(ctx context.Context, w io.Writer, img image.Image, o *Options) error {
	if o == nil {
		o = &Options{Quality: QualityDefault}
	}
	if o.Quality < QualityMin || o.Quality > QualityMax {
		return fmt.Errorf("%w: %d", codec.ErrQualityRange, o.Quality)
	}
	enc := o.encoder()

	if o.MaxDim > 0 {
		img = Downscale(img, o.MaxDim)
	}

	useAlpha := codec.HasTransparency(img)

	colorFrame := codec.NewRGB24Frame(img)
	colorPayload, err := enc.Encode(ctx, colorFrame, o.Quality)
	if err != nil {
		return fmt.Errorf("encode color: %w", err)
	}

	record := container.Record{
		Version:      container.VersionOpaque,
		Width:        uint32(colorFrame.Width),
		Height:       uint32(colorFrame.Height),
		ColorPayload: colorPayload,
	}

	if useAlpha {
		alphaPayload, err := enc.Encode(ctx, codec.NewAlphaFrame(img), o.Quality)
		if err != nil {
			return fmt.Errorf("encode alpha: %w", err)
		}
		record.Version = container.VersionAlpha
		record.AlphaPayload = alphaPayload
	}

	buf, err := record.Marshal()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write container: %w", err)
	}
	return nil
}

// Downscale returns img resized so that neither dimension exceeds
// maxDim, keeping the aspect ratio. Images already within the bound
// are returned unchanged.
func Downscale(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	if bounds.Dx() <= maxDim && bounds.Dy() <= maxDim {
		return img
	}
	if bounds.Dx() >= bounds.Dy() {
		return resize.Resize(uint(maxDim), 0, img, resize.Lanczos3)
	}
	return resize.Resize(0, uint(maxDim), img, resize.Lanczos3)
}
