// Package opencv implements the codec decoder interface with OpenCV.
// VideoCapture cannot read from memory, so the payload is wrapped in
// an IVF container and staged in a temporary file.
package opencv

import (
	"context"
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"

	"milimg/pkg/av1"
	"milimg/pkg/codec"
)

// Decoder implements codec.Decoder with OpenCV VideoCapture.
// Requires an OpenCV build with ffmpeg support.
type Decoder struct {
	// TempDir overrides the default temporary directory.
	TempDir string
}

// Decode decompresses the first frame of an AV1 low overhead
// bitstream. Width and height only seed the IVF header, the decoded
// frame keeps its own dimensions.
func (d *Decoder) Decode(
	ctx context.Context,
	payload []byte,
	format codec.PixelFormat,
	width int,
	height int,
) (image.Image, error) {
	if len(payload) == 0 {
		return nil, codec.ErrNoFrame
	}

	// VideoCapture has no cancellation points.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}

	tmp, err := os.CreateTemp(d.TempDir, "*.ivf")
	if err != nil {
		return nil, fmt.Errorf("create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(av1.WrapIVF(payload, uint32(width), uint32(height)))
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("write temporary file: %w", err)
	}
	if closeErr != nil {
		return nil, closeErr
	}

	capture, err := gocv.VideoCaptureFile(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	defer capture.Close()

	mat := gocv.NewMat()
	defer mat.Close()

	if !capture.Read(&mat) || mat.Empty() {
		return nil, codec.ErrNoFrame
	}

	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert mat: %w", err)
	}

	if format == codec.FormatGray {
		return codec.GrayFromImage(img), nil
	}
	return codec.RGB24FromImage(img), nil
}
