// SPDX-License-Identifier: GPL-2.0-or-later

// Package ffmpeg implements the codec interfaces with an external
// ffmpeg binary. Frames are piped through stdin and stdout, no
// temporary files are involved.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"milimg/pkg/av1"
	"milimg/pkg/codec"
)

// LogFunc receives a single line of process output.
type LogFunc func(string)

// Process interface only used for testing.
type Process interface {
	// Timeout sets the duration between the interrupt and kill
	// signals when the context is canceled.
	Timeout(time.Duration) Process
	StdoutLogger(LogFunc) Process
	StderrLogger(LogFunc) Process

	// Start runs the process and waits for it to exit.
	Start(ctx context.Context) error
}

// process manages subprocesses.
type process struct {
	timeout time.Duration
	cmd     *exec.Cmd

	stdoutLogger LogFunc
	stderrLogger LogFunc

	done chan struct{}
}

// NewProcessFunc is used for mocking.
type NewProcessFunc func(*exec.Cmd) Process

// NewProcess return process.
func NewProcess(cmd *exec.Cmd) Process {
	return process{
		timeout: 1000 * time.Millisecond,
		cmd:     cmd,
	}
}

func (p process) Timeout(timeout time.Duration) Process {
	p.timeout = timeout
	return p
}

func (p process) StdoutLogger(l LogFunc) Process {
	p.stdoutLogger = l
	return p
}

func (p process) StderrLogger(l LogFunc) Process {
	p.stderrLogger = l
	return p
}

func (p process) attachLogger(logFunc LogFunc, label string, stdPipe func() (io.ReadCloser, error)) error {
	pipe, err := stdPipe()
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(pipe)
	go func() {
		for scanner.Scan() {
			logFunc(fmt.Sprintf("%v: %v", label, scanner.Text()))
		}
	}()
	return nil
}

// Start starts process with context.
func (p process) Start(ctx context.Context) error {
	if p.stdoutLogger != nil {
		if err := p.attachLogger(p.stdoutLogger, "stdout", p.cmd.StdoutPipe); err != nil {
			return err
		}
	}
	if p.stderrLogger != nil {
		if err := p.attachLogger(p.stderrLogger, "stderr", p.cmd.StderrPipe); err != nil {
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		return err
	}

	p.done = make(chan struct{})

	go func() {
		select {
		case <-p.done:
		case <-ctx.Done():
			p.stop()
		}
	}()

	err := p.cmd.Wait()
	close(p.done)

	return err
}

// Note, cannot use CommandContext to stop the process as it would
// kill the process before it has a chance to exit on its own.
func (p process) stop() {
	p.cmd.Process.Signal(os.Interrupt) //nolint:errcheck

	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cmd.Process.Signal(os.Kill) //nolint:errcheck
		<-p.done
	}
}

// ErrInvalidFrame frame dimensions and buffer size don't add up.
var ErrInvalidFrame = errors.New("invalid raw frame")

// FFMPEG encodes and decodes still AV1 payloads with an external
// ffmpeg binary. Implements codec.Encoder and codec.Decoder.
type FFMPEG struct {
	command    func(...string) *exec.Cmd
	newProcess NewProcessFunc
	logf       LogFunc

	// Grace period between interrupt and kill.
	timeout time.Duration
}

// New returns FFMPEG using the given binary. logf may be nil.
func New(bin string, logf LogFunc) *FFMPEG {
	command := func(args ...string) *exec.Cmd {
		return exec.Command(bin, args...)
	}
	if logf == nil {
		logf = func(string) {}
	}
	return &FFMPEG{
		command:    command,
		newProcess: NewProcess,
		logf:       logf,
		timeout:    1000 * time.Millisecond,
	}
}

// Encode compresses a single raw frame into an AV1 low overhead
// bitstream. Color frames are subsampled to yuv420p with bt709
// coefficients and full range, alpha frames stay grayscale.
func (f *FFMPEG) Encode(ctx context.Context, frame codec.Frame, quality int) ([]byte, error) {
	if quality < codec.QualityMin || quality > codec.QualityMax {
		return nil, fmt.Errorf("%w: %d", codec.ErrQualityRange, quality)
	}
	expectedLen := frame.Width * frame.Height * frame.Format.BytesPerPixel()
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Pix) != expectedLen {
		return nil, fmt.Errorf("%w: %dx%d %s with %d bytes",
			ErrInvalidFrame, frame.Width, frame.Height, frame.Format, len(frame.Pix))
	}

	cmd := f.command(f.encodeArgs(frame, quality)...)
	cmd.Stdin = bytes.NewReader(frame.Pix)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := f.newProcess(cmd).
		Timeout(f.timeout).
		StderrLogger(f.logf).
		Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run encoder: %w", err)
	}

	payload, err := av1.StripIVF(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("encoder output: %w", err)
	}
	return payload, nil
}

func (f *FFMPEG) encodeArgs(frame codec.Frame, quality int) []string {
	args := []string{
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", string(frame.Format),
		"-s", fmt.Sprintf("%dx%d", frame.Width, frame.Height),
		"-r", "30",
		"-i", "-",
		"-c:v", "libaom-av1",
		"-crf", strconv.Itoa(quality),
		"-b:v", "0",
		"-frames:v", "1",
	}
	if frame.Format == codec.FormatRGB24 {
		args = append(args,
			"-pix_fmt", "yuv420p",
			"-colorspace", "bt709",
			"-color_range", "pc",
		)
	} else {
		args = append(args, "-pix_fmt", "gray")
	}
	return append(args, "-f", "ivf", "-")
}

// Decode decompresses the first frame of an AV1 low overhead
// bitstream into an image of the requested format. Width and height
// must match the bitstream.
func (f *FFMPEG) Decode(
	ctx context.Context,
	payload []byte,
	format codec.PixelFormat,
	width int,
	height int,
) (image.Image, error) {
	if len(payload) == 0 {
		return nil, codec.ErrNoFrame
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidFrame, width, height)
	}

	cmd := f.command(decodeArgs(format)...)
	cmd.Stdin = bytes.NewReader(av1.WrapIVF(payload, uint32(width), uint32(height)))

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := f.newProcess(cmd).
		Timeout(f.timeout).
		StderrLogger(f.logf).
		Start(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("run decoder: %w", err)
	}

	raw := stdout.Bytes()
	if len(raw) == 0 {
		return nil, codec.ErrNoFrame
	}
	expectedLen := width * height * format.BytesPerPixel()
	if len(raw) != expectedLen {
		return nil, fmt.Errorf("%w: %d bytes decoded, expected %d for %dx%d %s",
			ErrInvalidFrame, len(raw), expectedLen, width, height, format)
	}

	if format == codec.FormatGray {
		return &image.Gray{
			Pix:    raw,
			Stride: width,
			Rect:   image.Rect(0, 0, width, height),
		}, nil
	}
	return &codec.RGB24{
		Pix:    raw,
		Stride: width * 3,
		Rect:   image.Rect(0, 0, width, height),
	}, nil
}

func decodeArgs(format codec.PixelFormat) []string {
	return []string{
		"-loglevel", "error",
		"-f", "ivf",
		"-i", "-",
		"-frames:v", "1",
		"-f", "rawvideo",
		"-pix_fmt", string(format),
		"-",
	}
}
