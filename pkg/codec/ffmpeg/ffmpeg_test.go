// SPDX-License-Identifier: GPL-2.0-or-later

package ffmpeg

import (
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"milimg/pkg/av1"
	"milimg/pkg/codec"

	"github.com/stretchr/testify/require"
)

func TestFakeProcess(t *testing.T) {
	if os.Getenv("GO_TEST_PROCESS") != "1" {
		return
	}
	if os.Getenv("SLEEP") == "1" {
		time.Sleep(1 * time.Hour)
	}

	switch os.Getenv("PROCESS_OUTPUT") {
	case "ivf":
		os.Stdout.Write(av1.WrapIVF([]byte{0xe0, 0xe1, 0xe2}, 4, 2)) //nolint:errcheck
	case "raw":
		size, _ := strconv.Atoi(os.Getenv("RAW_SIZE"))
		frame := make([]byte, size)
		for i := range frame {
			frame[i] = byte(i)
		}
		os.Stdout.Write(frame) //nolint:errcheck
	case "text":
		fmt.Fprintf(os.Stdout, "%v", "out")
		fmt.Fprintf(os.Stderr, "%v", "err")
	}

	os.Exit(0)
}

func fakeExecCommand(env ...string) *exec.Cmd {
	cs := []string{"-test.run=TestFakeProcess"}
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_TEST_PROCESS=1"}
	cmd.Env = append(cmd.Env, env...)
	return cmd
}

func TestProcess(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewProcess(fakeExecCommand())
		err := p.Start(ctx)
		require.NoError(t, err)
	})
	t.Run("startWithLogger", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		logs := make(chan string)
		logFunc := func(msg string) {
			logs <- fmt.Sprintf("test %v", msg)
		}

		p := NewProcess(fakeExecCommand("PROCESS_OUTPUT=text")).
			Timeout(0).
			StdoutLogger(logFunc).
			StderrLogger(logFunc)

		err := p.Start(ctx)
		require.NoError(t, err)

		compareOutput := func(input string) {
			output1 := "test stdout: out"
			output2 := "test stderr: err"
			switch {
			case input == output1:
			case input == output2:
			default:
				t.Fatalf("outputs doesn't match: '%v'", input)
			}
		}

		compareOutput(<-logs)
		compareOutput(<-logs)
	})
	_, pw, err := os.Pipe()
	require.NoError(t, err)

	t.Run("stdoutErr", func(t *testing.T) {
		cmd := fakeExecCommand()
		cmd.Stdout = pw

		p := process{cmd: cmd}.
			StdoutLogger(func(string) {})

		err := p.Start(context.Background())
		require.Error(t, err)
	})
	t.Run("stderrErr", func(t *testing.T) {
		cmd := fakeExecCommand()
		cmd.Stderr = pw

		p := process{cmd: cmd}.
			StderrLogger(func(string) {})

		err := p.Start(context.Background())
		require.Error(t, err)
	})
}

func fakeFFMPEG(gotArgs *[]string, env ...string) *FFMPEG {
	f := New("ffmpeg", nil)
	f.command = func(args ...string) *exec.Cmd {
		if gotArgs != nil {
			*gotArgs = args
		}
		return fakeExecCommand(env...)
	}
	return f
}

func TestEncode(t *testing.T) {
	t.Run("color", func(t *testing.T) {
		var args []string
		f := fakeFFMPEG(&args, "PROCESS_OUTPUT=ivf")

		frame := codec.Frame{
			Format: codec.FormatRGB24,
			Width:  4,
			Height: 2,
			Pix:    make([]byte, 24),
		}

		payload, err := f.Encode(context.Background(), frame, 22)
		require.NoError(t, err)
		require.Equal(t, []byte{0xe0, 0xe1, 0xe2}, payload)

		require.Equal(t, []string{
			"-loglevel", "error",
			"-f", "rawvideo",
			"-pix_fmt", "rgb24",
			"-s", "4x2",
			"-r", "30",
			"-i", "-",
			"-c:v", "libaom-av1",
			"-crf", "22",
			"-b:v", "0",
			"-frames:v", "1",
			"-pix_fmt", "yuv420p",
			"-colorspace", "bt709",
			"-color_range", "pc",
			"-f", "ivf", "-",
		}, args)
	})

	t.Run("alpha", func(t *testing.T) {
		var args []string
		f := fakeFFMPEG(&args, "PROCESS_OUTPUT=ivf")

		frame := codec.Frame{
			Format: codec.FormatGray,
			Width:  4,
			Height: 2,
			Pix:    make([]byte, 8),
		}

		_, err := f.Encode(context.Background(), frame, 0)
		require.NoError(t, err)

		require.Equal(t, []string{
			"-loglevel", "error",
			"-f", "rawvideo",
			"-pix_fmt", "gray",
			"-s", "4x2",
			"-r", "30",
			"-i", "-",
			"-c:v", "libaom-av1",
			"-crf", "0",
			"-b:v", "0",
			"-frames:v", "1",
			"-pix_fmt", "gray",
			"-f", "ivf", "-",
		}, args)
	})

	t.Run("qualityRange", func(t *testing.T) {
		f := fakeFFMPEG(nil)
		frame := codec.Frame{
			Format: codec.FormatGray,
			Width:  1,
			Height: 1,
			Pix:    []byte{0},
		}

		_, err := f.Encode(context.Background(), frame, 64)
		require.ErrorIs(t, err, codec.ErrQualityRange)

		_, err = f.Encode(context.Background(), frame, -1)
		require.ErrorIs(t, err, codec.ErrQualityRange)
	})

	t.Run("invalidFrame", func(t *testing.T) {
		f := fakeFFMPEG(nil)
		frame := codec.Frame{
			Format: codec.FormatRGB24,
			Width:  4,
			Height: 2,
			Pix:    make([]byte, 23),
		}

		_, err := f.Encode(context.Background(), frame, 22)
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("badOutput", func(t *testing.T) {
		f := fakeFFMPEG(nil)
		frame := codec.Frame{
			Format: codec.FormatGray,
			Width:  1,
			Height: 1,
			Pix:    []byte{0},
		}

		_, err := f.Encode(context.Background(), frame, 22)
		require.ErrorIs(t, err, av1.ErrInvalidIVF)
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		f := fakeFFMPEG(nil, "SLEEP=1")
		frame := codec.Frame{
			Format: codec.FormatGray,
			Width:  1,
			Height: 1,
			Pix:    []byte{0},
		}

		_, err := f.Encode(ctx, frame, 22)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestDecode(t *testing.T) {
	t.Run("color", func(t *testing.T) {
		var args []string
		f := fakeFFMPEG(&args, "PROCESS_OUTPUT=raw", "RAW_SIZE=24")

		img, err := f.Decode(context.Background(), []byte{1}, codec.FormatRGB24, 4, 2)
		require.NoError(t, err)

		rgb, ok := img.(*codec.RGB24)
		require.True(t, ok)
		require.Equal(t, image.Rect(0, 0, 4, 2), rgb.Rect)
		require.Equal(t, 12, rgb.Stride)
		require.Equal(t, byte(23), rgb.Pix[23])

		require.Equal(t, []string{
			"-loglevel", "error",
			"-f", "ivf",
			"-i", "-",
			"-frames:v", "1",
			"-f", "rawvideo",
			"-pix_fmt", "rgb24",
			"-",
		}, args)
	})

	t.Run("alpha", func(t *testing.T) {
		f := fakeFFMPEG(nil, "PROCESS_OUTPUT=raw", "RAW_SIZE=8")

		img, err := f.Decode(context.Background(), []byte{1}, codec.FormatGray, 4, 2)
		require.NoError(t, err)

		gray, ok := img.(*image.Gray)
		require.True(t, ok)
		require.Equal(t, image.Rect(0, 0, 4, 2), gray.Rect)
		require.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7}, gray.Pix)
	})

	t.Run("emptyPayload", func(t *testing.T) {
		f := fakeFFMPEG(nil)

		_, err := f.Decode(context.Background(), nil, codec.FormatRGB24, 4, 2)
		require.ErrorIs(t, err, codec.ErrNoFrame)
	})

	t.Run("noFrame", func(t *testing.T) {
		f := fakeFFMPEG(nil)

		_, err := f.Decode(context.Background(), []byte{1}, codec.FormatRGB24, 4, 2)
		require.ErrorIs(t, err, codec.ErrNoFrame)
	})

	t.Run("sizeMismatch", func(t *testing.T) {
		f := fakeFFMPEG(nil, "PROCESS_OUTPUT=raw", "RAW_SIZE=10")

		_, err := f.Decode(context.Background(), []byte{1}, codec.FormatRGB24, 4, 2)
		require.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("invalidSize", func(t *testing.T) {
		f := fakeFFMPEG(nil)

		_, err := f.Decode(context.Background(), []byte{1}, codec.FormatRGB24, 0, 2)
		require.ErrorIs(t, err, ErrInvalidFrame)
	})
}
