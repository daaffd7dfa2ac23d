// SPDX-License-Identifier: GPL-2.0-or-later

// Command milimg converts images to and from the milimg format.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"milimg"
	"milimg/pkg/av1"
	"milimg/pkg/codec"
	"milimg/pkg/codec/ffmpeg"
	"milimg/pkg/codec/opencv"
	"milimg/pkg/container"
	"milimg/pkg/log"
	"milimg/pkg/storage"
	"milimg/pkg/system"
	"milimg/pkg/watcher"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out io.Writer, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "encode":
		return cmdEncode(args[1:], out, errOut)
	case "decode":
		return cmdDecode(args[1:], out, errOut)
	case "inspect":
		return cmdInspect(args[1:], out, errOut)
	case "watch":
		return cmdWatch(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "milimg: convert images to and from the milimg format")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  milimg encode [-q <0-63>] [-scale <maxDim>] [-o <output>] [-env <env.yaml>] <image>")
	fmt.Fprintln(w, "  milimg decode [-strict] [-o <output>] [-env <env.yaml>] <file.milimg>")
	fmt.Fprintln(w, "  milimg inspect <file.milimg> [...]")
	fmt.Fprintln(w, "  milimg watch -dir <directory> [-out <directory>] [-q <0-63>] [-env <env.yaml>]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Notes:")
	fmt.Fprintln(w, "  - quality is the AV1 constant rate factor, 0 is lossless")
	fmt.Fprintln(w, "  - decode writes png by default, use a .jpg output for jpeg")
	fmt.Fprintln(w, "  - watch converts images dropped into a directory until interrupted")
}

func cmdEncode(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("encode", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var quality int
	var maxDim int
	var output string
	var envPath string
	fs.IntVar(&quality, "q", -1, "AV1 constant rate factor, 0 is lossless (default from env)")
	fs.IntVar(&maxDim, "scale", 0, "Downscale so neither dimension exceeds this")
	fs.StringVar(&output, "o", "", "Output path")
	fs.StringVar(&envPath, "env", "", "Path to env.yaml")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: milimg encode [-q <0-63>] [-scale <maxDim>] [-o <output>] <image>")
		return 2
	}
	inputPath := fs.Arg(0)

	env, err := loadEnv(envPath)
	if err != nil {
		fmt.Fprintf(errOut, "environment: %v\n", err)
		return 1
	}
	if quality < 0 {
		quality = env.Quality
	}

	img, err := readImage(inputPath)
	if err != nil {
		fmt.Fprintf(errOut, "read %s: %v\n", filepath.Base(inputPath), err)
		return 1
	}
	if maxDim > 0 {
		img = milimg.Downscale(img, maxDim)
	}

	if output == "" {
		output = defaultOutputPath(inputPath, ".milimg")
		fmt.Fprintf(out, "output path not specified, using %v\n", output)
	}

	bounds := img.Bounds()
	hasAlpha := codec.HasTransparency(img)
	version := container.VersionOpaque
	if hasAlpha {
		version = container.VersionAlpha
	}
	fmt.Fprintf(out, "%vx%v, alpha channel: %v, writing version %v\n",
		bounds.Dx(), bounds.Dy(), hasAlpha, version)

	enc := &progressEncoder{
		Encoder: ffmpeg.New(env.FFmpegBin, nil),
		out:     out,
	}

	var buf bytes.Buffer
	err = milimg.Encode(context.Background(), &buf, img, &milimg.Options{
		Quality: quality,
		Encoder: enc,
	})
	if err != nil {
		fmt.Fprintf(errOut, "encode: %v\n", err)
		return 1
	}

	if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", output, err)
		return 1
	}
	fmt.Fprintf(out, "success, wrote %v bytes to %v\n", buf.Len(), output)
	return 0
}

// progressEncoder reports each payload as it is encoded.
type progressEncoder struct {
	codec.Encoder
	out io.Writer
}

func (e *progressEncoder) Encode(ctx context.Context, frame codec.Frame, quality int) ([]byte, error) {
	channel := "color"
	if frame.Format == codec.FormatGray {
		channel = "alpha"
	}
	fmt.Fprintf(e.out, "encoding %v channel with crf %v\n", channel, quality)

	payload, err := e.Encoder.Encode(ctx, frame, quality)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(e.out, "%v payload: %v bytes\n", channel, len(payload))
	return payload, nil
}

func cmdDecode(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var strict bool
	var output string
	var envPath string
	fs.BoolVar(&strict, "strict", false, "Verify payload dimensions and fail on broken alpha")
	fs.StringVar(&output, "o", "", "Output path, the extension selects the format")
	fs.StringVar(&envPath, "env", "", "Path to env.yaml")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(errOut, "usage: milimg decode [-strict] [-o <output>] <file.milimg>")
		return 2
	}
	inputPath := fs.Arg(0)

	env, err := loadEnv(envPath)
	if err != nil {
		fmt.Fprintf(errOut, "environment: %v\n", err)
		return 1
	}

	dec, err := newDecoder(env)
	if err != nil {
		fmt.Fprintf(errOut, "decoder: %v\n", err)
		return 1
	}

	file, err := os.Open(inputPath)
	if err != nil {
		fmt.Fprintf(errOut, "open %s: %v\n", filepath.Base(inputPath), err)
		return 1
	}
	defer file.Close()

	img, err := milimg.Decode(context.Background(), file, &milimg.DecodeOptions{
		Decoder:     dec,
		Strict:      strict,
		StrictAlpha: strict,
		WarnFunc: func(msg string) {
			fmt.Fprintf(errOut, "warning: %v\n", msg)
		},
	})
	if err != nil {
		fmt.Fprintf(errOut, "decode: %v\n", err)
		return 1
	}

	if output == "" {
		output = defaultOutputPath(inputPath, ".png")
		fmt.Fprintf(out, "output path not specified, using %v\n", output)
	}

	if err := writeImage(output, img); err != nil {
		fmt.Fprintf(errOut, "write %s: %v\n", output, err)
		return 1
	}

	bounds := img.Bounds()
	fmt.Fprintf(out, "success, wrote %vx%v image to %v\n", bounds.Dx(), bounds.Dy(), output)
	return 0
}

func newDecoder(env *storage.ConfigEnv) (codec.Decoder, error) {
	switch env.Decoder {
	case storage.DecoderFFmpeg:
		return ffmpeg.New(env.FFmpegBin, nil), nil
	case storage.DecoderOpenCV:
		return &opencv.Decoder{TempDir: env.TempDir}, nil
	}
	return nil, fmt.Errorf("%w: %v", storage.ErrUnknownDecoder, env.Decoder)
}

func cmdInspect(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(errOut, "usage: milimg inspect <file.milimg> [...]")
		return 2
	}

	failed := false
	for _, path := range fs.Args() {
		if err := inspectFile(out, path); err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", path, err)
			failed = true
		}
	}
	if failed {
		return 1
	}
	return 0
}

func inspectFile(out io.Writer, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := milimg.Inspect(file)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%s: version %v, %vx%v\n", path, info.Version, info.Width, info.Height)
	printPayload(out, "color", info.ColorPayloadSize, info.ColorSequence)
	if info.HasAlpha() {
		printPayload(out, "alpha", info.AlphaPayloadSize, info.AlphaSequence)
	}
	if info.TrailingBytes > 0 {
		fmt.Fprintf(out, "  %v trailing bytes\n", info.TrailingBytes)
	}
	return nil
}

func printPayload(out io.Writer, name string, size int, seqHeader *av1.SequenceHeader) {
	if seqHeader == nil {
		fmt.Fprintf(out, "  %v: %v bytes, no sequence header\n", name, size)
		return
	}
	fmt.Fprintf(out, "  %v: %v bytes, av1 profile %v %vx%v\n",
		name, size, seqHeader.Profile, seqHeader.MaxFrameWidth, seqHeader.MaxFrameHeight)
}

func cmdWatch(args []string, out io.Writer, errOut io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(errOut)

	var dir string
	var outDir string
	var quality int
	var envPath string
	fs.StringVar(&dir, "dir", "", "Directory to watch")
	fs.StringVar(&outDir, "out", "", "Output directory (default same as -dir)")
	fs.IntVar(&quality, "q", -1, "AV1 constant rate factor, 0 is lossless (default from env)")
	fs.StringVar(&envPath, "env", "", "Path to env.yaml")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if dir == "" {
		fmt.Fprintln(errOut, "missing -dir")
		return 2
	}

	if err := watch(dir, outDir, quality, envPath); err != nil {
		fmt.Fprintf(errOut, "watch: %v\n", err)
		return 1
	}
	return 0
}

func watch(dir string, outDir string, quality int, envPath string) error {
	env, err := loadEnv(envPath)
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if quality < 0 {
		quality = env.Quality
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}
	if outDir != "" {
		outDir, err = filepath.Abs(outDir)
		if err != nil {
			return err
		}
	}

	if err := env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("prepare environment: %w", err)
	}

	wg := &sync.WaitGroup{}
	logger := log.NewLogger()
	logDB := log.NewDB(env.LogDBPath(), wg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go logger.Start(ctx)
	go logger.LogToStdout(ctx)

	if err := logDB.Init(ctx); err != nil {
		// Continue even if the log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go logDB.SaveLogs(ctx, logger)
		time.Sleep(10 * time.Millisecond)
	}

	encoder := ffmpeg.New(env.FFmpegBin, nil)
	convert := func(ctx context.Context, inputPath string, outputPath string) error {
		img, err := readImage(inputPath)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}

		var buf bytes.Buffer
		err = milimg.Encode(ctx, &buf, img, &milimg.Options{
			Quality: quality,
			Encoder: encoder,
		})
		if err != nil {
			return err
		}
		return os.WriteFile(outputPath, buf.Bytes(), 0o644)
	}

	w := watcher.New(watcher.Config{Dir: dir, OutDir: outDir}, convert, logger)

	manager := storage.NewManager(env)
	sys := system.New(manager.DiskUsage, logger)
	go sys.StatusLoop(ctx)

	fatal := make(chan error, 1)
	go func() { fatal <- w.Run(ctx) }()

	logger.Info().Src("app").Msgf("watching %v", dir)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		logger.Error().Src("app").Msgf("fatal error: %v", err)
	case sig := <-stop:
		logger.Info().Src("app").Msgf("received %v, stopping", sig)
		err = nil
	}

	cancel()
	wg.Wait()
	return err
}

func loadEnv(envPath string) (*storage.ConfigEnv, error) {
	if envPath == "" {
		return storage.DefaultConfigEnv()
	}

	envPath, err := filepath.Abs(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}
	return storage.NewConfigEnv(envPath, envYAML)
}

// defaultOutputPath returns the input file name with a new extension,
// placed in the current directory.
func defaultOutputPath(inputPath string, ext string) string {
	base := filepath.Base(inputPath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ext
}

func readImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func writeImage(path string, img image.Image) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, nil)
	default:
		return png.Encode(file, img)
	}
}
