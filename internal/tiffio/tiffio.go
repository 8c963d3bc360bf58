// Package tiffio loads grayscale TIFF stacks and writes aligned ones with
// the original bit depth.
package tiffio

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"chromalign/internal/fsutil"
	"chromalign/internal/stack"
)

// LoadStack reads a stack from a directory of TIFFs or from one TIFF file.
// Every full-resolution page of every file becomes a frame, in file order.
// All frames must share size and bit depth.
func LoadStack(path string) (*stack.Stack, error) {
	files, err := fsutil.ResolveStack(path)
	if err != nil {
		return nil, fmt.Errorf("load stack: %w", err)
	}
	var pages []page
	for _, file := range files {
		ps, err := listPages(file)
		if err != nil {
			return nil, fmt.Errorf("load stack: %w", err)
		}
		pages = append(pages, ps...)
	}
	if err := checkMemory(pages); err != nil {
		return nil, fmt.Errorf("load stack %s: %w", path, err)
	}

	var (
		dtype  stack.DType
		frames = make([]stack.Frame, 0, len(pages))
	)
	for i, pg := range pages {
		f, dt, err := pg.decode()
		if err != nil {
			return nil, fmt.Errorf("load stack: %w", err)
		}
		if i == 0 {
			dtype = dt
		} else if dt != dtype {
			return nil, fmt.Errorf("load stack: %s is %s, earlier frames are %s", pg, dt, dtype)
		}
		frames = append(frames, f)
	}
	first := frames[0]
	return stack.New(dtype, first.Width(), first.Height(), frames)
}

// checkMemory sizes the stack from the first page's header.
func checkMemory(pages []page) error {
	fh, err := os.Open(pages[0].file)
	if err != nil {
		return err
	}
	defer fh.Close()
	cfg, err := tiff.DecodeConfig(pages[0].reader(fh))
	if err != nil {
		return fmt.Errorf("decode %s: %w", pages[0], err)
	}
	return fsutil.CheckMemory(fsutil.StackWorkingSetMB(len(pages), cfg.Width, cfg.Height), nil)
}

// FromImage converts a decoded grayscale image into a frame.
func FromImage(img image.Image) (stack.Frame, stack.DType, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]uint16, 0, w*h)
	switch m := img.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				pix = append(pix, uint16(m.GrayAt(x, y).Y))
			}
		}
		f, err := stack.NewFrame(w, h, pix)
		return f, stack.Uint8, err
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				pix = append(pix, m.Gray16At(x, y).Y)
			}
		}
		f, err := stack.NewFrame(w, h, pix)
		return f, stack.Uint16, err
	default:
		return stack.Frame{}, 0, fmt.Errorf("unsupported pixel format %T (grayscale 8/16-bit only)", img)
	}
}

// ToImage renders a frame at its stored bit depth.
func ToImage(f stack.Frame, dtype stack.DType) image.Image {
	r := image.Rect(0, 0, f.Width(), f.Height())
	if dtype == stack.Uint8 {
		img := image.NewGray(r)
		for y := 0; y < f.Height(); y++ {
			for x := 0; x < f.Width(); x++ {
				img.Pix[y*img.Stride+x] = uint8(f.At(x, y))
			}
		}
		return img
	}
	img := image.NewGray16(r)
	for y := 0; y < f.Height(); y++ {
		for x := 0; x < f.Width(); x++ {
			v := f.At(x, y)
			i := y*img.Stride + 2*x
			img.Pix[i] = uint8(v >> 8)
			img.Pix[i+1] = uint8(v)
		}
	}
	return img
}

// Exporter writes an aligned stack somewhere and reports what it wrote.
type Exporter interface {
	Export(ctx context.Context, s *stack.Stack, dir string) ([]string, error)
}

// TIFFExporter writes one TIFF per frame as <Prefix>_0000.tif, ...
type TIFFExporter struct {
	Prefix      string
	Compression string // "deflate" or "none"
	Logger      *slog.Logger
}

func (e TIFFExporter) options() (*tiff.Options, error) {
	switch strings.ToLower(e.Compression) {
	case "", "deflate", "zip":
		return &tiff.Options{Compression: tiff.Deflate}, nil
	case "none", "uncompressed":
		return &tiff.Options{Compression: tiff.Uncompressed}, nil
	}
	return nil, fmt.Errorf("unsupported tiff compression %q", e.Compression)
}

// Export creates dir if needed. Existing files with the same names are
// overwritten.
func (e TIFFExporter) Export(ctx context.Context, s *stack.Stack, dir string) ([]string, error) {
	opts, err := e.options()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	prefix := e.Prefix
	if prefix == "" {
		prefix = "frame"
	}

	written := make([]string, 0, s.Len())
	for i := 0; i < s.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s_%04d.tif", prefix, i))
		if err := writeTIFF(path, ToImage(s.Frame(i), s.DType()), opts); err != nil {
			return written, fmt.Errorf("export frame %d: %w", i, err)
		}
		written = append(written, path)
	}
	if e.Logger != nil {
		e.Logger.Info("Stack exported", "dir", dir, "frames", len(written), "dtype", s.DType().String())
	}
	return written, nil
}

func writeTIFF(path string, img image.Image, opts *tiff.Options) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(fh)
	if err := tiff.Encode(bw, img, opts); err != nil {
		fh.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
