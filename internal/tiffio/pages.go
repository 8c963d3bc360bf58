package tiffio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/image/tiff"

	"chromalign/internal/stack"
)

const (
	leHeader = "II\x2A\x00"
	beHeader = "MM\x00\x2A"

	ifdEntryLen     = 12
	tNewSubfileType = 254
)

// page locates one image directory inside a TIFF file.
type page struct {
	file   string
	index  int
	order  binary.ByteOrder
	magic  [4]byte
	offset uint32
}

// listPages walks the IFD chain of a classic TIFF and returns its
// full-resolution pages in file order. Reduced-resolution subfiles
// (thumbnails, pyramid levels) are skipped.
func listPages(path string) ([]page, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	var hdr [8]byte
	if _, err := fh.ReadAt(hdr[:], 0); err != nil {
		return nil, fmt.Errorf("%s: read header: %w", path, err)
	}
	var order binary.ByteOrder
	switch string(hdr[:4]) {
	case leHeader:
		order = binary.LittleEndian
	case beHeader:
		order = binary.BigEndian
	case "II\x2B\x00", "MM\x00\x2B":
		return nil, fmt.Errorf("%s: BigTIFF is not supported", path)
	default:
		return nil, fmt.Errorf("%s: not a TIFF file", path)
	}

	var (
		pages []page
		seen  = make(map[uint32]bool)
		buf   [4]byte
	)
	for off, index := order.Uint32(hdr[4:]), 0; off != 0; index++ {
		if seen[off] {
			return nil, fmt.Errorf("%s: IFD chain loops at offset %d", path, off)
		}
		seen[off] = true

		if _, err := fh.ReadAt(buf[:2], int64(off)); err != nil {
			return nil, fmt.Errorf("%s: IFD %d: %w", path, index, err)
		}
		n := int64(order.Uint16(buf[:2]))
		entries := make([]byte, n*ifdEntryLen)
		if _, err := fh.ReadAt(entries, int64(off)+2); err != nil {
			return nil, fmt.Errorf("%s: IFD %d entries: %w", path, index, err)
		}
		if !reducedResolution(entries, order) {
			pg := page{file: path, index: index, order: order, offset: off}
			copy(pg.magic[:], hdr[:4])
			pages = append(pages, pg)
		}

		if _, err := fh.ReadAt(buf[:], int64(off)+2+n*ifdEntryLen); err != nil {
			return nil, fmt.Errorf("%s: IFD %d next offset: %w", path, index, err)
		}
		off = order.Uint32(buf[:])
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("%s: no full-resolution images", path)
	}
	return pages, nil
}

// reducedResolution reports whether bit 0 of NewSubfileType is set.
func reducedResolution(entries []byte, order binary.ByteOrder) bool {
	for i := 0; i+ifdEntryLen <= len(entries); i += ifdEntryLen {
		e := entries[i : i+ifdEntryLen]
		if order.Uint16(e[0:2]) != tNewSubfileType {
			continue
		}
		var v uint32
		switch order.Uint16(e[2:4]) {
		case 3: // SHORT
			v = uint32(order.Uint16(e[8:10]))
		case 4: // LONG
			v = order.Uint32(e[8:12])
		}
		return v&1 != 0
	}
	return false
}

func (p page) String() string {
	return fmt.Sprintf("%s page %d", p.file, p.index)
}

// reader presents the file as if p were its first image, which is the only
// one tiff.Decode looks at.
func (p page) reader(ra io.ReaderAt) *pageReader {
	r := &pageReader{ra: ra}
	copy(r.header[:4], p.magic[:])
	p.order.PutUint32(r.header[4:], p.offset)
	return r
}

func (p page) decode() (stack.Frame, stack.DType, error) {
	fh, err := os.Open(p.file)
	if err != nil {
		return stack.Frame{}, 0, err
	}
	defer fh.Close()

	img, err := tiff.Decode(p.reader(fh))
	if err != nil {
		return stack.Frame{}, 0, fmt.Errorf("decode %s: %w", p, err)
	}
	f, dt, err := FromImage(img)
	if err != nil {
		return stack.Frame{}, 0, fmt.Errorf("%s: %w", p, err)
	}
	return f, dt, nil
}

// pageReader overlays a rewritten 8-byte header on the underlying file.
type pageReader struct {
	ra     io.ReaderAt
	header [8]byte
	off    int64
}

func (r *pageReader) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("tiffio: negative offset")
	}
	n, err := r.ra.ReadAt(b, off)
	if off < int64(len(r.header)) {
		copy(b[:n], r.header[off:])
	}
	return n, err
}

func (r *pageReader) Read(b []byte) (int, error) {
	n, err := r.ReadAt(b, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}
