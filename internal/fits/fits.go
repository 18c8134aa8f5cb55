// Package fits reads and writes the subset of FITS used by the reduction:
// image HDUs with named extensions and ordered header cards.
package fits

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"deepfield/internal/raster"
)

const (
	blockSize = 2880
	cardSize  = 80
)

// ErrNoExtension is returned when a named extension is absent.
var ErrNoExtension = errors.New("extension not found")

// HDU is a header plus an optional 2D image, held as float64 physical values.
type HDU struct {
	Header *Header
	Bitpix int
	Shape  raster.Shape
	Data   []float64
}

// Name returns EXTNAME, or PRIMARY for the first HDU without one.
func (h *HDU) Name() string {
	if h.Header == nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(h.Header.String("EXTNAME")))
}

// Image converts the data to single precision.
func (h *HDU) Image() raster.Image {
	img := raster.NewImage(h.Shape)
	for i, v := range h.Data {
		img.Pix[i] = float32(v)
	}
	return img
}

// ImageHDU builds an HDU from a float32 image, stored as BITPIX -32.
func ImageHDU(name string, hdr *Header, img raster.Image) *HDU {
	hdr = hdr.Clone()
	if name != "" {
		hdr.Set("EXTNAME", name, "extension name")
	}
	data := make([]float64, len(img.Pix))
	for i, v := range img.Pix {
		data[i] = float64(v)
	}
	return &HDU{Header: hdr, Bitpix: -32, Shape: img.Shape, Data: data}
}

// CountHDU builds a BITPIX 32 HDU from a count map.
func CountHDU(name string, shape raster.Shape, counts []int32) *HDU {
	hdr := NewHeader()
	hdr.Set("EXTNAME", name, "extension name")
	data := make([]float64, len(counts))
	for i, v := range counts {
		data[i] = float64(v)
	}
	return &HDU{Header: hdr, Bitpix: 32, Shape: shape, Data: data}
}

type hduIndex struct {
	header *Header
	bitpix int
	axes   []int
	offset int64
	size   int64
}

// File is an open FITS file. Headers are scanned on Open; data is read
// on demand until Close.
type File struct {
	path string
	f    *os.File
	hdus []hduIndex
}

// Open scans the headers of every HDU in path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	file := &File{path: path, f: f}
	if err := file.scan(); err != nil {
		f.Close()
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return file, nil
}

// Path returns the file name given to Open.
func (f *File) Path() string { return f.path }

// Len returns the number of HDUs.
func (f *File) Len() int { return len(f.hdus) }

// Close releases the file handle.
func (f *File) Close() error {
	if f == nil || f.f == nil {
		return nil
	}
	err := f.f.Close()
	f.f = nil
	return err
}

func (f *File) scan() error {
	var pos int64
	for {
		hdr, bitpix, axes, hsize, err := readHeader(io.NewSectionReader(f.f, pos, math.MaxInt64-pos))
		if errors.Is(err, io.EOF) && len(f.hdus) > 0 {
			return nil
		}
		if err != nil {
			return err
		}
		size := dataSize(hdr, bitpix, axes)
		f.hdus = append(f.hdus, hduIndex{header: hdr, bitpix: bitpix, axes: axes, offset: pos + hsize, size: size})
		pos += hsize + padded(size)
	}
}

// Header returns the header of HDU i.
func (f *File) Header(i int) (*Header, error) {
	if i < 0 || i >= len(f.hdus) {
		return nil, fmt.Errorf("hdu %d of %d: %w", i, len(f.hdus), ErrNoExtension)
	}
	return f.hdus[i].header.Clone(), nil
}

// Index returns the position of the extension called name.
func (f *File) Index(name string) (int, error) {
	name = strings.ToUpper(name)
	for i, h := range f.hdus {
		if strings.ToUpper(strings.TrimSpace(h.header.String("EXTNAME"))) == name {
			return i, nil
		}
	}
	if name == "PRIMARY" && len(f.hdus) > 0 {
		return 0, nil
	}
	return -1, fmt.Errorf("%s in %s: %w", name, f.path, ErrNoExtension)
}

// Has reports whether an extension called name exists.
func (f *File) Has(name string) bool {
	_, err := f.Index(name)
	return err == nil
}

// Read loads HDU i including its data.
func (f *File) Read(i int) (*HDU, error) {
	if f.f == nil {
		return nil, errors.New("file is closed")
	}
	if i < 0 || i >= len(f.hdus) {
		return nil, fmt.Errorf("hdu %d of %d: %w", i, len(f.hdus), ErrNoExtension)
	}
	idx := f.hdus[i]
	hdu := &HDU{Header: idx.header.Clone(), Bitpix: idx.bitpix}
	if len(idx.axes) < 2 {
		return hdu, nil
	}
	if len(idx.axes) > 2 {
		return nil, fmt.Errorf("hdu %d has %d axes, only 2D images are supported", i, len(idx.axes))
	}
	hdu.Shape = raster.Shape{Rows: idx.axes[1], Cols: idx.axes[0]}
	r := bufio.NewReaderSize(io.NewSectionReader(f.f, idx.offset, idx.size), 1<<16)
	data, err := readData(r, idx.bitpix, hdu.Shape.Size())
	if err != nil {
		return nil, fmt.Errorf("hdu %d: %w", i, err)
	}
	bzero, _ := idx.header.Float("BZERO")
	bscale, ok := idx.header.Float("BSCALE")
	if !ok {
		bscale = 1
	}
	if bzero != 0 || bscale != 1 {
		for j := range data {
			data[j] = data[j]*bscale + bzero
		}
	}
	hdu.Data = data
	return hdu, nil
}

// ReadNamed loads the extension called name.
func (f *File) ReadNamed(name string) (*HDU, error) {
	i, err := f.Index(name)
	if err != nil {
		return nil, err
	}
	return f.Read(i)
}

func readHeader(r io.Reader) (*Header, int, []int, int64, error) {
	hdr := NewHeader()
	block := make([]byte, blockSize)
	var read int64
	for {
		if _, err := io.ReadFull(r, block); err != nil {
			if read == 0 && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return nil, 0, nil, 0, io.EOF
			}
			return nil, 0, nil, 0, fmt.Errorf("reading header block: %w", err)
		}
		read += blockSize
		for i := 0; i < blockSize/cardSize; i++ {
			record := string(block[i*cardSize : (i+1)*cardSize])
			if strings.TrimSpace(record[:8]) == "END" {
				bitpix, _ := hdr.Int("BITPIX")
				naxis, _ := hdr.Int("NAXIS")
				axes := make([]int, naxis)
				for a := range axes {
					axes[a], _ = hdr.Int(fmt.Sprintf("NAXIS%d", a+1))
				}
				return hdr, bitpix, axes, read, nil
			}
			if read == blockSize && i == 0 {
				key := strings.TrimSpace(record[:8])
				if key != "SIMPLE" && key != "XTENSION" {
					return nil, 0, nil, 0, fmt.Errorf("not a FITS header, first keyword %q", key)
				}
			}
			c := parseCard(record)
			if c.Key == "" && c.Value == "" {
				continue
			}
			hdr.cards = append(hdr.cards, c)
		}
	}
}

func dataSize(hdr *Header, bitpix int, axes []int) int64 {
	if len(axes) == 0 {
		return 0
	}
	n := int64(1)
	for _, a := range axes {
		n *= int64(a)
	}
	pcount, _ := hdr.Int("PCOUNT")
	gcount, ok := hdr.Int("GCOUNT")
	if !ok {
		gcount = 1
	}
	return int64(abs(bitpix)/8) * int64(gcount) * (int64(pcount) + n)
}

func padded(n int64) int64 {
	if rem := n % blockSize; rem != 0 {
		return n + blockSize - rem
	}
	return n
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func readData(r io.Reader, bitpix, n int) ([]float64, error) {
	width := abs(bitpix) / 8
	raw := make([]byte, n*width)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("reading %d-bit pixel data: %w", bitpix, err)
	}
	out := make([]float64, n)
	switch bitpix {
	case 8:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case 16:
		for i := range out {
			out[i] = float64(int16(binary.BigEndian.Uint16(raw[i*2:])))
		}
	case 32:
		for i := range out {
			out[i] = float64(int32(binary.BigEndian.Uint32(raw[i*4:])))
		}
	case -32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:])))
		}
	case -64:
		for i := range out {
			out[i] = math.Float64frombits(binary.BigEndian.Uint64(raw[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}
	return out, nil
}

// Write encodes hdus to w. The first HDU becomes the primary.
func Write(w io.Writer, hdus []*HDU) error {
	if len(hdus) == 0 {
		return errors.New("nothing to write")
	}
	bw := bufio.NewWriterSize(w, 1<<16)
	for i, hdu := range hdus {
		if err := writeHDU(bw, hdu, i == 0); err != nil {
			return fmt.Errorf("hdu %d: %w", i, err)
		}
	}
	return bw.Flush()
}

// WriteFile writes hdus to path through a temporary file in the same
// directory, so a failed write never leaves a partial product behind.
func WriteFile(path string, hdus []*HDU) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, hdus); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeHDU(w io.Writer, hdu *HDU, primary bool) error {
	bitpix := hdu.Bitpix
	if hdu.Data == nil {
		bitpix = 8
	}
	if bitpix == 0 {
		bitpix = -32
	}

	var cards []Card
	if primary {
		cards = append(cards, Card{Key: "SIMPLE", Value: true, Comment: "conforms to FITS standard"})
	} else {
		cards = append(cards, Card{Key: "XTENSION", Value: "IMAGE", Comment: "Image extension"})
	}
	cards = append(cards, Card{Key: "BITPIX", Value: int64(bitpix), Comment: "array data type"})
	if hdu.Data == nil {
		cards = append(cards, Card{Key: "NAXIS", Value: int64(0), Comment: "number of array dimensions"})
	} else {
		cards = append(cards,
			Card{Key: "NAXIS", Value: int64(2), Comment: "number of array dimensions"},
			Card{Key: "NAXIS1", Value: int64(hdu.Shape.Cols)},
			Card{Key: "NAXIS2", Value: int64(hdu.Shape.Rows)},
		)
	}
	if primary {
		cards = append(cards, Card{Key: "EXTEND", Value: true})
	} else {
		cards = append(cards, Card{Key: "PCOUNT", Value: int64(0)}, Card{Key: "GCOUNT", Value: int64(1)})
	}
	if hdu.Header != nil {
		for _, c := range hdu.Header.cards {
			if _, skip := structural[c.Key]; skip {
				continue
			}
			if primary && c.Key == "EXTNAME" {
				continue
			}
			cards = append(cards, c)
		}
	}

	var sb strings.Builder
	for _, c := range cards {
		for _, line := range formatCard(c) {
			sb.WriteString(line)
		}
	}
	sb.WriteString(pad("END"))
	for sb.Len()%blockSize != 0 {
		sb.WriteByte(' ')
	}
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}
	if hdu.Data == nil {
		return nil
	}
	if len(hdu.Data) != hdu.Shape.Size() {
		return fmt.Errorf("data length %d does not match shape %v", len(hdu.Data), hdu.Shape)
	}

	width := abs(bitpix) / 8
	buf := make([]byte, width)
	for _, v := range hdu.Data {
		switch bitpix {
		case 8:
			buf[0] = byte(v)
		case 16:
			binary.BigEndian.PutUint16(buf, uint16(int16(v)))
		case 32:
			binary.BigEndian.PutUint32(buf, uint32(int32(v)))
		case -32:
			binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v)))
		case -64:
			binary.BigEndian.PutUint64(buf, math.Float64bits(v))
		default:
			return fmt.Errorf("unsupported BITPIX: %d", bitpix)
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	size := int64(len(hdu.Data) * width)
	if rem := padded(size) - size; rem > 0 {
		if _, err := w.Write(make([]byte, rem)); err != nil {
			return err
		}
	}
	return nil
}
