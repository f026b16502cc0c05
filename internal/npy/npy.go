package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Supported array descriptors.
const (
	Uint8   = "|u1"
	Int32   = "<i4"
	Int64   = "<i8"
	Float32 = "<f4"
)

// ErrUnsupportedDescr indicates an element type the package cannot convert.
var ErrUnsupportedDescr = errors.New("npy: unsupported descr")

var magic = []byte("\x93NUMPY")

const headerAlign = 64

// Array is a dense n-dimensional array in the numpy on-disk layout.
type Array struct {
	Descr        string
	Shape        []int
	FortranOrder bool
	Data         []byte
}

// NewUint8 wraps data as a C-ordered uint8 array.
func NewUint8(shape []int, data []uint8) (*Array, error) {
	a := &Array{Descr: Uint8, Shape: append([]int(nil), shape...), Data: append([]byte(nil), data...)}
	return a, a.check()
}

// NewInt64 encodes data as a C-ordered little-endian int64 array.
func NewInt64(shape []int, data []int64) (*Array, error) {
	buf := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[8*i:], uint64(v))
	}
	a := &Array{Descr: Int64, Shape: append([]int(nil), shape...), Data: buf}
	return a, a.check()
}

// NewFloat32 encodes data as a C-ordered little-endian float32 array.
func NewFloat32(shape []int, data []float32) (*Array, error) {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	a := &Array{Descr: Float32, Shape: append([]int(nil), shape...), Data: buf}
	return a, a.check()
}

// Len returns the number of elements implied by the shape.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Uint8 returns the payload of a uint8 array.
func (a *Array) Uint8() ([]uint8, error) {
	if a.Descr != Uint8 && a.Descr != "<u1" && a.Descr != "u1" {
		return nil, fmt.Errorf("%w: %s is not uint8", ErrUnsupportedDescr, a.Descr)
	}
	return a.Data, nil
}

// Ints converts any little-endian integer payload to int64.
func (a *Array) Ints() ([]int64, error) {
	size, signed, err := intKind(a.Descr)
	if err != nil {
		return nil, err
	}
	n := a.Len()
	if len(a.Data) < n*size {
		return nil, fmt.Errorf("npy: payload has %d bytes, need %d", len(a.Data), n*size)
	}
	out := make([]int64, n)
	for i := range out {
		b := a.Data[i*size : (i+1)*size]
		switch size {
		case 1:
			if signed {
				out[i] = int64(int8(b[0]))
			} else {
				out[i] = int64(b[0])
			}
		case 2:
			v := binary.LittleEndian.Uint16(b)
			if signed {
				out[i] = int64(int16(v))
			} else {
				out[i] = int64(v)
			}
		case 4:
			v := binary.LittleEndian.Uint32(b)
			if signed {
				out[i] = int64(int32(v))
			} else {
				out[i] = int64(v)
			}
		case 8:
			out[i] = int64(binary.LittleEndian.Uint64(b))
		}
	}
	return out, nil
}

// Float32s returns the payload of a float32 array.
func (a *Array) Float32s() ([]float32, error) {
	if a.Descr != Float32 {
		return nil, fmt.Errorf("%w: %s is not float32", ErrUnsupportedDescr, a.Descr)
	}
	out := make([]float32, len(a.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[4*i:]))
	}
	return out, nil
}

func intKind(descr string) (size int, signed bool, err error) {
	switch descr {
	case "|u1", "<u1", "u1":
		return 1, false, nil
	case "|i1", "<i1", "i1":
		return 1, true, nil
	case "<u2":
		return 2, false, nil
	case "<i2":
		return 2, true, nil
	case "<u4":
		return 4, false, nil
	case "<i4":
		return 4, true, nil
	case "<u8", "<i8":
		return 8, descr == "<i8", nil
	}
	return 0, false, fmt.Errorf("%w: %s is not an integer type", ErrUnsupportedDescr, descr)
}

func itemSize(descr string) (int, error) {
	if descr == Float32 {
		return 4, nil
	}
	size, _, err := intKind(descr)
	return size, err
}

func (a *Array) check() error {
	size, err := itemSize(a.Descr)
	if err != nil {
		return err
	}
	for _, d := range a.Shape {
		if d < 0 {
			return fmt.Errorf("npy: negative dimension in shape %v", a.Shape)
		}
	}
	if want := a.Len() * size; len(a.Data) != want {
		return fmt.Errorf("npy: shape %v needs %d bytes, have %d", a.Shape, want, len(a.Data))
	}
	return nil
}

// Header renders the python dict literal numpy stores ahead of the payload.
func (a *Array) Header() string {
	fortran := "False"
	if a.FortranOrder {
		fortran = "True"
	}
	dims := make([]string, len(a.Shape))
	for i, d := range a.Shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := "(" + strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	shape += ")"
	return fmt.Sprintf("{'descr': '%s', 'fortran_order': %s, 'shape': %s, }", a.Descr, fortran, shape)
}

// Write encodes a as a version 1.0 .npy stream.
func Write(w io.Writer, a *Array) error {
	if err := a.check(); err != nil {
		return err
	}
	header := a.Header()
	// magic + version + uint16 length + header + '\n' must be 64-byte aligned.
	preamble := len(magic) + 2 + 2
	total := preamble + len(header) + 1
	if pad := total % headerAlign; pad != 0 {
		header += strings.Repeat(" ", headerAlign-pad)
	}
	header += "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy: header too long (%d bytes)", len(header))
	}

	bw := bufio.NewWriter(w)
	bw.Write(magic)
	bw.Write([]byte{1, 0})
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(header)))
	bw.Write(lenBuf[:])
	bw.WriteString(header)
	bw.Write(a.Data)
	return bw.Flush()
}

// WriteFile writes a to path.
func WriteFile(path string, a *Array) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create npy: %w", err)
	}
	if err := Write(f, a); err != nil {
		f.Close()
		return fmt.Errorf("write npy %s: %w", path, err)
	}
	return f.Close()
}

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// Read decodes a .npy stream of any format version.
func Read(r io.Reader) (*Array, error) {
	br := bufio.NewReader(r)
	pre := make([]byte, len(magic)+2)
	if _, err := io.ReadFull(br, pre); err != nil {
		return nil, fmt.Errorf("npy: read preamble: %w", err)
	}
	if !bytes.Equal(pre[:len(magic)], magic) {
		return nil, errors.New("npy: bad magic")
	}
	var headerLen int
	switch major := pre[len(magic)]; major {
	case 1:
		var b [2]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint16(b[:]))
	case 2, 3:
		var b [4]byte
		if _, err := io.ReadFull(br, b[:]); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(binary.LittleEndian.Uint32(b[:]))
	default:
		return nil, fmt.Errorf("npy: unsupported format version %d", major)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("npy: read header: %w", err)
	}
	a, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}
	size, err := itemSize(a.Descr)
	if err != nil {
		return nil, err
	}
	want, err := payloadSize(a.Shape, size)
	if err != nil {
		return nil, err
	}
	// The buffer grows with the bytes actually present, so a header that
	// overstates the shape cannot force a large allocation.
	var payload bytes.Buffer
	if n, err := io.CopyN(&payload, br, int64(want)); err != nil {
		return nil, fmt.Errorf("npy: read payload: got %d of %d bytes: %w", n, want, err)
	}
	a.Data = payload.Bytes()
	return a, nil
}

// ReadFile decodes the .npy file at path.
func ReadFile(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open npy: %w", err)
	}
	defer f.Close()
	a, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// payloadSize returns the byte length of an array of shape with the given
// item size, failing when the product overflows an int.
func payloadSize(shape []int, elemSize int) (int, error) {
	n := elemSize
	for _, d := range shape {
		if d != 0 && n > math.MaxInt/d {
			return 0, fmt.Errorf("npy: shape %v is too large", shape)
		}
		n *= d
	}
	return n, nil
}

func parseHeader(h string) (*Array, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("npy: header missing descr: %q", h)
	}
	a := &Array{Descr: m[1]}
	if m := fortranRe.FindStringSubmatch(h); m != nil {
		a.FortranOrder = m[1] == "True"
	}
	m = shapeRe.FindStringSubmatch(h)
	if m == nil {
		return nil, fmt.Errorf("npy: header missing shape: %q", h)
	}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil {
			return nil, fmt.Errorf("npy: shape: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("npy: negative dimension %d in shape", d)
		}
		a.Shape = append(a.Shape, d)
	}
	return a, nil
}
