package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/goccy/go-json"
)

// maxHeaderSize caps the JSON header; real headers are a few MiB at most.
const maxHeaderSize = 256 << 20

var (
	ErrCorruptHeader = errors.New("safetensors: corrupt header")
	ErrNotFound      = errors.New("safetensors: tensor not found")
	ErrNoRandomRead  = errors.New("safetensors: file does not support random access")
)

// TensorInfo locates one tensor. Start and End are absolute file offsets,
// End exclusive.
type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Size returns the payload size in bytes.
func (t TensorInfo) Size() int64 { return t.End - t.Start }

// Header is the parsed prefix of a safetensors file.
type Header struct {
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// ReadHeader parses the header of a safetensors payload of the given size.
// Only the 8-byte length prefix and the JSON header are read.
func ReadHeader(r io.ReaderAt, size int64) (*Header, error) {
	if size < 8 {
		return nil, fmt.Errorf("%w: file too small (%d bytes)", ErrCorruptHeader, size)
	}
	var lenBuf [8]byte
	if _, err := r.ReadAt(lenBuf[:], 0); err != nil {
		return nil, fmt.Errorf("%w: read header length: %v", ErrCorruptHeader, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("%w: header too large (%d bytes)", ErrCorruptHeader, headerLen)
	}
	if 8+int64(headerLen) > size {
		return nil, fmt.Errorf("%w: header exceeds file size", ErrCorruptHeader)
	}

	headerBytes := make([]byte, headerLen)
	if _, err := r.ReadAt(headerBytes, 8); err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrCorruptHeader, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse header: %v", ErrCorruptHeader, err)
	}

	h := &Header{
		DataStart: 8 + int64(headerLen),
		Tensors:   make(map[string]TensorInfo, len(raw)),
	}
	if meta, ok := raw["__metadata__"]; ok {
		// Metadata values are strings by convention; ignore anything else.
		_ = json.Unmarshal(meta, &h.Metadata)
		delete(raw, "__metadata__")
	}

	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %q: %v", ErrCorruptHeader, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %q: invalid data_offsets", ErrCorruptHeader, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start {
			return nil, fmt.Errorf("%w: tensor %q: invalid offsets [%d,%d)", ErrCorruptHeader, name, start, end)
		}
		info := TensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: h.DataStart + start,
			End:   h.DataStart + end,
		}
		if info.End > size {
			return nil, fmt.Errorf("%w: tensor %q: data range past end of file", ErrCorruptHeader, name)
		}
		if want, err := ExpectedSize(info.DType, info.Shape); err == nil && want != info.Size() {
			return nil, fmt.Errorf("%w: tensor %q: %s%v needs %d bytes, header gives %d", ErrCorruptHeader, name, info.DType, info.Shape, want, info.Size())
		}
		h.Tensors[name] = info
	}
	return h, nil
}

// Names returns the tensor names in sorted order.
func (h *Header) Names() []string {
	out := make([]string, 0, len(h.Tensors))
	for name := range h.Tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// File is an open safetensors file with its parsed header.
type File struct {
	Name string
	*Header

	r      io.ReaderAt
	closer io.Closer
}

// OpenFS opens name in fsys and parses its header. The file must support
// io.ReaderAt, which both os.DirFS and fstest.MapFS files do.
func OpenFS(fsys fs.FS, name string) (*File, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	ra, ok := f.(io.ReaderAt)
	if !ok {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoRandomRead, name)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	h, err := ReadHeader(ra, st.Size())
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &File{Name: name, Header: h, r: ra, closer: f}, nil
}

// Close releases the underlying file.
func (f *File) Close() error {
	if f == nil || f.closer == nil {
		return nil
	}
	err := f.closer.Close()
	f.closer = nil
	return err
}

// Fd returns the OS file descriptor when the file is backed by one.
func (f *File) Fd() (uintptr, bool) {
	if fd, ok := f.r.(interface{ Fd() uintptr }); ok {
		return fd.Fd(), true
	}
	return 0, false
}

// Tensor returns the header entry for name.
func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Section returns a reader over exactly the bytes of one tensor.
func (f *File) Section(name string) (*io.SectionReader, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return io.NewSectionReader(f.r, t.Start, t.Size()), t, nil
}

// ReadTensor copies one tensor's bytes into a buffer of exactly its size.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	sr, t, err := f.Section(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	buf := make([]byte, t.Size())
	if _, err := io.ReadFull(sr, buf); err != nil {
		return nil, TensorInfo{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	return buf, t, nil
}
