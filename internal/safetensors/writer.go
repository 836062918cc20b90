package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/goccy/go-json"
)

// Entry is one tensor to be written.
type Entry struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// Write serialises entries as a safetensors file. Tensors are laid out in
// name order.
func Write(w io.Writer, entries []Entry, metadata map[string]string) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, e := range sorted {
		if _, dup := header[e.Name]; dup {
			return fmt.Errorf("safetensors: duplicate tensor %q", e.Name)
		}
		if want, err := ExpectedSize(e.DType, e.Shape); err == nil && want != int64(len(e.Data)) {
			return fmt.Errorf("safetensors: tensor %q: %s%v needs %d bytes, got %d", e.Name, e.DType, e.Shape, want, len(e.Data))
		}
		shape := e.Shape
		if shape == nil {
			shape = []int{}
		}
		header[e.Name] = tensorHeader{
			DType:       e.DType,
			Shape:       shape,
			DataOffsets: []int64{off, off + int64(len(e.Data))},
		}
		off += int64(len(e.Data))
	}

	hb, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// Pad the header with spaces to an 8-byte boundary.
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, e := range sorted {
		if _, err := w.Write(e.Data); err != nil {
			return err
		}
	}
	return nil
}
