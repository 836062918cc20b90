// Package checkpoint locates the tensors of an on-disk safetensors
// checkpoint without reading any tensor data.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

const (
	// IndexFile is the standard Hugging Face sharded safetensors index filename.
	IndexFile = "model.safetensors.index.json"
	// SingleFile is the conventional name of a consolidated checkpoint.
	SingleFile = "model.safetensors"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported checkpoint format")
	ErrMalformedIndex    = errors.New("malformed checkpoint index")
)

// Format identifies how a checkpoint is laid out on disk.
type Format int

const (
	FormatSharded Format = iota + 1
	FormatSingleFile
)

func (f Format) String() string {
	switch f {
	case FormatSharded:
		return "sharded"
	case FormatSingleFile:
		return "single-file"
	default:
		return "unknown"
	}
}

// Index maps tensor keys to the checkpoint file holding them.
//
// For single-file checkpoints WeightMap is empty and every key resolves to
// File; the key universe then lives in that file's header.
type Index struct {
	Format    Format
	Dir       string
	WeightMap map[string]string
	File      string
}

type indexFile struct {
	Metadata  map[string]any    `json:"metadata,omitempty"`
	WeightMap map[string]string `json:"weight_map"`
}

// Open loads the checkpoint at modelPath, which is either a directory or a
// single .safetensors file. It returns the filesystem the index paths are
// relative to.
func Open(modelPath string) (fs.FS, *Index, error) {
	if modelPath == "" {
		return nil, nil, fmt.Errorf("%w: empty path", ErrUnsupportedFormat)
	}
	st, err := os.Stat(modelPath)
	if err != nil {
		return nil, nil, err
	}
	if !st.IsDir() {
		if !strings.HasSuffix(strings.ToLower(modelPath), ".safetensors") {
			return nil, nil, fmt.Errorf("%w: expected a directory or .safetensors file: %s", ErrUnsupportedFormat, modelPath)
		}
		fsys := os.DirFS(filepath.Dir(modelPath))
		return fsys, &Index{Format: FormatSingleFile, Dir: ".", File: filepath.Base(modelPath)}, nil
	}
	fsys := os.DirFS(modelPath)
	idx, err := Load(fsys, ".")
	if err != nil {
		return nil, nil, err
	}
	return fsys, idx, nil
}

// Load detects the checkpoint format of dir within fsys.
//
// A sharded index wins over a consolidated file when both are present. A
// directory with several *.safetensors files and no index is refused rather
// than guessed at.
func Load(fsys fs.FS, dir string) (*Index, error) {
	b, err := fs.ReadFile(fsys, path.Join(dir, IndexFile))
	switch {
	case err == nil:
		return parseIndex(dir, b)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", IndexFile, err)
	}

	if _, err := fs.Stat(fsys, path.Join(dir, SingleFile)); err == nil {
		return &Index{Format: FormatSingleFile, Dir: dir, File: SingleFile}, nil
	}

	ents, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	var matches []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			matches = append(matches, e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: no %s and no .safetensors file in %s", ErrUnsupportedFormat, IndexFile, dir)
	case 1:
		return &Index{Format: FormatSingleFile, Dir: dir, File: matches[0]}, nil
	default:
		return nil, fmt.Errorf("%w: found %d .safetensors files but no %s in %s", ErrUnsupportedFormat, len(matches), IndexFile, dir)
	}
}

func parseIndex(dir string, b []byte) (*Index, error) {
	var idx indexFile
	if err := json.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("%w: empty weight_map", ErrMalformedIndex)
	}
	for key, file := range idx.WeightMap {
		if file == "" || !fs.ValidPath(file) {
			return nil, fmt.Errorf("%w: tensor %q maps to invalid file %q", ErrMalformedIndex, key, file)
		}
	}
	return &Index{Format: FormatSharded, Dir: dir, WeightMap: idx.WeightMap}, nil
}

// Resolve returns the file that holds key. Single-file checkpoints resolve
// every key; whether the tensor really exists is up to the file header.
func (x *Index) Resolve(key string) (string, bool) {
	if x.Format == FormatSingleFile {
		return x.File, true
	}
	f, ok := x.WeightMap[key]
	return f, ok
}

// Keys returns every key named in the index, sorted. It is empty for
// single-file checkpoints.
func (x *Index) Keys() []string {
	out := make([]string, 0, len(x.WeightMap))
	for k := range x.WeightMap {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Files returns the distinct checkpoint files, sorted.
func (x *Index) Files() []string {
	if x.Format == FormatSingleFile {
		return []string{x.File}
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, f := range x.WeightMap {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Path returns the fs path of a checkpoint file named by the index.
func (x *Index) Path(file string) string {
	return path.Join(x.Dir, file)
}
