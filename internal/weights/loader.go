// Package weights streams the tensors one shard needs out of a checkpoint
// into a read-only parameter store.
package weights

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/samcharles93/pipeshard/internal/checkpoint"
	"github.com/samcharles93/pipeshard/internal/logger"
	"github.com/samcharles93/pipeshard/internal/partition"
	"github.com/samcharles93/pipeshard/internal/safetensors"
)

// ErrFileUnreadable wraps any failure to open or parse a checkpoint file the
// read plan needs.
var ErrFileUnreadable = errors.New("checkpoint file unreadable")

// Loader performs selective loads from one checkpoint.
type Loader struct {
	FS       fs.FS
	Topology partition.Topology
	Log      logger.Logger
	// DropPageCache advises the kernel to evict each tensor's pages once it
	// has been copied, keeping a many-hundred-GB load from filling the cache.
	DropPageCache bool
}

// Stats summarises one load.
type Stats struct {
	Files   int
	Tensors int
	Bytes   int64
	Elapsed time.Duration
}

// Load reads exactly the tensors assignment a needs. Each planned file is
// opened once and only requested tensor ranges are read from it.
//
// A non-nil warning means some requested tensors or declared components were
// not found; the returned store is still usable.
func (l *Loader) Load(ctx context.Context, a partition.Assignment, idx *checkpoint.Index) (*Store, *PartialLoadWarning, error) {
	store, warn, _, err := l.load(ctx, a, idx)
	return store, warn, err
}

// LoadWithStats is Load plus a summary of the work done.
func (l *Loader) LoadWithStats(ctx context.Context, a partition.Assignment, idx *checkpoint.Index) (*Store, *PartialLoadWarning, Stats, error) {
	return l.load(ctx, a, idx)
}

func (l *Loader) load(ctx context.Context, a partition.Assignment, idx *checkpoint.Index) (*Store, *PartialLoadWarning, Stats, error) {
	log := l.Log
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("shard", a.Index)
	start := time.Now()

	store := newStore()
	warn := &PartialLoadWarning{}
	var stats Stats
	var headPresent bool

	switch idx.Format {
	case checkpoint.FormatSingleFile:
		// The key universe is the file's own header, read through the same
		// open that extracts the tensors.
		if err := ctx.Err(); err != nil {
			return nil, nil, stats, err
		}
		f, err := l.open(idx.Path(idx.File))
		if err != nil {
			return nil, nil, stats, err
		}
		names := f.Names()
		headPresent = l.Topology.HeadPresent(names)
		req := l.Topology.RequestSet(a, names)
		log.Debug("read plan", "files", 1, "tensors", len(req))
		err = l.extract(log, f, idx.File, req, store, warn)
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("%w: close %s: %w", ErrFileUnreadable, idx.File, cerr)
		}
		if err != nil {
			return nil, nil, stats, err
		}
		stats.Files = 1

	case checkpoint.FormatSharded:
		keys := idx.Keys()
		headPresent = l.Topology.HeadPresent(keys)
		plan, _ := PlanFiles(idx, l.Topology.RequestSet(a, keys))
		log.Debug("read plan", "files", len(plan.Files), "tensors", plan.Len())
		for _, file := range plan.Files {
			if err := ctx.Err(); err != nil {
				return nil, nil, stats, err
			}
			f, err := l.open(idx.Path(file))
			if err != nil {
				return nil, nil, stats, err
			}
			err = l.extract(log, f, file, plan.Keys[file], store, warn)
			if cerr := f.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("%w: close %s: %w", ErrFileUnreadable, file, cerr)
			}
			if err != nil {
				return nil, nil, stats, err
			}
			stats.Files++
		}

	default:
		return nil, nil, stats, fmt.Errorf("%w: %v", checkpoint.ErrUnsupportedFormat, idx.Format)
	}

	names := store.Names()
	for _, c := range l.Topology.Components(a, headPresent) {
		if !anyHasPrefix(names, c.Prefix) {
			warn.MissingComponents = append(warn.MissingComponents, c.Name)
		}
	}

	stats.Tensors = store.Len()
	stats.Bytes = store.Bytes()
	stats.Elapsed = time.Since(start)
	log.Info("shard weights loaded",
		"assignment", a.String(),
		"files", stats.Files,
		"tensors", stats.Tensors,
		"bytes", stats.Bytes,
		"elapsed", stats.Elapsed,
	)

	if warn.empty() {
		return store, nil, stats, nil
	}
	log.Warn("partial load",
		"missing_keys", len(warn.MissingKeys),
		"missing_components", strings.Join(warn.MissingComponents, ","),
	)
	for _, mk := range warn.MissingKeys {
		log.Debug("tensor missing from file", "key", mk.Key, "file", mk.File)
	}
	return store, warn, stats, nil
}

func (l *Loader) open(name string) (*safetensors.File, error) {
	f, err := safetensors.OpenFS(l.FS, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFileUnreadable, name, err)
	}
	return f, nil
}

func (l *Loader) extract(log logger.Logger, f *safetensors.File, file string, keys []string, store *Store, warn *PartialLoadWarning) error {
	for _, k := range keys {
		if _, ok := f.Tensor(k); !ok {
			warn.MissingKeys = append(warn.MissingKeys, MissingKey{Key: k, File: file})
			continue
		}
		raw, info, err := f.ReadTensor(k)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrFileUnreadable, file, err)
		}
		if err := store.put(Tensor{Name: k, DType: info.DType, Shape: info.Shape, Data: raw}); err != nil {
			return err
		}
		if l.DropPageCache {
			if err := dropPageCache(f, info.Start, info.Size()); err != nil {
				log.Debug("fadvise failed", "file", file, "error", err)
			}
		}
	}
	return nil
}

func anyHasPrefix(sorted []string, prefix string) bool {
	for _, n := range sorted {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}
