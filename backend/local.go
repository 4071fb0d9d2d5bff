package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ncw/directio"
)

// Local stores repository files on the local filesystem under
// <root>/<kind>/<shard>/<key>, where shard is the first two hex digits
// of the key. Writes go to a temp file and are renamed into place, so a
// key either holds complete content or does not exist.
type Local struct {
	root        string
	useDirectIO bool
	fsync       bool
}

// LocalOption configures a Local backend.
type LocalOption interface {
	apply(*Local)
}

type localOpt func(*Local)

func (f localOpt) apply(l *Local) {
	f(l)
}

// WithDirectIO bypasses the page cache on writes. Data is written in
// block-aligned chunks and the file truncated back to its exact length
// before the rename.
func WithDirectIO() LocalOption {
	return localOpt(func(l *Local) {
		l.useDirectIO = true
	})
}

// WithFsync syncs file contents before rename and the directory after.
func WithFsync() LocalOption {
	return localOpt(func(l *Local) {
		l.fsync = true
	})
}

// NewLocal creates the directory layout under root and returns the
// backend.
func NewLocal(root string, opts ...LocalOption) (*Local, error) {
	l := &Local{root: root}
	for _, opt := range opts {
		opt.apply(l)
	}
	for _, kind := range []Kind{KindPack, KindIndex} {
		for i := 0; i < 256; i++ {
			dir := filepath.Join(root, string(kind), fmt.Sprintf("%02x", i))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating %s: %w", dir, err)
			}
		}
	}
	return l, nil
}

func (l *Local) path(kind Kind, key string) string {
	return filepath.Join(l.root, string(kind), key[:2], key)
}

func (l *Local) Write(kind Kind, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	final := l.path(kind, key)
	tmp := final + ".tmp"

	if err := l.writeFile(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", final, err)
	}
	if l.fsync {
		if dir, err := os.Open(filepath.Dir(final)); err == nil {
			_ = dir.Sync()
			_ = dir.Close()
		}
	}
	return nil
}

func (l *Local) writeFile(path string, data []byte) error {
	if l.useDirectIO {
		return l.writeFileDirect(path, data)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if l.fsync {
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return fmt.Errorf("syncing %s: %w", path, err)
		}
	}
	return f.Close()
}

// writeFileDirect writes data with O_DIRECT. The payload is copied into
// an aligned buffer padded to the block size, then the file is
// truncated back to the true length.
func (l *Local) writeFileDirect(path string, data []byte) error {
	f, err := directio.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}

	const mask = directio.BlockSize - 1
	paddedSize := (len(data) + mask) &^ mask
	buf := directio.AlignedBlock(paddedSize)
	copy(buf, data)

	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Truncate(path, int64(len(data))); err != nil {
		return fmt.Errorf("truncating %s: %w", path, err)
	}
	return nil
}

func (l *Local) ReadFull(kind Kind, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.path(kind, key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", kind, key, err)
	}
	return data, nil
}

func (l *Local) ReadPartial(kind Kind, key string, offset, length uint32) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path(kind, key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s/%s: %w", kind, key, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("reading %s/%s at %d+%d: %w", kind, key, offset, length, err)
	}
	return buf, nil
}

func (l *Local) List(kind Kind) ([]string, error) {
	var keys []string
	base := filepath.Join(l.root, string(kind))
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) != ".tmp" {
			keys = append(keys, d.Name())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}
	return keys, nil
}
