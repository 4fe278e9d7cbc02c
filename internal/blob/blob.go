package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ErrNotExist is returned by Get/Delete/Size for unknown keys.
var ErrNotExist = errors.New("blob does not exist")

// Store is a key-addressed blob store. Keys use forward slashes
// regardless of platform.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context, key string) (int64, error)
}

// FS stores blobs on an afero filesystem. Production uses an OsFs
// rooted at the data directory; tests use an in-memory filesystem.
type FS struct {
	fs afero.Fs
}

// NewFS returns a store rooted at dir on the real filesystem.
func NewFS(dir string) *FS {
	return &FS{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// NewMem returns an in-memory store.
func NewMem() *FS {
	return &FS{fs: afero.NewMemMapFs()}
}

// rooted maps a key to a single absolute path form. MemMapFs keeps
// relative and absolute paths in separate namespaces, so every method
// must address the filesystem the same way List walks it.
func rooted(key string) string {
	return path.Join("/", key)
}

func (f *FS) Put(ctx context.Context, key string, data []byte) error {
	p := rooted(key)
	if dir := path.Dir(p); dir != "/" {
		if err := f.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(f.fs, p, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	return nil
}

func (f *FS) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(f.fs, rooted(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (f *FS) Delete(ctx context.Context, key string) error {
	err := f.fs.Remove(rooted(key))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrNotExist)
	}
	return err
}

func (f *FS) Exists(ctx context.Context, key string) (bool, error) {
	return afero.Exists(f.fs, rooted(key))
}

// List returns every stored key under prefix, in walk order.
func (f *FS) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := afero.Walk(f.fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		key := strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return keys, nil
}

func (f *FS) Size(ctx context.Context, key string) (int64, error) {
	info, err := f.fs.Stat(rooted(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", key, ErrNotExist)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
