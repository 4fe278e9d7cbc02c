package batch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/mholt/archives"

	"faceforge/internal/blob"
)

// ArchiveEntry is one file destined for a results archive.
type ArchiveEntry struct {
	Name string
	Data []byte
}

// BuildArchiveEntries loads each result's bytes from the blob store and
// names the entry after its template. Missing blobs are skipped rather
// than aborting the whole archive.
func (o *Orchestrator) BuildArchiveEntries(ctx context.Context, blobs blob.Store, items []ResultItem) ([]ArchiveEntry, error) {
	var entries []ArchiveEntry
	for _, it := range items {
		data, err := blobs.Get(ctx, it.Resource.StorageKey)
		if err != nil {
			o.log.Warn("result blob unreadable, skipping archive entry", "task", it.TaskID, "key", it.Resource.StorageKey, "error", err)
			continue
		}
		ext := path.Ext(it.Resource.StorageKey)
		if ext == "" {
			ext = ".png"
		}
		name := fmt.Sprintf("%s_%s%s", sanitizeName(it.TemplateName), it.TaskID, ext)
		entries = append(entries, ArchiveEntry{Name: name, Data: data})
	}
	return entries, nil
}

// WriteArchive streams the entries into w as a ZIP archive.
func WriteArchive(ctx context.Context, w io.Writer, entries []ArchiveEntry, now time.Time) error {
	files := make([]archives.FileInfo, 0, len(entries))
	for _, e := range entries {
		files = append(files, archives.FileInfo{
			FileInfo:      memFileInfo{name: e.Name, size: int64(len(e.Data)), mod: now},
			NameInArchive: e.Name,
			Open: func() (fs.File, error) {
				return &memFile{
					info:   memFileInfo{name: e.Name, size: int64(len(e.Data)), mod: now},
					Reader: bytes.NewReader(e.Data),
				}, nil
			},
		})
	}
	return archives.Zip{}.Archive(ctx, w, files)
}

// sanitizeName keeps archive entry names portable: alphanumerics,
// spaces, dashes and underscores survive, everything else becomes an
// underscore.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		out = "result"
	}
	return out
}

type memFile struct {
	info memFileInfo
	*bytes.Reader
}

func (f *memFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *memFile) Close() error               { return nil }

type memFileInfo struct {
	name string
	size int64
	mod  time.Time
}

func (i memFileInfo) Name() string       { return i.name }
func (i memFileInfo) Size() int64        { return i.size }
func (i memFileInfo) Mode() fs.FileMode  { return 0o644 }
func (i memFileInfo) ModTime() time.Time { return i.mod }
func (i memFileInfo) IsDir() bool        { return false }
func (i memFileInfo) Sys() any           { return nil }
