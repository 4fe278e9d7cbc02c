package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"faceforge/internal/fsutil"
	"faceforge/internal/registry"
	"faceforge/internal/storage"
	"faceforge/internal/tasks"
)

const (
	sourcesDir   = "sources"
	templatesDir = "templates"
)

// Watcher ingests images dropped into a watch directory. Files under
// sources/ become temporary source photo resources; files under
// templates/ become templates with preprocessing submitted right away.
// Ingested files are removed from the drop directory.
type Watcher struct {
	store    *storage.Store
	registry *registry.Registry
	pre      *tasks.Preprocessor
	log      *slog.Logger
	watchDir string
	groupTag string
}

func New(store *storage.Store, reg *registry.Registry, pre *tasks.Preprocessor, watchDir, groupTag string, logger *slog.Logger) *Watcher {
	return &Watcher{store: store, registry: reg, pre: pre, log: logger, watchDir: watchDir, groupTag: groupTag}
}

// Run creates the drop directories, ingests anything already present
// and then watches for new files until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	srcDir := filepath.Join(w.watchDir, sourcesDir)
	tplDir := filepath.Join(w.watchDir, templatesDir)
	for _, dir := range []string{srcDir, tplDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	// Catch up on files dropped while we were not watching.
	w.ingestExisting(ctx, srcDir)
	w.ingestExisting(ctx, tplDir)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(srcDir); err != nil {
		return err
	}
	if err := fw.Add(tplDir); err != nil {
		return err
	}

	w.log.Info("ingest watcher started", "dir", w.watchDir)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("ingest watcher stopped")
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// Editors and copies finish with a close-write or rename;
			// Create alone may fire on a half-written file, so both are
			// handled and ingestFile tolerates decode failures.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fsutil.IsImage(event.Name) {
				continue
			}
			w.ingestFile(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Error("ingest watch error", "error", err)
		}
	}
}

func (w *Watcher) ingestExisting(ctx context.Context, dir string) {
	images, err := fsutil.ListImages(dir)
	if err != nil {
		w.log.Error("could not list drop directory", "dir", dir, "error", err)
		return
	}
	for _, path := range images {
		w.ingestFile(ctx, path)
	}
}

func (w *Watcher) ingestFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("could not read dropped file", "path", path, "error", err)
		return
	}

	var kind string
	switch filepath.Base(filepath.Dir(path)) {
	case sourcesDir:
		rec, err := w.registry.Register(ctx, data, storage.RoleSourcePhoto, storage.LifetimeTemporary, w.groupTag)
		if err != nil {
			w.log.Warn("could not ingest source photo", "path", path, "error", err)
			return
		}
		kind = "source"
		w.log.Info("source photo ingested", "path", path, "resource", rec.ID)
	case templatesDir:
		rec, err := w.registry.Register(ctx, data, storage.RoleTemplateOriginal, storage.LifetimePermanent, w.groupTag)
		if err != nil {
			w.log.Warn("could not ingest template", "path", path, "error", err)
			return
		}
		tpl, err := w.store.CreateTemplate(templateName(path), rec.ID)
		if err != nil {
			w.log.Error("could not create template record", "path", path, "error", err)
			return
		}
		if _, err := w.pre.Submit(tpl.ID); err != nil {
			w.log.Warn("could not submit preprocessing", "template", tpl.ID, "error", err)
		}
		kind = "template"
		w.log.Info("template ingested", "path", path, "template", tpl.ID)
	default:
		return
	}

	if err := os.Remove(path); err != nil {
		w.log.Warn("could not remove ingested file", "kind", kind, "path", path, "error", err)
	}
}

func templateName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
