package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIsImage(t *testing.T) {
	yes := []string{"a.png", "b.JPG", "c.jpeg", "d.webp", "/x/y/z.TIFF"}
	for _, p := range yes {
		if !IsImage(p) {
			t.Errorf("IsImage(%q) = false", p)
		}
	}
	no := []string{"a.txt", "b", "c.png.bak", "d.mp4"}
	for _, p := range no {
		if IsImage(p) {
			t.Errorf("IsImage(%q) = true", p)
		}
	}
}

func TestListImages(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	// Subdirectories are not descended into.
	if err := os.MkdirAll(filepath.Join(dir, "nested"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "nested", "c.png"), []byte("x"), 0644); err != nil {
		t.Fatalf("write nested: %v", err)
	}

	images, err := ListImages(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.png")}
	if len(images) != len(want) {
		t.Fatalf("images = %v", images)
	}
	for i := range want {
		if images[i] != want[i] {
			t.Fatalf("images[%d] = %q, want %q", i, images[i], want[i])
		}
	}
}
