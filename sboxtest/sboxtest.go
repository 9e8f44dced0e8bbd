package sboxtest

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/nuln/sboxd"
)

// StorageTestSuite runs a comprehensive set of tests against a StorageEngine
// implementation. Call this in your driver tests to verify correctness:
//
//	func TestLocalStorage(t *testing.T) {
//	    engine := setupEngine(t)
//	    sboxtest.StorageTestSuite(t, engine)
//	}
func StorageTestSuite(t *testing.T, engine sboxd.StorageEngine) { //nolint:gocyclo
	t.Helper()
	ctx := context.Background()

	t.Run("Create_Open_Stat_Remove", func(t *testing.T) {
		path := "test/hello.txt"
		content := "hello world"

		// Create
		w, err := engine.Create(ctx, path)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, writeErr := io.WriteString(w, content); writeErr != nil {
			t.Fatalf("Write: %v", writeErr)
		}
		if closeErr := w.Close(); closeErr != nil {
			t.Fatalf("Close writer: %v", closeErr)
		}

		// Stat
		info, err := engine.Stat(ctx, path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if info.Name != "hello.txt" {
			t.Errorf("Name = %q, want %q", info.Name, "hello.txt")
		}
		if info.Size != int64(len(content)) {
			t.Errorf("Size = %d, want %d", info.Size, len(content))
		}
		if info.IsDir {
			t.Error("IsDir = true, want false")
		}

		// Open + Read
		r, err := engine.Open(ctx, path)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		_ = r.Close()
		if string(data) != content {
			t.Errorf("content = %q, want %q", string(data), content)
		}

		// Seek
		r2, err := engine.Open(ctx, path)
		if err != nil {
			t.Fatalf("Open for seek: %v", err)
		}
		if _, seekErr := r2.Seek(6, io.SeekStart); seekErr != nil {
			t.Fatalf("Seek: %v", seekErr)
		}
		partial, _ := io.ReadAll(r2)
		_ = r2.Close()
		if string(partial) != "world" {
			t.Errorf("after seek = %q, want %q", string(partial), "world")
		}

		// Remove
		if removeErr := engine.Remove(ctx, path); removeErr != nil {
			t.Fatalf("Remove: %v", removeErr)
		}
		_, err = engine.Stat(ctx, path)
		if err == nil {
			t.Error("Stat after Remove: expected error, got nil")
		}
	})

	t.Run("MkdirAll_ReadDir", func(t *testing.T) {
		dir := "test/dirops"
		if err := engine.MkdirAll(ctx, dir); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}

		// Create files
		for _, name := range []string{"a.txt", "b.txt"} {
			w, err := engine.Create(ctx, dir+"/"+name)
			if err != nil {
				t.Fatalf("Create %s: %v", name, err)
			}
			_, _ = io.WriteString(w, name)
			_ = w.Close()
		}

		// ReadDir
		entries, err := engine.ReadDir(ctx, dir)
		if err != nil {
			t.Fatalf("ReadDir: %v", err)
		}
		if len(entries) != 2 {
			t.Errorf("ReadDir: got %d entries, want 2", len(entries))
		}

		// Cleanup
		_ = engine.Remove(ctx, "test")
	})

	t.Run("Rename", func(t *testing.T) {
		src := "rename_src.txt"
		dst := "rename_dst.txt"

		w, _ := engine.Create(ctx, src)
		_, _ = io.WriteString(w, "data")
		_ = w.Close()

		if err := engine.Rename(ctx, src, dst); err != nil {
			t.Fatalf("Rename: %v", err)
		}

		// src should not exist
		_, err := engine.Stat(ctx, src)
		if err == nil {
			t.Error("Stat src after Rename: expected error")
		}
		// dst should exist
		info, err := engine.Stat(ctx, dst)
		if err != nil {
			t.Fatalf("Stat dst: %v", err)
		}
		if info.Size != 4 {
			t.Errorf("dst size = %d, want 4", info.Size)
		}

		_ = engine.Remove(ctx, dst)
	})

	t.Run("Walk", func(t *testing.T) {
		// Create structure
		_ = engine.MkdirAll(ctx, "walk/sub")
		w1, _ := engine.Create(ctx, "walk/f1.txt")
		_, _ = io.WriteString(w1, "1")
		_ = w1.Close()
		w2, _ := engine.Create(ctx, "walk/sub/f2.txt")
		_, _ = io.WriteString(w2, "2")
		_ = w2.Close()

		var files []string
		err := sboxd.Walk(ctx, engine, "walk", func(entry *sboxd.EntryInfo) error {
			if !entry.IsDir {
				files = append(files, entry.Name)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("Walk: %v", err)
		}

		if len(files) != 2 {
			t.Errorf("Walk found %d files, want 2: %v", len(files), files)
		}

		_ = engine.Remove(ctx, "walk")
	})

	// Test extensions if supported
	if copier, ok := engine.(sboxd.Copier); ok {
		t.Run("Copier", func(t *testing.T) {
			src := "copy_src.txt"
			dst := "copy_dst.txt"

			w, _ := engine.Create(ctx, src)
			_, _ = io.WriteString(w, "copy me")
			_ = w.Close()

			if err := copier.Copy(ctx, src, dst); err != nil {
				if err == sboxd.ErrNotSupported {
					t.Skip("Copy not supported by this backend")
				}
				t.Fatalf("Copy: %v", err)
			}

			r, _ := engine.Open(ctx, dst)
			data, _ := io.ReadAll(r)
			_ = r.Close()
			if string(data) != "copy me" {
				t.Errorf("Copy content = %q, want %q", string(data), "copy me")
			}

			_ = engine.Remove(ctx, src)
			_ = engine.Remove(ctx, dst)
		})
	}

	t.Run("Size_Transfer", func(t *testing.T) {
		_ = engine.MkdirAll(ctx, "tree/sub")
		for p, body := range map[string]string{"tree/a.txt": "aaaa", "tree/sub/b.txt": "bb"} {
			w, err := engine.Create(ctx, p)
			if err != nil {
				t.Fatalf("Create %s: %v", p, err)
			}
			_, _ = io.WriteString(w, body)
			_ = w.Close()
		}

		size, err := sboxd.Size(ctx, engine, "tree")
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if size != 6 {
			t.Errorf("Size = %d, want 6", size)
		}

		if err := sboxd.Transfer(ctx, engine, "tree", engine, "tree_copy"); err != nil {
			t.Fatalf("Transfer: %v", err)
		}
		r, err := engine.Open(ctx, "tree_copy/sub/b.txt")
		if err != nil {
			t.Fatalf("Open copied file: %v", err)
		}
		data, _ := io.ReadAll(r)
		_ = r.Close()
		if string(data) != "bb" {
			t.Errorf("copied content = %q, want %q", string(data), "bb")
		}

		missing, err := sboxd.Size(ctx, engine, "no/such/path")
		if err != nil || missing != 0 {
			t.Errorf("Size of missing path = %d, %v; want 0, nil", missing, err)
		}

		_ = engine.Remove(ctx, "tree")
		_ = engine.Remove(ctx, "tree_copy")
	})

	t.Run("Stat_Missing", func(t *testing.T) {
		_, err := engine.Stat(ctx, "missing.txt")
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Stat missing: err = %v, want not-exist", err)
		}
		if sboxd.TypeOf(ctx, engine, "missing.txt") != sboxd.FileTypeUnavailable {
			t.Error("TypeOf missing: want unavailable")
		}
	})

	if sr, ok := engine.(sboxd.SpaceReporter); ok {
		t.Run("SpaceReporter", func(t *testing.T) {
			space, err := sr.Space(ctx, "")
			if errors.Is(err, sboxd.ErrNotSupported) {
				t.Skip("Space not supported by this backend")
			}
			if err != nil {
				t.Fatalf("Space: %v", err)
			}
			if space.Free > space.Capacity {
				t.Errorf("Free %d exceeds Capacity %d", space.Free, space.Capacity)
			}
		})
	}
}
