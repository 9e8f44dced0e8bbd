package sboxd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// SkipDir returned by a VisitFunc for a directory skips its contents.
var SkipDir = fs.SkipDir

// VisitFunc is called once per entry reached by Walk, parents before
// children. Any error other than SkipDir stops the walk and is returned.
type VisitFunc func(entry *EntryInfo) error

// Walk visits root and, for directories, everything below it in depth
// first order. Entries removed while the walk is running are passed
// over, since the trees being walked are often the live destination of
// a copy. A root that does not exist is an error.
func Walk(ctx context.Context, engine StorageEngine, root string, visit VisitFunc) error {
	info, err := engine.Stat(ctx, root)
	if err != nil {
		return fmt.Errorf("stat %q: %w", root, err)
	}

	pending := []*EntryInfo{info}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		entry := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if err := visit(entry); err != nil {
			if errors.Is(err, SkipDir) && entry.IsDir {
				continue
			}
			return err
		}
		if !entry.IsDir {
			continue
		}

		children, err := engine.ReadDir(ctx, entry.Path)
		switch {
		case errors.Is(err, os.ErrNotExist) && entry != info:
			continue
		case err != nil:
			return fmt.Errorf("read %q: %w", entry.Path, err)
		}
		// Reversed so the stack pops children in listing order.
		for i := len(children) - 1; i >= 0; i-- {
			pending = append(pending, children[i])
		}
	}
	return nil
}

// Size returns the number of bytes stored under path, recursing into
// directories. A missing path has size zero.
func Size(ctx context.Context, engine StorageEngine, path string) (int64, error) {
	var total int64
	err := Walk(ctx, engine, path, func(entry *EntryInfo) error {
		if !entry.IsDir {
			total += entry.Size
		}
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
