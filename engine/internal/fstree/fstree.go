// Package fstree walks and copies directory trees. Snapshot packing, asset
// reconciliation and scratch cleanup all go through it.
package fstree

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
)

// Entry is a regular file found under a walk root.
type Entry struct {
	Path string // full path
	Rel  string // slash-separated path relative to the root
	Size int64
}

// Walk calls fn for every regular file under root in lexical order. A missing
// root is an empty tree.
func Walk(ctx context.Context, fs afero.Fs, root string, fn func(Entry) error) error {
	if ok, err := afero.DirExists(fs, root); err != nil || !ok {
		return err
	}
	return afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(Entry{Path: path, Rel: filepath.ToSlash(rel), Size: info.Size()})
	})
}

// Files collects Walk's entries.
func Files(ctx context.Context, fs afero.Fs, root string) ([]Entry, error) {
	var out []Entry
	err := Walk(ctx, fs, root, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Rel < out[j].Rel })
	return out, err
}

// Size sums the sizes of the files under root.
func Size(ctx context.Context, fs afero.Fs, root string) (int64, error) {
	var total int64
	err := Walk(ctx, fs, root, func(e Entry) error {
		total += e.Size
		return nil
	})
	return total, err
}

// CopyFile copies src to dst through a temp file in dst's directory, so dst is
// either absent or complete.
func CopyFile(ctx context.Context, fs afero.Fs, src, dst string) (int64, error) {
	in, err := fs.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return WriteFile(ctx, fs, dst, in)
}

// WriteFile streams r into dst atomically.
func WriteFile(ctx context.Context, fs afero.Fs, dst string, r io.Reader) (int64, error) {
	dir := filepath.Dir(dst)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, err
	}
	n, err := Copy(ctx, tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(tmp.Name(), dst)
	}
	if err != nil {
		_ = fs.Remove(tmp.Name())
		return 0, err
	}
	return n, nil
}

// CopyTree copies every file under src to the same relative path under dst.
// Existing files are replaced only when overwrite is set.
func CopyTree(ctx context.Context, fs afero.Fs, src, dst string, overwrite bool) (int, error) {
	copied := 0
	err := Walk(ctx, fs, src, func(e Entry) error {
		target := filepath.Join(dst, filepath.FromSlash(e.Rel))
		if !overwrite {
			if ok, err := afero.Exists(fs, target); err != nil || ok {
				return err
			}
		}
		if _, err := CopyFile(ctx, fs, e.Path, target); err != nil {
			return fmt.Errorf("copy %s: %w", e.Rel, err)
		}
		copied++
		return nil
	})
	return copied, err
}

// RemoveTree removes path and everything below it; a missing path is fine.
func RemoveTree(fs afero.Fs, path string) error {
	if path == "" || path == "/" || path == "." {
		return fmt.Errorf("refusing to remove %q", path)
	}
	if err := fs.RemoveAll(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Checksum is the hex BLAKE2b-256 digest of the file at path.
func Checksum(ctx context.Context, fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := Copy(ctx, h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Copy is io.Copy that stops between chunks once ctx is done.
func Copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, &ctxReader{ctx: ctx, r: src})
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
