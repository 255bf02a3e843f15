// Package archive packs a database snapshot and its asset tree into a single
// zstd-compressed tar stream and unpacks it again.
//
// The layout has two top-level entries:
//
//	clinic.db
//	assets/{owner}/{sequence}/{category}/{file}
//
// The zstd frame carries a content checksum, and Unpack always reads the
// stream to its end, so truncation or corruption anywhere in the file
// surfaces as an error.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"

	"clinic-vault/engine/internal/fstree"
)

const (
	DBEntry   = "clinic.db"
	AssetsDir = "assets"
	Ext       = ".tar.zst"
)

var (
	sqliteMagic = []byte("SQLite format 3\x00")
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Kind is what a file on disk looks like.
type Kind int

const (
	KindUnknown Kind = iota
	KindSQLite
	KindArchive
)

func (k Kind) String() string {
	switch k {
	case KindSQLite:
		return "sqlite"
	case KindArchive:
		return "archive"
	}
	return "unknown"
}

// Detect sniffs the magic bytes at the start of path.
func Detect(fs afero.Fs, p string) (Kind, error) {
	f, err := fs.Open(p)
	if err != nil {
		return KindUnknown, err
	}
	defer f.Close()
	head := make([]byte, len(sqliteMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return KindUnknown, err
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, sqliteMagic):
		return KindSQLite, nil
	case bytes.HasPrefix(head, zstdMagic):
		return KindArchive, nil
	}
	return KindUnknown, nil
}

// Writer streams entries into a compressed tar.
type Writer struct {
	zw *zstd.Encoder
	tw *tar.Writer
}

func NewWriter(w io.Writer) (*Writer, error) {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderCRC(true), zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	return &Writer{zw: zw, tw: tar.NewWriter(zw)}, nil
}

// AddFile writes src from fs under name.
func (w *Writer) AddFile(ctx context.Context, fs afero.Fs, src, name string) error {
	info, err := fs.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write header %s: %w", name, err)
	}
	f, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fstree.Copy(ctx, w.tw, io.LimitReader(f, hdr.Size)); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// AddTree writes every file under root accepted by keep as prefix/rel.
func (w *Writer) AddTree(ctx context.Context, fs afero.Fs, root, prefix string, keep func(rel string) bool) (int, error) {
	n := 0
	err := fstree.Walk(ctx, fs, root, func(e fstree.Entry) error {
		if keep != nil && !keep(e.Rel) {
			return nil
		}
		if err := w.AddFile(ctx, fs, e.Path, path.Join(prefix, e.Rel)); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}

// Close flushes the tar trailer and the zstd frame. It does not close the
// underlying writer.
func (w *Writer) Close() error {
	terr := w.tw.Close()
	zerr := w.zw.Close()
	if terr != nil {
		return terr
	}
	return zerr
}

// Contents describes an unpacked archive.
type Contents struct {
	DBPath     string
	AssetRoot  string
	AssetFiles int
}

// HasAssets reports whether the archive carried an asset tree.
func (c Contents) HasAssets() bool { return c.AssetFiles > 0 }

// Unpack extracts r into dest on fs. Entries that would escape dest are
// rejected.
func Unpack(ctx context.Context, r io.Reader, fs afero.Fs, dest string) (Contents, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return Contents{}, fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	out := Contents{AssetRoot: filepath.Join(dest, AssetsDir)}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("read archive: %w", err)
		}
		name, err := cleanName(hdr.Name)
		if err != nil {
			return out, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(filepath.Join(dest, name), 0o755); err != nil {
				return out, err
			}
			continue
		case tar.TypeReg:
		default:
			return out, fmt.Errorf("unsupported entry %q (type %c)", hdr.Name, hdr.Typeflag)
		}
		target := filepath.Join(dest, filepath.FromSlash(name))
		if _, err := fstree.WriteFile(ctx, fs, target, tr); err != nil {
			return out, fmt.Errorf("extract %s: %w", name, err)
		}
		switch {
		case name == DBEntry:
			out.DBPath = target
		case strings.HasPrefix(name, AssetsDir+"/"):
			out.AssetFiles++
		}
	}
	// Drain past the tar trailer so the frame checksum is verified.
	if _, err := fstree.Copy(ctx, io.Discard, zr); err != nil {
		return out, fmt.Errorf("read archive trailer: %w", err)
	}
	if out.DBPath == "" {
		return out, fmt.Errorf("archive has no %s entry", DBEntry)
	}
	return out, nil
}

func cleanName(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "./"))
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("unsafe archive entry %q", name)
	}
	return clean, nil
}
