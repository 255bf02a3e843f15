package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fakeDB = append([]byte("SQLite format 3\x00"), bytes.Repeat([]byte{7}, 4096)...)

func pack(t *testing.T, fs afero.Fs) []byte {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, afero.WriteFile(fs, "/src/clinic.db", fakeDB, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/img/p1/1/xray/a.png", []byte("a"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/img/p1/2/after/b.png", []byte("bb"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/img/stray.txt", []byte("x"), 0o644))

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, w.AddFile(ctx, fs, "/src/clinic.db", DBEntry))
	n, err := w.AddTree(ctx, fs, "/img", AssetsDir, func(rel string) bool { return filepath.Ext(rel) == ".png" })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := pack(t, fs)

	c, err := Unpack(context.Background(), bytes.NewReader(data), fs, "/out")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", DBEntry), c.DBPath)
	assert.Equal(t, 2, c.AssetFiles)
	assert.True(t, c.HasAssets())

	got, err := afero.ReadFile(fs, c.DBPath)
	require.NoError(t, err)
	assert.Equal(t, fakeDB, got)
	got, err = afero.ReadFile(fs, "/out/assets/p1/2/after/b.png")
	require.NoError(t, err)
	assert.Equal(t, "bb", string(got))
	ok, _ := afero.Exists(fs, "/out/assets/stray.txt")
	assert.False(t, ok)
}

func TestDetect(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/a.tar.zst", pack(t, fs), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/short", []byte("SQL"), 0o644))

	cases := map[string]Kind{"/src/clinic.db": KindSQLite, "/a.tar.zst": KindArchive, "/short": KindUnknown, "/img/stray.txt": KindUnknown}
	for p, want := range cases {
		k, err := Detect(fs, p)
		require.NoError(t, err, p)
		assert.Equal(t, want, k, p)
	}
	_, err := Detect(fs, "/missing")
	assert.Error(t, err)
}

func TestUnpackRejectsDamage(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := pack(t, fs)

	_, err := Unpack(context.Background(), bytes.NewReader(data[:len(data)-8]), fs, "/trunc")
	assert.Error(t, err)

	flipped := bytes.Clone(data)
	for i := len(flipped) / 2; i < len(flipped)/2+10; i++ {
		flipped[i] ^= 0x5a
	}
	_, err = Unpack(context.Background(), bytes.NewReader(flipped), fs, "/flip")
	assert.Error(t, err)
}

func rawArchive(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(zw)
	for _, name := range names {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: 1, Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestUnpackRejectsUnsafeOrIncomplete(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	_, err := Unpack(ctx, bytes.NewReader(rawArchive(t, "../escape")), fs, "/out")
	assert.ErrorContains(t, err, "unsafe")
	ok, _ := afero.Exists(fs, "/escape")
	assert.False(t, ok)

	_, err = Unpack(ctx, bytes.NewReader(rawArchive(t, "assets/p1/1/xray/a.png")), fs, "/out2")
	assert.ErrorContains(t, err, DBEntry)
}
