package fstree

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, fs afero.Fs, files map[string]string) {
	t.Helper()
	for p, content := range files {
		require.NoError(t, afero.WriteFile(fs, p, []byte(content), 0o644))
	}
}

func TestFilesSortedAndRelative(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, map[string]string{
		"/root/b/2.png": "22",
		"/root/a/1.png": "1",
		"/root/c.txt":   "333",
	})

	files, err := Files(context.Background(), fs, "/root")
	require.NoError(t, err)
	var rels []string
	for _, f := range files {
		rels = append(rels, f.Rel)
	}
	assert.Equal(t, []string{"a/1.png", "b/2.png", "c.txt"}, rels)

	size, err := Size(context.Background(), fs, "/root")
	require.NoError(t, err)
	assert.EqualValues(t, 6, size)
}

func TestWalkMissingRootIsEmpty(t *testing.T) {
	files, err := Files(context.Background(), afero.NewMemMapFs(), "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCopyTreeRespectsOverwrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, map[string]string{
		"/src/x/a.png": "new",
		"/src/b.png":   "b",
		"/dst/x/a.png": "old",
	})
	ctx := context.Background()

	n, err := CopyTree(ctx, fs, "/src", "/dst", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ := afero.ReadFile(fs, "/dst/x/a.png")
	assert.Equal(t, "old", string(got))

	n, err = CopyTree(ctx, fs, "/src", "/dst", true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	got, _ = afero.ReadFile(fs, "/dst/x/a.png")
	assert.Equal(t, "new", string(got))
}

func TestWriteFileCancelledLeavesNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WriteFile(ctx, fs, "/out/f.bin", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
	entries, err := afero.ReadDir(fs, "/out")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemoveTreeRefusesRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.Error(t, RemoveTree(fs, "/"))
	assert.Error(t, RemoveTree(fs, ""))
	assert.NoError(t, RemoveTree(fs, "/missing"))
}

func TestChecksum(t *testing.T) {
	fs := afero.NewMemMapFs()
	seed(t, fs, map[string]string{"/a": "same", "/b": "same", "/c": "different"})
	ctx := context.Background()

	a, err := Checksum(ctx, fs, "/a")
	require.NoError(t, err)
	b, err := Checksum(ctx, fs, "/b")
	require.NoError(t, err)
	c, err := Checksum(ctx, fs, "/c")
	require.NoError(t, err)
	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
