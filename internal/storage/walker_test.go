package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTree builds an in-memory tree. Paths ending in "/" are directories.
func memTree(t *testing.T, paths ...string) *AferoFS {
	t.Helper()
	base := afero.NewMemMapFs()
	for _, p := range paths {
		if strings.HasSuffix(p, "/") {
			require.NoError(t, base.MkdirAll(p, 0o755))
			continue
		}
		require.NoError(t, base.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(base, p, []byte(p), 0o644))
	}
	return NewFileSystem(base)
}

// faultyFS injects listing failures and delays for selected directories.
type faultyFS struct {
	FileSystem
	fail  map[string]error
	delay map[string]time.Duration
}

func (f *faultyFS) ReadDir(path string) ([]DirEntry, error) {
	if d, ok := f.delay[path]; ok {
		time.Sleep(d)
	}
	if err, ok := f.fail[path]; ok {
		return nil, err
	}
	return f.FileSystem.ReadDir(path)
}

func collect(t *testing.T, w *Walker, root string, exclude ...string) ([]Entry, *Walk) {
	t.Helper()
	walk, err := w.Open(context.Background(), root, exclude...)
	require.NoError(t, err)
	var out []Entry
	for e := range walk.Entries() {
		out = append(out, e)
	}
	return out, walk
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestWalkPreOrder(t *testing.T) {
	fsys := memTree(t,
		"/r/a.txt",
		"/r/sub/A.TXT",
		"/r/sub/deep/x.bin",
		"/r/sub/empty/",
		"/r/z.txt",
	)

	entries, walk := collect(t, NewWalker(fsys), "/r")

	assert.Equal(t, []string{
		"/r/a.txt",
		"/r/sub",
		"/r/sub/A.TXT",
		"/r/sub/deep",
		"/r/sub/deep/x.bin",
		"/r/sub/empty",
		"/r/z.txt",
	}, paths(entries))
	assert.Equal(t, KindFile, entries[0].Kind)
	assert.Equal(t, KindDirectory, entries[1].Kind)
	assert.Empty(t, walk.Skipped())
	assert.NoError(t, walk.Err())
}

func TestWalkIsNotRestartable(t *testing.T) {
	fsys := memTree(t, "/r/a.txt", "/r/b.txt")

	walk, err := NewWalker(fsys).Open(context.Background(), "/r")
	require.NoError(t, err)

	first := 0
	for range walk.Entries() {
		first++
	}
	second := 0
	for range walk.Entries() {
		second++
	}
	assert.Equal(t, 2, first)
	assert.Zero(t, second)
}

func TestWalkRootValidation(t *testing.T) {
	fsys := memTree(t, "/r/file.txt")
	w := NewWalker(fsys)

	_, err := w.Open(context.Background(), "/missing")
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
	assert.Contains(t, err.Error(), "/missing")

	_, err = w.Open(context.Background(), "/r/file.txt")
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
}

func TestWalkUnlistableRoot(t *testing.T) {
	base := memTree(t, "/r/a.txt")
	fsys := &faultyFS{FileSystem: base, fail: map[string]error{"/r": fs.ErrPermission}}

	_, err := NewWalker(fsys).Open(context.Background(), "/r")
	assert.ErrorIs(t, err, ErrDirectoryNotFound)
}

func TestWalkSkipsUnreadableSubtree(t *testing.T) {
	base := memTree(t,
		"/r/locked/secret.txt",
		"/r/open/inside.txt",
		"/r/top.txt",
	)
	fsys := &faultyFS{FileSystem: base, fail: map[string]error{"/r/locked": fs.ErrPermission}}

	entries, walk := collect(t, NewWalker(fsys), "/r")

	assert.Equal(t, []string{
		"/r/locked",
		"/r/open",
		"/r/open/inside.txt",
		"/r/top.txt",
	}, paths(entries))
	require.Len(t, walk.Skipped(), 1)
	assert.Equal(t, "/r/locked", walk.Skipped()[0].Path)
	assert.NoError(t, walk.Err())
}

func TestWalkListTimeout(t *testing.T) {
	base := memTree(t, "/r/slow/a.txt", "/r/fast/b.txt")
	fsys := &faultyFS{FileSystem: base, delay: map[string]time.Duration{"/r/slow": 200 * time.Millisecond}}

	entries, walk := collect(t, NewWalker(fsys, WithListTimeout(20*time.Millisecond)), "/r")

	assert.Equal(t, []string{"/r/fast", "/r/fast/b.txt", "/r/slow"}, paths(entries))
	require.Len(t, walk.Skipped(), 1)
	assert.Equal(t, "/r/slow", walk.Skipped()[0].Path)
	assert.Equal(t, ErrListTimeout.Error(), walk.Skipped()[0].Reason)
}

func TestWalkCancellation(t *testing.T) {
	fsys := memTree(t, "/r/a/x.txt", "/r/b/y.txt", "/r/c.txt")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	walk, err := NewWalker(fsys).Open(ctx, "/r")
	require.NoError(t, err)

	var got []Entry
	for e := range walk.Entries() {
		got = append(got, e)
		cancel()
	}

	assert.Equal(t, []string{"/r/a"}, paths(got))
	assert.ErrorIs(t, walk.Err(), ErrCancelled)
}

func TestWalkCancelledBeforeOpen(t *testing.T) {
	fsys := memTree(t, "/r/a.txt")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	walk, err := NewWalker(fsys).Open(ctx, "/r")
	require.NoError(t, err)

	count := 0
	for range walk.Entries() {
		count++
	}
	assert.Zero(t, count)
	assert.ErrorIs(t, walk.Err(), ErrCancelled)
}

func TestWalkPrefetchKeepsOrder(t *testing.T) {
	var tree []string
	for _, d := range []string{"d1", "d2", "d3", "d4", "d5"} {
		for _, sub := range []string{"s1", "s2"} {
			tree = append(tree, "/r/"+d+"/"+sub+"/f.txt")
		}
		tree = append(tree, "/r/"+d+"/g.txt")
	}
	fsys := memTree(t, tree...)

	sequential, _ := collect(t, NewWalker(fsys), "/r")
	parallel, walk := collect(t, NewWalker(fsys, WithPrefetch(4)), "/r")

	assert.Equal(t, paths(sequential), paths(parallel))
	assert.Len(t, parallel, 5*(1+2*2+1))
	assert.Empty(t, walk.Skipped())
}

func TestWalkPrefetchRecordsSkips(t *testing.T) {
	base := memTree(t, "/r/a/1.txt", "/r/b/2.txt", "/r/c/3.txt")
	fsys := &faultyFS{FileSystem: base, fail: map[string]error{"/r/b": errors.New("io error")}}

	entries, walk := collect(t, NewWalker(fsys, WithPrefetch(3)), "/r")

	assert.Equal(t, []string{"/r/a", "/r/a/1.txt", "/r/b", "/r/c", "/r/c/3.txt"}, paths(entries))
	require.Len(t, walk.Skipped(), 1)
	assert.Equal(t, "io error", walk.Skipped()[0].Reason)
}

func TestWalkExclude(t *testing.T) {
	fsys := memTree(t,
		"/r/app/main.go",
		"/r/app/node_modules/lib/index.js",
		"/r/build/out.bin",
		"/r/notes.tmp",
		"/r/readme.md",
	)
	w := NewWalker(fsys, WithExclude("node_modules"))

	entries, _ := collect(t, w, "/r", "build/", "*.tmp")

	assert.Equal(t, []string{"/r/app", "/r/app/main.go", "/r/readme.md"}, paths(entries))
}

func TestWalkDoesNotFollowSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real", "f.txt"), []byte("x"), 0o644))
	if err := os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	require.NoError(t, os.Symlink(root, filepath.Join(root, "loop")))
	require.NoError(t, os.Symlink(filepath.Join(root, "missing"), filepath.Join(root, "dangling")))
	require.NoError(t, os.Symlink(filepath.Join(root, "real", "f.txt"), filepath.Join(root, "file-link")))

	entries, walk := collect(t, NewWalker(NewOSFileSystem()), root)

	kinds := map[string]Kind{}
	for _, e := range entries {
		kinds[e.Path] = e.Kind
	}
	assert.Equal(t, []string{
		filepath.Join(root, "file-link"),
		filepath.Join(root, "link"),
		filepath.Join(root, "loop"),
		filepath.Join(root, "real"),
		filepath.Join(root, "real", "f.txt"),
	}, paths(entries))
	assert.Equal(t, KindFile, kinds[filepath.Join(root, "file-link")])
	assert.Equal(t, KindDirectory, kinds[filepath.Join(root, "link")])
	assert.Equal(t, KindDirectory, kinds[filepath.Join(root, "loop")])
	assert.Empty(t, walk.Skipped())
}

func TestOpenFileStale(t *testing.T) {
	fsys := memTree(t, "/r/a.txt", "/r/dir/")

	f, info, err := fsys.OpenFile("/r/a.txt")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, KindFile, info.Kind)
	assert.EqualValues(t, len("/r/a.txt"), info.Size)

	_, _, err = fsys.OpenFile("/r/gone.txt")
	assert.ErrorIs(t, err, ErrStaleEntry)

	_, _, err = fsys.OpenFile("/r/dir")
	assert.ErrorIs(t, err, ErrStaleEntry)
}
