package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	ignore "github.com/sabhiram/go-gitignore"
	conciter "github.com/sourcegraph/conc/iter"
)

const DefaultListTimeout = 10 * time.Second

// Walker enumerates directory trees on a FileSystem. A Walker holds no
// per-walk state and may be shared between goroutines.
type Walker struct {
	fsys        FileSystem
	logger      zerolog.Logger
	prefetch    int
	listTimeout time.Duration
	exclude     []string
}

type WalkerOption func(*Walker)

func WithLogger(logger zerolog.Logger) WalkerOption {
	return func(w *Walker) { w.logger = logger }
}

// WithPrefetch lists up to n sibling subdirectories concurrently ahead of
// the walk. Values below 2 keep the walk single-threaded.
func WithPrefetch(n int) WalkerOption {
	return func(w *Walker) { w.prefetch = n }
}

// WithListTimeout bounds every directory listing. Zero disables the bound.
func WithListTimeout(d time.Duration) WalkerOption {
	return func(w *Walker) { w.listTimeout = d }
}

// WithExclude sets gitignore-style patterns applied to every walk.
func WithExclude(patterns ...string) WalkerOption {
	return func(w *Walker) { w.exclude = append(w.exclude, patterns...) }
}

func NewWalker(fsys FileSystem, opts ...WalkerOption) *Walker {
	w := &Walker{
		fsys:        fsys,
		logger:      zerolog.Nop(),
		listTimeout: DefaultListTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Walker) FileSystem() FileSystem {
	return w.fsys
}

// Open validates root and lists it. The returned Walk yields every entry
// below root exactly once. Extra exclude patterns apply to this walk only.
func (w *Walker) Open(ctx context.Context, root string, exclude ...string) (*Walk, error) {
	root = filepath.Clean(root)

	info, err := w.fsys.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDirectoryNotFound, root, err)
	}
	if info.Kind != KindDirectory {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDirectoryNotFound, root)
	}

	walk := &Walk{
		ctx:    ctx,
		walker: w,
		root:   root,
	}
	if patterns := append(append([]string{}, w.exclude...), exclude...); len(patterns) > 0 {
		walk.ignore = ignore.CompileIgnoreLines(patterns...)
	}

	if err := ctx.Err(); err != nil {
		walk.err = fmt.Errorf("%w: %v", ErrCancelled, err)
		return walk, nil
	}

	entries, err := w.list(ctx, root)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			walk.err = fmt.Errorf("%w: %v", ErrCancelled, ctxErr)
			return walk, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDirectoryNotFound, root, err)
	}
	walk.push(root, entries)
	return walk, nil
}

type listing struct {
	entries []DirEntry
	err     error
}

func (w *Walker) list(ctx context.Context, dir string) ([]DirEntry, error) {
	if w.listTimeout <= 0 {
		return w.fsys.ReadDir(dir)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, w.listTimeout)
	defer cancel()

	done := make(chan listing, 1)
	go func() {
		entries, err := w.fsys.ReadDir(dir)
		done <- listing{entries: entries, err: err}
	}()

	select {
	case l := <-done:
		return l.entries, l.err
	case <-timeoutCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrListTimeout
	}
}

type frame struct {
	dir     string
	entries []DirEntry
	next    int
	// prefetched listings of subdirectories, keyed by name
	pending map[string]listing
}

// Walk is a single, non-restartable traversal.
type Walk struct {
	ctx     context.Context
	walker  *Walker
	root    string
	ignore  *ignore.GitIgnore
	stack   []*frame
	skipped []SkippedPath
	err     error
	started bool
}

func (wk *Walk) Root() string {
	return wk.root
}

// Skipped lists the subtrees that could not be listed so far.
func (wk *Walk) Skipped() []SkippedPath {
	return wk.skipped
}

// Err returns ErrCancelled (wrapped) when the walk was stopped by its context.
func (wk *Walk) Err() error {
	return wk.err
}

// Entries yields entries in pre-order: each directory is followed by its
// whole subtree before its next sibling. Symlinked directories are yielded
// but not descended into. The sequence can be ranged over once.
func (wk *Walk) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		if wk.started {
			return
		}
		wk.started = true

		for len(wk.stack) > 0 {
			top := wk.stack[len(wk.stack)-1]
			if top.next >= len(top.entries) {
				wk.stack = wk.stack[:len(wk.stack)-1]
				continue
			}
			de := top.entries[top.next]
			top.next++

			if de.Name == "." || de.Name == ".." || de.Kind == 0 {
				continue
			}
			path := filepath.Join(top.dir, de.Name)
			if wk.excluded(path, de.Kind == KindDirectory) {
				continue
			}

			if !yield(Entry{Path: path, Kind: de.Kind}) {
				return
			}
			if de.Kind != KindDirectory || de.IsSymlink {
				continue
			}

			if wk.cancelled() {
				return
			}
			l, ok := top.pending[de.Name]
			if ok {
				delete(top.pending, de.Name)
			} else {
				l.entries, l.err = wk.walker.list(wk.ctx, path)
			}
			if l.err != nil {
				if wk.cancelled() {
					return
				}
				wk.skip(path, l.err)
				continue
			}
			wk.push(path, l.entries)
		}
	}
}

func (wk *Walk) cancelled() bool {
	err := wk.ctx.Err()
	if err == nil {
		return false
	}
	wk.err = fmt.Errorf("%w: %v", ErrCancelled, err)
	wk.stack = nil
	return true
}

func (wk *Walk) skip(path string, err error) {
	reason := err.Error()
	if errors.Is(err, ErrListTimeout) {
		reason = ErrListTimeout.Error()
	}
	wk.skipped = append(wk.skipped, SkippedPath{Path: path, Reason: reason})
	wk.walker.logger.Warn().
		Str("path", path).
		Err(err).
		Msg("skipping unreadable directory")
}

func (wk *Walk) push(dir string, entries []DirEntry) {
	wk.stack = append(wk.stack, &frame{
		dir:     dir,
		entries: entries,
		pending: wk.prefetch(dir, entries),
	})
}

// prefetch lists the descendable subdirectories of dir on a bounded pool.
// Results are keyed by name, so the consuming order is unaffected.
func (wk *Walk) prefetch(dir string, entries []DirEntry) map[string]listing {
	if wk.walker.prefetch < 2 {
		return nil
	}

	var names []string
	for _, de := range entries {
		if de.Kind != KindDirectory || de.IsSymlink || de.Name == "." || de.Name == ".." {
			continue
		}
		if wk.excluded(filepath.Join(dir, de.Name), true) {
			continue
		}
		names = append(names, de.Name)
	}
	if len(names) < 2 {
		return nil
	}

	mapper := conciter.Mapper[string, listing]{MaxGoroutines: wk.walker.prefetch}
	results := mapper.Map(names, func(name *string) listing {
		if err := wk.ctx.Err(); err != nil {
			return listing{err: err}
		}
		entries, err := wk.walker.list(wk.ctx, filepath.Join(dir, *name))
		return listing{entries: entries, err: err}
	})

	pending := make(map[string]listing, len(names))
	for i, name := range names {
		pending[name] = results[i]
	}
	return pending
}

func (wk *Walk) excluded(path string, isDir bool) bool {
	if wk.ignore == nil {
		return false
	}
	rel, err := filepath.Rel(wk.root, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	if wk.ignore.MatchesPath(rel) {
		return true
	}
	return isDir && wk.ignore.MatchesPath(rel+"/")
}
