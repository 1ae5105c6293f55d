package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// Kind classifies a filesystem node. The zero value means the node is neither
// a regular file nor a directory and is never emitted by a walk.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "dir"
	default:
		return "other"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "file":
		*k = KindFile
	case "dir":
		*k = KindDirectory
	default:
		return fmt.Errorf("unknown entry kind %q", b)
	}
	return nil
}

func kindOf(mode fs.FileMode) Kind {
	switch {
	case mode.IsRegular():
		return KindFile
	case mode.IsDir():
		return KindDirectory
	default:
		return 0
	}
}

// Entry is one classified node discovered during a walk.
type Entry struct {
	Path      string `json:"path" yaml:"path"`
	Kind      Kind   `json:"type" yaml:"type"`
	SizeBytes int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// Name returns the base name of the entry.
func (e Entry) Name() string {
	return filepath.Base(e.Path)
}

func (e Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// DirEntry is one item of a directory listing. Kind is resolved through
// symlinks; a dangling link has a zero Kind.
type DirEntry struct {
	Name      string
	Kind      Kind
	IsSymlink bool
}

type FileInfo struct {
	Kind    Kind
	Size    int64
	ModTime time.Time
}

// FileSystem is the read-only capability set the walker and search engine
// need from the backing store.
type FileSystem interface {
	// ReadDir lists path in the filesystem's native order.
	ReadDir(path string) ([]DirEntry, error)
	// Stat follows symlinks.
	Stat(path string) (FileInfo, error)
}

// AferoFS adapts an afero.Fs to FileSystem. All access goes through a
// read-only wrapper.
type AferoFS struct {
	fs afero.Fs
}

func NewFileSystem(base afero.Fs) *AferoFS {
	return &AferoFS{fs: afero.NewReadOnlyFs(base)}
}

func NewOSFileSystem() *AferoFS {
	return NewFileSystem(afero.NewOsFs())
}

func (a *AferoFS) ReadDir(path string) ([]DirEntry, error) {
	// afero.ReadDir sorts by name and reports symlinks unresolved
	infos, err := afero.ReadDir(a.fs, path)
	if err != nil {
		return nil, err
	}

	result := make([]DirEntry, 0, len(infos))
	for _, info := range infos {
		de := DirEntry{Name: info.Name()}
		if info.Mode()&os.ModeSymlink != 0 {
			de.IsSymlink = true
			if target, err := a.fs.Stat(filepath.Join(path, info.Name())); err == nil {
				de.Kind = kindOf(target.Mode())
			}
		} else {
			de.Kind = kindOf(info.Mode())
		}
		result = append(result, de)
	}
	return result, nil
}

func (a *AferoFS) Stat(path string) (FileInfo, error) {
	info, err := a.fs.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{
		Kind:    kindOf(info.Mode()),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// OpenFile re-validates that path is still a regular file and opens it for
// reading. Paths that vanished or changed type report ErrStaleEntry.
func (a *AferoFS) OpenFile(path string) (afero.File, FileInfo, error) {
	info, err := a.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, FileInfo{}, fmt.Errorf("%w: %s", ErrStaleEntry, path)
		}
		return nil, FileInfo{}, err
	}
	if info.Kind != KindFile {
		return nil, FileInfo{}, fmt.Errorf("%w: %s is not a regular file", ErrStaleEntry, path)
	}

	f, err := a.fs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, FileInfo{}, fmt.Errorf("%w: %s", ErrStaleEntry, path)
		}
		return nil, FileInfo{}, err
	}
	return f, info, nil
}
