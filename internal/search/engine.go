package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/file-finder/backend/internal/storage"
)

var ErrInvalidTerm = errors.New("search term must not be empty")

type Status string

const (
	StatusComplete  Status = "complete"
	StatusCancelled Status = "cancelled"
)

// Request is immutable for the duration of a search.
type Request struct {
	Root       string   `json:"root"`
	Term       string   `json:"term"`
	ExactMatch bool     `json:"exact"`
	WithSizes  bool     `json:"sizes,omitempty"`
	Exclude    []string `json:"exclude,omitempty"`
}

type Result struct {
	Root       string                `json:"root" yaml:"root"`
	Term       string                `json:"term" yaml:"term"`
	ExactMatch bool                  `json:"exact" yaml:"exact"`
	Entries    []storage.Entry       `json:"entries" yaml:"entries"`
	FileCount  int                   `json:"file_count" yaml:"file_count"`
	DirCount   int                   `json:"dir_count" yaml:"dir_count"`
	Skipped    []storage.SkippedPath `json:"skipped" yaml:"skipped"`
	Status     Status                `json:"status" yaml:"status"`
	Elapsed    time.Duration         `json:"elapsed_ns" yaml:"elapsed"`
}

// Matcher reports whether a base name satisfies a search term.
type Matcher func(name string) bool

// NewMatcher builds the case-insensitive predicate for term: full-name
// equality when exact is set, substring containment otherwise.
func NewMatcher(term string, exact bool) Matcher {
	if exact {
		return func(name string) bool {
			return strings.EqualFold(name, term)
		}
	}
	lower := strings.ToLower(term)
	return func(name string) bool {
		return strings.Contains(strings.ToLower(name), lower)
	}
}

type Engine struct {
	walker *storage.Walker
	logger zerolog.Logger
}

func NewEngine(walker *storage.Walker, logger zerolog.Logger) *Engine {
	return &Engine{walker: walker, logger: logger}
}

// Search walks req.Root and returns every file and directory whose base name
// matches req.Term, in walk order. A cancelled context yields the partial
// result with StatusCancelled rather than an error.
func (e *Engine) Search(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	term := strings.TrimSpace(req.Term)

	start := time.Now()
	walk, err := e.walker.Open(ctx, req.Root, req.Exclude...)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Root:       walk.Root(),
		Term:       term,
		ExactMatch: req.ExactMatch,
		Entries:    []storage.Entry{},
		Status:     StatusComplete,
	}

	match := NewMatcher(term, req.ExactMatch)
	for entry := range walk.Entries() {
		if !match(filepath.Base(entry.Path)) {
			continue
		}
		result.Entries = append(result.Entries, entry)
		if entry.IsDir() {
			result.DirCount++
		} else {
			result.FileCount++
		}
	}

	result.Skipped = walk.Skipped()
	if result.Skipped == nil {
		result.Skipped = []storage.SkippedPath{}
	}
	if err := walk.Err(); err != nil {
		if !errors.Is(err, storage.ErrCancelled) {
			return nil, err
		}
		result.Status = StatusCancelled
	}

	if req.WithSizes {
		e.fillSizes(result)
	}
	result.Elapsed = time.Since(start)

	e.logger.Debug().
		Str("root", result.Root).
		Str("term", term).
		Bool("exact", req.ExactMatch).
		Int("files", result.FileCount).
		Int("dirs", result.DirCount).
		Int("skipped", len(result.Skipped)).
		Str("status", string(result.Status)).
		Dur("elapsed", result.Elapsed).
		Msg("search finished")

	return result, nil
}

// fillSizes stats matched files. A file that vanished since the walk keeps a
// zero size; callers hit ErrStaleEntry when they act on it.
func (e *Engine) fillSizes(result *Result) {
	fsys := e.walker.FileSystem()
	for i := range result.Entries {
		entry := &result.Entries[i]
		if entry.IsDir() {
			continue
		}
		info, err := fsys.Stat(entry.Path)
		if err != nil {
			e.logger.Debug().Str("path", entry.Path).Err(err).Msg("size lookup failed")
			continue
		}
		entry.SizeBytes = info.Size
	}
}

// Validate checks a request without touching the filesystem.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Term) == "" {
		return ErrInvalidTerm
	}
	if strings.TrimSpace(r.Root) == "" {
		return fmt.Errorf("%w: root is empty", storage.ErrDirectoryNotFound)
	}
	return nil
}
