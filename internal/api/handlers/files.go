package handlers

import (
	"context"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/file-finder/backend/internal/search"
	"github.com/file-finder/backend/internal/storage"
)

type FilesHandler struct {
	engine      *search.Engine
	files       *storage.AferoFS
	defaultRoot string
	timeout     time.Duration
	logger      zerolog.Logger
}

func NewFilesHandler(engine *search.Engine, files *storage.AferoFS, defaultRoot string, timeout time.Duration, logger zerolog.Logger) *FilesHandler {
	return &FilesHandler{
		engine:      engine,
		files:       files,
		defaultRoot: defaultRoot,
		timeout:     timeout,
		logger:      logger,
	}
}

type entryView struct {
	Path        string       `json:"path"`
	Name        string       `json:"name"`
	Type        storage.Kind `json:"type"`
	Size        *int64       `json:"size,omitempty"`
	SizeHuman   string       `json:"size_human,omitempty"`
	DownloadURL string       `json:"download_url,omitempty"`
}

type searchResponse struct {
	Root      string                `json:"root"`
	Query     string                `json:"query"`
	Exact     bool                  `json:"exact"`
	Status    search.Status         `json:"status"`
	FileCount int                   `json:"file_count"`
	DirCount  int                   `json:"dir_count"`
	Entries   []entryView           `json:"entries"`
	Skipped   []storage.SkippedPath `json:"skipped"`
	ElapsedMS int64                 `json:"elapsed_ms"`
}

// Search runs a synchronous search. Query parameters: q (required), root,
// exact and sizes.
func (h *FilesHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := search.Request{
		Root:       query.Get("root"),
		Term:       query.Get("q"),
		ExactMatch: queryBool(query, "exact"),
		WithSizes:  queryBool(query, "sizes"),
	}
	if req.Root == "" {
		req.Root = h.defaultRoot
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	result, err := h.engine.Search(ctx, req)
	if err != nil {
		status, _ := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error().Err(err).Str("root", req.Root).Msg("search failed")
		}
		writeError(w, err)
		return
	}

	resp := searchResponse{
		Root:      result.Root,
		Query:     result.Term,
		Exact:     result.ExactMatch,
		Status:    result.Status,
		FileCount: result.FileCount,
		DirCount:  result.DirCount,
		Entries:   make([]entryView, 0, len(result.Entries)),
		Skipped:   result.Skipped,
		ElapsedMS: result.Elapsed.Milliseconds(),
	}
	for _, e := range result.Entries {
		v := entryView{Path: e.Path, Name: e.Name(), Type: e.Kind}
		if !e.IsDir() {
			v.DownloadURL = "/api/files/download?path=" + url.QueryEscape(e.Path)
			if req.WithSizes {
				size := e.SizeBytes
				v.Size = &size
				v.SizeHuman = storage.FormatSize(size)
			}
		}
		resp.Entries = append(resp.Entries, v)
	}

	jsonResponse(w, resp, http.StatusOK)
}

// Download streams a file previously reported by a search. The path is
// re-checked on every request, so a file removed or replaced by a directory
// since the search answers 404.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		jsonError(w, "query parameter 'path' is required", http.StatusBadRequest)
		return
	}
	path = filepath.Clean(path)

	f, info, err := h.files.OpenFile(path)
	if err != nil {
		h.logger.Debug().Err(err).Str("path", path).Msg("download rejected")
		writeError(w, err)
		return
	}
	defer f.Close()

	name := filepath.Base(path)
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	if disposition == "" {
		disposition = "attachment"
	}

	header := w.Header()
	header.Set("Content-Type", "application/octet-stream")
	header.Set("Content-Disposition", disposition)
	header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	header.Set("Pragma", "no-cache")
	header.Set("Expires", "0")

	http.ServeContent(w, r, name, info.ModTime, f)
}

func queryBool(values url.Values, key string) bool {
	b, err := strconv.ParseBool(values.Get(key))
	return err == nil && b
}
