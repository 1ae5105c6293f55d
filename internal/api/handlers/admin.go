package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/file-finder/backend/internal/api/middleware"
	"github.com/file-finder/backend/internal/db"
	"github.com/file-finder/backend/internal/db/models"
	"github.com/file-finder/backend/internal/job"
)

var startTime = time.Now()

var validRoles = map[string]bool{models.RoleAdmin: true, models.RoleViewer: true}

type AdminHandler struct {
	db          *db.Database
	queue       *job.JobQueue
	defaultRoot string
	logger      zerolog.Logger
}

func NewAdminHandler(db *db.Database, queue *job.JobQueue, defaultRoot string, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{db: db, queue: queue, defaultRoot: defaultRoot, logger: logger}
}

// ListUsers returns all users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.ListUsers()
	if err != nil {
		h.logger.Error().Err(err).Msg("list users")
		jsonError(w, "failed to list users", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, users, http.StatusOK)
}

// CreateUser creates a new user
func (h *AdminHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		jsonError(w, "username and password are required", http.StatusBadRequest)
		return
	}
	if req.Role == "" {
		req.Role = models.RoleViewer
	}
	if !validRoles[req.Role] {
		jsonError(w, "role must be one of: admin, viewer", http.StatusBadRequest)
		return
	}

	id, err := h.db.CreateUser(req.Username, req.Password, req.Role)
	if err != nil {
		jsonError(w, "failed to create user (username may already exist)", http.StatusConflict)
		return
	}
	h.logger.Info().Int64("id", id).Str("username", req.Username).Str("role", req.Role).Msg("user created")

	jsonResponse(w, map[string]interface{}{"id": id, "username": req.Username, "role": req.Role}, http.StatusCreated)
}

// DeleteUser removes a user. Admins cannot delete themselves or the last
// remaining admin.
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid user ID", http.StatusBadRequest)
		return
	}

	claims := middleware.GetClaims(r)
	if claims != nil && claims.UserID == id {
		jsonError(w, "cannot delete yourself", http.StatusBadRequest)
		return
	}

	user, err := h.db.GetUserByID(id)
	if err != nil {
		jsonError(w, "user not found", http.StatusNotFound)
		return
	}
	if user.Role == models.RoleAdmin {
		count, err := h.db.CountAdmins()
		if err != nil {
			jsonError(w, "failed to check admin count", http.StatusInternalServerError)
			return
		}
		if count <= 1 {
			jsonError(w, "cannot delete the last admin", http.StatusBadRequest)
			return
		}
	}

	if err := h.db.DeleteUser(id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			jsonError(w, "user not found", http.StatusNotFound)
			return
		}
		jsonError(w, "failed to delete user", http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// DashboardStats reports disk usage of the default search root, job counts
// and process stats.
func (h *AdminHandler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	var diskTotal, diskFree, diskUsed uint64
	if h.defaultRoot != "" {
		var stat syscall.Statfs_t
		if err := syscall.Statfs(h.defaultRoot, &stat); err == nil {
			diskTotal = stat.Blocks * uint64(stat.Bsize)
			diskFree = stat.Bavail * uint64(stat.Bsize)
			diskUsed = diskTotal - diskFree
		}
	}

	var memStat runtime.MemStats
	runtime.ReadMemStats(&memStat)

	jobCounts, err := h.queue.CountByStatus()
	if err != nil {
		h.logger.Error().Err(err).Msg("count jobs")
		jobCounts = map[job.JobStatus]int{}
	}

	users, _ := h.db.ListUsers()

	jsonResponse(w, map[string]interface{}{
		"storage": map[string]interface{}{
			"root":  h.defaultRoot,
			"total": diskTotal,
			"used":  diskUsed,
			"free":  diskFree,
		},
		"system": map[string]interface{}{
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
			"uptime_seconds": int(time.Since(startTime).Seconds()),
			"mem_alloc":      memStat.Alloc,
			"mem_sys":        memStat.Sys,
		},
		"jobs":       jobCounts,
		"user_count": len(users),
	}, http.StatusOK)
}
