package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/seanlee111/wechat-listener/internal/store"
	"github.com/seanlee111/wechat-listener/internal/workflow"
	"github.com/seanlee111/wechat-listener/pkg/backup"
	"github.com/seanlee111/wechat-listener/pkg/validate"
)

// Server provides the HTTP API.
type Server struct {
	store     store.Store
	manager   *workflow.Manager
	validator *validate.Validator
	backups   *backup.Service
	port      int
}

// New creates a new HTTP server.
func New(s store.Store, manager *workflow.Manager, validator *validate.Validator, backups *backup.Service, port int) *Server {
	if port == 0 {
		port = 8080
	}
	return &Server{
		store:     s,
		manager:   manager,
		validator: validator,
		backups:   backups,
		port:      port,
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/messages", s.handleMessages)
	mux.HandleFunc("/api/v1/validate", s.handleValidate)
	mux.HandleFunc("/api/v1/dedup", s.handleDedup)
	mux.HandleFunc("/api/v1/backups", s.handleBackups)

	addr := fmt.Sprintf(":%d", s.port)
	fmt.Printf("wechat-listener server listening on %s\n", addr)
	return http.ListenAndServe(addr, mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	status, err := s.manager.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	opts := store.CleanListOpts{Limit: 100}
	if group := r.URL.Query().Get("group"); group != "" {
		opts.Group = group
	}
	if sender := r.URL.Query().Get("sender"); sender != "" {
		opts.Sender = sender
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = t
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			opts.Limit = n
		}
	}

	msgs, err := s.store.ListClean(r.Context(), opts)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  msgs,
		"count": len(msgs),
	})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	result := s.validator.ValidateDatabase(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDedup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if err := s.manager.DedupOnly(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "completed",
		"stats":  s.manager.Stats(),
	})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		records, err := s.backups.List(r.Context(), "")
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data":  records,
			"count": len(records),
		})
	case http.MethodPost:
		path, err := s.manager.BackupOnly(r.Context(), "api request")
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "created", "path": path})
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
