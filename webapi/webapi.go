// Package webapi is the dashboard HTTP front-end: account creation and login,
// logout, profile and settings endpoints, the public listings of live sessions
// and loaded commands, and the static dashboard pages.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/commands"
	"github.com/ggoodman/botfleet/internal/logctx"
	"github.com/ggoodman/botfleet/internal/webauth"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/supervisor"
	"github.com/ggoodman/botfleet/transport"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const (
	notFoundPage = "notFound.html"
	profilePage  = "profile.html"
	// Static assets are served from this subdirectory of the public dir.
	assetsDir = "main"

	maxBodyBytes   = 1 << 20
	requestTimeout = 30 * time.Second
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Supervisor is the part of the session supervisor the front-end drives.
type Supervisor interface {
	StartSession(ctx context.Context, creds transport.Credentials, meta *supervisor.Metadata) (*sessions.Session, error)
	Terminate(ctx context.Context, accountID string) error
	Configure(ctx context.Context, accountID string, fn func(*sessions.Settings)) error
	Active() []sessions.Summary
	Commands() []commands.Summary
}

// Config wires the handler's collaborators.
type Config struct {
	Supervisor Supervisor
	Store      accounts.Store
	Tokens     *webauth.Tokens
	// PublicDir holds notFound.html, profile.html and the main/ asset tree.
	PublicDir string
	// LogHandler is an optional slog.Handler. If nil, logging is discarded.
	LogHandler slog.Handler
}

// Handler serves the dashboard API.
type Handler struct {
	sup       Supervisor
	store     accounts.Store
	tokens    *webauth.Tokens
	publicDir string
	assets    http.Handler
	router    *httprouter.Router
	log       *slog.Logger
}

// New validates cfg and builds the route table.
func New(cfg Config) (*Handler, error) {
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("tokens are required")
	}
	logHandler := slog.DiscardHandler
	if cfg.LogHandler != nil {
		logHandler = cfg.LogHandler
	}

	h := &Handler{
		sup:       cfg.Supervisor,
		store:     cfg.Store,
		tokens:    cfg.Tokens,
		publicDir: cfg.PublicDir,
		assets:    http.FileServer(http.Dir(filepath.Join(cfg.PublicDir, assetsDir))),
		router:    httprouter.New(),
		log:       slog.New(logHandler),
	}

	r := h.router
	r.POST("/create", h.jsonOnly(h.handleCreate))
	r.POST("/login", h.jsonOnly(h.handleLogin))
	r.POST("/logout", h.jsonOnly(h.handleLogout))
	r.POST("/configure", h.jsonOnly(h.handleConfigure))
	r.POST("/profile", h.jsonOnly(h.handleProfileData))
	r.GET("/profile", h.handleProfilePage)
	r.GET("/info", h.handleInfo)
	r.GET("/commands", h.handleCommands)
	r.NotFound = http.HandlerFunc(h.handleStatic)
	r.HandleMethodNotAllowed = false
	r.PanicHandler = func(w http.ResponseWriter, r *http.Request, rec any) {
		h.log.ErrorContext(r.Context(), "http.panic", slog.Any("panic", rec))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	reqID := r.Header.Get("X-Request-Id")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  reqID,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	w.Header().Set("X-Request-Id", reqID)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	h.router.ServeHTTP(sw, r.WithContext(ctx))
	h.log.InfoContext(ctx, "http.request",
		slog.Int("status", sw.status),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
}

// jsonOnly rejects bodies that are not application/json.
func (h *Handler) jsonOnly(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeJSONError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next(w, r, ps)
	}
}

func (h *Handler) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		if h.assetExists(r.URL.Path) {
			h.assets.ServeHTTP(w, r)
			return
		}
	}
	h.servePage(w, r, http.StatusNotFound, notFoundPage)
}

func (h *Handler) assetExists(urlPath string) bool {
	if h.publicDir == "" {
		return false
	}
	p := filepath.Join(h.publicDir, assetsDir, filepath.FromSlash(filepath.Clean("/"+urlPath)))
	fi, err := os.Stat(p)
	if err != nil {
		return false
	}
	if fi.IsDir() {
		_, err = os.Stat(filepath.Join(p, "index.html"))
		return err == nil
	}
	return true
}

// servePage writes one of the top-level HTML pages with status.
func (h *Handler) servePage(w http.ResponseWriter, r *http.Request, status int, name string) {
	body, err := os.ReadFile(filepath.Join(h.publicDir, name))
	if err != nil {
		h.log.WarnContext(r.Context(), "http.page.missing", slog.String("page", name), slog.String("err", err.Error()))
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func isNotFound(err error) bool { return errors.Is(err, accounts.ErrNotFound) }
