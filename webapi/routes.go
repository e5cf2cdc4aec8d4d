package webapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/ggoodman/botfleet/accounts"
	"github.com/ggoodman/botfleet/internal/webauth"
	"github.com/ggoodman/botfleet/sessions"
	"github.com/ggoodman/botfleet/supervisor"
	"github.com/ggoodman/botfleet/transport"
	"github.com/julienschmidt/httprouter"
)

type createRequest struct {
	// Credentials is the credential snapshot, either inline JSON or a JSON
	// document encoded as a string.
	Credentials json.RawMessage `json:"credentials"`
	BotName     string          `json:"botName"`
	BotAdmin    string          `json:"botAdmin"`
	BotPrefix   string          `json:"botPrefix"`
	Username    string          `json:"username"`
	Password    string          `json:"password"`
}

type createResponse struct {
	Data  string `json:"data"`
	Token string `json:"token"`
	BotID string `json:"botid"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req createRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(bytes.TrimSpace(req.Credentials)) == 0 || req.Username == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "credentials, username, and password are required")
		return
	}
	snapshot, err := normalizeSnapshot(req.Credentials)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "the provided credentials are in the wrong format")
		return
	}

	meta := &supervisor.Metadata{
		Username: req.Username,
		Password: req.Password,
		BotName:  req.BotName,
		Prefix:   req.BotPrefix,
	}
	if req.BotAdmin != "" {
		meta.Admins = []string{req.BotAdmin}
	}
	sess, err := h.sup.StartSession(ctx, transport.Credentials{Snapshot: snapshot}, meta)
	if err != nil {
		h.log.WarnContext(ctx, "webapi.create.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, createErrorMessage(err))
		return
	}

	token, err := h.issueToken(r, sess.AccountID())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, createResponse{
		Data:  fmt.Sprintf("Logged in %s successfully", sess.Identity().Name),
		Token: token,
		BotID: sess.AccountID(),
	})
}

func createErrorMessage(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrAuthFailure):
		return "invalid credentials"
	case errors.Is(err, supervisor.ErrAccountAlreadyLinked):
		return "account is already logged in"
	case errors.Is(err, supervisor.ErrIdentityNotFound):
		return "unable to locate the account"
	case errors.Is(err, supervisor.ErrSessionActive):
		return "account is already logged in"
	}
	return "failed to start session"
}

// normalizeSnapshot unwraps a snapshot that was posted as a JSON string and
// returns compact JSON.
func normalizeSnapshot(raw json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// issueToken signs a fresh dashboard token and stores it on the record.
func (h *Handler) issueToken(r *http.Request, accountID string) (string, error) {
	token, err := h.tokens.Issue(accountID)
	if err != nil {
		h.log.ErrorContext(r.Context(), "webapi.token.issue.fail", slog.String("err", err.Error()))
		return "", err
	}
	if err := h.store.Update(r.Context(), accountID, accounts.Patch{Token: &token}); err != nil {
		h.log.ErrorContext(r.Context(), "webapi.token.store.fail", slog.String("err", err.Error()))
		return "", err
	}
	return token, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	BotID string `json:"botid"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	rec, err := h.store.FindByUsername(r.Context(), req.Username)
	if err != nil {
		if !isNotFound(err) {
			h.log.ErrorContext(r.Context(), "webapi.login.lookup.fail", slog.String("err", err.Error()))
		}
		writeJSONError(w, http.StatusBadRequest, "wrong username or password")
		return
	}
	if err := webauth.CheckPassword(rec.PasswordHash, req.Password); err != nil {
		writeJSONError(w, http.StatusBadRequest, "wrong username or password")
		return
	}
	token, err := h.issueToken(r, rec.AccountID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "an error occurred during login")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, BotID: rec.AccountID})
}

type botRequest struct {
	BotID string `json:"botid"`
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req botRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BotID == "" {
		writeJSONError(w, http.StatusBadRequest, "botid is required")
		return
	}
	if err := h.sup.Terminate(r.Context(), req.BotID); err != nil {
		if !errors.Is(err, supervisor.ErrNotLoggedIn) {
			h.log.ErrorContext(r.Context(), "webapi.logout.fail", slog.String("err", err.Error()))
		}
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("can't log out bot %s, maybe the bot is not logged in", req.BotID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": fmt.Sprintf("Logged out %s successfully", req.BotID)})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.sup.Active())
}

func (h *Handler) handleCommands(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, h.sup.Commands())
}

type profileResponse struct {
	Name       string `json:"name"`
	UID        string `json:"uid"`
	ThumbSrc   string `json:"thumbSrc"`
	ProfileURL string `json:"profileUrl"`
	BotName    string `json:"botname"`
	BotPrefix  string `json:"botprefix"`
	Admins     int    `json:"admins"`
}

func (h *Handler) handleProfileData(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req botRequest
	if err := decode(r, &req); err != nil || req.BotID == "" {
		h.servePage(w, r, http.StatusUnauthorized, notFoundPage)
		return
	}
	rec, err := h.store.FindByID(r.Context(), req.BotID)
	if err != nil {
		h.servePage(w, r, http.StatusUnauthorized, notFoundPage)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		Name:       rec.DisplayName,
		UID:        rec.AccountID,
		ThumbSrc:   rec.AvatarURL,
		ProfileURL: rec.ProfileURL,
		BotName:    rec.BotName,
		BotPrefix:  rec.CommandPrefix,
		Admins:     len(rec.Admins),
	})
}

func (h *Handler) handleProfilePage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	q := r.URL.Query()
	token, botID := q.Get("token"), q.Get("botid")
	if token == "" || botID == "" {
		h.servePage(w, r, http.StatusUnauthorized, notFoundPage)
		return
	}
	rec, err := h.store.FindByID(r.Context(), botID)
	if err != nil || rec.Token != token {
		h.servePage(w, r, http.StatusUnauthorized, notFoundPage)
		return
	}
	if err := h.tokens.VerifyFor(token, botID); err != nil {
		h.servePage(w, r, http.StatusUnauthorized, notFoundPage)
		return
	}
	h.servePage(w, r, http.StatusOK, profilePage)
}

type configureRequest struct {
	BotID   string `json:"botId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (h *Handler) handleConfigure(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx := r.Context()
	var req configureRequest
	if err := decode(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.BotID == "" || req.Content == "" || req.Type == "" {
		writeJSONError(w, http.StatusBadRequest, "botId, content, and type are required")
		return
	}
	rec, err := h.store.FindByID(ctx, req.BotID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bot %s not found", req.BotID))
		return
	}

	var patch accounts.Patch
	var apply func(*sessions.Settings)
	switch req.Type {
	case "prefix":
		patch.CommandPrefix = &req.Content
		apply = func(s *sessions.Settings) { s.Prefix = req.Content }
	case "botname":
		patch.BotName = &req.Content
		apply = func(s *sessions.Settings) { s.BotName = req.Content }
	case "admin":
		admins := rec.Admins
		if !slices.Contains(admins, req.Content) {
			admins = append(admins, req.Content)
		}
		patch.Admins = &admins
		apply = func(s *sessions.Settings) {
			if !slices.Contains(s.Admins, req.Content) {
				s.Admins = append(s.Admins, req.Content)
			}
		}
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid type: %s", req.Type))
		return
	}

	if err := h.store.Update(ctx, req.BotID, patch); err != nil {
		h.log.ErrorContext(ctx, "webapi.configure.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to edit %s", req.Type))
		return
	}
	if err := h.sup.Configure(ctx, req.BotID, apply); err != nil && !errors.Is(err, supervisor.ErrNotLoggedIn) {
		h.log.WarnContext(ctx, "webapi.configure.live.fail", slog.String("err", err.Error()))
	}
	writeJSON(w, http.StatusOK, map[string]string{"data": fmt.Sprintf("Edited %s successfully", req.Type)})
}
