package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/apexgate/apexgate/config"
	"github.com/apexgate/apexgate/internal/errors"
	"github.com/apexgate/apexgate/internal/logging"
)

// Handlers serves the /auth/* credential endpoints.
type Handlers struct {
	store          *Store
	verifier       *Verifier
	includeDetails bool
}

// NewHandlers creates the auth endpoint handlers. includeDetails
// controls error detail exposure (off in production).
func NewHandlers(store *Store, verifier *Verifier, includeDetails bool) *Handlers {
	return &Handlers{
		store:          store,
		verifier:       verifier,
		includeDetails: includeDetails,
	}
}

// Register mounts the auth endpoints on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/login", h.Login)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("GET /auth/profile", h.Profile)
	mux.HandleFunc("POST /auth/api-keys", h.CreateAPIKey)
}

func (h *Handlers) writeError(w http.ResponseWriter, gerr *errors.GatewayError) {
	gerr.WriteJSON(w, h.includeDetails)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Login authenticates a username/password pair and mints a JWT.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		h.writeError(w, errors.ErrBadRequest.WithMessage("username and password are required"))
		return
	}

	user, ok := h.store.Authenticate(body.Username, body.Password)
	if !ok {
		h.writeError(w, errors.ErrUnauthorized.WithMessage("Invalid credentials"))
		return
	}

	token, err := h.verifier.MintToken(user)
	if err != nil {
		logging.Error("token mint failed", zap.Error(err))
		h.writeError(w, errors.ErrInternalServer)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"username":    user.Username,
			"permissions": user.Permissions,
		},
	})
}

func bearerToken(r *http.Request) string {
	token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token
}

// Logout blacklists the presented bearer token.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.writeError(w, errors.ErrUnauthorized.WithMessage("Bearer token required"))
		return
	}
	if _, gerr := h.verifier.VerifyToken(token); gerr != nil {
		h.writeError(w, gerr)
		return
	}

	h.verifier.Revoke(token)
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// Refresh blacklists the old token and issues a fresh one. JWT only.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		h.writeError(w, errors.ErrUnauthorized.WithMessage("Bearer token required"))
		return
	}
	principal, gerr := h.verifier.VerifyToken(token)
	if gerr != nil {
		h.writeError(w, gerr)
		return
	}

	user, ok := h.store.User(principal.ID)
	if !ok {
		h.writeError(w, errors.ErrUnauthorized.WithMessage("Unknown user"))
		return
	}

	fresh, err := h.verifier.MintToken(user)
	if err != nil {
		logging.Error("token mint failed", zap.Error(err))
		h.writeError(w, errors.ErrInternalServer)
		return
	}
	h.verifier.Revoke(token)

	writeJSON(w, http.StatusOK, map[string]string{"token": fresh})
}

// Profile returns the authenticated principal.
func (h *Handlers) Profile(w http.ResponseWriter, r *http.Request) {
	principal, gerr := h.verifier.Verify(r)
	if gerr != nil {
		h.writeError(w, gerr)
		return
	}
	writeJSON(w, http.StatusOK, principal)
}

// CreateAPIKey mints an API key record. Admin only.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	principal, gerr := h.verifier.Verify(r)
	if gerr != nil {
		h.writeError(w, gerr)
		return
	}
	if !principal.IsAdmin() {
		h.writeError(w, errors.ErrForbidden.WithMessage("admin permission required"))
		return
	}

	var body struct {
		Name        string          `json:"name"`
		Permissions []string        `json:"permissions"`
		QuotaLimit  int             `json:"quotaLimit"`
		QuotaWindow config.Duration `json:"quotaWindow"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		h.writeError(w, errors.ErrBadRequest.WithMessage("name is required"))
		return
	}
	if len(body.Permissions) == 0 {
		body.Permissions = []string{PermRead}
	}

	rec := h.store.CreateKey(body.Name, body.Permissions, body.QuotaLimit, time.Duration(body.QuotaWindow))
	logging.Info("api key created",
		zap.String("name", rec.Name),
		zap.String("by", principal.ID))
	writeJSON(w, http.StatusCreated, rec)
}
