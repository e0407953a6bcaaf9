package webhook

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fvsync/fvsync/internal/logging"
)

const maxBodyBytes = 4 << 20

// Handler serves webhook deliveries over HTTP.
type Handler struct {
	router *Router
	secret []byte
}

// NewHandler returns a Handler. When secret is non-empty every request
// must carry an HS256 bearer token signed with it.
func NewHandler(router *Router, secret string) *Handler {
	h := &Handler{router: router}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if h.secret != nil {
		if err := h.authorize(r); err != nil {
			logging.WithContext(r.Context()).Warn("webhook rejected", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
		return
	}

	evt := ParseEvent(raw, r.Header.Clone())
	resp := h.router.Route(r.Context(), evt)
	writeJSON(w, resp.Status, resp.Body)
}

// Protect applies the same bearer check to another handler.
func (h *Handler) Protect(next http.Handler) http.Handler {
	if h.secret == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.authorize(r); err != nil {
			logging.WithContext(r.Context()).Warn("request rejected", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authorize(r *http.Request) error {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return fmt.Errorf("missing bearer token")
	}
	token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(*jwt.Token) (any, error) {
		return h.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
