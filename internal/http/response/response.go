package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/docg1701/iam-dashboard/internal/service"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    meta        `json:"meta"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Meta: buildMeta(r)})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: &apiError{Code: code, Message: message, Details: details}, Meta: buildMeta(r)})
}

// ServiceError translates the service-layer error taxonomy to HTTP exactly
// once, at the boundary. Handlers pass errors through untouched.
func ServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *service.LockedError
	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", fmt.Sprintf("%d", locked.RetryAfter(time.Now())))
		Error(w, r, http.StatusLocked, "ACCOUNT_LOCKED", "account temporarily locked", map[string]any{
			"locked_until": locked.Until.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, service.ErrTwoFactorRequired):
		Error(w, r, http.StatusBadRequest, "TWO_FACTOR_REQUIRED", "2FA code required", nil)
	case errors.Is(err, service.ErrTwoFactorSetupExpired):
		Error(w, r, http.StatusBadRequest, "TWO_FACTOR_SETUP_EXPIRED", "2FA setup expired, request a new one", nil)
	case errors.Is(err, service.ErrUserInactive):
		Error(w, r, http.StatusNotFound, "USER_NOT_FOUND", "user not found or inactive", nil)
	case errors.Is(err, service.ErrUnauthorized):
		Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials or token", nil)
	case errors.Is(err, service.ErrStoreUnavailable):
		Error(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "session store unavailable", nil)
	default:
		Error(w, r, http.StatusInternalServerError, "INTERNAL", "internal server error", nil)
	}
}

func buildMeta(r *http.Request) meta {
	id := chimiddleware.GetReqID(r.Context())
	if id == "" {
		id = r.Header.Get("X-Request-Id")
	}
	if id == "" {
		id = "req-unknown"
	}
	return meta{RequestID: id, Timestamp: time.Now().UTC()}
}
