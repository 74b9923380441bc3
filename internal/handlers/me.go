package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/observability"
	"github.com/carawoo/mereal/internal/platform/requestctx"
	"github.com/carawoo/mereal/internal/services"
)

const defaultBodyLimit = 64 * 1024

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

// MeHandlers serves endpoints scoped to the signed-in user.
type MeHandlers struct {
	authn  *auth.Authenticator
	admins services.AdminService
}

// NewMeHandlers constructs the /me handlers.
func NewMeHandlers(authn *auth.Authenticator, admins services.AdminService) *MeHandlers {
	return &MeHandlers{
		authn:  authn,
		admins: admins,
	}
}

// Routes registers the /me endpoints.
func (h *MeHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(), observability.CaptureIdentity, identityRateLimit)
	}
	r.Get("/admin", h.getAdmin)
}

func (h *MeHandlers) getAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.admins == nil {
		writeUnavailable(ctx, w, "admin service")
		return
	}
	identity, ok := requireIdentity(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	admin, isAdmin, err := h.admins.CheckAdminPermission(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if !isAdmin {
		httpx.WriteError(ctx, w, httpx.NewError(httpx.KindNotFound, "caller is not an admin", http.StatusNotFound))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAdminUserPayload(admin))
}

// requireIdentity returns the Firebase identity with a non-empty uid.
func requireIdentity(r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		return nil, false
	}
	return identity, true
}

// requestLocale prefers the negotiated request locale, then the token's locale claim.
func requestLocale(r *http.Request) string {
	if locale := strings.TrimSpace(requestctx.Locale(r.Context())); locale != "" {
		return locale
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		return strings.TrimSpace(identity.Locale)
	}
	return ""
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads at most limit bytes into dst, writing the failure envelope itself.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if err != nil {
		writeBodyError(r.Context(), w, err)
		return false
	}
	return unmarshalInto(w, r, body, dst)
}

// decodeOptionalJSONBody is decodeJSONBody for endpoints where the body may be omitted.
func decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	body, err := readLimitedBody(r, limit)
	if errors.Is(err, errEmptyBody) {
		return true
	}
	if err != nil {
		writeBodyError(r.Context(), w, err)
		return false
	}
	return unmarshalInto(w, r, body, dst)
}

func unmarshalInto(w http.ResponseWriter, r *http.Request, body []byte, dst any) bool {
	if err := json.Unmarshal(body, dst); err != nil {
		writeValidation(r.Context(), w, "invalid JSON body")
		return false
	}
	return true
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}
