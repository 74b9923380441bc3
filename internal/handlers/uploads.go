package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carawoo/mereal/internal/platform/auth"
	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/observability"
	"github.com/carawoo/mereal/internal/services"
)

const maxUploadRequestBodySize = 4 * 1024

type createUploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type uploadPayload struct {
	ID          string `json:"id"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	ExpiresAt   string `json:"expiresAt"`
	CreatedAt   string `json:"createdAt"`
}

type uploadSlotPayload struct {
	Upload       uploadPayload     `json:"upload"`
	UploadURL    string            `json:"uploadUrl"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	URLExpiresAt string            `json:"urlExpiresAt"`
	FileURL      string            `json:"fileUrl"`
}

// UploadHandlers issues signed upload slots for design files.
type UploadHandlers struct {
	authn       *auth.Authenticator
	uploads     services.UploadService
	idempotency Middleware
}

// NewUploadHandlers constructs the /uploads handlers.
func NewUploadHandlers(authn *auth.Authenticator, uploads services.UploadService, idempotency Middleware) *UploadHandlers {
	return &UploadHandlers{
		authn:       authn,
		uploads:     uploads,
		idempotency: idempotency,
	}
}

// Routes registers the /uploads endpoints.
func (h *UploadHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(), observability.CaptureIdentity, identityRateLimit)
	}
	r.With(nonNil(h.idempotency)...).Post("/", h.createUpload)
}

func (h *UploadHandlers) createUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.uploads == nil {
		writeUnavailable(ctx, w, "upload service")
		return
	}
	identity, ok := requireIdentity(r)
	if !ok {
		writeUnauthenticated(ctx, w)
		return
	}

	var req createUploadRequest
	if !decodeJSONBody(w, r, maxUploadRequestBodySize, &req) {
		return
	}

	slot, err := h.uploads.CreateUpload(ctx, services.CreateUploadCommand{
		UserID:      identity.UID,
		FileName:    strings.TrimSpace(req.FileName),
		ContentType: strings.TrimSpace(req.ContentType),
		Size:        req.Size,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, uploadSlotPayload{
		Upload: uploadPayload{
			ID:          slot.Upload.ID,
			FileName:    slot.Upload.FileName,
			ContentType: slot.Upload.ContentType,
			Size:        slot.Upload.Size,
			ExpiresAt:   formatTime(slot.Upload.ExpiresAt),
			CreatedAt:   formatTime(slot.Upload.CreatedAt),
		},
		UploadURL:    slot.UploadURL,
		Method:       slot.Method,
		Headers:      slot.Headers,
		URLExpiresAt: formatTime(slot.URLExpiry),
		FileURL:      slot.FileURL,
	})
}
