package handlers

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/carawoo/mereal/internal/platform/httpx"
	"github.com/carawoo/mereal/internal/platform/requestctx"
	"github.com/carawoo/mereal/internal/repositories"
	"github.com/carawoo/mereal/internal/services"
)

var serviceErrorKinds = []struct {
	target error
	kind   string
	status int
	// generic replaces the error text whenever a repository error is in the chain.
	generic string
}{
	{services.ErrValidation, httpx.KindValidation, http.StatusBadRequest, "request rejected"},
	{services.ErrNotFound, httpx.KindNotFound, http.StatusNotFound, "resource not found"},
	{services.ErrForbidden, httpx.KindForbidden, http.StatusForbidden, "access denied"},
	{services.ErrVerificationFailed, httpx.KindVerificationFailed, http.StatusPaymentRequired, "payment could not be verified"},
	{services.ErrAmountMismatch, httpx.KindAmountMismatch, http.StatusConflict, "payment amount does not match the order"},
	{services.ErrInvalidTransition, httpx.KindInvalidTransition, http.StatusConflict, "status change not allowed"},
	{services.ErrConflict, httpx.KindConflict, http.StatusConflict, "resource changed concurrently, reload and retry"},
	{services.ErrPersistence, httpx.KindPersistence, http.StatusServiceUnavailable, "storage temporarily unavailable, retry later"},
}

// writeServiceError maps service sentinels onto the failure envelope. Persistence failures, errors
// carrying a repository error, and unclassified errors are logged and replaced with a generic message.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	logger := requestctx.Logger(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		logger.Warn("request aborted", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError(httpx.KindPersistence, "request timed out, retry later", http.StatusServiceUnavailable))
		return
	}
	for _, entry := range serviceErrorKinds {
		if !errors.Is(err, entry.target) {
			continue
		}
		message := err.Error()
		var repoErr repositories.RepositoryError
		switch {
		case entry.target == services.ErrPersistence:
			logger.Error("persistence failure", zap.Error(err))
			message = entry.generic
		case errors.As(err, &repoErr):
			logger.Warn("repository failure", zap.String("kind", entry.kind), zap.Error(err))
			message = entry.generic
		}
		httpx.WriteError(ctx, w, httpx.NewError(entry.kind, message, entry.status))
		return
	}
	logger.Error("unhandled service error", zap.Error(err))
	httpx.WriteError(ctx, w, httpx.NewError(httpx.KindInternal, "internal error", http.StatusInternalServerError))
}

func writeUnauthenticated(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError(httpx.KindUnauthenticated, "authentication required", http.StatusUnauthorized))
}

func writeValidation(ctx context.Context, w http.ResponseWriter, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(httpx.KindValidation, message, http.StatusBadRequest))
}

func writeUnavailable(ctx context.Context, w http.ResponseWriter, name string) {
	httpx.WriteError(ctx, w, httpx.NewError(httpx.KindPersistence, name+" unavailable", http.StatusServiceUnavailable))
}

// writeBodyError reports readLimitedBody failures.
func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError(httpx.KindValidation, "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		writeValidation(ctx, w, "request body is required")
	default:
		writeValidation(ctx, w, "request body could not be read")
	}
}
