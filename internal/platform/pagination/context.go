package pagination

import (
	"context"
	"net/http"

	"github.com/carawoo/mereal/internal/platform/httpx"
)

type contextKey string

const paramsContextKey contextKey = "github.com/carawoo/mereal/internal/platform/pagination/params"

// WithParams stores the parsed pagination parameters on the context.
func WithParams(ctx context.Context, params Params) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, paramsContextKey, params)
}

// FromContext retrieves parameters stored by WithParams.
func FromContext(ctx context.Context) (Params, bool) {
	if ctx == nil {
		return Params{}, false
	}
	params, ok := ctx.Value(paramsContextKey).(Params)
	return params, ok
}

// FromContextOrDefault returns stored parameters, or page 1 with the default page size.
func FromContextOrDefault(ctx context.Context) Params {
	params, _ := FromContext(ctx)
	return Must(params)
}

// Middleware parses page and pageSize once per request. Invalid values are rejected with a
// validation error before the handler runs.
func Middleware(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			params, err := FromRequest(r, opts)
			if err != nil {
				httpx.WriteError(r.Context(), w, httpx.NewError(httpx.KindValidation, err.Error(), http.StatusBadRequest))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParams(r.Context(), params)))
		})
	}
}
