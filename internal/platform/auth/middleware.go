package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/carawoo/mereal/internal/platform/httpx"
)

const (
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultNameClaim     = "name"
	defaultVerifyTimeout = 5 * time.Second
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator wires Firebase token verification into HTTP middleware.
type Authenticator struct {
	verifier TokenVerifier
	metrics  MetricsRecorder
	now      func() time.Time

	localeClaim string
	requireMail bool
	timeout     time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithLocaleClaim overrides the claim used to populate Identity.Locale.
func WithLocaleClaim(claim string) Option {
	return func(a *Authenticator) {
		if claim = strings.TrimSpace(claim); claim != "" {
			a.localeClaim = claim
		}
	}
}

// WithRequiredEmail rejects tokens that carry no email claim. Orders are keyed on the owner email.
func WithRequiredEmail() Option {
	return func(a *Authenticator) {
		a.requireMail = true
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAuthMetrics records verification outcomes.
func WithAuthMetrics(metrics MetricsRecorder) Option {
	return func(a *Authenticator) {
		a.metrics = metrics
	}
}

// NewAuthenticator constructs a Firebase Authenticator for middleware composition.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:    verifier,
		now:         time.Now,
		localeClaim: defaultLocaleClaim,
		timeout:     defaultVerifyTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth verifies the Authorization bearer token and stores the Identity on the context.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			if a != nil {
				start = a.now()
			}
			tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				a.record(r.Context(), false, "token_missing", start)
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "token_missing", "authorization header missing or invalid")
				return
			}
			if a == nil || a.verifier == nil {
				respondAuthError(r.Context(), w, http.StatusServiceUnavailable, "verifier_unavailable", "authorization service unavailable")
				return
			}

			ctx := r.Context()
			if a.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, a.timeout)
				defer cancel()
			}

			token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
			if err != nil {
				reason := verificationReason(err)
				a.record(r.Context(), false, reason, start)
				respondAuthError(r.Context(), w, http.StatusUnauthorized, reason, "firebase id token verification failed")
				return
			}

			identity := &Identity{
				UID:           token.UID,
				Email:         strings.ToLower(claimAsString(token.Claims, defaultEmailClaim)),
				EmailVerified: claimAsBool(token.Claims, "email_verified"),
				Name:          claimAsString(token.Claims, defaultNameClaim),
				Locale:        claimAsString(token.Claims, a.localeClaim),
				token:         token,
			}
			if identity.Locale == "" && a.localeClaim != defaultLocaleClaim {
				identity.Locale = claimAsString(token.Claims, defaultLocaleClaim)
			}
			if a.requireMail && identity.Email == "" {
				a.record(r.Context(), false, "email_missing", start)
				respondAuthError(r.Context(), w, http.StatusUnauthorized, "email_missing", "token carries no email")
				return
			}

			a.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if a == nil || a.metrics == nil {
		return
	}
	a.metrics.RecordVerification(ctx, "firebase", success, reason, a.now().Sub(start))
}

func verificationReason(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		return "token_expired"
	case firebaseauth.IsIDTokenRevoked(err):
		return "token_revoked"
	case errors.Is(err, context.DeadlineExceeded):
		return "verifier_timeout"
	default:
		return "token_invalid"
	}
}

func claimAsString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func claimAsBool(claims map[string]interface{}, key string) bool {
	v, _ := claims[key].(bool)
	return v
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(ctx context.Context, w http.ResponseWriter, status int, reason, message string) {
	kind := httpx.KindUnauthenticated
	switch {
	case status == http.StatusForbidden:
		kind = httpx.KindForbidden
	case status == http.StatusBadRequest:
		kind = httpx.KindValidation
	case status >= http.StatusInternalServerError:
		kind = httpx.KindInternal
	}
	httpx.WriteError(ctx, w, httpx.NewError(kind, message, status).WithDetails(map[string]any{"reason": reason}))
}
