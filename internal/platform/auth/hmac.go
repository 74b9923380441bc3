package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew    = 5 * time.Minute
	defaultNonceTTL     = 5 * time.Minute
	maxSignedBodyBytes  = 1 << 20
	signatureAlgoPrefix = "v1="
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves secrets already resolved at configuration time.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok || strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("auth: secret %q not configured", name)
	}
	return secret, nil
}

// HMACValidator verifies signed webhook requests.
//
// Signed message: METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body)), HMAC-SHA256 with the
// named secret, sent base64 or hex encoded, optionally prefixed with "v1=".
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          discardLogger{},
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock, primarily for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders customises the header names used by the middleware.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL customises the nonce retention duration.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// HMACMetadata describes the verified signature for downstream handlers.
type HMACMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type hmacContextKey struct{}

// HMACMetadataFromContext retrieves metadata stored by RequireHMAC.
func HMACMetadataFromContext(ctx context.Context) (*HMACMetadata, bool) {
	meta, ok := ctx.Value(hmacContextKey{}).(*HMACMetadata)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

type signatureRejection struct {
	status int
	reason string
	msg    string
}

func (e *signatureRejection) Error() string { return e.reason + ": " + e.msg }

func reject(status int, reason, msg string) *signatureRejection {
	return &signatureRejection{status: status, reason: reason, msg: msg}
}

// RequireHMAC enforces a valid signature made with the named secret. The body is restored for the
// next handler.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			start := v.now()
			meta, rejection := v.verify(r, secretName)
			if rejection != nil {
				if rejection.status >= http.StatusInternalServerError {
					v.logger.Printf("auth: webhook signature check unavailable: %s", rejection.Error())
				}
				v.record(ctx, false, rejection.reason, start)
				respondAuthError(ctx, w, rejection.status, rejection.reason, rejection.msg)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, hmacContextKey{}, meta)))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, secretName string) (*HMACMetadata, *signatureRejection) {
	ctx := r.Context()
	if secretName == "" || v.provider == nil {
		return nil, reject(http.StatusServiceUnavailable, "secret_not_configured", "webhook secret not configured")
	}
	secret, err := v.provider.GetSecret(ctx, secretName)
	if err != nil || secret == "" {
		return nil, reject(http.StatusServiceUnavailable, "secret_unavailable", "webhook secret unavailable")
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	switch {
	case signatureValue == "":
		return nil, reject(http.StatusUnauthorized, "signature_missing", "signature header missing")
	case timestampValue == "":
		return nil, reject(http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing")
	case nonce == "":
		return nil, reject(http.StatusUnauthorized, "nonce_missing", "signature nonce missing")
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return nil, reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return nil, reject(http.StatusBadRequest, "body_unreadable", "unable to read signed body")
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return nil, reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
	}
	expected := computeHMAC([]byte(secret), canonicalMessage(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return nil, reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
	}

	// Nonces are consumed only after the signature matches.
	if v.nonces == nil {
		return nil, reject(http.StatusServiceUnavailable, "nonce_store_unavailable", "nonce store unavailable")
	}
	expiry := timestamp.Add(v.clockSkew + v.nonceTTL)
	if expiry.Before(v.now()) {
		expiry = v.now().Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		return nil, reject(http.StatusServiceUnavailable, "nonce_store_error", "nonce storage error")
	}
	if !fresh {
		return nil, reject(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
	}

	return &HMACMetadata{SecretName: secretName, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

// SignRequest computes the signature header value a sender attaches. Tests and local tooling use it.
func SignRequest(secret []byte, method, path string, body []byte, timestamp, nonce string) string {
	r := &http.Request{Method: method, URL: &url.URL{Path: path}}
	return base64.StdEncoding.EncodeToString(computeHMAC(secret, canonicalMessage(r, body, timestamp, nonce)))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBodyBytes {
		return nil, errors.New("auth: signed body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, signatureAlgoPrefix)
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		// Millisecond epochs are 13 digits.
		if len(value) >= 13 {
			return time.UnixMilli(seconds).UTC(), nil
		}
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func canonicalMessage(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := "/"
	if r.URL != nil && r.URL.EscapedPath() != "" {
		path = r.URL.EscapedPath()
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
