package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID":    "mereal-dev",
		"API_DATABASE_URL":           "postgres://localhost:5432/mereal",
		"API_STORAGE_UPLOADS_BUCKET": "mereal-uploads-dev",
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.Timezone != "Asia/Seoul" || cfg.Server.Location().String() != "Asia/Seoul" {
		t.Errorf("expected Asia/Seoul business timezone, got %q", cfg.Server.Timezone)
	}
	if cfg.Firestore.ProjectID != "mereal-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Payments.GatewayTimeout != 10*time.Second {
		t.Errorf("expected gateway timeout 10s, got %s", cfg.Payments.GatewayTimeout)
	}
	if cfg.Payments.DefaultProvider != "toss" {
		t.Errorf("expected toss provider, got %s", cfg.Payments.DefaultProvider)
	}
	if cfg.Payments.TossBaseURL != defaultTossBaseURL {
		t.Errorf("unexpected toss base url %s", cfg.Payments.TossBaseURL)
	}
	if cfg.Uploads.MaxBytes != 10<<20 {
		t.Errorf("expected 10MB upload limit, got %d", cfg.Uploads.MaxBytes)
	}
	if cfg.Uploads.TTL != 7*24*time.Hour {
		t.Errorf("expected 7 day upload ttl, got %s", cfg.Uploads.TTL)
	}
	if !slices.Equal(cfg.Uploads.AllowedExtensions, defaultUploadExtensions) {
		t.Errorf("unexpected default extensions %v", cfg.Uploads.AllowedExtensions)
	}
	if cfg.Events.Backend != "log" {
		t.Errorf("expected log events backend, got %s", cfg.Events.Backend)
	}
	if !cfg.Database.AutoMigrate {
		t.Errorf("expected auto migrate by default")
	}
	if cfg.RateLimits.DefaultPerMinute != 120 {
		t.Errorf("unexpected default rate limit: %d", cfg.RateLimits.DefaultPerMinute)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Backend != "memory" {
		t.Errorf("expected memory idempotency backend, got %s", cfg.Idempotency.Backend)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := baseEnv()
	for key, value := range map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_PUBLIC_BASE_URL":       "https://print.example.com/",
		"API_DATABASE_URL":                 "sm://db/url",
		"API_PAYMENTS_DEFAULT_PROVIDER":    "Stripe",
		"API_PAYMENTS_GATEWAY_TIMEOUT":     "3s",
		"API_PAYMENTS_TOSS_SECRET_KEY":     "secret://toss/secret",
		"API_PAYMENTS_STRIPE_API_KEY":      "sk_test_plain",
		"API_UPLOADS_ALLOWED_EXTENSIONS":   ".PDF, png",
		"API_EVENTS_BACKEND":               "kafka",
		"API_EVENTS_KAFKA_BROKERS":         "k1:9092, k2:9092",
		"API_EVENTS_KAFKA_TOPIC":           "orders",
		"API_IDEMPOTENCY_BACKEND":          "redis",
		"API_REDIS_ADDR":                   "localhost:6379",
		"API_SECURITY_ENVIRONMENT":         "PROD",
		"API_SECURITY_OIDC_AUDIENCES":      "prod=https://api.example.com,dev=https://dev.example.com",
		"API_SECURITY_HMAC_SECRETS":        "toss=secret://hmac/toss",
		"API_IDEMPOTENCY_CLEANUP_BATCH":    "50",
		"API_IDEMPOTENCY_CLEANUP_INTERVAL": "30m",
	} {
		env[key] = value
	}

	resolved := map[string]string{
		"secret://db/url":      "postgres://prod/mereal",
		"secret://toss/secret": "test_sk_toss",
		"secret://hmac/toss":   "whsec",
	}
	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		value, ok := resolved[ref]
		if !ok {
			return "", errors.New("unknown ref")
		}
		return value, nil
	})

	cfg, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithSecretResolver(resolver),
		WithRequiredSecrets("Payments.TossSecretKey", "Security.HMAC.Secrets[toss]"),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.PublicBaseURL != "https://print.example.com" {
		t.Errorf("expected trimmed base url, got %s", cfg.Server.PublicBaseURL)
	}
	if cfg.Database.URL != "postgres://prod/mereal" {
		t.Errorf("expected resolved database url, got %s", cfg.Database.URL)
	}
	if cfg.Payments.DefaultProvider != "stripe" {
		t.Errorf("expected stripe provider, got %s", cfg.Payments.DefaultProvider)
	}
	if cfg.Payments.GatewayTimeout != 3*time.Second {
		t.Errorf("expected 3s gateway timeout, got %s", cfg.Payments.GatewayTimeout)
	}
	if cfg.Payments.TossSecretKey != "test_sk_toss" {
		t.Errorf("expected resolved toss secret, got %s", cfg.Payments.TossSecretKey)
	}
	if cfg.Payments.StripeAPIKey != "sk_test_plain" {
		t.Errorf("expected plain stripe key, got %s", cfg.Payments.StripeAPIKey)
	}
	if !slices.Equal(cfg.Uploads.AllowedExtensions, []string{"pdf", "png"}) {
		t.Errorf("expected normalised extensions, got %v", cfg.Uploads.AllowedExtensions)
	}
	if !slices.Equal(cfg.Events.KafkaBrokers, []string{"k1:9092", "k2:9092"}) {
		t.Errorf("unexpected brokers %v", cfg.Events.KafkaBrokers)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "https://api.example.com" {
		t.Errorf("expected audience from environment map, got %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Security.HMAC.Secrets["toss"] != "whsec" {
		t.Errorf("expected resolved hmac secret, got %q", cfg.Security.HMAC.Secrets["toss"])
	}
	if cfg.Idempotency.CleanupBatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.Idempotency.CleanupBatchSize)
	}
	if cfg.Idempotency.CleanupInterval != 30*time.Minute {
		t.Errorf("expected cleanup interval 30m, got %s", cfg.Idempotency.CleanupInterval)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_EVENTS_BACKEND":      "kafka",
		"API_IDEMPOTENCY_BACKEND": "redis",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"Firebase.ProjectID", "Database.URL", "Storage.UploadsBucket", "Events.KafkaBrokers", "Events.KafkaTopic", "Redis.Addr"} {
		if !slices.Contains(vErr.Fields(), field) {
			t.Errorf("expected %s in validation fields %v", field, vErr.Fields())
		}
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	env := baseEnv()
	env["API_PAYMENTS_DEFAULT_PROVIDER"] = "paypal"
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) || !slices.Contains(vErr.Fields(), "Payments.DefaultProvider") {
		t.Fatalf("expected provider validation error, got %v", err)
	}
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	env := baseEnv()
	env["API_SERVER_TIMEZONE"] = "Mars/Olympus"
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) || !slices.Contains(vErr.Fields(), "Server.Timezone") {
		t.Fatalf("expected timezone validation error, got %v", err)
	}
}

func TestLoadSecretResolverFailure(t *testing.T) {
	env := baseEnv()
	env["API_PAYMENTS_TOSS_SECRET_KEY"] = "sm://toss/secret"
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected SecretError, got %v", err)
	}
	if sErr.Ref != "secret://toss/secret" {
		t.Fatalf("expected normalised ref, got %s", sErr.Ref)
	}
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected resolver not configured error, got %v", err)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Payments.TossSecretKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Payments.TossSecretKey" {
		t.Fatalf("unexpected missing names %v", names)
	}
	if redacted := missing.RedactedNames(); len(redacted) != 1 || redacted[0] == "Payments.TossSecretKey" {
		t.Fatalf("expected redacted names, got %v", redacted)
	}
}

func TestLoadPanicsOnMissingSecretsWhenRequested(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	_, _ = Load(context.Background(),
		WithEnvMap(baseEnv()),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Payments.StripeAPIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestLoadReadsDotEnvWithLowestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local overrides\n" +
		"export API_FIREBASE_PROJECT_ID=from-dotenv\n" +
		"API_DATABASE_URL=\"postgres://dotenv/mereal\"\n" +
		"API_STORAGE_UPLOADS_BUCKET='dotenv-bucket'\n" +
		"API_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(path),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "6060"}),
	)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "from-dotenv" {
		t.Errorf("expected project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Database.URL != "postgres://dotenv/mereal" {
		t.Errorf("expected quoted value unwrapped, got %s", cfg.Database.URL)
	}
	if cfg.Storage.UploadsBucket != "dotenv-bucket" {
		t.Errorf("expected single-quoted value unwrapped, got %s", cfg.Storage.UploadsBucket)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected explicit map to win over dotenv, got %s", cfg.Server.Port)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("A=dotenv\nB=dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"B": "map"}))
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["A"] != "dotenv" || values["B"] != "map" {
		t.Fatalf("unexpected merged values %v", values)
	}
}
