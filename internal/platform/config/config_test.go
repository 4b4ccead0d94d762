package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orderflow-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.CheckoutRateLimit != 10 || cfg.Server.CheckoutRateWindow != time.Minute {
		t.Errorf("unexpected checkout rate limit: %d per %s", cfg.Server.CheckoutRateLimit, cfg.Server.CheckoutRateWindow)
	}
	if len(cfg.PSP.CurrencyRoutes) != 0 {
		t.Errorf("expected no currency routes, got %v", cfg.PSP.CurrencyRoutes)
	}
	if cfg.Firestore.ProjectID != "orderflow-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "orderflow-dev" {
		t.Errorf("expected pubsub project to default to firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.Datastore.Backend != BackendFirestore || cfg.Datastore.Ledger != BackendFirestore {
		t.Errorf("expected firestore backends, got %+v", cfg.Datastore)
	}
	if cfg.Lifecycle.CancelGraceWindow != 30*time.Minute {
		t.Errorf("unexpected cancel grace window: %s", cfg.Lifecycle.CancelGraceWindow)
	}
	if cfg.Lifecycle.MinDeliveryDelay != 72*time.Hour {
		t.Errorf("unexpected min delivery delay: %s", cfg.Lifecycle.MinDeliveryDelay)
	}
	if cfg.Lifecycle.AutoDeliverAfter != 14*24*time.Hour {
		t.Errorf("unexpected auto deliver delay: %s", cfg.Lifecycle.AutoDeliverAfter)
	}
	if cfg.Lifecycle.MaxConcurrencyRetries != 5 {
		t.Errorf("unexpected concurrency retries: %d", cfg.Lifecycle.MaxConcurrencyRetries)
	}
	if cfg.Jobs.Lease != 2*time.Minute || cfg.Jobs.BatchSize != 25 || cfg.Jobs.MaxAttempts != 8 {
		t.Errorf("unexpected job defaults: %+v", cfg.Jobs)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.PSP.DefaultProvider != "stripe" {
		t.Errorf("expected stripe default provider, got %s", cfg.PSP.DefaultProvider)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                       "9090",
		"API_FIREBASE_PROJECT_ID":               "orderflow-prod",
		"API_FIRESTORE_PROJECT_ID":              "orderflow-fire",
		"API_DATASTORE_LEDGER":                  "redis",
		"API_REDIS_ADDR":                        "redis:6379",
		"API_REDIS_PASSWORD":                    "sm://redis/password",
		"API_REDIS_DB":                          "2",
		"API_PSP_STRIPE_API_KEY":                "secret://stripe/api",
		"API_PSP_STRIPE_WEBHOOK_SECRET":         "secret://stripe/webhook",
		"API_PSP_SIGNED_SECRETS":                "Acme=secret://acme/hmac, local=plain",
		"API_LIFECYCLE_CANCEL_GRACE_WINDOW":     "10m",
		"API_LIFECYCLE_REQUIRED_APPROVALS":      "2",
		"API_JOBS_ENABLED":                      "false",
		"API_STORAGE_WEBHOOK_ARCHIVE_BUCKET":    "webhooks-prod",
		"API_SECURITY_ENVIRONMENT":              "PROD",
		"API_SECURITY_OIDC_AUDIENCES":           "prod=https://orderflow.example.com",
		"API_SECURITY_OIDC_ISSUERS":             "https://issuer.example.com",
		"API_LIFECYCLE_MAX_CONCURRENCY_RETRIES": "3",
	}

	resolver := SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
		switch ref {
		case "secret://stripe/api":
			return "sk_live", nil
		case "secret://stripe/webhook":
			return "whsec_live", nil
		case "secret://redis/password":
			return "redis-pass", nil
		case "secret://acme/hmac":
			return "acme-key", nil
		}
		return "", errors.New("unexpected ref " + ref)
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "orderflow-fire" {
		t.Errorf("expected firestore override, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Datastore.Backend != BackendFirestore || cfg.Datastore.Ledger != BackendRedis {
		t.Errorf("unexpected datastore config: %+v", cfg.Datastore)
	}
	if cfg.Redis.Password != "redis-pass" || cfg.Redis.DB != 2 {
		t.Errorf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.PSP.StripeAPIKey != "sk_live" || cfg.PSP.StripeWebhookSecret != "whsec_live" {
		t.Errorf("stripe secrets not resolved: %+v", cfg.PSP)
	}
	if cfg.PSP.SignedSecrets["acme"] != "acme-key" || cfg.PSP.SignedSecrets["local"] != "plain" {
		t.Errorf("unexpected signed secrets: %v", cfg.PSP.SignedSecrets)
	}
	if cfg.Lifecycle.CancelGraceWindow != 10*time.Minute || cfg.Lifecycle.RequiredApprovals != 2 {
		t.Errorf("unexpected lifecycle config: %+v", cfg.Lifecycle)
	}
	if cfg.Lifecycle.MaxConcurrencyRetries != 3 {
		t.Errorf("expected 3 concurrency retries, got %d", cfg.Lifecycle.MaxConcurrencyRetries)
	}
	if cfg.Jobs.Enabled {
		t.Errorf("expected jobs disabled")
	}
	if cfg.Storage.WebhookArchiveBucket != "webhooks-prod" {
		t.Errorf("unexpected archive bucket: %s", cfg.Storage.WebhookArchiveBucket)
	}
	if cfg.Security.Environment != "prod" {
		t.Errorf("expected lower-cased environment, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "https://orderflow.example.com" {
		t.Errorf("expected environment audience, got %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("expected issuer override, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# local\nexport API_FIREBASE_PROJECT_ID=\"from-dotenv\"\nAPI_SERVER_PORT=7070\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load(context.Background(), WithoutSystemEnv(), WithEnvFile(path), WithEnvMap(map[string]string{
		"API_SERVER_PORT": "6060",
	}))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Firebase.ProjectID != "from-dotenv" {
		t.Errorf("expected dotenv project, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Server.Port != "6060" {
		t.Errorf("expected explicit map to win over dotenv, got %s", cfg.Server.Port)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_DATASTORE_LEDGER":       "redis",
		"API_JOBS_BATCH_SIZE":        "0",
		"API_DATASTORE_BACKEND":      "firestore",
		"API_LIFECYCLE_APPROVAL_TTL": "0s",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := map[string]bool{
		"Firestore.ProjectID":   false,
		"Redis.Addr":            false,
		"Jobs.BatchSize":        false,
		"Lifecycle.ApprovalTTL": false,
	}
	for _, field := range vErr.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in %v", field, vErr.Fields())
		}
	}
}

func TestLoadMemoryBackendNeedsNoProject(t *testing.T) {
	env := map[string]string{"API_DATASTORE_BACKEND": "memory"}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Datastore.Ledger != BackendMemory {
		t.Fatalf("expected ledger to follow backend, got %s", cfg.Datastore.Ledger)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orderflow-dev",
		"API_PSP_STRIPE_API_KEY":  "secret://stripe/api",
	}
	boom := errors.New("boom")
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(SecretResolverFunc(func(context.Context, string) (string, error) {
			return "", boom
		})))
	var sErr *SecretError
	if !errors.As(err, &sErr) {
		t.Fatalf("expected secret error, got %v", err)
	}
	if sErr.Ref != "secret://stripe/api" {
		t.Fatalf("unexpected ref %s", sErr.Ref)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped resolver error")
	}
}

func TestLoadWithoutResolverFailsOnReference(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "orderflow-dev",
		"API_PSP_STRIPE_API_KEY":  "sm://stripe/api",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if !errors.Is(err, errSecretResolverNotConfigured) {
		t.Fatalf("expected resolver not configured, got %v", err)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{"API_FIREBASE_PROJECT_ID": "orderflow-dev"}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeWebhookSecret", "PSP.StripeAPIKey", "PSP.StripeAPIKey"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected missing secrets error, got %v", err)
	}
	names := missing.Names()
	if len(names) != 2 || names[0] != "PSP.StripeAPIKey" {
		t.Fatalf("unexpected missing names %v", names)
	}
	if msg := missing.Error(); msg == "" || containsAny(msg, names) {
		t.Fatalf("expected redacted names in %q", msg)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("A=dotenv\nB=dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	values, err := EnvironmentValues(WithoutSystemEnv(), WithEnvFile(path), WithEnvMap(map[string]string{"B": "map"}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}
	if values["A"] != "dotenv" || values["B"] != "map" {
		t.Fatalf("unexpected values %v", values)
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
