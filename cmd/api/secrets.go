package main

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storefront/api/internal/platform/secrets"
)

const defaultSecretFallbackFile = ".secrets.local"

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	get := func(key string) string { return strings.TrimSpace(env[key]) }

	opts := []secrets.Option{
		secrets.WithEnvironment(strings.ToLower(valueOr(get("API_ENVIRONMENT"), "local"))),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(valueOr(get("API_SECRET_FALLBACK_FILE"), defaultSecretFallbackFile)),
	}
	if projects := secretProjectMapFromEnv(env); len(projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(projects))
	}
	if project := valueOr(get("API_SECRET_DEFAULT_PROJECT_ID"), get("API_FIREBASE_PROJECT_ID")); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}
	if pins := secretVersionPinsFromEnv(env); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if creds := get("API_FIREBASE_CREDENTIALS_FILE"); creds != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(creds)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the secrets the process refuses to start without. Gateway
// credentials are only required once the matching gateway is configured.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Guest.TokenSecret"}
	conditional := []struct{ trigger, secret string }{
		{"API_PAYMENTS_STRIPE_WEBHOOK_SECRET", "Payments.StripeWebhookSecret"},
		{"API_PAYMENTS_REDIRECT_BASE_URL", "Payments.RedirectMerchantID"},
		{"API_REDIS_PASSWORD", "Redis.Password"},
	}
	for _, c := range conditional {
		if strings.TrimSpace(env[c.trigger]) != "" {
			required = append(required, c.secret)
		}
	}
	slices.Sort(required)
	return slices.Compact(required)
}

// secretProjectMapFromEnv parses API_SECRET_PROJECT_IDS ("prod=store-prod,stg=store-stg").
func secretProjectMapFromEnv(env map[string]string) map[string]string {
	projects := make(map[string]string)
	for label, project := range pairs(env["API_SECRET_PROJECT_IDS"]) {
		projects[strings.ToLower(label)] = project
	}
	return projects
}

// secretVersionPinsFromEnv parses API_SECRET_VERSION_PINS. Each key is a reference, optionally
// prefixed with an environment label ("prod:payments/stripe=3"); bare names and sm:// are
// normalised to secret://.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range pairs(env["API_SECRET_VERSION_PINS"]) {
		var label string
		if before, after, ok := strings.Cut(ref, ":"); ok && !strings.HasPrefix(after, "//") {
			label = strings.ToLower(strings.TrimSpace(before)) + ":"
			ref = strings.TrimSpace(after)
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[label+ref] = version
	}
	return pins
}

// pairs splits a comma separated list of key=value entries, skipping malformed ones.
func pairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
