package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError lists the fields that are missing or hold unusable values.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field names in the order they were checked.
func (e *ValidationError) Fields() []string {
	return slices.Clone(e.fields)
}

type rule struct {
	field string
	ok    func(Config) bool
}

var rules = []rule{
	{"Server.Port", func(c Config) bool { return c.Server.Port != "" }},
	{"Firebase.ProjectID", func(c Config) bool { return c.Firebase.ProjectID != "" }},
	{"Firestore.ProjectID", func(c Config) bool { return c.Firestore.ProjectID != "" }},
	{"Redis.DB", func(c Config) bool { return c.Redis.DB >= 0 }},
	{"Payments.GatewayTimeout", func(c Config) bool { return c.Payments.GatewayTimeout > 0 }},
	{"Payments.RedirectUnitFactor", func(c Config) bool { return c.Payments.RedirectUnitFactor > 0 }},
	{"Payments.RedirectBaseURL", func(c Config) bool { return absoluteURL(c.Payments.RedirectBaseURL) }},
	{"Payments.StripeWebhookSecret", func(c Config) bool {
		// Intent lookups are only served behind the webhook gateway.
		return c.Payments.StripeAPIKey == "" || c.Payments.StripeWebhookSecret != ""
	}},
	{"Orders.NumberPrefix", func(c Config) bool { return c.Orders.NumberPrefix != "" }},
	{"Orders.TrackingPrefix", func(c Config) bool { return c.Orders.TrackingPrefix != "" }},
	{"Orders.Currency", func(c Config) bool { return len(c.Orders.Currency) == 3 }},
	{"Orders.UpdateAttempts", func(c Config) bool { return c.Orders.UpdateAttempts > 0 }},
	{"Orders.MaxLineQuantity", func(c Config) bool { return c.Orders.MaxLineQuantity > 0 }},
	{"Pricing.ShippingStandard", func(c Config) bool { return c.Pricing.ShippingStandard >= 0 }},
	{"Pricing.ShippingExpress", func(c Config) bool { return c.Pricing.ShippingExpress >= 0 }},
	{"Pricing.ShippingSameDay", func(c Config) bool { return c.Pricing.ShippingSameDay >= 0 }},
	{"Pricing.FreeShippingOver", func(c Config) bool { return c.Pricing.FreeShippingOver >= 0 }},
	{"Pricing.TaxRateBasisPoints", func(c Config) bool {
		return c.Pricing.TaxRateBasisPoints >= 0 && c.Pricing.TaxRateBasisPoints <= 10000
	}},
	{"Guest.TokenTTL", func(c Config) bool { return c.Guest.TokenTTL > 0 }},
	{"Guest.AttemptLimit", func(c Config) bool { return c.Guest.AttemptLimit > 0 }},
	{"Guest.AttemptWindow", func(c Config) bool { return c.Guest.AttemptWindow > 0 }},
	{"Idempotency.Header", func(c Config) bool { return c.Idempotency.Header != "" }},
	{"Idempotency.TTL", func(c Config) bool { return c.Idempotency.TTL > 0 }},
	{"Idempotency.CleanupInterval", func(c Config) bool { return c.Idempotency.CleanupInterval > 0 }},
	{"Idempotency.CleanupBatchSize", func(c Config) bool { return c.Idempotency.CleanupBatchSize > 0 }},
}

// validate checks every rule, then appends fields whose raw value failed to parse.
func (c Config) validate(unparsable []string) error {
	var fields []string
	for _, r := range rules {
		if !r.ok(c) {
			fields = append(fields, r.field)
		}
	}
	for _, field := range unparsable {
		if !slices.Contains(fields, field) {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &ValidationError{fields: fields}
}

// absoluteURL accepts an empty value, since the redirect gateway is optional.
func absoluteURL(raw string) bool {
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
