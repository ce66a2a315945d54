// Package config defines the global configuration structure for the
// entitlement engine. Configuration is loaded once at process initialization
// and is immutable thereafter. It follows 12-Factor App principles by
// strictly separating code from configuration.
//
// Values are resolved from the OS environment, with a local .env file as a
// development convenience. Any missing required value or invalid format
// causes the application to fail immediately on startup.
package config

import (
	"entitle/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the service. It is
// populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"entitle-api"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server   ServerConfig
	Database DatabaseConfig
	Dues     DuesConfig
	Notify   NotifyConfig
	AWS      AWSConfig
	Billing  BillingConfig
	Metrics  MetricsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns int32 `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns int32 `envconfig:"DB_MIN_CONNS" default:"2"`
}

// DuesConfig holds the association's due-date conventions and bulk issuance
// tuning.
type DuesConfig struct {
	// AnnualDueMonth/AnnualDueDay place the default due date for annual
	// dues (the association convention is March 31).
	AnnualDueMonth int `envconfig:"DUES_ANNUAL_MONTH" default:"3" validate:"min=1,max=12"`
	AnnualDueDay   int `envconfig:"DUES_ANNUAL_DAY" default:"31" validate:"min=1,max=31"`
	// MonthlyDueDay is the day-of-month for monthly dues, clamped to the
	// last day of short months.
	MonthlyDueDay int `envconfig:"DUES_MONTHLY_DAY" default:"10" validate:"min=1,max=31"`
	// BulkConcurrency bounds the fan-out of bulk issuance. Each member's
	// create is independently idempotent, so parallelism is safe.
	BulkConcurrency int `envconfig:"DUES_BULK_CONCURRENCY" default:"4" validate:"min=1,max=64"`
}

// NotifyConfig holds settings for the outbound notification queue.
type NotifyConfig struct {
	QueueURL string `envconfig:"SQS_NOTIFICATIONS" validate:"omitempty,url"`
	// Disabled short-circuits dispatch entirely (local development).
	Disabled bool `envconfig:"NOTIFY_DISABLED" default:"false"`
}

// AWSConfig holds AWS regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"eu-central-1"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// BillingConfig holds Stripe payment integration credentials. Online
// payment is optional; when the keys are absent the checkout endpoint is
// not mounted and payments are recorded manually by admins.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	CheckoutSuccessURL  string       `envconfig:"CHECKOUT_SUCCESS_URL" validate:"omitempty,url"`
	CheckoutCancelURL   string       `envconfig:"CHECKOUT_CANCEL_URL" validate:"omitempty,url"`
}

// StripeEnabled reports whether online payment is configured.
func (b BillingConfig) StripeEnabled() bool {
	return b.StripeSecretKey.Unmask() != ""
}

// MetricsConfig holds CloudWatch metric emission settings.
type MetricsConfig struct {
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"Entitle"`
	Disabled  bool   `envconfig:"METRICS_DISABLED" default:"false"`
}
