package config

import (
	"net/netip"
	"strings"
	"unicode"

	validation "github.com/jellydator/validation"
)

// MinSecretLength is the shortest accepted CSRF secret.
const MinSecretLength = 32

var forbiddenSecretParts = []string{
	"your-secret-key",
	"change-this",
	"example",
	"secret",
	"password",
	"12345",
	"test",
	"demo",
	"changeme",
}

// Validate checks the configuration for consistency and weak secrets.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Environment,
			validation.Required,
			validation.In(EnvDevelopment, EnvProduction).Error("must be development or production"),
		),
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.CSRFSecret,
			validation.When(c.IsProduction(), validation.Required.Error("is required in production")),
			validation.By(secretStrength),
		),
		validation.Field(&c.Storage),
		validation.Field(&c.RateLimit),
		validation.Field(&c.Stats),
		validation.Field(&c.TrustedProxies, validation.Each(validation.By(validateProxy))),
		validation.Field(&c.Principals,
			validation.When(c.IsProduction(), validation.Empty.Error("static principals are not allowed in production")),
			validation.Each(validation.By(validatePrincipal)),
		),
	)
}

func (s StorageConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Driver,
			validation.Required,
			validation.In(DriverMemory, DriverMongo, DriverPostgres),
		),
		validation.Field(&s.MongoURI, validation.When(s.Driver == DriverMongo, validation.Required)),
		validation.Field(&s.MongoDatabase, validation.When(s.Driver == DriverMongo, validation.Required)),
		validation.Field(&s.DBUrl, validation.When(s.Driver == DriverPostgres, validation.Required)),
		validation.Field(&s.MigrationsDir, validation.When(s.Driver == DriverPostgres, validation.Required)),
	)
}

// Validate accepts rps 0, which turns rate limiting off.
func (r RateLimitConfig) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RPS, validation.Min(0.0)),
		validation.Field(&r.Burst, validation.When(r.RPS > 0, validation.Required, validation.Min(1))),
	)
}

func (s StatsConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.MaxKeys, validation.Required, validation.Min(10)),
	)
}

// validateProxy accepts a single IP or a CIDR prefix.
func validateProxy(value interface{}) error {
	s, _ := value.(string)
	if _, err := netip.ParsePrefix(s); err == nil {
		return nil
	}
	if _, err := netip.ParseAddr(s); err == nil {
		return nil
	}
	return validation.NewError("validation_proxy", "must be an IP address or CIDR prefix")
}

func validatePrincipal(value interface{}) error {
	p, ok := value.(Principal)
	if !ok {
		return validation.NewError("validation_principal_type", "must be a principal")
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Token, validation.Required, validation.Length(16, 0)),
		validation.Field(&p.UID, validation.Required),
	)
}

// ValidateSecret applies the secret strength rule to s. Empty is accepted;
// whether empty is allowed depends on the environment.
func ValidateSecret(s string) error {
	return secretStrength(s)
}

func secretStrength(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	lower := strings.ToLower(s)
	for _, part := range forbiddenSecretParts {
		if strings.Contains(lower, part) {
			return validation.NewError("validation_secret_forbidden", "contains the forbidden value '"+part+"'")
		}
	}
	if len(s) < MinSecretLength {
		return validation.NewError("validation_secret_length", "must be at least 32 characters long")
	}
	if isAlnum(s) {
		return validation.NewError("validation_secret_simple", "must mix letters, digits and symbols")
	}
	return nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
