package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	AuthMode          string        `mapstructure:"AUTH_MODE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBSchema          string        `mapstructure:"DB_SCHEMA"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	EchsAPIBaseURL    string        `mapstructure:"ECHS_API_BASE_URL"`
	EchsAPIToken      string        `mapstructure:"ECHS_API_TOKEN"`
	EchsAPITimeout    time.Duration `mapstructure:"ECHS_API_TIMEOUT"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthRequiredRoles []string      `mapstructure:"AUTH_REQUIRED_ROLES"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MaxBodyBytes      int64         `mapstructure:"MAX_BODY_BYTES"`
	MaxUploadBytes    int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	BlobStore         string        `mapstructure:"BLOBSTORE"`
	S3Bucket          string        `mapstructure:"S3_BUCKET"`
	S3Region          string        `mapstructure:"S3_REGION"`
	S3Endpoint        string        `mapstructure:"S3_ENDPOINT"`
	S3Prefix          string        `mapstructure:"S3_PREFIX"`
	S3AccessKeyID     string        `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `mapstructure:"S3_SECRET_ACCESS_KEY"`
	TLSEnabled        bool          `mapstructure:"TLS_ENABLED"`
	TLSCertFile       string        `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile        string        `mapstructure:"TLS_KEY_FILE"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DATABASE_URL", "DB_SCHEMA", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"ECHS_API_BASE_URL", "ECHS_API_TOKEN", "ECHS_API_TIMEOUT",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_REQUIRED_ROLES",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "MAX_BODY_BYTES", "MAX_UPLOAD_BYTES",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BLOBSTORE", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PREFIX",
	"S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // auto-detect from ENV and auth settings
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ECHS_API_TIMEOUT", "60s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "90s")
	v.SetDefault("MAX_BODY_BYTES", 1<<20)
	v.SetDefault("MAX_UPLOAD_BYTES", 60<<20)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("BLOBSTORE", "memory")
	v.SetDefault("S3_REGION", "ap-south-1")
	v.SetDefault("S3_PREFIX", "submissions")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = splitList([]string{v.GetString("CORS_ORIGINS")})
	}
	cfg.AuthRequiredRoles = splitList(cfg.AuthRequiredRoles)
	cfg.BlobStore = strings.ToLower(strings.TrimSpace(cfg.BlobStore))

	if cfg.EchsAPIBaseURL == "" {
		return nil, fmt.Errorf("ECHS_API_BASE_URL is required")
	}

	if cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; the X-User-ID header selects the user.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: Set ENV=production and configure AUTH_SIGNING_KEY or AUTH_ISSUER.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList flattens comma-separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesDatabase reports whether sessions are persisted in PostgreSQL. Without
// DATABASE_URL the server keeps sessions in memory.
func (c *Config) UsesDatabase() bool {
	return c.DatabaseURL != ""
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development            → "development" (header-selected dev user)
//   - AUTH_SIGNING_KEY set       → "shared" (HS256 tokens)
//   - AUTH_ISSUER/AUTH_JWKS_URL  → "external" (OIDC provider keys)
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	if c.AuthSigningKey != "" {
		return "shared"
	}
	return "external"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verification source must be configured so real authentication is
// enforced.
func (c *Config) Validate() error {
	u, err := url.Parse(c.EchsAPIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ECHS_API_BASE_URL must be an absolute URL, got %q", c.EchsAPIBaseURL)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
	case "shared":
		if c.AuthSigningKey == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY must be set when AUTH_MODE is \"shared\"")
		}
	case "external":
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf(
				"AUTH_SIGNING_KEY, AUTH_ISSUER or AUTH_JWKS_URL must be set outside development (current ENV=%q). "+
					"Refusing to start without authentication configuration", c.Env)
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\", \"shared\", or \"external\", got %q", mode)
	}

	switch c.BlobStore {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOBSTORE is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOBSTORE must be \"memory\" or \"s3\", got %q", c.BlobStore)
	}

	if c.EchsAPITimeout <= 0 {
		return fmt.Errorf("ECHS_API_TIMEOUT must be positive, got %s", c.EchsAPITimeout)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
