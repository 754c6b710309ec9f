package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"teletherapy-calls/pkg/utils"
)

// Config holds all configuration required by the signaling API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Calls CallsConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CallsConfig tunes the signaling protocol per deployment.
// Durations left at zero get env-dependent defaults in Validate().
type CallsConfig struct {
	// Store selects the call record store backend: redis or memory.
	Store string

	// RingTimeout is how long the caller rings one candidate before moving on.
	RingTimeout time.Duration
	// AutoDeclineTimeout is how long an incoming call rings before it is missed.
	AutoDeclineTimeout time.Duration
	// CancelTimeout bounds the best-effort cancel issued on timeout or hang-up.
	CancelTimeout time.Duration
	// RecordTTL is how long call records are retained in the store.
	RecordTTL time.Duration

	SubscribeRetries    int
	SubscribeBackoff    time.Duration
	SubscribeMaxBackoff time.Duration
}

const (
	CallStoreRedis  = "redis"
	CallStoreMemory = "memory"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	{
		d, err := optionalDuration("JWT_ACCESS_TTL")
		c.Auth.AccessTokenTTL, parseErrs = appendParseErr(parseErrs, d, err)
		d, err = optionalDuration("JWT_REFRESH_TTL")
		c.Auth.RefreshTokenTTL, parseErrs = appendParseErr(parseErrs, d, err)
	}

	parseErrs = append(parseErrs, readCalls(&c.Calls)...)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Calls.Store == "" {
		c.Calls.Store = CallStoreRedis
	}
	switch c.Calls.Store {
	case CallStoreRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	case CallStoreMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("CALL_STORE=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("CALL_STORE must be one of redis, memory, got %q", c.Calls.Store))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.Calls.validate(c.IsProduction())...)

	return joinErrors(errs)
}

// LoadCalls reads only the CALL_* settings, for processes that drive calls
// through the API instead of serving them. env picks the defaults the way
// APP_ENV does for Load.
func LoadCalls(env string) (CallsConfig, error) {
	if !isValidEnv(env) {
		return CallsConfig{}, fmt.Errorf("env must be one of local, dev, staging, production, got %q", env)
	}
	var c CallsConfig
	if err := joinErrors(readCalls(&c)); err != nil {
		return CallsConfig{}, err
	}
	if err := joinErrors(c.validate(env == "production")); err != nil {
		return CallsConfig{}, err
	}
	return c, nil
}

// SubscribePolicy is the resubscribe schedule for lost feeds.
func (c CallsConfig) SubscribePolicy() utils.Backoff {
	return utils.Backoff{Attempts: c.SubscribeRetries, Initial: c.SubscribeBackoff, Max: c.SubscribeMaxBackoff}
}

// readCalls reads CALL_*; call timings are optional and defaulted in validate.
func readCalls(c *CallsConfig) []error {
	var errs []error
	c.Store = strings.TrimSpace(os.Getenv("CALL_STORE"))

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CALL_RING_TIMEOUT", &c.RingTimeout},
		{"CALL_AUTO_DECLINE_TIMEOUT", &c.AutoDeclineTimeout},
		{"CALL_CANCEL_TIMEOUT", &c.CancelTimeout},
		{"CALL_RECORD_TTL", &c.RecordTTL},
		{"CALL_SUBSCRIBE_BACKOFF", &c.SubscribeBackoff},
		{"CALL_SUBSCRIBE_MAX_BACKOFF", &c.SubscribeMaxBackoff},
	}
	for _, d := range durations {
		v, err := optionalDuration(d.key)
		*d.dst, errs = appendParseErr(errs, v, err)
	}

	n, err := optionalInt("CALL_SUBSCRIBE_RETRIES")
	c.SubscribeRetries, errs = appendParseErr(errs, n, err)
	return errs
}

func (c *CallsConfig) validate(production bool) []error {
	c.applyDefaults(production)
	if c.SubscribeMaxBackoff < c.SubscribeBackoff {
		return []error{errors.New("CALL_SUBSCRIBE_MAX_BACKOFF must be >= CALL_SUBSCRIBE_BACKOFF")}
	}
	return nil
}

// applyDefaults fills unset call timings. Non-production builds ring for
// less time so the candidate walk can be exercised quickly.
func (c *CallsConfig) applyDefaults(production bool) {
	if c.RingTimeout <= 0 {
		if production {
			c.RingTimeout = 30 * time.Second
		} else {
			c.RingTimeout = 10 * time.Second
		}
	}
	if c.AutoDeclineTimeout <= 0 {
		if production {
			c.AutoDeclineTimeout = 30 * time.Second
		} else {
			c.AutoDeclineTimeout = 15 * time.Second
		}
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 3 * time.Second
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if c.SubscribeRetries <= 0 {
		c.SubscribeRetries = 5
	}
	if c.SubscribeBackoff <= 0 {
		c.SubscribeBackoff = 500 * time.Millisecond
	}
	if c.SubscribeMaxBackoff <= 0 {
		c.SubscribeMaxBackoff = 5 * time.Second
		if c.SubscribeMaxBackoff < c.SubscribeBackoff {
			c.SubscribeMaxBackoff = c.SubscribeBackoff
		}
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr[T any](errs []error, v T, err error) (T, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
