// Package config loads skyward runtime configuration from SKYWARD_ prefixed
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envSpecPath           = "SKYWARD_SPEC_PATH"
	envSpecURL            = "SKYWARD_SPEC_URL"
	envStatePath          = "SKYWARD_STATE_PATH"
	envLogLevel           = "SKYWARD_LOG_LEVEL"
	envProbeInterval      = "SKYWARD_PROBE_INTERVAL"
	envCertInterval       = "SKYWARD_CERT_INTERVAL"
	envDegradeAfter       = "SKYWARD_DEGRADE_AFTER"
	envFailAfter          = "SKYWARD_FAIL_AFTER"
	envApplyTimeout       = "SKYWARD_APPLY_TIMEOUT"
	envVerifyTimeout      = "SKYWARD_VERIFY_TIMEOUT"
	envProbeTimeout       = "SKYWARD_PROBE_TIMEOUT"
	envDNSTimeout         = "SKYWARD_DNS_TIMEOUT"
	envSpecTimeout        = "SKYWARD_SPEC_TIMEOUT"
	envRepairBackoffInit  = "SKYWARD_REPAIR_BACKOFF_INITIAL"
	envRepairBackoffMax   = "SKYWARD_REPAIR_BACKOFF_MAX"
	envCertBackoffInit    = "SKYWARD_CERT_BACKOFF_INITIAL"
	envCertBackoffMax     = "SKYWARD_CERT_BACKOFF_MAX"
	envRenewalFraction    = "SKYWARD_RENEWAL_FRACTION"
	envSelfSignedValidity = "SKYWARD_SELF_SIGNED_VALIDITY"
	envACMEDirectoryURL   = "SKYWARD_ACME_DIRECTORY_URL"
	envACMEEmail          = "SKYWARD_ACME_EMAIL"
	envDockerHost         = "SKYWARD_DOCKER_HOST"
	envDNSNameserver      = "SKYWARD_DNS_NAMESERVER"
	envCloudflareToken    = "SKYWARD_CLOUDFLARE_API_TOKEN"
	envCloudflareZone     = "SKYWARD_CLOUDFLARE_ZONE_ID"
	envHealthPort         = "SKYWARD_HEALTH_PORT"
	envMetricsPort        = "SKYWARD_METRICS_PORT"
	envAPIPort            = "SKYWARD_API_PORT"
	envChallengePort      = "SKYWARD_ACME_CHALLENGE_PORT"
	envSlackWebhookURL    = "SKYWARD_SLACK_WEBHOOK_URL"
	envWebhookURL         = "SKYWARD_WEBHOOK_URL"
	envWebhookTemplate    = "SKYWARD_WEBHOOK_TEMPLATE"
	envNATSURL            = "SKYWARD_NATS_URL"
	envNATSSubject        = "SKYWARD_NATS_SUBJECT"
	envDryRun             = "SKYWARD_DRY_RUN"
)

const (
	defaultStatePath          = "/var/lib/skyward/state.json"
	defaultLogLevel           = "info"
	defaultProbeInterval      = 30 * time.Second
	defaultCertInterval       = time.Hour
	defaultDegradeAfter       = 3
	defaultFailAfter          = 3
	defaultApplyTimeout       = 5 * time.Minute
	defaultVerifyTimeout      = 2 * time.Minute
	defaultProbeTimeout       = 10 * time.Second
	defaultDNSTimeout         = 5 * time.Second
	defaultSpecTimeout        = 10 * time.Second
	defaultRepairBackoffInit  = 30 * time.Second
	defaultRepairBackoffMax   = 10 * time.Minute
	defaultCertBackoffInit    = 30 * time.Second
	defaultCertBackoffMax     = 30 * time.Minute
	defaultRenewalFraction    = 1.0 / 3.0
	defaultSelfSignedValidity = 90 * 24 * time.Hour
	defaultACMEDirectoryURL   = "https://acme-v02.api.letsencrypt.org/directory"
	defaultHealthPort         = 8080
	defaultAPIPort            = 8081
	defaultMetricsPort        = 9090
	defaultChallengePort      = 80
)

// Config describes runtime configuration loaded from the environment.
type Config struct {
	SpecPath  string
	SpecURL   string
	StatePath string
	LogLevel  string

	ProbeInterval time.Duration
	CertInterval  time.Duration
	DegradeAfter  int
	FailAfter     int

	ApplyTimeout  time.Duration
	VerifyTimeout time.Duration
	ProbeTimeout  time.Duration
	DNSTimeout    time.Duration
	SpecTimeout   time.Duration

	RepairBackoffInitial time.Duration
	RepairBackoffMax     time.Duration
	CertBackoffInitial   time.Duration
	CertBackoffMax       time.Duration
	RenewalFraction      float64
	SelfSignedValidity   time.Duration

	ACMEDirectoryURL string
	ACMEEmail        string

	DockerHost         string
	DNSNameserver      string
	CloudflareAPIToken string
	CloudflareZoneID   string

	HealthPort  int
	MetricsPort int
	APIPort     int
	// ChallengePort serves ACME HTTP-01 tokens; 0 mounts them on the API port.
	ChallengePort int

	SlackWebhookURL string
	WebhookURL      string
	WebhookTemplate string
	NATSURL         string
	NATSSubject     string
	DryRun          bool
}

// Defaults returns the configuration used when no variable is set.
func Defaults() Config {
	return Config{
		StatePath:            defaultStatePath,
		LogLevel:             defaultLogLevel,
		ProbeInterval:        defaultProbeInterval,
		CertInterval:         defaultCertInterval,
		DegradeAfter:         defaultDegradeAfter,
		FailAfter:            defaultFailAfter,
		ApplyTimeout:         defaultApplyTimeout,
		VerifyTimeout:        defaultVerifyTimeout,
		ProbeTimeout:         defaultProbeTimeout,
		DNSTimeout:           defaultDNSTimeout,
		SpecTimeout:          defaultSpecTimeout,
		RepairBackoffInitial: defaultRepairBackoffInit,
		RepairBackoffMax:     defaultRepairBackoffMax,
		CertBackoffInitial:   defaultCertBackoffInit,
		CertBackoffMax:       defaultCertBackoffMax,
		RenewalFraction:      defaultRenewalFraction,
		SelfSignedValidity:   defaultSelfSignedValidity,
		ACMEDirectoryURL:     defaultACMEDirectoryURL,
		HealthPort:           defaultHealthPort,
		MetricsPort:          defaultMetricsPort,
		APIPort:              defaultAPIPort,
		ChallengePort:        defaultChallengePort,
	}
}

// Load reads configuration from environment variables and a local .env file if present.
// Existing environment variables take precedence over values in .env.
func Load() (Config, error) {
	return LoadWith()
}

// LoadWith is Load with overrides, typically command-line flags, applied
// after the environment and before validation.
func LoadWith(overrides ...func(*Config)) (Config, error) {
	if err := loadDotEnvIfPresent(".env"); err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	p := &parser{}

	p.str(envSpecPath, &cfg.SpecPath)
	p.str(envSpecURL, &cfg.SpecURL)
	p.str(envStatePath, &cfg.StatePath)
	p.str(envLogLevel, &cfg.LogLevel)

	p.duration(envProbeInterval, &cfg.ProbeInterval)
	p.duration(envCertInterval, &cfg.CertInterval)
	p.positiveInt(envDegradeAfter, &cfg.DegradeAfter)
	p.positiveInt(envFailAfter, &cfg.FailAfter)

	p.duration(envApplyTimeout, &cfg.ApplyTimeout)
	p.duration(envVerifyTimeout, &cfg.VerifyTimeout)
	p.duration(envProbeTimeout, &cfg.ProbeTimeout)
	p.duration(envDNSTimeout, &cfg.DNSTimeout)
	p.duration(envSpecTimeout, &cfg.SpecTimeout)

	p.duration(envRepairBackoffInit, &cfg.RepairBackoffInitial)
	p.duration(envRepairBackoffMax, &cfg.RepairBackoffMax)
	p.duration(envCertBackoffInit, &cfg.CertBackoffInitial)
	p.duration(envCertBackoffMax, &cfg.CertBackoffMax)
	p.fraction(envRenewalFraction, &cfg.RenewalFraction)
	p.duration(envSelfSignedValidity, &cfg.SelfSignedValidity)

	p.str(envACMEDirectoryURL, &cfg.ACMEDirectoryURL)
	p.str(envACMEEmail, &cfg.ACMEEmail)
	p.str(envDockerHost, &cfg.DockerHost)
	p.str(envDNSNameserver, &cfg.DNSNameserver)
	p.str(envCloudflareToken, &cfg.CloudflareAPIToken)
	p.str(envCloudflareZone, &cfg.CloudflareZoneID)

	p.port(envHealthPort, &cfg.HealthPort)
	p.port(envMetricsPort, &cfg.MetricsPort)
	p.port(envAPIPort, &cfg.APIPort)
	p.port(envChallengePort, &cfg.ChallengePort)

	p.str(envSlackWebhookURL, &cfg.SlackWebhookURL)
	p.str(envWebhookURL, &cfg.WebhookURL)
	p.str(envWebhookTemplate, &cfg.WebhookTemplate)
	p.str(envNATSURL, &cfg.NATSURL)
	p.str(envNATSSubject, &cfg.NATSSubject)
	p.boolean(envDryRun, &cfg.DryRun)

	if p.err != nil {
		return Config{}, p.err
	}
	for _, override := range overrides {
		override(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SpecPath == "" && c.SpecURL == "" {
		return fmt.Errorf("%s or %s is required", envSpecPath, envSpecURL)
	}
	if c.SpecPath != "" && c.SpecURL != "" {
		return fmt.Errorf("%s and %s are mutually exclusive", envSpecPath, envSpecURL)
	}
	if c.SpecURL != "" {
		if err := validateURL(c.SpecURL, envSpecURL); err != nil {
			return err
		}
	}
	if c.RepairBackoffMax < c.RepairBackoffInitial {
		return fmt.Errorf("%s must not be less than %s", envRepairBackoffMax, envRepairBackoffInit)
	}
	if c.CertBackoffMax < c.CertBackoffInitial {
		return fmt.Errorf("%s must not be less than %s", envCertBackoffMax, envCertBackoffInit)
	}
	if (c.CloudflareAPIToken == "") != (c.CloudflareZoneID == "") {
		return fmt.Errorf("%s and %s must be set together", envCloudflareToken, envCloudflareZone)
	}
	if c.DNSNameserver != "" && c.CloudflareAPIToken != "" {
		return fmt.Errorf("%s and %s are mutually exclusive", envDNSNameserver, envCloudflareToken)
	}

	for name, value := range map[string]string{
		envACMEDirectoryURL: c.ACMEDirectoryURL,
		envSlackWebhookURL:  c.SlackWebhookURL,
		envWebhookURL:       c.WebhookURL,
		envNATSURL:          c.NATSURL,
	} {
		if value == "" {
			continue
		}
		if err := validateURL(value, name); err != nil {
			return err
		}
	}
	return nil
}

type parser struct {
	err error
}

func (p *parser) str(key string, dst *string) {
	if value, ok := lookupTrimmed(key); ok {
		*dst = value
	}
}

func (p *parser) duration(key string, dst *time.Duration) {
	value, ok := lookupTrimmed(key)
	if !ok || p.err != nil {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	if d <= 0 {
		p.err = fmt.Errorf("%s must be greater than zero", key)
		return
	}
	*dst = d
}

func (p *parser) positiveInt(key string, dst *int) {
	value, ok := lookupTrimmed(key)
	if !ok || p.err != nil {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	if n <= 0 {
		p.err = fmt.Errorf("%s must be greater than zero", key)
		return
	}
	*dst = n
}

// port accepts 0 to disable a listener.
func (p *parser) port(key string, dst *int) {
	value, ok := lookupTrimmed(key)
	if !ok || p.err != nil {
		return
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	if n < 0 || n > 65535 {
		p.err = fmt.Errorf("%s must be between 0 and 65535", key)
		return
	}
	*dst = n
}

func (p *parser) fraction(key string, dst *float64) {
	value, ok := lookupTrimmed(key)
	if !ok || p.err != nil {
		return
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	if f <= 0 || f >= 1 {
		p.err = fmt.Errorf("%s must be between 0 and 1 exclusive", key)
		return
	}
	*dst = f
}

func (p *parser) boolean(key string, dst *bool) {
	value, ok := lookupTrimmed(key)
	if !ok || p.err != nil || value == "" {
		return
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
		return
	}
	*dst = b
}

func lookupTrimmed(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func loadDotEnvIfPresent(path string) error {
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}

	var pathErr *os.PathError
	if errors.As(err, &pathErr) && errors.Is(pathErr.Err, os.ErrNotExist) {
		return nil
	}

	return err
}

func validateURL(value, name string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid %s: must include scheme and host", name)
	}
	return nil
}
