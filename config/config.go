// Package config loads service settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePebble   = "pebble"
	StorePostgres = "postgres"
)

// Chain drivers.
const (
	ChainLocal = "local"
	ChainHTTP  = "http"
)

// Signing provider modes. Local serves envelopes from the agreement store.
const (
	ESignLocal  = "local"
	ESignRemote = "remote"
)

type Config struct {
	HTTP    HTTPConfig        `yaml:"http"`
	Log     LogConfig         `yaml:"log"`
	Store   StoreConfig       `yaml:"store"`
	Chain   ChainConfig       `yaml:"chain"`
	ESign   ESignConfig       `yaml:"esign"`
	Webhook WebhookConfig     `yaml:"webhook"`
	Auth    AuthConfig        `yaml:"auth"`
	Wallets map[string]string `yaml:"wallets,omitempty"` // email -> wallet fallback directory
}

type HTTPConfig struct {
	ListenAddr          string `yaml:"listen_addr"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // pebble directory
	DSN      string `yaml:"dsn"`  // overridden by DATABASE_URL
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

type ChainConfig struct {
	Driver   string      `yaml:"driver"`
	URL      string      `yaml:"url"`
	Verifier string      `yaml:"verifier"` // registry admin identity used for marks and execute
	Provider string      `yaml:"provider"` // provider name recorded on create
	Retry    RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	BackoffMillis      int `yaml:"backoff_millis"`
	CallTimeoutSeconds int `yaml:"call_timeout_seconds"`
}

type ESignConfig struct {
	Mode           string   `yaml:"mode"`
	BaseURL        string   `yaml:"base_url"`
	AccountID      string   `yaml:"account_id"`
	AuthURL        string   `yaml:"auth_url"`
	IntegrationKey string   `yaml:"integration_key"`
	UserID         string   `yaml:"user_id"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	Scopes         []string `yaml:"scopes,omitempty"`
	AccessToken    string   `yaml:"access_token"` // static bearer token, skips the JWT exchange
}

type WebhookConfig struct {
	Secret         string `yaml:"secret"`
	AgreementField string `yaml:"agreement_field"`
	WalletField    string `yaml:"wallet_field"`
}

// AuthConfig protects operator routes. Empty JWTSecret disables auth.
type AuthConfig struct {
	JWTSecret       string     `yaml:"jwt_secret"`
	TokenTTLMinutes int        `yaml:"token_ttl_minutes"`
	Operators       []Operator `yaml:"operators,omitempty"`
}

type Operator struct {
	Name         string `yaml:"name"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
}

// Default returns a config that runs the whole demo in-process.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			ListenAddr:          ":8080",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 60,
		},
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{Driver: StoreMemory, Path: "data/agreements", MaxConns: 10},
		Chain: ChainConfig{
			Driver:   ChainLocal,
			Verifier: "ESCRA-ADMIN",
			Provider: "escra-demo",
			Retry:    RetryConfig{MaxAttempts: 3, BackoffMillis: 200, CallTimeoutSeconds: 15},
		},
		ESign: ESignConfig{
			Mode:    ESignLocal,
			AuthURL: "https://account-d.docusign.com",
			Scopes:  []string{"signature", "impersonation"},
		},
		Auth: AuthConfig{TokenTTLMinutes: 24 * 60},
	}
}

func (r RetryConfig) Backoff() time.Duration {
	return time.Duration(r.BackoffMillis) * time.Millisecond
}

func (r RetryConfig) CallTimeout() time.Duration {
	return time.Duration(r.CallTimeoutSeconds) * time.Second
}

func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.JWTSecret) != ""
}

func (a AuthConfig) TokenTTL() time.Duration {
	return time.Duration(a.TokenTTLMinutes) * time.Minute
}

// Validate reports the first setting that would prevent the service from starting.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StorePebble:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store.path required for pebble", ErrInvalid)
		}
	case StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("%w: store.dsn or DATABASE_URL required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}

	switch c.Chain.Driver {
	case ChainLocal:
	case ChainHTTP:
		if strings.TrimSpace(c.Chain.URL) == "" {
			return fmt.Errorf("%w: chain.url required for http driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown chain driver %q", ErrInvalid, c.Chain.Driver)
	}
	if strings.TrimSpace(c.Chain.Verifier) == "" {
		return fmt.Errorf("%w: chain.verifier required", ErrInvalid)
	}
	if c.Chain.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: chain.retry.max_attempts must be at least 1", ErrInvalid)
	}

	switch c.ESign.Mode {
	case ESignLocal:
	case ESignRemote:
		if c.ESign.BaseURL == "" || c.ESign.AccountID == "" {
			return fmt.Errorf("%w: esign.base_url and esign.account_id required in remote mode", ErrInvalid)
		}
		if c.ESign.AccessToken == "" && (c.ESign.IntegrationKey == "" || c.ESign.UserID == "" || c.ESign.PrivateKeyPath == "") {
			return fmt.Errorf("%w: esign needs access_token or integration_key, user_id and private_key_path", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown esign mode %q", ErrInvalid, c.ESign.Mode)
	}

	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return fmt.Errorf("%w: webhook.secret required", ErrInvalid)
	}
	if c.Auth.Enabled() && len(c.Auth.Operators) == 0 {
		return fmt.Errorf("%w: auth.jwt_secret set but no operators configured", ErrInvalid)
	}
	return nil
}
