package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadEnvFile reads KEY=VALUE lines from path into the process environment.
// A missing file is not an error. Existing variables win unless override is set.
func LoadEnvFile(path string, override bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 && strings.HasPrefix(val, `"`) && strings.HasSuffix(val, `"`) {
			val = val[1 : len(val)-1]
		}
		if override || os.Getenv(key) == "" {
			_ = os.Setenv(key, val)
		}
	}
	return sc.Err()
}

// Load reads YAML from path over Default and then applies ESCRA_* overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config unmarshal: %w", err)
		}
	}
	applyEnvOverrides(&c)
	return &c, nil
}

func applyEnvOverrides(c *Config) {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("ESCRA_HTTP_ADDR", &c.HTTP.ListenAddr)
	str("ESCRA_LOG_LEVEL", &c.Log.Level)

	str("ESCRA_STORE_DRIVER", &c.Store.Driver)
	str("ESCRA_STORE_PATH", &c.Store.Path)
	str("DATABASE_URL", &c.Store.DSN)

	str("ESCRA_CHAIN_DRIVER", &c.Chain.Driver)
	str("ESCRA_CHAIN_URL", &c.Chain.URL)
	str("ESCRA_CHAIN_VERIFIER", &c.Chain.Verifier)
	num("ESCRA_CHAIN_MAX_ATTEMPTS", &c.Chain.Retry.MaxAttempts)
	num("ESCRA_CHAIN_BACKOFF_MILLIS", &c.Chain.Retry.BackoffMillis)
	num("ESCRA_CHAIN_CALL_TIMEOUT_SECONDS", &c.Chain.Retry.CallTimeoutSeconds)

	str("ESCRA_ESIGN_MODE", &c.ESign.Mode)
	str("ESCRA_ESIGN_BASE_URL", &c.ESign.BaseURL)
	str("ESCRA_ESIGN_ACCOUNT_ID", &c.ESign.AccountID)
	str("ESCRA_ESIGN_AUTH_URL", &c.ESign.AuthURL)
	str("ESCRA_ESIGN_INTEGRATION_KEY", &c.ESign.IntegrationKey)
	str("ESCRA_ESIGN_USER_ID", &c.ESign.UserID)
	str("ESCRA_ESIGN_PRIVATE_KEY_PATH", &c.ESign.PrivateKeyPath)
	str("ESCRA_ESIGN_ACCESS_TOKEN", &c.ESign.AccessToken)

	str("ESCRA_WEBHOOK_SECRET", &c.Webhook.Secret)
	str("ESCRA_JWT_SECRET", &c.Auth.JWTSecret)
}
