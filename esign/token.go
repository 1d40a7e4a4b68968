package esign

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrTokenExchange is returned when the authorization server refuses the assertion.
var ErrTokenExchange = errors.New("esign: token exchange failed")

const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// TokenSource supplies bearer tokens for provider calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("esign: empty static token")
	}
	return string(s), nil
}

// JWTConfig describes the signed-assertion grant.
type JWTConfig struct {
	IntegrationKey string
	UserID         string
	// AuthURL is the authorization server base, e.g. https://account-d.example.com.
	AuthURL    string
	Scopes     []string
	PrivateKey *rsa.PrivateKey
	// AssertionTTL bounds the assertion lifetime.
	AssertionTTL time.Duration
	// Skew is subtracted from the reported expiry so tokens are refreshed early.
	Skew time.Duration
	// RefreshTimeout bounds one shared exchange independently of any caller.
	RefreshTimeout time.Duration
}

// JWTTokenSource exchanges an RS256 assertion for an access token and caches
// it until shortly before expiry. Concurrent refreshes share one exchange.
type JWTTokenSource struct {
	cfg   JWTConfig
	http  *http.Client
	now   func() time.Time
	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewJWTTokenSource(cfg JWTConfig) (*JWTTokenSource, error) {
	if cfg.IntegrationKey == "" || cfg.UserID == "" || cfg.AuthURL == "" {
		return nil, fmt.Errorf("esign: integration key, user id and auth url are required")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("esign: private key is required")
	}
	if cfg.AssertionTTL <= 0 {
		cfg.AssertionTTL = time.Hour
	}
	if cfg.Skew <= 0 {
		cfg.Skew = time.Minute
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"signature", "impersonation"}
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	return &JWTTokenSource{cfg: cfg, http: &http.Client{Timeout: 15 * time.Second}, now: time.Now}, nil
}

// ParsePrivateKey decodes a PEM encoded RSA key.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("esign: parse private key: %w", err)
	}
	return key, nil
}

func (s *JWTTokenSource) WithClock(now func() time.Time) *JWTTokenSource {
	s.now = now
	return s
}

func (s *JWTTokenSource) WithHTTPClient(c *http.Client) *JWTTokenSource {
	s.http = c
	return s
}

// Token returns the cached token or joins a shared exchange. The exchange runs
// on a context detached from the caller that started it, so one caller giving
// up does not fail the others waiting on the same refresh.
func (s *JWTTokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	ch := s.group.DoChan("token", func() (any, error) {
		// another caller may have refreshed while we waited
		if tok, ok := s.cached(); ok {
			return tok, nil
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RefreshTimeout)
		defer cancel()
		return s.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (s *JWTTokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expires) {
		return s.token, true
	}
	return "", false
}

// Invalidate drops the cached token, e.g. after the provider answers 401.
func (s *JWTTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *JWTTokenSource) refresh(ctx context.Context) (string, error) {
	assertion, err := s.assertion()
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", jwtBearerGrant)
	form.Set("assertion", assertion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AuthURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("esign: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("esign: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrTokenExchange, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("esign: decode token response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrTokenExchange)
	}

	expires := s.now().Add(time.Duration(out.ExpiresIn)*time.Second - s.cfg.Skew)
	s.mu.Lock()
	s.token = out.AccessToken
	s.expires = expires
	s.mu.Unlock()
	return out.AccessToken, nil
}

func (s *JWTTokenSource) assertion() (string, error) {
	now := s.now()
	aud := s.cfg.AuthURL
	if u, err := url.Parse(s.cfg.AuthURL); err == nil && u.Host != "" {
		aud = u.Host
	}
	claims := jwt.MapClaims{
		"iss":   s.cfg.IntegrationKey,
		"sub":   s.cfg.UserID,
		"aud":   aud,
		"scope": strings.Join(s.cfg.Scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(s.cfg.AssertionTTL).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("esign: sign assertion: %w", err)
	}
	return signed, nil
}
