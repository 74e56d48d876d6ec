package sheets

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope grants read and write access to spreadsheets.
const Scope = "https://www.googleapis.com/auth/spreadsheets"

// tokenLifetime is the longest assertion lifetime Google accepts.
const tokenLifetime = time.Hour

// expiryMargin renews a cached token this long before it expires.
const expiryMargin = time.Minute

// ServiceAccount is the subset of a Google service-account key file the
// client needs.
type ServiceAccount struct {
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

// LoadServiceAccount reads a service-account key file.
func LoadServiceAccount(path string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account: %w", err)
	}
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" || sa.TokenURI == "" {
		return nil, errors.New("service account needs client_email, private_key and token_uri")
	}
	return &sa, nil
}

// assertionClaims is the JWT a service account signs to request a token.
type assertionClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// tokenSource exchanges signed assertions for access tokens and caches the
// current token until shortly before it expires.
type tokenSource struct {
	account    *ServiceAccount
	key        *rsa.PrivateKey
	httpClient *http.Client
	now        func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(sa *ServiceAccount, httpClient *http.Client) (*tokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	return &tokenSource{account: sa, key: key, httpClient: httpClient, now: time.Now}, nil
}

// Token returns a valid access token, fetching a new one when needed.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-expiryMargin)) {
		return s.token, nil
	}

	assertion, err := s.sign(now)
	if err != nil {
		return "", err
	}
	resp, err := s.exchange(ctx, assertion)
	if err != nil {
		return "", err
	}
	s.token = resp.AccessToken
	s.expires = now.Add(time.Duration(resp.ExpiresIn) * time.Second)
	return s.token, nil
}

func (s *tokenSource) sign(now time.Time) (string, error) {
	claims := assertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.account.ClientEmail,
			Audience:  jwt.ClaimStrings{s.account.TokenURI},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
		},
		Scope: Scope,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if s.account.PrivateKeyID != "" {
		token.Header["kid"] = s.account.PrivateKeyID
	}
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token assertion: %w", err)
	}
	return signed, nil
}

func (s *tokenSource) exchange(ctx context.Context, assertion string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:jwt-bearer")
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Op: "token exchange", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = int(tokenLifetime / time.Second)
	}
	return &tr, nil
}
