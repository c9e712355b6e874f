package kms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// IssuerConfig describes the demo JWT issuer a scenario trusts. Tokens are
// signed with HS256.
type IssuerConfig struct {
	Secret     string                 `mapstructure:"secret" yaml:"secret"`
	TTLSeconds int64                  `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	Subject    string                 `mapstructure:"sub" yaml:"sub"`
	Issuer     string                 `mapstructure:"iss" yaml:"iss"`
	Audience   []string               `mapstructure:"aud" yaml:"aud"`
	Custom     map[string]interface{} `mapstructure:"custom" yaml:"custom"`
	// Now overrides the clock used for iat/exp.
	Now func() time.Time `mapstructure:"-" yaml:"-"`
}

func (c IssuerConfig) ttl() time.Duration {
	if c.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// Issue returns a signed token and its expiry.
func (c IssuerConfig) Issue() (string, time.Time, error) {
	if c.Secret == "" {
		return "", time.Time{}, errors.New("jwt issuer: secret required")
	}
	now := time.Now()
	if c.Now != nil {
		now = c.Now()
	}
	exp := now.Add(c.ttl())
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": exp.Unix(),
	}
	if c.Subject != "" {
		claims["sub"] = c.Subject
	}
	if c.Issuer != "" {
		claims["iss"] = c.Issuer
	}
	if len(c.Audience) > 0 {
		claims["aud"] = c.Audience
	}
	for k, v := range c.Custom {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(c.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

type issuerSource struct{ c IssuerConfig }

func (s issuerSource) Token() (*oauth2.Token, error) {
	tok, exp, err := s.c.Issue()
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer", Expiry: exp}, nil
}

// TokenSource returns a caching token source backed by the issuer.
func (c IssuerConfig) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, issuerSource{c: c})
}

// VerifyConfig checks bearer tokens issued by IssuerConfig.
type VerifyConfig struct {
	Secret          []byte
	AllowedIssuer   string
	AllowedAudience string
}

// Verify parses and validates an HS256 token.
func Verify(token string, cfg VerifyConfig) (jwt.MapClaims, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.AllowedIssuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.AllowedIssuer))
	}
	if cfg.AllowedAudience != "" {
		opts = append(opts, jwt.WithAudience(cfg.AllowedAudience))
	}
	tok, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(header[7:])
	return tok, tok != ""
}

// ClientCredentialsConfig fetches tokens from an OAuth2 token endpoint, such
// as the JWT issuer deployed next to the network.
type ClientCredentialsConfig struct {
	ClientID     string   `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string   `mapstructure:"client_secret" yaml:"client_secret"`
	TokenURL     string   `mapstructure:"token_url" yaml:"token_url"`
	Scopes       []string `mapstructure:"scopes" yaml:"scopes"`
}

// TokenSource validates the configuration and returns a caching token source.
func (c ClientCredentialsConfig) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tokenURL := strings.TrimSpace(c.TokenURL)
	if tokenURL == "" {
		return nil, errors.New("oauth2: token_url is required for client_credentials grant")
	}
	if strings.TrimSpace(c.ClientID) == "" || strings.TrimSpace(c.ClientSecret) == "" {
		return nil, errors.New("oauth2: client_id and client_secret are required for client_credentials grant")
	}
	cc := &clientcredentials.Config{
		ClientID:     strings.TrimSpace(c.ClientID),
		ClientSecret: strings.TrimSpace(c.ClientSecret),
		TokenURL:     tokenURL,
		Scopes:       c.Scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return cc.TokenSource(ctx), nil
}

// StaticToken wraps a fixed access token.
func StaticToken(token string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
}

// authorization returns the Authorization header value from ts.
func authorization(ts oauth2.TokenSource) (string, error) {
	if ts == nil {
		return "", errors.New("no token source configured")
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("acquire token: %w", err)
	}
	return "Bearer " + tok.AccessToken, nil
}
