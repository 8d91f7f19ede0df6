package harness

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
)

// TokenClaims are the claims of a Cognito ID or access token.
type TokenClaims struct {
	jwt.RegisteredClaims
	TokenUse string   `json:"token_use"`
	ClientID string   `json:"client_id,omitempty"`
	Username string   `json:"cognito:username,omitempty"`
	Groups   []string `json:"cognito:groups,omitempty"`
	Email    string   `json:"email,omitempty"`
}

// ParseClaims decodes the claims of a token without verifying its signature.
func ParseClaims(token string) (*TokenClaims, error) {
	var claims TokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("error parsing token: %w", err)
	}
	return &claims, nil
}

// SigningKeyProvider returns RSA public keys by key id.
type SigningKeyProvider interface {
	Name() string
	Keys(ctx context.Context) (map[string]*rsa.PublicKey, error)
}

// CognitoIssuer returns the token issuer of a user pool. The region is
// taken from the pool id when empty.
func CognitoIssuer(region, userPoolID string) string {
	if region == "" {
		region, _, _ = strings.Cut(userPoolID, "_")
	}
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
}

// WellKnownKeyProvider fetches signing keys from a JWKS endpoint.
type WellKnownKeyProvider struct {
	url        string
	httpClient *http.Client
}

// NewWellKnownKeyProvider returns a key provider for the JWKS served at url.
func NewWellKnownKeyProvider(url string, httpClient *http.Client) *WellKnownKeyProvider {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WellKnownKeyProvider{
		url:        url,
		httpClient: httpClient,
	}
}

func (w *WellKnownKeyProvider) Name() string {
	return fmt.Sprintf("well-known, url: %q", w.url)
}

func (w *WellKnownKeyProvider) Keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %q", resp.StatusCode, w.url)
	}

	var s jose.JSONWebKeySet
	err = json.NewDecoder(resp.Body).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	res := make(map[string]*rsa.PublicKey)
	for _, k := range s.Keys {
		rsaKey, ok := k.Key.(*rsa.PublicKey)
		if !ok {
			continue
		}

		res[k.KeyID] = rsaKey
	}

	return res, nil
}

// TokenVerifier verifies the signature, issuer and audience of ID tokens.
type TokenVerifier struct {
	Keys     SigningKeyProvider
	Issuer   string
	ClientID string

	mu         sync.Mutex
	publicKeys map[string]*rsa.PublicKey
}

// NewCognitoTokenVerifier returns a verifier for tokens issued by the pool.
func NewCognitoTokenVerifier(region, userPoolID, clientID string, httpClient *http.Client) *TokenVerifier {
	issuer := CognitoIssuer(region, userPoolID)
	return &TokenVerifier{
		Keys:     NewWellKnownKeyProvider(issuer+"/.well-known/jwks.json", httpClient),
		Issuer:   issuer,
		ClientID: clientID,
	}
}

func (v *TokenVerifier) keys(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.publicKeys != nil {
		return v.publicKeys, nil
	}
	keys, err := v.Keys.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("couldn't get signing keys for provider %q: %w", v.Keys.Name(), err)
	}
	v.publicKeys = keys
	return keys, nil
}

// Verify checks the token and returns its claims.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (*TokenClaims, error) {
	publicKeys, err := v.keys(ctx)
	if err != nil {
		return nil, err
	}

	var claims TokenClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		keyID, _ := token.Header["kid"].(string)
		if key, ok := publicKeys[keyID]; ok {
			return key, nil
		}

		return nil, fmt.Errorf("could not find key for kid %q", keyID)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if v.Issuer != "" && !claims.VerifyIssuer(v.Issuer, true) {
		return nil, fmt.Errorf("invalid token: unexpected issuer %q", claims.Issuer)
	}
	if claims.TokenUse == "id" && v.ClientID != "" && !claims.VerifyAudience(v.ClientID, true) {
		return nil, errors.New("invalid token: unexpected audience")
	}
	return &claims, nil
}
