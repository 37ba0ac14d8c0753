package identity

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// TokenClaims is the subset of claims the provider is expected to carry.
// IsPro drives the pro distinction; admin comes from the static admin
// roster. Scope is parsed but not consulted when deriving the Role.
type TokenClaims struct {
	Scope string `json:"scope"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	IsPro bool   `json:"is_pro,omitempty"`
	jwt.RegisteredClaims
}

// Validator is the external token-validating identity collaborator. The
// core only ever sees it through this single method.
type Validator interface {
	ValidateToken(ctx context.Context, tokenString string) (Identity, error)
}

// JWKSValidator validates bearer tokens against a remote JWKS endpoint and
// folds the claims plus the static admin roster into a Role.
type JWKSValidator struct {
	keyFunc       jwt.Keyfunc
	issuer        string
	audience      string
	adminAccounts map[string]struct{}
}

// NewJWKSValidator registers domain's JWKS endpoint in a refreshing cache and
// confirms connectivity before returning.
func NewJWKSValidator(ctx context.Context, domain, audience string, adminAccounts []string, regOpts ...jwk.RegisterOption) (*JWKSValidator, error) {
	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}

	jwksURL := issuerURL.JoinPath(".well-known/jwks.json").String()

	cache := jwk.NewCache(ctx)
	opts := []jwk.RegisterOption{jwk.WithRefreshInterval(1 * time.Hour)}
	opts = append(opts, regOpts...)

	if err := cache.Register(jwksURL, opts...); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL in cache: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed to fetch initial JWKS: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("kid header not found")
		}
		keys, err := cache.Get(ctx, jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get keys from cache: %w", err)
		}
		key, found := keys.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("key with kid %s not found", kid)
		}
		var pubKey interface{}
		if err := key.Raw(&pubKey); err != nil {
			return nil, fmt.Errorf("failed to get raw public key: %w", err)
		}
		return pubKey, nil
	}

	admins := make(map[string]struct{}, len(adminAccounts))
	for _, a := range adminAccounts {
		admins[a] = struct{}{}
	}

	return &JWKSValidator{
		keyFunc:       keyFunc,
		issuer:        issuerURL.String(),
		audience:      audience,
		adminAccounts: admins,
	}, nil
}

// ValidateToken parses and validates the JWT, deriving a Role from the
// admin roster, the pro claim, and falling back to RoleNormal otherwise.
func (v *JWKSValidator) ValidateToken(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{Role: RoleAnon}, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return Identity{}, errors.New("token is invalid")
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok {
		return Identity{}, errors.New("failed to cast claims")
	}

	username := claims.Subject
	if username == "" {
		username = claims.Name
	}

	role := RoleNormal
	if _, isAdmin := v.adminAccounts[username]; isAdmin {
		role = RoleAdmin
	} else if claims.IsPro {
		role = RolePro
	}

	return Identity{Role: role, Username: username}, nil
}

// MockValidator is a development-only validator that trusts the token's
// unverified claims, used when SKIP_AUTH is set.
type MockValidator struct {
	AdminAccounts map[string]struct{}
}

func (m *MockValidator) ValidateToken(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{Role: RoleAnon}, nil
	}

	var subject string
	var isPro bool

	parts := strings.Split(tokenString, ".")
	if len(parts) == 3 {
		if payload, err := base64.RawURLEncoding.DecodeString(parts[1]); err == nil {
			var claims map[string]interface{}
			if json.Unmarshal(payload, &claims) == nil {
				if sub, ok := claims["sub"].(string); ok {
					subject = sub
				}
				if pro, ok := claims["is_pro"].(bool); ok {
					isPro = pro
				}
			}
		}
	}
	if subject == "" {
		subject = "dev-user"
	}

	role := RoleNormal
	if m.AdminAccounts != nil {
		if _, ok := m.AdminAccounts[subject]; ok {
			role = RoleAdmin
		}
	}
	if role == RoleNormal && isPro {
		role = RolePro
	}

	return Identity{Role: role, Username: subject}, nil
}
