package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"github.com/ent0n29/tasksync/internal/apperr"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the verified caller behind a credential.
type Identity struct {
	ID   string `json:"identity_id"`
	Role Role   `json:"role"`
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Verifier is the authentication collaborator: verify_credential(token) -> identity.
type Verifier interface {
	VerifyCredential(token string) (Identity, error)
}

// Claims carried by access tokens. The subject is the identity id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens against a shared secret, or RS256 tokens
// against a JWKS endpoint when one is configured.
type JWTVerifier struct {
	secret   []byte
	jwks     *keyfunc.JWKS
	audience string
	issuer   string
}

func NewHMACVerifier(secret, audience, issuer string) (*JWTVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{secret: []byte(secret), audience: audience, issuer: issuer}, nil
}

func NewJWKSVerifier(jwksURL, audience, issuer string) (*JWTVerifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	return &JWTVerifier{jwks: jwks, audience: audience, issuer: issuer}, nil
}

func (v *JWTVerifier) VerifyCredential(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", apperr.ErrAuthentication)
	}
	if strings.Count(token, ".") != 2 {
		return Identity{}, fmt.Errorf("%w: malformed credential", apperr.ErrAuthentication)
	}

	var (
		parser  *jwt.Parser
		keyFunc jwt.Keyfunc
	)
	if v.jwks != nil {
		parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
		keyFunc = v.jwks.Keyfunc
	} else {
		parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
		keyFunc = func(*jwt.Token) (interface{}, error) { return v.secret, nil }
	}

	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: token expired", apperr.ErrAuthentication)
		}
		return Identity{}, fmt.Errorf("%w: invalid token", apperr.ErrAuthentication)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", apperr.ErrAuthentication)
	}
	if v.audience != "" && !claims.VerifyAudience(v.audience, true) {
		return Identity{}, fmt.Errorf("%w: invalid audience", apperr.ErrAuthentication)
	}
	if v.issuer != "" && !claims.VerifyIssuer(v.issuer, true) {
		return Identity{}, fmt.Errorf("%w: invalid issuer", apperr.ErrAuthentication)
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing sub", apperr.ErrAuthentication)
	}

	role := RoleUser
	if strings.EqualFold(strings.TrimSpace(claims.Role), string(RoleAdmin)) {
		role = RoleAdmin
	}
	return Identity{ID: sub, Role: role}, nil
}

// Close stops the JWKS refresh goroutine, if any.
func (v *JWTVerifier) Close() {
	if v != nil && v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// SignHMAC mints an HS256 token for id. Used by tests and the taskwatch dev flow.
func SignHMAC(secret string, id Identity, audience, issuer string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    issuer,
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
