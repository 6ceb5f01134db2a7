package store

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"booknetwork/pkg/domain"
)

const (
	defaultJWTIssuer   = "booknetwork-auth"
	defaultJWTAudience = "booknetwork-api"
	defaultSessionTTL  = 24 * time.Hour
)

var defaultJWTLeeway = 30 * time.Second

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// SessionTokenClaims is the JWT body of a session credential.
type SessionTokenClaims struct {
	FullName string   `json:"fullName,omitempty"`
	Email    string   `json:"email,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// ToDomain converts verified token claims into session claims.
func (c SessionTokenClaims) ToDomain() domain.SessionClaims {
	out := domain.SessionClaims{
		Subject:  c.Subject,
		FullName: c.FullName,
		Email:    c.Email,
	}
	for _, r := range c.Roles {
		out.Roles = append(out.Roles, domain.UserRole(r))
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time.UTC()
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time.UTC()
	}
	return out
}

// JWTSessionStore issues and validates RS256 session tokens with kid/JWKS.
type JWTSessionStore struct {
	ttl     time.Duration
	revoker TokenRevoker

	rsaSigner    *rsa.PrivateKey
	rsaSignerKid string
	rsaVerifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTRS256SessionStore builds a store from key material. verifiers maps
// kid -> public key and may carry previous keys during rotation; the signer's
// own public key is always added under keyID.
func NewJWTRS256SessionStore(
	privateKey *rsa.PrivateKey,
	keyID string,
	verifiers map[string]*rsa.PublicKey,
	ttl time.Duration,
	revoker TokenRevoker,
	opts JWTOptions,
) (*JWTSessionStore, error) {
	if privateKey == nil {
		return nil, errors.New("jwt private key is required")
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = "jwt-active"
	}
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	all := make(map[string]*rsa.PublicKey, len(verifiers)+1)
	for kid, pub := range verifiers {
		kid = strings.TrimSpace(kid)
		if kid == "" || pub == nil {
			continue
		}
		all[kid] = pub
	}
	if _, ok := all[keyID]; !ok {
		all[keyID] = &privateKey.PublicKey
	}
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		ttl:          ttl,
		revoker:      revoker,
		rsaSigner:    privateKey,
		rsaSignerKid: keyID,
		rsaVerifiers: all,
		issuer:       opts.Issuer,
		audience:     opts.Audience,
		leeway:       opts.Leeway,
	}, nil
}

// NewJWTRS256SessionStoreFromPEM builds the store from PEM files.
// verifyKeyFiles maps kid -> public key path and can include previous keys.
func NewJWTRS256SessionStoreFromPEM(
	privateKeyPath string,
	publicKeyPath string,
	keyID string,
	verifyKeyFiles map[string]string,
	ttl time.Duration,
	revoker TokenRevoker,
	opts JWTOptions,
) (*JWTSessionStore, error) {
	privateKey, err := loadRSAPrivateKeyFromPEMFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load jwt private key: %w", err)
	}
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		keyID = "jwt-active"
	}
	verifiers := make(map[string]*rsa.PublicKey, len(verifyKeyFiles)+1)
	if strings.TrimSpace(publicKeyPath) != "" {
		pub, err := loadRSAPublicKeyFromPEMFile(publicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load jwt public key: %w", err)
		}
		verifiers[keyID] = pub
	}
	for kid, path := range verifyKeyFiles {
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if kid == "" || path == "" {
			continue
		}
		pub, err := loadRSAPublicKeyFromPEMFile(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		verifiers[kid] = pub
	}
	return NewJWTRS256SessionStore(privateKey, keyID, verifiers, ttl, revoker, opts)
}

// NewSession signs a session token for the claims' subject.
func (s *JWTSessionStore) NewSession(claims domain.SessionClaims) (string, error) {
	if s.rsaSigner == nil {
		return "", errors.New("jwt store not configured")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("session subject required")
	}
	now := time.Now().UTC()
	roles := make([]string, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, string(r))
	}
	body := SessionTokenClaims{
		FullName: claims.FullName,
		Email:    claims.Email,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        randomHexID(12),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, body)
	token.Header["kid"] = s.rsaSignerKid
	return token.SignedString(s.rsaSigner)
}

// Verify validates signature, registered claims and revocation state.
func (s *JWTSessionStore) Verify(token string) (domain.SessionClaims, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.SessionClaims{}, domain.ErrSessionExpired
		}
		return domain.SessionClaims{}, fmt.Errorf("%w: %v", domain.ErrSessionInvalid, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.SessionClaims{}, fmt.Errorf("%w: token subject missing", domain.ErrSessionInvalid)
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(claims.ID)
		if err != nil {
			return domain.SessionClaims{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return domain.SessionClaims{}, fmt.Errorf("%w: token revoked", domain.ErrSessionInvalid)
		}
		if userRevoker, ok := s.revoker.(UserTokenRevoker); ok {
			cutoff, err := userRevoker.RevokedAfter(claims.Subject)
			if err != nil {
				return domain.SessionClaims{}, fmt.Errorf("check user revocation: %w", err)
			}
			if !cutoff.IsZero() && !claims.IssuedAt.Time.UTC().After(cutoff) {
				return domain.SessionClaims{}, fmt.Errorf("%w: token revoked for user", domain.ErrSessionInvalid)
			}
		}
	}
	return claims.ToDomain(), nil
}

// DeleteSession revokes the token until it expires. Tokens that no longer
// verify need no revocation.
func (s *JWTSessionStore) DeleteSession(token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	return s.revoker.Revoke(claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUserSessions revokes all sessions for a user issued before/at cutoff.
func (s *JWTSessionStore) RevokeUserSessions(userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	userRevoker, ok := s.revoker.(UserTokenRevoker)
	if !ok {
		return errors.New("session revoker does not support user revocation")
	}
	return userRevoker.RevokeUser(userID, since)
}

// JWKS returns the public verification keys, sorted by kid.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.rsaVerifiers))
	for kid := range s.rsaVerifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.rsaVerifiers[kid]
		out = append(out, JWK{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		})
	}
	return out
}

func (s *JWTSessionStore) parseAndVerify(token string) (SessionTokenClaims, error) {
	claims := SessionTokenClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	if len(s.rsaVerifiers) == 0 {
		return claims, errors.New("jwt store not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := s.rsaVerifiers[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, errors.New("token jti missing")
	}
	if claims.IssuedAt == nil {
		return claims, errors.New("token issued_at missing")
	}
	return claims, nil
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRSAPrivateKeyPEM(data)
}

// ParseRSAPrivateKeyPEM accepts PKCS#1 or PKCS#8 encoded RSA keys.
func ParseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func loadRSAPublicKeyFromPEMFile(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("certificate public key is not rsa")
		}
		return pub, nil
	}
	return nil, errors.New("failed to parse rsa public key")
}

func randomHexID(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func normalizeJWTOptions(opts JWTOptions) JWTOptions {
	opts.Issuer = strings.TrimSpace(opts.Issuer)
	opts.Audience = strings.TrimSpace(opts.Audience)
	if opts.Issuer == "" {
		opts.Issuer = defaultJWTIssuer
	}
	if opts.Audience == "" {
		opts.Audience = defaultJWTAudience
	}
	if opts.Leeway <= 0 {
		opts.Leeway = defaultJWTLeeway
	}
	return opts
}
