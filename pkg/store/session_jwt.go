package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"bmsreport/pkg/domain"
)

const (
	defaultJWTIssuer   = "bms-auth"
	defaultJWTAudience = "bms-report"
	defaultSessionTTL  = time.Hour
)

var (
	defaultJWTLeeway = 30 * time.Second

	ErrInvalidSession = errors.New("invalid session token")
	ErrSessionRevoked = errors.New("session revoked")
)

// JWTOptions configures JWT claim validation behavior.
type JWTOptions struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// SessionClaims are the claims carried by a session token.
type SessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTSessionStore issues and validates RS256 session tokens published
// through JWKS.
type JWTSessionStore struct {
	ttl     time.Duration
	revoker TokenRevoker

	signer    *rsa.PrivateKey
	signerKid string
	verifiers map[string]*rsa.PublicKey

	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewJWTSessionStoreFromPEM loads the active signing key and any previous
// verification keys (kid -> path) from PEM files.
func NewJWTSessionStoreFromPEM(
	privateKeyPath string,
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
	previous := make(map[string]*rsa.PublicKey)
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
		previous[kid] = pub
	}
	return NewJWTSessionStore(privateKey, keyID, previous, ttl, revoker, opts), nil
}

// NewJWTSessionStore builds a store around an in-memory key.
func NewJWTSessionStore(
	key *rsa.PrivateKey,
	keyID string,
	previous map[string]*rsa.PublicKey,
	ttl time.Duration,
	revoker TokenRevoker,
	opts JWTOptions,
) *JWTSessionStore {
	if strings.TrimSpace(keyID) == "" {
		keyID = "jwt-active"
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	verifiers := make(map[string]*rsa.PublicKey, len(previous)+1)
	for kid, pub := range previous {
		verifiers[kid] = pub
	}
	verifiers[keyID] = &key.PublicKey
	opts = normalizeJWTOptions(opts)
	return &JWTSessionStore{
		ttl:       ttl,
		revoker:   revoker,
		signer:    key,
		signerKid: keyID,
		verifiers: verifiers,
		issuer:    opts.Issuer,
		audience:  opts.Audience,
		leeway:    opts.Leeway,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewSession signs a token for user carrying its role.
func (s *JWTSessionStore) NewSession(_ context.Context, user domain.User) (Session, error) {
	if s.signer == nil {
		return Session{}, errors.New("jwt store not configured")
	}
	if strings.TrimSpace(user.ID) == "" || !user.Role.Valid() {
		return Session{}, errors.New("session requires user id and role")
	}
	now := s.now()
	expires := now.Add(s.ttl)
	claims := SessionClaims{
		Role: string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        randomHexID(12),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.signerKid
	signed, err := token.SignedString(s.signer)
	if err != nil {
		return Session{}, fmt.Errorf("sign session: %w", err)
	}
	return Session{Token: signed, ExpiresAt: expires}, nil
}

// VerifySession validates token and returns the caller identity.
func (s *JWTSessionStore) VerifySession(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return domain.Identity{}, err
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return domain.Identity{}, err
		}
		if revoked {
			return domain.Identity{}, ErrSessionRevoked
		}
		cutoff, err := s.revoker.RevokedAfter(ctx, claims.Subject)
		if err != nil {
			return domain.Identity{}, err
		}
		if !cutoff.IsZero() && !claims.IssuedAt.Time.After(cutoff) {
			return domain.Identity{}, ErrSessionRevoked
		}
	}
	return domain.Identity{UserID: claims.Subject, Role: domain.UserRole(claims.Role)}, nil
}

// DeleteSession revokes the token until it expires.
func (s *JWTSessionStore) DeleteSession(ctx context.Context, token string) error {
	if s.revoker == nil {
		return nil
	}
	claims, err := s.parseAndVerify(token)
	if err != nil {
		return nil
	}
	return s.revoker.Revoke(ctx, claims.ID, time.Until(claims.ExpiresAt.Time))
}

// RevokeUserSessions revokes every session of userID issued at or before since.
func (s *JWTSessionStore) RevokeUserSessions(ctx context.Context, userID string, since time.Time) error {
	if s.revoker == nil {
		return nil
	}
	return s.revoker.RevokeUser(ctx, userID, since, s.ttl+s.leeway)
}

// JWKS returns the public keys able to verify issued tokens.
func (s *JWTSessionStore) JWKS() []JWK {
	kids := make([]string, 0, len(s.verifiers))
	for kid := range s.verifiers {
		kids = append(kids, kid)
	}
	sort.Strings(kids)
	out := make([]JWK, 0, len(kids))
	for _, kid := range kids {
		pub := s.verifiers[kid]
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

func (s *JWTSessionStore) parseAndVerify(token string) (*SessionClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidSession
	}
	claims := &SessionClaims{}
	parserOptions := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(s.leeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		pub, ok := s.verifiers[strings.TrimSpace(kid)]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	}, parserOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
	}
	if !parsed.Valid || claims.ID == "" || claims.Subject == "" || claims.IssuedAt == nil {
		return nil, ErrInvalidSession
	}
	if !domain.UserRole(claims.Role).Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidSession, claims.Role)
	}
	return claims, nil
}

func loadRSAPrivateKeyFromPEMFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
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
	return fmt.Sprintf("%x", buf)
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
