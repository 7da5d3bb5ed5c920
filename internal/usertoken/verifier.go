// Package usertoken verifies session tokens issued by the auth service
// against its published JWKS.
package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"bmsreport/pkg/domain"
)

const (
	defaultIssuer         = "bms-auth"
	defaultAudience       = "bms-report"
	defaultLeeway         = 30 * time.Second
	defaultJWKSCacheTTL   = 5 * time.Minute
	defaultMinRefresh     = 10 * time.Second
	maxJWKSResponseLength = 1 << 20
)

// ErrInvalidToken wraps every verification failure other than JWKS outages.
var ErrInvalidToken = errors.New("invalid token")

var errUnknownKey = errors.New("unknown token key")

// Claims are the session claims issued by the auth service.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Config configures user access-token verification.
type Config struct {
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
	// MinRefreshInterval bounds JWKS fetches caused by unknown key ids.
	MinRefreshInterval time.Duration
	Now                func() time.Time
}

type keySet struct {
	keys    map[string]*rsa.PublicKey
	fetched time.Time
	expires time.Time
}

// Verifier validates user access tokens and extracts the caller identity.
// Keys are cached for the JWKS max-age and refetched when a token names a
// key id the cache does not know, which is how key rotation is picked up.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	client     *http.Client
	minRefresh time.Duration
	now        func() time.Time

	set     atomic.Pointer[keySet]
	refresh singleflight.Group
}

// NewVerifier creates a verifier and loads the key set once.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, errors.New("token verifier requires jwksURL")
	}
	v := &Verifier{
		issuer:     strings.TrimSpace(cfg.Issuer),
		audience:   strings.TrimSpace(cfg.Audience),
		leeway:     cfg.Leeway,
		jwksURL:    jwksURL,
		client:     cfg.HTTPClient,
		minRefresh: cfg.MinRefreshInterval,
		now:        cfg.Now,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}
	if v.client == nil {
		v.client = &http.Client{Timeout: 5 * time.Second}
	}
	if v.minRefresh <= 0 {
		v.minRefresh = defaultMinRefresh
	}
	if v.now == nil {
		v.now = time.Now
	}
	if _, err := v.reload(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns the user and role it was issued for.
func (v *Verifier) Verify(ctx context.Context, token string) (domain.Identity, error) {
	set := v.set.Load()
	if v.now().After(set.expires) {
		// A failed refresh keeps the stale keys in use.
		if fresh, err := v.reload(ctx); err == nil {
			set = fresh
		}
	}
	claims, err := v.parse(token, set)
	if errors.Is(err, errUnknownKey) && v.now().Sub(set.fetched) >= v.minRefresh {
		fresh, rerr := v.reload(ctx)
		if rerr != nil {
			return domain.Identity{}, rerr
		}
		claims, err = v.parse(token, fresh)
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return domain.Identity{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	role := domain.UserRole(strings.TrimSpace(claims.Role))
	if !role.Valid() {
		return domain.Identity{}, fmt.Errorf("%w: role %q not recognised", ErrInvalidToken, claims.Role)
	}
	return domain.Identity{UserID: subject, Role: role}, nil
}

func (v *Verifier) parse(token string, set *keySet) (Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := set.keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	return claims, err
}

// reload fetches the JWKS, collapsing concurrent callers into one request.
func (v *Verifier) reload(ctx context.Context) (*keySet, error) {
	res, err, _ := v.refresh.Do("jwks", func() (any, error) {
		set, err := v.fetch(ctx)
		if err != nil {
			return nil, err
		}
		v.set.Store(set)
		return set, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	return res.(*keySet), nil
}

type jwkDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) fetch(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var doc jwkDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJWKSResponseLength)).Decode(&doc); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if !strings.EqualFold(k.Kty, "RSA") || kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if pub, err := rsaKeyFromJWK(k.N, k.E); err == nil {
			keys[kid] = pub
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks contains no usable rsa keys")
	}
	ttl := maxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	now := v.now()
	return &keySet{keys: keys, fetched: now, expires: now.Add(ttl)}, nil
}

func rsaKeyFromJWK(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 || e.Int64() > 1<<31-1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// maxAge returns the max-age directive of a Cache-Control header, or zero.
func maxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	return 0
}
