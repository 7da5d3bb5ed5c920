package store

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bmsreport/pkg/domain"
)

var testBMS = domain.User{ID: "user-bms", Role: domain.RoleBMS}

func newTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func TestJWTSessionStoreCarriesRole(t *testing.T) {
	ctx := context.Background()
	s := NewJWTSessionStore(newTestKey(t), "kid-active", nil, time.Minute, nil, JWTOptions{})

	session, err := s.NewSession(ctx, domain.User{ID: "user-bmc", Role: domain.RoleBMC})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if session.Token == "" || session.ExpiresAt.IsZero() {
		t.Fatalf("unexpected session %+v", session)
	}
	identity, err := s.VerifySession(ctx, session.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "user-bmc" || identity.Role != domain.RoleBMC {
		t.Fatalf("unexpected identity %+v", identity)
	}

	keys := s.JWKS()
	if len(keys) != 1 || keys[0].Kid != "kid-active" || keys[0].Alg != "RS256" || keys[0].N == "" {
		t.Fatalf("unexpected jwks %+v", keys)
	}
}

func TestJWTSessionStoreRejectsUnknownRole(t *testing.T) {
	s := NewJWTSessionStore(newTestKey(t), "", nil, time.Minute, nil, JWTOptions{})
	if _, err := s.NewSession(context.Background(), domain.User{ID: "u", Role: "guest"}); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestJWTSessionStoreEnforcesAudience(t *testing.T) {
	key := newTestKey(t)
	signing := NewJWTSessionStore(key, "kid", nil, time.Minute, nil, JWTOptions{Audience: "aud-a"})
	verify := NewJWTSessionStore(key, "kid", nil, time.Minute, nil, JWTOptions{Audience: "aud-b"})

	session, err := signing.NewSession(context.Background(), testBMS)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, err := verify.VerifySession(context.Background(), session.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected audience mismatch to fail, got %v", err)
	}
}

func TestJWTSessionStoreRejectsExpiredToken(t *testing.T) {
	s := NewJWTSessionStore(newTestKey(t), "kid", nil, time.Minute, nil, JWTOptions{Leeway: time.Second})
	session, err := s.NewSession(context.Background(), testBMS)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	s.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := s.VerifySession(context.Background(), session.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevokesByJTI(t *testing.T) {
	ctx := context.Background()
	s := NewJWTSessionStore(newTestKey(t), "kid", nil, time.Minute, NewMemoryTokenRevoker(), JWTOptions{})

	session, err := s.NewSession(ctx, testBMS)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.DeleteSession(ctx, session.Token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, err := s.VerifySession(ctx, session.Token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
}

func TestJWTSessionStoreRevokesByUserCutoff(t *testing.T) {
	ctx := context.Background()
	s := NewJWTSessionStore(newTestKey(t), "kid", nil, time.Minute, NewMemoryTokenRevoker(), JWTOptions{})

	session, err := s.NewSession(ctx, testBMS)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.RevokeUserSessions(ctx, testBMS.ID, time.Now().UTC()); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if _, err := s.VerifySession(ctx, session.Token); !errors.Is(err, ErrSessionRevoked) {
		t.Fatalf("expected user-revoked token to fail, got %v", err)
	}
}

func TestJWTSessionStoreVerifiesPreviousKeyDuringRotation(t *testing.T) {
	ctx := context.Background()
	oldPrivate, oldPublic := writeRSAKeyPairFiles(t, "old")
	newPrivate, _ := writeRSAKeyPairFiles(t, "new")

	oldStore, err := NewJWTSessionStoreFromPEM(oldPrivate, "kid-old", nil, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("old store: %v", err)
	}
	session, err := oldStore.NewSession(ctx, testBMS)
	if err != nil {
		t.Fatalf("old token: %v", err)
	}

	rotated, err := NewJWTSessionStoreFromPEM(newPrivate, "kid-new", map[string]string{"kid-old": oldPublic}, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("rotated store: %v", err)
	}
	identity, err := rotated.VerifySession(ctx, session.Token)
	if err != nil || identity.UserID != testBMS.ID {
		t.Fatalf("expected old token to verify, identity=%+v err=%v", identity, err)
	}
	if len(rotated.JWKS()) != 2 {
		t.Fatalf("expected both keys published")
	}

	unrotated, err := NewJWTSessionStoreFromPEM(newPrivate, "kid-new", nil, time.Minute, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("unrotated store: %v", err)
	}
	if _, err := unrotated.VerifySession(ctx, session.Token); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func writeRSAKeyPairFiles(t *testing.T, prefix string) (string, string) {
	t.Helper()
	key := newTestKey(t)
	dir := t.TempDir()
	privatePath := filepath.Join(dir, prefix+"-private.pem")
	publicPath := filepath.Join(dir, prefix+"-public.pem")

	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
		t.Fatalf("write public key: %v", err)
	}
	return privatePath, publicPath
}
