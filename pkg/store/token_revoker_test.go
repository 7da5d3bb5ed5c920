package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryTokenRevokerUserCutoffMonotonic(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryTokenRevoker()
	first := time.Now().UTC().Add(-time.Minute)
	second := time.Now().UTC()

	if err := r.RevokeUser(ctx, "user-1", first, time.Hour); err != nil {
		t.Fatalf("revoke user first: %v", err)
	}
	if err := r.RevokeUser(ctx, "user-1", first.Add(-time.Minute), time.Hour); err != nil {
		t.Fatalf("revoke user older cutoff: %v", err)
	}
	got, _ := r.RevokedAfter(ctx, "user-1")
	if !got.Equal(first) {
		t.Fatalf("expected first cutoff to be kept, got %v", got)
	}
	if err := r.RevokeUser(ctx, "user-1", second, time.Hour); err != nil {
		t.Fatalf("revoke user second: %v", err)
	}
	got, _ = r.RevokedAfter(ctx, "user-1")
	if !got.Equal(second) {
		t.Fatalf("expected newest cutoff, got %v", got)
	}
}

func TestRedisTokenRevoker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	r := NewRedisTokenRevoker(client)

	if err := r.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, err := r.IsRevoked(ctx, "jti-1"); err != nil || !revoked {
		t.Fatalf("expected jti-1 revoked, revoked=%v err=%v", revoked, err)
	}
	mr.FastForward(2 * time.Minute)
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("expected revocation to expire with the token")
	}

	cutoff := time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)
	if err := r.RevokeUser(ctx, "user-1", cutoff, time.Hour); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if err := r.RevokeUser(ctx, "user-1", cutoff.Add(-time.Hour), time.Hour); err != nil {
		t.Fatalf("revoke user older: %v", err)
	}
	got, err := r.RevokedAfter(ctx, "user-1")
	if err != nil || !got.Equal(cutoff) {
		t.Fatalf("expected cutoff %v, got %v err=%v", cutoff, got, err)
	}
	if got, _ := r.RevokedAfter(ctx, "nobody"); !got.IsZero() {
		t.Fatalf("expected zero cutoff for unknown user")
	}
}
