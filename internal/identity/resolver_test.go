package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubVerifier struct {
	userID string
	err    error
}

func (s *stubVerifier) VerifyBearer(_ context.Context, _ string) (string, error) {
	return s.userID, s.err
}

type stubIDProvider struct {
	id  string
	err error
}

func (s *stubIDProvider) NewID() (string, error) {
	return s.id, s.err
}

func newTestResolver(t *testing.T, verifier AuthVerifier, ids IDProvider) *Resolver {
	t.Helper()
	resolver, err := NewResolver(ResolverConfig{
		Verifier:   verifier,
		HashSecret: []byte("guest-hash-secret"),
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return resolver
}

func TestResolvePrefersVerifiedUser(t *testing.T) {
	resolver := newTestResolver(t, &stubVerifier{userID: "user-9"}, &stubIDProvider{id: "unused"})

	actor, err := resolver.Resolve(context.Background(), "bearer-token", "cookie-value")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if actor.Kind != ActorKindUser || actor.ID != "user-9" {
		t.Fatalf("expected verified user actor, got %#v", actor)
	}
	if actor.MintedCookie != "" {
		t.Fatalf("verified user must not mint a guest cookie")
	}
}

func TestResolveHashesGuestCookieDeterministically(t *testing.T) {
	resolver := newTestResolver(t, &stubVerifier{err: errors.New("no token")}, &stubIDProvider{id: "unused"})

	first, err := resolver.Resolve(context.Background(), "", "device-cookie")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	second, err := resolver.Resolve(context.Background(), "", "device-cookie")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}

	if first.Kind != ActorKindGuest || second.Kind != ActorKindGuest {
		t.Fatalf("expected guest actors, got %#v and %#v", first, second)
	}
	if first.ID != second.ID {
		t.Fatalf("same cookie must resolve to the same actor id: %s != %s", first.ID, second.ID)
	}
	if !strings.HasPrefix(first.ID, "g_") {
		t.Fatalf("guest ids carry the guest prefix, got %s", first.ID)
	}
	if strings.Contains(first.ID, "device-cookie") {
		t.Fatalf("actor id must not leak the cookie value")
	}
}

func TestResolveFallsBackToGuestOnBadBearer(t *testing.T) {
	resolver := newTestResolver(t, &stubVerifier{err: errors.New("expired")}, &stubIDProvider{id: "unused"})

	actor, err := resolver.Resolve(context.Background(), "stale-token", "device-cookie")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if actor.Kind != ActorKindGuest {
		t.Fatalf("expected guest fallback, got %#v", actor)
	}
}

func TestResolveMintsGuestCookieWhenAbsent(t *testing.T) {
	resolver := newTestResolver(t, &stubVerifier{err: errors.New("no token")}, &stubIDProvider{id: "fresh-cookie"})

	actor, err := resolver.Resolve(context.Background(), "", "")
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if actor.MintedCookie != "fresh-cookie" {
		t.Fatalf("expected minted cookie, got %#v", actor)
	}

	returning, err := resolver.Resolve(context.Background(), "", actor.MintedCookie)
	if err != nil {
		t.Fatalf("unexpected resolve error: %v", err)
	}
	if returning.ID != actor.ID {
		t.Fatalf("minted cookie must resolve to the same actor id on return visits")
	}
}

func TestNewResolverValidatesDependencies(t *testing.T) {
	verifier := &stubVerifier{}
	ids := &stubIDProvider{id: "x"}

	cases := []ResolverConfig{
		{HashSecret: []byte("s"), IDProvider: ids},
		{Verifier: verifier, IDProvider: ids},
		{Verifier: verifier, HashSecret: []byte("s")},
	}
	for i, cfg := range cases {
		if _, err := NewResolver(cfg); err == nil {
			t.Fatalf("case %d: expected constructor error", i)
		}
	}
}
