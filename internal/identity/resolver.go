package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ActorKind discriminates authenticated users from pseudonymous guests.
type ActorKind string

const (
	// ActorKindUser identifies a verified, authenticated user.
	ActorKindUser ActorKind = "user"
	// ActorKindGuest identifies a pseudonymous guest session.
	ActorKindGuest ActorKind = "guest"
)

// Actor is the resolved caller identity for a scan attempt. ID is either the
// verified user id or a one-way guest hash, never a raw device identifier.
type Actor struct {
	ID   string
	Kind ActorKind

	// MintedCookie is non-empty when a new guest id was created; the HTTP
	// layer must instruct the client to persist it.
	MintedCookie string
}

// IsGuest reports whether the actor resolved without a verified identity.
func (a Actor) IsGuest() bool {
	return a.Kind == ActorKindGuest
}

// AuthVerifier is the external auth collaborator contract: a bearer token
// yields a verified user id or an error, nothing in between.
type AuthVerifier interface {
	VerifyBearer(ctx context.Context, token string) (string, error)
}

// IDProvider issues identifiers for freshly minted guest cookies.
type IDProvider interface {
	NewID() (string, error)
}

var (
	errMissingVerifier   = errors.New("identity: auth verifier required")
	errMissingHashSecret = errors.New("identity: hash secret required")
	errMissingIDProvider = errors.New("identity: id provider required")
)

// ResolverConfig bundles the dependencies for identity resolution.
type ResolverConfig struct {
	Verifier   AuthVerifier
	HashSecret []byte
	IDProvider IDProvider
	Logger     *zap.Logger
	Clock      func() time.Time
}

// Resolver derives a stable ActorId for every scanner: authenticated user id
// when the bearer token verifies, otherwise a deterministic one-way hash of
// the guest cookie.
type Resolver struct {
	verifier   AuthVerifier
	hashSecret []byte
	ids        IDProvider
	logger     *zap.Logger
}

// NewResolver constructs a Resolver with validated dependencies.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if len(cfg.HashSecret) == 0 {
		return nil, errMissingHashSecret
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		verifier:   cfg.Verifier,
		hashSecret: append([]byte(nil), cfg.HashSecret...),
		ids:        cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Resolve returns the actor for the supplied credentials. A failed bearer
// verification falls back to guest resolution rather than failing the scan;
// beacons that require identity are denied later by the auth gate.
func (r *Resolver) Resolve(ctx context.Context, bearerToken, guestCookie string) (Actor, error) {
	if token := strings.TrimSpace(bearerToken); token != "" {
		userID, err := r.verifier.VerifyBearer(ctx, token)
		if err == nil && strings.TrimSpace(userID) != "" {
			return Actor{ID: userID, Kind: ActorKindUser}, nil
		}
		if err != nil {
			r.logger.Debug("bearer verification failed, falling back to guest", zap.Error(err))
		}
	}

	if cookie := strings.TrimSpace(guestCookie); cookie != "" {
		return Actor{ID: r.hashGuest(cookie), Kind: ActorKindGuest}, nil
	}

	minted, err := r.ids.NewID()
	if err != nil {
		return Actor{}, err
	}
	return Actor{
		ID:           r.hashGuest(minted),
		Kind:         ActorKindGuest,
		MintedCookie: minted,
	}, nil
}

// hashGuest derives the pseudonymous actor id. HMAC keeps the mapping stable
// per deployment while making the cookie value unrecoverable from stored ids.
func (r *Resolver) hashGuest(cookie string) string {
	mac := hmac.New(sha256.New, r.hashSecret)
	mac.Write([]byte(cookie))
	return "g_" + hex.EncodeToString(mac.Sum(nil)[:16])
}
