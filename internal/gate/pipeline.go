package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/glowcity/glow/backend/internal/beacon"
	"github.com/glowcity/glow/backend/internal/consent"
	"github.com/glowcity/glow/backend/internal/identity"
	"github.com/glowcity/glow/backend/internal/token"
)

// Reason is the machine-readable denial taxonomy. Reasons are stable keys for
// clients and the scan ledger; human wording lives in Decision.Message.
type Reason string

const (
	// ReasonNone marks an allowed decision.
	ReasonNone Reason = ""
	// ReasonNotFound denies a code with no beacon behind it.
	ReasonNotFound Reason = "not_found"
	// ReasonInactive denies draft and paused beacons.
	ReasonInactive Reason = "inactive"
	// ReasonNotYetActive denies scans before the beacon's window opens.
	ReasonNotYetActive Reason = "not_yet_active"
	// ReasonExpired denies retired beacons and closed windows.
	ReasonExpired Reason = "expired"
	// ReasonKindGateFailed denies kind-specific checks: replayed single-use
	// payloads, claimed resale tickets, closed rooms.
	ReasonKindGateFailed Reason = "kind_gate_failed"
	// ReasonConsentRequired denies actors missing an affirmed consent.
	ReasonConsentRequired Reason = "consent_required"
	// ReasonAuthRequired denies guests on beacons that demand a verified user.
	ReasonAuthRequired Reason = "auth_required"
)

var denialMessages = map[Reason]string{
	ReasonNotFound:        "This code doesn't lead anywhere.",
	ReasonInactive:        "This beacon isn't live right now.",
	ReasonNotYetActive:    "Not unlocked yet, come back later.",
	ReasonExpired:         "This beacon has expired.",
	ReasonKindGateFailed:  "This pass has already been used.",
	ReasonConsentRequired: "Confirm you're 18+ to continue.",
	ReasonAuthRequired:    "Sign in to continue.",
}

// Decision is the pipeline verdict for one scan attempt.
type Decision struct {
	Allowed  bool
	Reason   Reason
	Message  string
	Redirect string
	RewardXP int64

	// Beacon is populated whenever resolution succeeded, including on
	// denials, so the ledger can attribute the attempt.
	Beacon *beacon.Beacon
}

// Request carries everything the pipeline needs for one attempt. Kind and
// Nonce are zero for plain /l/ link scans.
type Request struct {
	Code  string
	Kind  token.Kind
	Nonce string
	Actor identity.Actor
}

// BeaconSource resolves codes to beacon records.
type BeaconSource interface {
	GetByCode(ctx context.Context, code string) (beacon.Beacon, error)
}

// ConsentSource answers whether an actor has affirmed a consent feature.
type ConsentSource interface {
	Affirmed(ctx context.Context, actorID, feature string) (bool, error)
}

// ReplayGuard marks single-use nonces. MarkUsed returns false when the nonce
// was seen before.
type ReplayGuard interface {
	MarkUsed(nonce string) bool
}

// ClaimSource is the ticketing collaborator contract for resale payloads.
type ClaimSource interface {
	ClaimAvailable(ctx context.Context, beaconID string) (bool, error)
}

// RoomSource is the rooms collaborator contract for one-night-room payloads.
type RoomSource interface {
	RoomOpen(ctx context.Context, beaconID string) (bool, error)
}

var (
	errMissingBeacons = errors.New("gate: beacon source required")
	errMissingConsent = errors.New("gate: consent source required")
	errMissingReplay  = errors.New("gate: replay guard required")
)

// PipelineConfig bundles the pipeline's collaborators. Claims and Rooms are
// optional: when nil, the corresponding kind check passes.
type PipelineConfig struct {
	Beacons BeaconSource
	Consent ConsentSource
	Replay  ReplayGuard
	Claims  ClaimSource
	Rooms   RoomSource
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Pipeline runs the fixed gate sequence for every scan: resolve, status,
// time window, kind, consent, auth. The order is part of the contract; a
// denial reports the first gate that failed and later gates never run.
type Pipeline struct {
	beacons BeaconSource
	consent ConsentSource
	replay  ReplayGuard
	claims  ClaimSource
	rooms   RoomSource
	clock   func() time.Time
	logger  *zap.Logger
}

// NewPipeline constructs the gating pipeline with validated dependencies.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Beacons == nil {
		return nil, errMissingBeacons
	}
	if cfg.Consent == nil {
		return nil, errMissingConsent
	}
	if cfg.Replay == nil {
		return nil, errMissingReplay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		beacons: cfg.Beacons,
		consent: cfg.Consent,
		replay:  cfg.Replay,
		claims:  cfg.Claims,
		rooms:   cfg.Rooms,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Evaluate runs the gates in order and returns the verdict. Errors are
// infrastructure failures only; a denied scan is a Decision, not an error.
func (p *Pipeline) Evaluate(ctx context.Context, req Request) (Decision, error) {
	resolved, err := p.beacons.GetByCode(ctx, req.Code)
	if errors.Is(err, beacon.ErrNotFound) {
		return deny(nil, ReasonNotFound), nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("gate.evaluate.resolve_failed: %w", err)
	}

	if verdict, ok := p.statusGate(resolved); !ok {
		return verdict, nil
	}
	if verdict, ok := p.windowGate(resolved); !ok {
		return verdict, nil
	}
	if verdict, ok, err := p.kindGate(ctx, resolved, req); err != nil {
		return Decision{}, err
	} else if !ok {
		return verdict, nil
	}
	if verdict, ok, err := p.consentGate(ctx, resolved, req.Actor); err != nil {
		return Decision{}, err
	} else if !ok {
		return verdict, nil
	}
	if verdict, ok := p.authGate(resolved, req.Actor); !ok {
		return verdict, nil
	}

	return Decision{
		Allowed:  true,
		Message:  "Scan accepted.",
		Redirect: redirectFor(resolved.Type, resolved.Subtype, req.Kind, resolved.Code),
		RewardXP: resolved.XPBase,
		Beacon:   &resolved,
	}, nil
}

func (p *Pipeline) statusGate(b beacon.Beacon) (Decision, bool) {
	switch b.Status {
	case beacon.StatusActive:
		return Decision{}, true
	case beacon.StatusExpired:
		return deny(&b, ReasonExpired), false
	default:
		return deny(&b, ReasonInactive), false
	}
}

func (p *Pipeline) windowGate(b beacon.Beacon) (Decision, bool) {
	now := p.clock().UTC().Unix()
	if b.WindowStartSeconds > 0 && now < b.WindowStartSeconds {
		return deny(&b, ReasonNotYetActive), false
	}
	if b.WindowEndSeconds > 0 && now > b.WindowEndSeconds {
		return deny(&b, ReasonExpired), false
	}
	return Decision{}, true
}

// kindGate enforces kind-specific semantics. The replay cache is consulted
// before any kind-specific availability check; a replayed nonce never reaches
// the ticketing or rooms collaborator.
func (p *Pipeline) kindGate(ctx context.Context, b beacon.Beacon, req Request) (Decision, bool, error) {
	if !req.Kind.SingleUse() {
		return Decision{}, true, nil
	}
	if !p.replay.MarkUsed(req.Nonce) {
		p.logger.Info("single-use payload replayed",
			zap.String("beacon_code", b.Code),
			zap.String("kind", string(req.Kind)))
		return deny(&b, ReasonKindGateFailed), false, nil
	}

	switch req.Kind {
	case token.KindResale:
		if p.claims == nil {
			return Decision{}, true, nil
		}
		available, err := p.claims.ClaimAvailable(ctx, b.ID)
		if err != nil {
			return Decision{}, false, fmt.Errorf("gate.evaluate.claim_lookup_failed: %w", err)
		}
		if !available {
			return deny(&b, ReasonKindGateFailed), false, nil
		}
	case token.KindOneNightRoom:
		if p.rooms == nil {
			return Decision{}, true, nil
		}
		open, err := p.rooms.RoomOpen(ctx, b.ID)
		if err != nil {
			return Decision{}, false, fmt.Errorf("gate.evaluate.room_lookup_failed: %w", err)
		}
		if !open {
			return deny(&b, ReasonKindGateFailed), false, nil
		}
	}
	return Decision{}, true, nil
}

func (p *Pipeline) consentGate(ctx context.Context, b beacon.Beacon, actor identity.Actor) (Decision, bool, error) {
	features := make([]string, 0, 2)
	if b.RequiresAdult {
		features = append(features, consent.FeatureAdult)
	}
	if b.ConsentFeature != "" && b.ConsentFeature != consent.FeatureAdult {
		features = append(features, b.ConsentFeature)
	}
	for _, feature := range features {
		affirmed, err := p.consent.Affirmed(ctx, actor.ID, feature)
		if err != nil {
			return Decision{}, false, fmt.Errorf("gate.evaluate.consent_lookup_failed: %w", err)
		}
		if !affirmed {
			return deny(&b, ReasonConsentRequired), false, nil
		}
	}
	return Decision{}, true, nil
}

func (p *Pipeline) authGate(b beacon.Beacon, actor identity.Actor) (Decision, bool) {
	if b.RequiresAuth && actor.IsGuest() {
		return deny(&b, ReasonAuthRequired), false
	}
	return Decision{}, true
}

func deny(b *beacon.Beacon, reason Reason) Decision {
	return Decision{
		Allowed: false,
		Reason:  reason,
		Message: denialMessages[reason],
		Beacon:  b,
	}
}
