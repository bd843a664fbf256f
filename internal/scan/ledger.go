package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/glowcity/glow/backend/internal/beacon"
	"github.com/glowcity/glow/backend/internal/heat"
	"github.com/glowcity/glow/backend/internal/identity"
)

const defaultXPBucket = 60 * time.Second

// BeaconCounter is the registry surface the ledger needs for the advisory
// scan counter.
type BeaconCounter interface {
	IncrementScanCount(ctx context.Context, beaconID string, delta int64) error
}

// Ingestor is the aggregator surface the ledger forwards samples to.
type Ingestor interface {
	SnapToBin(latitude, longitude float64) heat.Bin
	Ingest(sample heat.Sample)
}

// IDProvider issues identifiers for event and ledger rows.
type IDProvider interface {
	NewID() (string, error)
}

var (
	errMissingDatabase = errors.New("scan: database handle is required")
	errMissingCounter  = errors.New("scan: beacon counter required")
	errMissingIDs      = errors.New("scan: id provider required")
)

// LedgerConfig bundles the ledger's dependencies. Aggregator may be nil in
// deployments that do not render heat maps.
type LedgerConfig struct {
	Database   *gorm.DB
	Beacons    BeaconCounter
	Aggregator Ingestor
	IDs        IDProvider
	XPBucket   time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Ledger records scan events and issues XP rewards. The event row is the
// source of truth for "did this scan happen"; the beacon counter and the
// aggregator feed are advisory side effects that never fail a scan.
type Ledger struct {
	db         *gorm.DB
	beacons    BeaconCounter
	aggregator Ingestor
	ids        IDProvider
	xpBucket   time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

// NewLedger constructs the scan ledger with validated dependencies.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Beacons == nil {
		return nil, errMissingCounter
	}
	if cfg.IDs == nil {
		return nil, errMissingIDs
	}
	xpBucket := cfg.XPBucket
	if xpBucket <= 0 {
		xpBucket = defaultXPBucket
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:         cfg.Database,
		beacons:    cfg.Beacons,
		aggregator: cfg.Aggregator,
		ids:        cfg.IDs,
		xpBucket:   xpBucket,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Grant is the outcome of recording a granted scan.
type Grant struct {
	EventID        string
	XP             int64
	AlreadyGranted bool
}

// RecordGranted persists the event for a scan that passed every gate, issues
// the reward idempotently, bumps the advisory counter, and forwards the
// sample to the aggregator.
func (l *Ledger) RecordGranted(ctx context.Context, b beacon.Beacon, actor identity.Actor) (Grant, error) {
	occurredAt := l.clock().UTC()

	geoBin := ""
	var sample heat.Sample
	if l.aggregator != nil {
		bin := l.aggregator.SnapToBin(b.Latitude, b.Longitude)
		geoBin = bin.GridID()
		sample = heat.Sample{Bin: bin, ActorID: actor.ID, OccurredAt: occurredAt}
	}

	eventID, err := l.insertEvent(ctx, b.ID, actor.ID, occurredAt, geoBin, OutcomeGranted, "")
	if err != nil {
		return Grant{}, err
	}

	grant, err := l.grantXP(ctx, b, actor.ID, occurredAt)
	if err != nil {
		return Grant{}, err
	}
	grant.EventID = eventID

	if err := l.beacons.IncrementScanCount(ctx, b.ID, 1); err != nil {
		l.logger.Warn("scan counter increment failed",
			zap.String("beacon_id", b.ID),
			zap.Error(err))
	}
	if l.aggregator != nil {
		l.aggregator.Ingest(sample)
	}
	return grant, nil
}

// RecordDenied persists the event for a scan stopped by a gate. Only resolved
// beacons leave a trace; unknown codes are a logging concern, not a ledger row.
func (l *Ledger) RecordDenied(ctx context.Context, b beacon.Beacon, actor identity.Actor, reason string) error {
	occurredAt := l.clock().UTC()
	_, err := l.insertEvent(ctx, b.ID, actor.ID, occurredAt, "", OutcomeDenied, reason)
	return err
}

func (l *Ledger) insertEvent(ctx context.Context, beaconID, actorID string, occurredAt time.Time, geoBin string, outcome Outcome, reason string) (string, error) {
	eventID, err := l.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("scan.record.event_id_failed: %w", err)
	}
	event := ScanEvent{
		EventID:           eventID,
		BeaconID:          beaconID,
		ActorID:           actorID,
		OccurredAtSeconds: occurredAt.Unix(),
		GeoBin:            geoBin,
		Outcome:           outcome,
		Reason:            reason,
	}
	if err := l.db.WithContext(ctx).Create(&event).Error; err != nil {
		return "", fmt.Errorf("scan.record.event_insert_failed: %w", err)
	}
	return eventID, nil
}

// grantXP issues the reward under the (actor, beacon, bucket) idempotency
// key. A conflicting insert means the reward for this bucket already exists;
// the caller gets the original grant back rather than an error.
func (l *Ledger) grantXP(ctx context.Context, b beacon.Beacon, actorID string, occurredAt time.Time) (Grant, error) {
	bucketSeconds := occurredAt.Truncate(l.xpBucket).Unix()

	entryID, err := l.ids.NewID()
	if err != nil {
		return Grant{}, fmt.Errorf("scan.record.entry_id_failed: %w", err)
	}
	entry := XPLedgerEntry{
		EntryID:          entryID,
		ActorID:          actorID,
		BeaconID:         b.ID,
		BucketSeconds:    bucketSeconds,
		Amount:           b.XPBase,
		GrantedAtSeconds: occurredAt.Unix(),
	}
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry)
	if result.Error != nil {
		return Grant{}, fmt.Errorf("scan.record.grant_insert_failed: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return Grant{XP: entry.Amount}, nil
	}

	var existing XPLedgerEntry
	err = l.db.WithContext(ctx).
		Where("actor_id = ? AND beacon_id = ? AND bucket_s = ?", actorID, b.ID, bucketSeconds).
		Take(&existing).Error
	if err != nil {
		return Grant{}, fmt.Errorf("scan.record.grant_lookup_failed: %w", err)
	}
	return Grant{XP: existing.Amount, AlreadyGranted: true}, nil
}

// Balance sums the actor's granted XP across the ledger.
func (l *Ledger) Balance(ctx context.Context, actorID string) (int64, error) {
	var total int64
	err := l.db.WithContext(ctx).Model(&XPLedgerEntry{}).
		Where("actor_id = ?", actorID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("scan.balance.query_failed: %w", err)
	}
	return total, nil
}
