package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeatureAdult is the 18+ affirmation every age-gated beacon requires.
const FeatureAdult = "adult_18plus"

const defaultAnswerTTL = 5 * time.Minute

var errMissingDatabase = errors.New("consent: database handle is required")

// Record stores one affirmed consent per actor and feature. The profile
// collaborator writes these; the gating pipeline only ever reads.
type Record struct {
	ActorID           string `gorm:"column:actor_id;primaryKey;size:190;not null"`
	Feature           string `gorm:"column:feature;primaryKey;size:64;not null"`
	AffirmedAtSeconds int64  `gorm:"column:affirmed_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "consent_records"
}

// StoreConfig describes the dependencies for consent lookups.
type StoreConfig struct {
	Database  *gorm.DB
	AnswerTTL time.Duration
	Clock     func() time.Time
}

// Store answers consent questions for the gating pipeline with a short-lived
// cache in front of the database, since a popular beacon asks the same
// question for the same actor many times in quick succession.
type Store struct {
	db      *gorm.DB
	answers *ttlcache.Cache[string, bool]
	clock   func() time.Time
}

// NewStore constructs the consent store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	ttl := cfg.AnswerTTL
	if ttl <= 0 {
		ttl = defaultAnswerTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	answers := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](ttl),
		ttlcache.WithDisableTouchOnHit[string, bool](),
	)
	go answers.Start()
	return &Store{db: cfg.Database, answers: answers, clock: clock}, nil
}

// Affirmed reports whether the actor has an affirmed consent for the feature.
func (s *Store) Affirmed(ctx context.Context, actorID, feature string) (bool, error) {
	actorID = strings.TrimSpace(actorID)
	feature = strings.TrimSpace(feature)
	if actorID == "" || feature == "" {
		return false, nil
	}

	key := actorID + "|" + feature
	if cached := s.answers.Get(key, ttlcache.WithDisableTouchOnHit[string, bool]()); cached != nil {
		return cached.Value(), nil
	}

	var count int64
	err := s.db.WithContext(ctx).Model(&Record{}).
		Where("actor_id = ? AND feature = ?", actorID, feature).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("consent.affirmed.query_failed: %w", err)
	}

	affirmed := count > 0
	// Negative answers are cached too: a missing consent row is the common
	// case on a crowded floor and just as expensive to look up.
	s.answers.Set(key, affirmed, ttlcache.DefaultTTL)
	return affirmed, nil
}

// Affirm records an affirmed consent for the actor and feature.
func (s *Store) Affirm(ctx context.Context, actorID, feature string) error {
	actorID = strings.TrimSpace(actorID)
	feature = strings.TrimSpace(feature)
	if actorID == "" || feature == "" {
		return errors.New("consent: actor id and feature required")
	}

	record := Record{
		ActorID:           actorID,
		Feature:           feature,
		AffirmedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("consent.affirm.insert_failed: %w", err)
	}
	s.answers.Set(actorID+"|"+feature, true, ttlcache.DefaultTTL)
	return nil
}

// Stop terminates the cache expiry loop.
func (s *Store) Stop() {
	s.answers.Stop()
}
