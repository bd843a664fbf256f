package beacon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates no beacon exists for the requested code or id.
	ErrNotFound = errors.New("beacon: not found")
	// ErrStatusTransition indicates a lifecycle rule rejected the update.
	ErrStatusTransition = errors.New("beacon: invalid status transition")

	errMissingDatabase = errors.New("beacon: database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opRegistryNew    = "beacon.registry.new"
	opGetByCode      = "beacon.get_by_code"
	opIncrementCount = "beacon.increment_scan_count"
	opUpdateStatus   = "beacon.update_status"
	opCreate         = "beacon.create"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RegistryConfig describes the dependencies for beacon persistence access.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry is the persistence boundary for beacon records.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs the registry with validated dependencies.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opRegistryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger}, nil
}

// GetByCode returns the latest committed beacon state for a short code.
func (r *Registry) GetByCode(ctx context.Context, code string) (Beacon, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Beacon{}, ErrNotFound
	}

	var record Beacon
	err := r.db.WithContext(ctx).Where("code = ?", code).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Beacon{}, ErrNotFound
	}
	if err != nil {
		r.logger.Error("beacon lookup failed",
			zap.String("operation", opGetByCode),
			zap.String("code", code),
			zap.Error(err))
		return Beacon{}, newServiceError(opGetByCode, "query_failed", err)
	}
	return record, nil
}

// IncrementScanCount adds n to the beacon's scan counter with a single atomic
// UPDATE. The counter is advisory: callers treat failures as log-and-continue
// and never read-modify-write it at the application layer.
func (r *Registry) IncrementScanCount(ctx context.Context, beaconID string, n int64) error {
	if n <= 0 {
		return nil
	}
	result := r.db.WithContext(ctx).Model(&Beacon{}).
		Where("beacon_id = ?", beaconID).
		UpdateColumn("scan_count", gorm.Expr("scan_count + ?", n))
	if result.Error != nil {
		return newServiceError(opIncrementCount, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions the beacon lifecycle. Expired is terminal.
func (r *Registry) UpdateStatus(ctx context.Context, beaconID string, next Status) error {
	var record Beacon
	err := r.db.WithContext(ctx).Where("beacon_id = ?", beaconID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return newServiceError(opUpdateStatus, "query_failed", err)
	}
	if record.Status == StatusExpired && next != StatusExpired {
		return fmt.Errorf("%w: %s -> %s", ErrStatusTransition, record.Status, next)
	}

	updateErr := r.db.WithContext(ctx).Model(&Beacon{}).
		Where("beacon_id = ?", beaconID).
		Updates(map[string]interface{}{
			"status":       next,
			"updated_at_s": r.clock().UTC().Unix(),
		}).Error
	if updateErr != nil {
		return newServiceError(opUpdateStatus, "update_failed", updateErr)
	}
	return nil
}

// Create persists a new beacon record. Operators own creation; it exists here
// so tests and tooling can seed the registry through the same boundary.
func (r *Registry) Create(ctx context.Context, record Beacon) error {
	if strings.TrimSpace(record.ID) == "" || strings.TrimSpace(record.Code) == "" {
		return newServiceError(opCreate, "missing_identifier", nil)
	}
	if record.Status == "" {
		record.Status = StatusDraft
	}
	now := r.clock().UTC().Unix()
	if record.CreatedAtSeconds == 0 {
		record.CreatedAtSeconds = now
	}
	if record.UpdatedAtSeconds == 0 {
		record.UpdatedAtSeconds = now
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return newServiceError(opCreate, "insert_failed", err)
	}
	return nil
}
