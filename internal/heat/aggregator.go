package heat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultCellSizeDegrees = 0.0025
	defaultBucket          = 10 * time.Minute
	defaultPublishDelay    = 10 * time.Minute
	defaultQueueSize       = 1024
	defaultTrailMemory     = 45 * time.Minute

	minHeatK  = 5
	minTrailK = 20
)

var (
	errMissingDatabase = errors.New("heat: database handle is required")
	errHeatKTooLow     = errors.New("heat: k_heat below the minimum of 5")
	errTrailKTooLow    = errors.New("heat: k_trail below the minimum of 20")
)

// AggregatorConfig bundles aggregator tuning and dependencies.
type AggregatorConfig struct {
	Database        *gorm.DB
	CellSizeDegrees float64
	Bucket          time.Duration
	PublishDelay    time.Duration
	KHeat           int
	KTrail          int
	QueueSize       int
	TrailMemory     time.Duration
	Logger          *zap.Logger
}

// Aggregator ingests scan location samples and maintains k-anonymous heat
// and trail aggregates. Ingestion is best effort relative to the scan flow:
// it never blocks and never surfaces failures to the scanning caller.
type Aggregator struct {
	db           *gorm.DB
	cellSize     float64
	bucket       time.Duration
	publishDelay time.Duration
	kHeat        int
	kTrail       int
	logger       *zap.Logger

	queue    chan Sample
	lastBins *ttlcache.Cache[string, Bin]
	done     chan struct{}
	stopOnce sync.Once
}

// NewAggregator constructs the aggregator and starts its ingestion worker.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	cellSize := cfg.CellSizeDegrees
	if cellSize <= 0 {
		cellSize = defaultCellSizeDegrees
	}
	bucket := cfg.Bucket
	if bucket <= 0 {
		bucket = defaultBucket
	}
	publishDelay := cfg.PublishDelay
	if publishDelay <= 0 {
		publishDelay = defaultPublishDelay
	}
	kHeat := cfg.KHeat
	if kHeat == 0 {
		kHeat = minHeatK
	}
	if kHeat < minHeatK {
		return nil, errHeatKTooLow
	}
	kTrail := cfg.KTrail
	if kTrail == 0 {
		kTrail = minTrailK
	}
	if kTrail < minTrailK {
		return nil, errTrailKTooLow
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	trailMemory := cfg.TrailMemory
	if trailMemory <= 0 {
		trailMemory = defaultTrailMemory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lastBins := ttlcache.New[string, Bin](
		ttlcache.WithTTL[string, Bin](trailMemory),
	)
	go lastBins.Start()

	aggregator := &Aggregator{
		db:           cfg.Database,
		cellSize:     cellSize,
		bucket:       bucket,
		publishDelay: publishDelay,
		kHeat:        kHeat,
		kTrail:       kTrail,
		logger:       logger,
		queue:        make(chan Sample, queueSize),
		lastBins:     lastBins,
		done:         make(chan struct{}),
	}
	go aggregator.run()
	return aggregator, nil
}

// SnapToBin converts raw coordinates to a grid bin using the configured cell
// size. Callers snap before handing anything to the scan ledger so that raw
// coordinates never cross the ingestion boundary.
func (a *Aggregator) SnapToBin(latitude, longitude float64) Bin {
	return BinFor(latitude, longitude, a.cellSize)
}

// Ingest enqueues a sample. It never blocks: a full queue drops the sample
// with a log line, trading heat map freshness for scan latency.
func (a *Aggregator) Ingest(sample Sample) {
	select {
	case a.queue <- sample:
	default:
		a.logger.Warn("aggregator queue full, sample dropped",
			zap.String("grid_id", sample.Bin.GridID()))
	}
}

// Close drains the queue and stops the worker.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() {
		close(a.queue)
	})
	<-a.done
	a.lastBins.Stop()
}

func (a *Aggregator) run() {
	defer close(a.done)
	for sample := range a.queue {
		if err := a.apply(context.Background(), sample); err != nil {
			a.logger.Warn("aggregation failed",
				zap.String("grid_id", sample.Bin.GridID()),
				zap.Error(err))
		}
	}
}

func (a *Aggregator) apply(ctx context.Context, sample Sample) error {
	bucketSeconds := sample.OccurredAt.UTC().Truncate(a.bucket).Unix()
	actorHash := hashActor(sample.ActorID)

	if err := a.applyHeat(ctx, sample.Bin, bucketSeconds, actorHash); err != nil {
		return err
	}

	if previous := a.lastBins.Get(actorHash); previous != nil && previous.Value() != sample.Bin {
		if err := a.applyTrail(ctx, previous.Value(), sample.Bin, bucketSeconds, actorHash); err != nil {
			return err
		}
	}
	a.lastBins.Set(actorHash, sample.Bin, ttlcache.DefaultTTL)
	return nil
}

// applyHeat bumps the cell's distinct-actor count iff this actor has not
// contributed to the cell's bucket yet. Counter moves via atomic addition,
// never snapshot-then-write.
func (a *Aggregator) applyHeat(ctx context.Context, bin Bin, bucketSeconds int64, actorHash string) error {
	membership := HeatCellActor{
		GridX:             bin.X,
		GridY:             bin.Y,
		TimeBucketSeconds: bucketSeconds,
		ActorHash:         actorHash,
	}
	result := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&membership)
	if result.Error != nil {
		return fmt.Errorf("heat.apply.membership_insert_failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	update := a.db.WithContext(ctx).Model(&HeatCell{}).
		Where("grid_x = ? AND grid_y = ? AND time_bucket_s = ?", bin.X, bin.Y, bucketSeconds).
		UpdateColumn("actor_count", gorm.Expr("actor_count + 1"))
	if update.Error != nil {
		return fmt.Errorf("heat.apply.count_update_failed: %w", update.Error)
	}
	if update.RowsAffected == 0 {
		cell := HeatCell{GridX: bin.X, GridY: bin.Y, TimeBucketSeconds: bucketSeconds, Count: 1}
		if err := a.db.WithContext(ctx).Create(&cell).Error; err != nil {
			return fmt.Errorf("heat.apply.cell_insert_failed: %w", err)
		}
	}
	return nil
}

func (a *Aggregator) applyTrail(ctx context.Context, origin, dest Bin, bucketSeconds int64, actorHash string) error {
	membership := TrailCellActor{
		OriginX:           origin.X,
		OriginY:           origin.Y,
		DestX:             dest.X,
		DestY:             dest.Y,
		TimeBucketSeconds: bucketSeconds,
		ActorHash:         actorHash,
	}
	result := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&membership)
	if result.Error != nil {
		return fmt.Errorf("heat.apply.trail_membership_insert_failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil
	}

	update := a.db.WithContext(ctx).Model(&TrailCell{}).
		Where("origin_x = ? AND origin_y = ? AND dest_x = ? AND dest_y = ? AND time_bucket_s = ?",
			origin.X, origin.Y, dest.X, dest.Y, bucketSeconds).
		UpdateColumn("actor_count", gorm.Expr("actor_count + 1"))
	if update.Error != nil {
		return fmt.Errorf("heat.apply.trail_update_failed: %w", update.Error)
	}
	if update.RowsAffected == 0 {
		cell := TrailCell{
			OriginX:           origin.X,
			OriginY:           origin.Y,
			DestX:             dest.X,
			DestY:             dest.Y,
			TimeBucketSeconds: bucketSeconds,
			Count:             1,
		}
		if err := a.db.WithContext(ctx).Create(&cell).Error; err != nil {
			return fmt.Errorf("heat.apply.trail_insert_failed: %w", err)
		}
	}
	return nil
}

// ReadHeat returns published heat cells inside the bounding box as of the
// given instant. Cells below the distinct-actor threshold or younger than
// the publication delay are withheld unconditionally; no query parameter can
// reach them.
func (a *Aggregator) ReadHeat(ctx context.Context, bbox BBox, asOf time.Time) ([]PublishedHeatCell, error) {
	minBin := BinFor(bbox.MinLatitude, bbox.MinLongitude, a.cellSize)
	maxBin := BinFor(bbox.MaxLatitude, bbox.MaxLongitude, a.cellSize)
	cutoff := asOf.UTC().Add(-a.publishDelay).Truncate(a.bucket).Unix()

	var cells []HeatCell
	err := a.db.WithContext(ctx).
		Where("grid_x BETWEEN ? AND ?", minBin.X, maxBin.X).
		Where("grid_y BETWEEN ? AND ?", minBin.Y, maxBin.Y).
		Where("time_bucket_s <= ?", cutoff).
		Where("actor_count >= ?", a.kHeat).
		Order("time_bucket_s DESC").
		Find(&cells).Error
	if err != nil {
		return nil, fmt.Errorf("heat.read_heat.query_failed: %w", err)
	}

	published := make([]PublishedHeatCell, 0, len(cells))
	for _, cell := range cells {
		bin := Bin{X: cell.GridX, Y: cell.GridY}
		latitude, longitude := bin.Center(a.cellSize)
		published = append(published, PublishedHeatCell{
			GridID:            bin.GridID(),
			CenterLatitude:    latitude,
			CenterLongitude:   longitude,
			TimeBucketSeconds: cell.TimeBucketSeconds,
			Count:             cell.Count,
		})
	}
	return published, nil
}

// ReadTrails returns published origin-destination cells whose origin falls
// inside the bounding box, under the stricter trail threshold.
func (a *Aggregator) ReadTrails(ctx context.Context, bbox BBox, asOf time.Time) ([]PublishedTrailCell, error) {
	minBin := BinFor(bbox.MinLatitude, bbox.MinLongitude, a.cellSize)
	maxBin := BinFor(bbox.MaxLatitude, bbox.MaxLongitude, a.cellSize)
	cutoff := asOf.UTC().Add(-a.publishDelay).Truncate(a.bucket).Unix()

	var cells []TrailCell
	err := a.db.WithContext(ctx).
		Where("origin_x BETWEEN ? AND ?", minBin.X, maxBin.X).
		Where("origin_y BETWEEN ? AND ?", minBin.Y, maxBin.Y).
		Where("time_bucket_s <= ?", cutoff).
		Where("actor_count >= ?", a.kTrail).
		Order("time_bucket_s DESC").
		Find(&cells).Error
	if err != nil {
		return nil, fmt.Errorf("heat.read_trails.query_failed: %w", err)
	}

	published := make([]PublishedTrailCell, 0, len(cells))
	for _, cell := range cells {
		published = append(published, PublishedTrailCell{
			OriginGridID:      Bin{X: cell.OriginX, Y: cell.OriginY}.GridID(),
			DestGridID:        Bin{X: cell.DestX, Y: cell.DestY}.GridID(),
			TimeBucketSeconds: cell.TimeBucketSeconds,
			Count:             cell.Count,
		})
	}
	return published, nil
}
