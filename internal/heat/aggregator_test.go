package heat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&HeatCell{}, &HeatCellActor{}, &TrailCell{}, &TrailCellActor{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	aggregator, err := NewAggregator(AggregatorConfig{
		Database:     db,
		Bucket:       10 * time.Minute,
		PublishDelay: 10 * time.Minute,
		KHeat:        5,
		KTrail:       20,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return aggregator
}

var (
	testBin     = Bin{X: 917, Y: 19543}
	testBinNext = Bin{X: 918, Y: 19543}
	scanTime    = time.Date(2026, 6, 20, 23, 4, 0, 0, time.UTC)
	wideBBox    = BBox{MinLatitude: 48.0, MinLongitude: 2.0, MaxLatitude: 49.0, MaxLongitude: 3.0}
)

func TestHeatCellWithheldBelowThreshold(t *testing.T) {
	aggregator := openTestAggregator(t)
	defer aggregator.Close()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		sample := Sample{Bin: testBin, ActorID: fmt.Sprintf("actor-%d", i), OccurredAt: scanTime}
		if err := aggregator.apply(ctx, sample); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	published, err := aggregator.ReadHeat(ctx, wideBBox, scanTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(published) != 0 {
		t.Fatalf("cell with 4 distinct actors must stay unpublished, got %v", published)
	}
}

func TestHeatCellPublishesAtThreshold(t *testing.T) {
	aggregator := openTestAggregator(t)
	defer aggregator.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sample := Sample{Bin: testBin, ActorID: fmt.Sprintf("actor-%d", i), OccurredAt: scanTime}
		if err := aggregator.apply(ctx, sample); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	published, err := aggregator.ReadHeat(ctx, wideBBox, scanTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("expected one published cell, got %v", published)
	}
	if published[0].Count != 5 {
		t.Fatalf("expected distinct actor count 5, got %d", published[0].Count)
	}
	if published[0].GridID != testBin.GridID() {
		t.Fatalf("expected grid id %s, got %s", testBin.GridID(), published[0].GridID)
	}
}

func TestRepeatScansDoNotInflateDistinctCount(t *testing.T) {
	aggregator := openTestAggregator(t)
	defer aggregator.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sample := Sample{Bin: testBin, ActorID: fmt.Sprintf("actor-%d", i), OccurredAt: scanTime}
		if err := aggregator.apply(ctx, sample); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}
	// The same five actors scanning again must not move the counter.
	for i := 0; i < 5; i++ {
		sample := Sample{Bin: testBin, ActorID: fmt.Sprintf("actor-%d", i), OccurredAt: scanTime.Add(time.Minute)}
		if err := aggregator.apply(ctx, sample); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	published, err := aggregator.ReadHeat(ctx, wideBBox, scanTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(published) != 1 || published[0].Count != 5 {
		t.Fatalf("expected distinct actor count to stay at 5, got %v", published)
	}
}

func TestPublicationDelayHidesFreshBuckets(t *testing.T) {
	aggregator := openTestAggregator(t)
	defer aggregator.Close()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		sample := Sample{Bin: testBin, ActorID: fmt.Sprintf("actor-%d", i), OccurredAt: scanTime}
		if err := aggregator.apply(ctx, sample); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	early, err := aggregator.ReadHeat(ctx, wideBBox, scanTime.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("bucket younger than the publication delay must stay hidden, got %v", early)
	}

	late, err := aggregator.ReadHeat(ctx, wideBBox, scanTime.Add(25*time.Minute))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(late) != 1 {
		t.Fatalf("expected the bucket to publish after the delay, got %v", late)
	}
}

func TestReadHeatRespectsBoundingBox(t *testing.T) {
	aggregator := openTestAggregator(t)
	defer aggregator.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sample := Sample{Bin: testBin, ActorID: fmt.Sprintf("actor-%d", i), OccurredAt: scanTime}
		if err := aggregator.apply(ctx, sample); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	elsewhere := BBox{MinLatitude: 40.0, MinLongitude: -74.5, MaxLatitude: 41.0, MaxLongitude: -73.5}
	published, err := aggregator.ReadHeat(ctx, elsewhere, scanTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(published) != 0 {
		t.Fatalf("cells outside the bounding box must not be returned, got %v", published)
	}
}

func TestTrailPublishesOnlyAtStricterThreshold(t *testing.T) {
	aggregator := openTestAggregator(t)
	defer aggregator.Close()
	ctx := context.Background()

	moveActor := func(index int) {
		actorID := fmt.Sprintf("mover-%d", index)
		first := Sample{Bin: testBin, ActorID: actorID, OccurredAt: scanTime}
		second := Sample{Bin: testBinNext, ActorID: actorID, OccurredAt: scanTime.Add(3 * time.Minute)}
		if err := aggregator.apply(ctx, first); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
		if err := aggregator.apply(ctx, second); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	for i := 0; i < 19; i++ {
		moveActor(i)
	}
	published, err := aggregator.ReadTrails(ctx, wideBBox, scanTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(published) != 0 {
		t.Fatalf("trail with 19 distinct actors must stay unpublished, got %v", published)
	}

	moveActor(19)
	published, err = aggregator.ReadTrails(ctx, wideBBox, scanTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("expected one published trail, got %v", published)
	}
	if published[0].Count != 20 {
		t.Fatalf("expected distinct trail count 20, got %d", published[0].Count)
	}
	if published[0].OriginGridID != testBin.GridID() || published[0].DestGridID != testBinNext.GridID() {
		t.Fatalf("unexpected trail endpoints: %+v", published[0])
	}
}

func TestStationaryActorLeavesNoTrail(t *testing.T) {
	aggregator := openTestAggregator(t)
	defer aggregator.Close()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		sample := Sample{Bin: testBin, ActorID: "loiterer", OccurredAt: scanTime.Add(time.Duration(i) * time.Minute)}
		if err := aggregator.apply(ctx, sample); err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
	}

	var count int64
	if err := aggregator.db.Model(&TrailCell{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 0 {
		t.Fatalf("same-bin rescans must not create trail rows, got %d", count)
	}
}

func TestIngestDeliversThroughWorker(t *testing.T) {
	aggregator := openTestAggregator(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		aggregator.Ingest(Sample{Bin: testBin, ActorID: fmt.Sprintf("actor-%d", i), OccurredAt: scanTime})
	}
	aggregator.Close()

	published, err := aggregator.ReadHeat(ctx, wideBBox, scanTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if len(published) != 1 || published[0].Count != 5 {
		t.Fatalf("expected queued samples to aggregate, got %v", published)
	}
}

func TestNewAggregatorRejectsWeakThresholds(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:weak_thresholds?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}

	if _, err := NewAggregator(AggregatorConfig{Database: db, KHeat: 3}); err == nil {
		t.Fatalf("expected k below 5 to be rejected")
	}
	if _, err := NewAggregator(AggregatorConfig{Database: db, KTrail: 10}); err == nil {
		t.Fatalf("expected trail k below 20 to be rejected")
	}
	if _, err := NewAggregator(AggregatorConfig{}); err == nil {
		t.Fatalf("expected missing database to be rejected")
	}
}
