package heat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// Bin is a coarse grid cell. Snapping to a Bin is the privacy boundary:
// exact coordinates never survive past it.
type Bin struct {
	X int
	Y int
}

// GridID renders the stable identifier for a bin.
func (b Bin) GridID() string {
	return fmt.Sprintf("%d:%d", b.X, b.Y)
}

// BinFor snaps a coordinate to the grid with the given cell size in degrees.
func BinFor(latitude, longitude, cellSizeDegrees float64) Bin {
	return Bin{
		X: int(math.Floor(longitude / cellSizeDegrees)),
		Y: int(math.Floor(latitude / cellSizeDegrees)),
	}
}

// Center returns the representative coordinate of the bin for rendering.
func (b Bin) Center(cellSizeDegrees float64) (latitude, longitude float64) {
	return (float64(b.Y) + 0.5) * cellSizeDegrees, (float64(b.X) + 0.5) * cellSizeDegrees
}

// BBox is a read query bound in raw coordinates.
type BBox struct {
	MinLatitude  float64
	MinLongitude float64
	MaxLatitude  float64
	MaxLongitude float64
}

// Sample is one ingested scan location event. ActorID is hashed at the
// ingestion boundary; it never reaches an aggregate row.
type Sample struct {
	Bin        Bin
	ActorID    string
	OccurredAt time.Time
}

// HeatCell counts distinct contributing actors per grid cell and time bucket.
// Rows below the publication threshold stay internal.
type HeatCell struct {
	GridX             int   `gorm:"column:grid_x;primaryKey;autoIncrement:false"`
	GridY             int   `gorm:"column:grid_y;primaryKey;autoIncrement:false"`
	TimeBucketSeconds int64 `gorm:"column:time_bucket_s;primaryKey;autoIncrement:false"`
	Count             int64 `gorm:"column:actor_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (HeatCell) TableName() string {
	return "heat_cells"
}

// HeatCellActor tracks cell membership for distinctness. Internal only; the
// stored value is a truncated one-way hash, never an actor id.
type HeatCellActor struct {
	GridX             int    `gorm:"column:grid_x;primaryKey;autoIncrement:false"`
	GridY             int    `gorm:"column:grid_y;primaryKey;autoIncrement:false"`
	TimeBucketSeconds int64  `gorm:"column:time_bucket_s;primaryKey;autoIncrement:false"`
	ActorHash         string `gorm:"column:actor_hash;primaryKey;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (HeatCellActor) TableName() string {
	return "heat_cell_actors"
}

// TrailCell counts distinct actors observed moving origin bin -> destination
// bin within a time bucket. Origin-destination pairs are more re-identifying
// than single cells, hence the stricter publication threshold.
type TrailCell struct {
	OriginX           int   `gorm:"column:origin_x;primaryKey;autoIncrement:false"`
	OriginY           int   `gorm:"column:origin_y;primaryKey;autoIncrement:false"`
	DestX             int   `gorm:"column:dest_x;primaryKey;autoIncrement:false"`
	DestY             int   `gorm:"column:dest_y;primaryKey;autoIncrement:false"`
	TimeBucketSeconds int64 `gorm:"column:time_bucket_s;primaryKey;autoIncrement:false"`
	Count             int64 `gorm:"column:actor_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (TrailCell) TableName() string {
	return "trail_cells"
}

// TrailCellActor tracks trail membership for distinctness. Internal only.
type TrailCellActor struct {
	OriginX           int    `gorm:"column:origin_x;primaryKey;autoIncrement:false"`
	OriginY           int    `gorm:"column:origin_y;primaryKey;autoIncrement:false"`
	DestX             int    `gorm:"column:dest_x;primaryKey;autoIncrement:false"`
	DestY             int    `gorm:"column:dest_y;primaryKey;autoIncrement:false"`
	TimeBucketSeconds int64  `gorm:"column:time_bucket_s;primaryKey;autoIncrement:false"`
	ActorHash         string `gorm:"column:actor_hash;primaryKey;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TrailCellActor) TableName() string {
	return "trail_cell_actors"
}

// PublishedHeatCell is the reader-facing aggregate shape.
type PublishedHeatCell struct {
	GridID            string  `json:"grid_id"`
	CenterLatitude    float64 `json:"lat"`
	CenterLongitude   float64 `json:"lng"`
	TimeBucketSeconds int64   `json:"time_bucket_s"`
	Count             int64   `json:"count"`
}

// PublishedTrailCell is the reader-facing origin-destination aggregate shape.
type PublishedTrailCell struct {
	OriginGridID      string `json:"origin_grid_id"`
	DestGridID        string `json:"dest_grid_id"`
	TimeBucketSeconds int64  `json:"time_bucket_s"`
	Count             int64  `json:"count"`
}

func hashActor(actorID string) string {
	digest := sha256.Sum256([]byte(actorID))
	return hex.EncodeToString(digest[:16])
}
