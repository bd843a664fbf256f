package beacon

import "strings"

// Status enumerates the beacon lifecycle.
type Status string

const (
	// StatusDraft marks a beacon not yet visible to scanners.
	StatusDraft Status = "draft"
	// StatusActive marks a beacon that may resolve successfully.
	StatusActive Status = "active"
	// StatusPaused marks a beacon temporarily withheld by its operator.
	StatusPaused Status = "paused"
	// StatusExpired marks a beacon permanently retired.
	StatusExpired Status = "expired"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusDraft:
		return StatusDraft, true
	case StatusActive:
		return StatusActive, true
	case StatusPaused:
		return StatusPaused, true
	case StatusExpired:
		return StatusExpired, true
	}
	return "", false
}

// Beacon models a physical/QR-addressable trigger. Coordinates belong to the
// registered installation point, never to a scanner.
type Beacon struct {
	ID      string `gorm:"column:beacon_id;primaryKey;size:190;not null"`
	Code    string `gorm:"column:code;size:64;not null;uniqueIndex"`
	Type    string `gorm:"column:beacon_type;size:64;not null"`
	Subtype string `gorm:"column:beacon_subtype;size:64;not null;default:''"`
	Status  Status `gorm:"column:status;size:16;not null;default:'draft'"`

	// Zero means no bound on that side of the window.
	WindowStartSeconds int64 `gorm:"column:window_start_s;not null;default:0"`
	WindowEndSeconds   int64 `gorm:"column:window_end_s;not null;default:0"`

	Latitude  float64 `gorm:"column:latitude;not null;default:0"`
	Longitude float64 `gorm:"column:longitude;not null;default:0"`

	XPBase    int64 `gorm:"column:xp_base;not null;default:0"`
	ScanCount int64 `gorm:"column:scan_count;not null;default:0"`

	RequiresAuth   bool   `gorm:"column:requires_auth;not null;default:false"`
	RequiresAdult  bool   `gorm:"column:requires_adult;not null;default:false"`
	ConsentFeature string `gorm:"column:consent_feature;size:64;not null;default:''"`

	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Beacon) TableName() string {
	return "beacons"
}

// WithinWindow reports whether nowSeconds falls inside the configured time
// window. An unset bound never restricts.
func (b Beacon) WithinWindow(nowSeconds int64) bool {
	if b.WindowStartSeconds > 0 && nowSeconds < b.WindowStartSeconds {
		return false
	}
	if b.WindowEndSeconds > 0 && nowSeconds > b.WindowEndSeconds {
		return false
	}
	return true
}
