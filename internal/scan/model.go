package scan

// Outcome records whether a scan attempt was honored.
type Outcome string

const (
	// OutcomeGranted marks a scan that passed every gate.
	OutcomeGranted Outcome = "granted"
	// OutcomeDenied marks a scan stopped by a gate.
	OutcomeDenied Outcome = "denied"
)

// ScanEvent is the immutable record of one resolved scan attempt. GeoBin is
// the coarse grid id of the beacon's installation point; exact coordinates
// and raw device identifiers never appear here.
type ScanEvent struct {
	EventID           string  `gorm:"column:event_id;primaryKey;size:190;not null"`
	BeaconID          string  `gorm:"column:beacon_id;size:190;not null;index"`
	ActorID           string  `gorm:"column:actor_id;size:190;not null;index"`
	OccurredAtSeconds int64   `gorm:"column:occurred_at_s;not null"`
	GeoBin            string  `gorm:"column:geo_bin;size:32;not null;default:''"`
	Outcome           Outcome `gorm:"column:outcome;size:16;not null"`
	Reason            string  `gorm:"column:reason;size:32;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ScanEvent) TableName() string {
	return "scan_events"
}

// XPLedgerEntry is one reward grant. The (actor, beacon, bucket) unique index
// is the idempotency key: rapid duplicate scans collapse onto a single grant.
type XPLedgerEntry struct {
	EntryID          string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	ActorID          string `gorm:"column:actor_id;size:190;not null;uniqueIndex:idx_xp_grant,priority:1"`
	BeaconID         string `gorm:"column:beacon_id;size:190;not null;uniqueIndex:idx_xp_grant,priority:2"`
	BucketSeconds    int64  `gorm:"column:bucket_s;not null;uniqueIndex:idx_xp_grant,priority:3"`
	Amount           int64  `gorm:"column:amount;not null"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (XPLedgerEntry) TableName() string {
	return "xp_ledger_entries"
}
