package models

// MetadataKeyLastSyncTime holds the delta-pull watermark (epoch ms).
const MetadataKeyLastSyncTime = "lastSyncTime"

// MetadataEntry holds process-wide bookkeeping.
type MetadataEntry struct {
	Key         string `db:"key" json:"key"`
	Value       string `db:"value" json:"value"`
	LastUpdated int64  `db:"last_updated" json:"lastUpdated"`
}

// TableName returns the table name for MetadataEntry.
func (MetadataEntry) TableName() string {
	return "metadata"
}
