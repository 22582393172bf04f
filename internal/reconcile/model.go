package reconcile

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ProcessorEvent records one received webhook event. The unique index on
// provider plus provider event id makes redelivery a no-op.
type ProcessorEvent struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Provider        string       `gorm:"type:text;not null;index:idx_processor_events_dedupe,unique"`
	ProviderEventID string       `gorm:"type:text;not null;index:idx_processor_events_dedupe,unique"`
	EventType       string       `gorm:"type:text;not null"`
	OccurredAt      time.Time    `gorm:"not null"`
	ReceivedAt      time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (ProcessorEvent) TableName() string { return "processor_events" }
