package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AttachExecution records one executed plan keyed by its idempotency key.
// A retried request within the same key bucket replays the stored result
// instead of touching the processor again.
type AttachExecution struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrgID          snowflake.ID `gorm:"not null;index"`
	Env            string       `gorm:"type:text;not null"`
	CustomerID     snowflake.ID `gorm:"not null;index"`
	IdempotencyKey string       `gorm:"type:text;not null;uniqueIndex"`
	Branch         Branch       `gorm:"type:text;not null"`
	Committed      bool         `gorm:"not null;default:false"`

	Result datatypes.JSON `gorm:"type:jsonb"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AttachExecution) TableName() string { return "attach_executions" }
