package audit

import (
	"time"

	"gorm.io/gorm"
)

// Event is one persisted marketplace event. Sequence is assigned by the
// database and orders the log.
type Event struct {
	Sequence   uint64    `gorm:"primaryKey;autoIncrement"`
	ID         string    `gorm:"size:36;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name independently of the Go type.
func (Event) TableName() string { return "audit_events" }

// IdempotencyKey stores the first response produced for a client supplied
// key together with a fingerprint of the request that produced it.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	Caller      string `gorm:"size:64;primaryKey"`
	RequestHash string `gorm:"size:64"`
	RequestID   string `gorm:"size:36"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// TableName pins the table name independently of the Go type.
func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// AutoMigrate performs all schema migrations for the audit store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Event{},
		&IdempotencyKey{},
	)
}
