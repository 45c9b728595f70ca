package models

import (
	"context"
	"errors"
	"time"

	"github.com/petitpapa86/riskcalc_backend/config"
	"gorm.io/gorm"
)

// RiskEventRecord is the transactional outbox row for outbound events.
// Rows are written in the same transaction as the final summary save and
// published after commit by the outbox dispatcher.
type RiskEventRecord struct {
	ID            int       `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	BatchId       string    `gorm:"size:64;not null;index" json:"batch_id"`
	BankId        string    `gorm:"size:64;index" json:"bank_id"`
	EventType     string    `gorm:"size:50;not null" json:"event_type"`
	OccurredAt    time.Time `gorm:"not null" json:"occurred_at"`
	Payload       []byte    `gorm:"type:blob" json:"payload"`
	CorrelationId string    `gorm:"size:64;index" json:"correlation_id"`

	// Publish metadata (publish happens after commit via dispatcher).
	PublishStatus    string     `gorm:"size:20;index;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"` // PENDING|PROCESSING|SENT|FAILED|DEAD
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func ConvertToRiskEventMessage(record RiskEventRecord) config.RiskEventMessage {
	return config.RiskEventMessage{
		ID:            record.ID,
		BatchId:       record.BatchId,
		BankId:        record.BankId,
		EventType:     record.EventType,
		OccurredAt:    record.OccurredAt,
		Payload:       record.Payload,
		CorrelationId: record.CorrelationId,
	}
}

// WriteRiskEventRecord stages an event inside the caller's transaction.
// Publishing is the dispatcher's job; never publish here.
func WriteRiskEventRecord(tx *gorm.DB, record *RiskEventRecord) error {
	if tx == nil {
		return errors.New("tx is nil")
	}
	if record.BatchId == "" || record.EventType == "" {
		return errors.New("batch_id and event_type are required")
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}
	record.PublishStatus = OutboxPublishStatusPending
	return tx.Create(record).Error
}

// StageRiskEvent stages an event in its own transaction. Used on the failure
// path, where the event does not share a transaction with any summary write.
func StageRiskEvent(ctx context.Context, record *RiskEventRecord) error {
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return WriteRiskEventRecord(tx, record)
	})
}
