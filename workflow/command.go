package workflow

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/petitpapa86/riskcalc_backend/config"
)

var validate = validator.New()

// Staleness cutoff for ingestion notifications. Events older than this are
// dropped: the upstream batch has almost certainly been re-ingested since.
const maxEventAge = 24 * time.Hour

// CalculateRiskMetricsCommand is the validated unit of work handed to the
// calculation pipeline.
type CalculateRiskMetricsCommand struct {
	BatchId           string `validate:"required,max=64"`
	BankId            string `validate:"required,max=64"`
	BankName          string
	SourceUri         string `validate:"required"`
	ExpectedExposures int64  `validate:"gt=0"`
	CorrelationId     string
}

// CommandFromMessage validates the raw ingestion message and builds the
// command. A non-nil error here means the message is poisoned or stale and
// must be acked/dropped, never retried.
func CommandFromMessage(m config.BatchIngestedMessage) (*CalculateRiskMetricsCommand, error) {
	if !m.CompletedAt.IsZero() && time.Since(m.CompletedAt) > maxEventAge {
		return nil, fmt.Errorf("stale ingestion event for batch %q (completed_at=%s)", m.BatchId, m.CompletedAt.Format(time.RFC3339))
	}

	cmd := &CalculateRiskMetricsCommand{
		BatchId:           m.BatchId,
		BankId:            m.BankId,
		BankName:          m.BankName,
		SourceUri:         m.SourceUri,
		ExpectedExposures: m.TotalExposures,
		CorrelationId:     m.CorrelationId,
	}
	if err := validate.Struct(cmd); err != nil {
		return nil, fmt.Errorf("invalid ingestion event for batch %q: %w", m.BatchId, err)
	}
	return cmd, nil
}
