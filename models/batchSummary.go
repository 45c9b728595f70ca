package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/petitpapa86/riskcalc_backend/config"
	"github.com/petitpapa86/riskcalc_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrStaleBatchSummary = errors.New("batch summary was modified concurrently")

// BatchSummary is the durable state of one calculation batch.
// Unique constraint on batch_id doubles as the idempotency guard:
// a duplicate event cannot create a second row.
type BatchSummary struct {
	ID                   int               `gorm:"primary_key" json:"id"`
	BatchId              string            `gorm:"size:64;not null;uniqueIndex" json:"batch_id"`
	BankId               string            `gorm:"size:64;not null;index" json:"bank_id"`
	BankName             string            `gorm:"size:255" json:"bank_name"`
	Status               CalculationStatus `gorm:"size:20;not null;index" json:"status"`
	TotalExposures       int64             `gorm:"not null;default:0" json:"total_exposures"`
	SkippedRecords       int64             `gorm:"not null;default:0" json:"skipped_records"`
	TotalAmountEur       decimal.Decimal   `gorm:"type:decimal(20,2);default:0" json:"total_amount_eur"`
	ItalyCount           int64             `gorm:"not null;default:0" json:"italy_count"`
	EuCount              int64             `gorm:"not null;default:0" json:"eu_count"`
	NonEuCount           int64             `gorm:"not null;default:0" json:"non_eu_count"`
	HerfindahlGeographic decimal.Decimal   `gorm:"type:decimal(9,4);default:0" json:"herfindahl_geographic"`
	HerfindahlSector     decimal.Decimal   `gorm:"type:decimal(9,4);default:0" json:"herfindahl_sector"`
	ResultUri            *string           `gorm:"size:512" json:"result_uri"`
	ErrorMessage         *string           `gorm:"type:text" json:"error_message"`
	StartedAt            *time.Time        `json:"started_at"`
	CompletedAt          *time.Time        `json:"completed_at"`
	Version              int               `gorm:"not null;default:0" json:"version"`
	CorrelationId        string            `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt            time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func NewBatchSummary(batchId, bankId, bankName, correlationId string) *BatchSummary {
	return &BatchSummary{
		BatchId:       batchId,
		BankId:        bankId,
		BankName:      bankName,
		Status:        CalculationStatusPending,
		CorrelationId: correlationId,
	}
}

func (b *BatchSummary) transition(from, to CalculationStatus) error {
	if b.Status.IsTerminal() {
		return fmt.Errorf("batch %s is %s; terminal states are immutable", b.BatchId, b.Status)
	}
	if b.Status != from {
		return fmt.Errorf("batch %s cannot move %s -> %s", b.BatchId, b.Status, to)
	}
	b.Status = to
	return nil
}

// StartDownload moves PENDING -> DOWNLOADING and stamps the start time.
func (b *BatchSummary) StartDownload() error {
	if err := b.transition(CalculationStatusPending, CalculationStatusDownloading); err != nil {
		return err
	}
	now := time.Now().UTC()
	b.StartedAt = &now
	return nil
}

// StartCalculation moves DOWNLOADING -> CALCULATING once parse counts are known.
func (b *BatchSummary) StartCalculation(totalExposures, skipped int64) error {
	if totalExposures < 0 {
		return fmt.Errorf("batch %s: total exposures cannot be negative", b.BatchId)
	}
	if err := b.transition(CalculationStatusDownloading, CalculationStatusCalculating); err != nil {
		return err
	}
	b.TotalExposures = totalExposures
	b.SkippedRecords = skipped
	return nil
}

// Complete moves CALCULATING -> COMPLETED with the final figures.
func (b *BatchSummary) Complete(totalAmountEur, hhiGeo, hhiSector decimal.Decimal, italyCount, euCount, nonEuCount int64, resultUri string) error {
	if totalAmountEur.IsNegative() {
		return fmt.Errorf("batch %s: total amount cannot be negative", b.BatchId)
	}
	if err := b.transition(CalculationStatusCalculating, CalculationStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	b.TotalAmountEur = totalAmountEur
	b.ItalyCount = italyCount
	b.EuCount = euCount
	b.NonEuCount = nonEuCount
	b.HerfindahlGeographic = hhiGeo
	b.HerfindahlSector = hhiSector
	b.ResultUri = &resultUri
	b.CompletedAt = &now
	return nil
}

// RevertCompletion undoes an in-memory Complete whose save never reached the
// database. The row is still CALCULATING there, so the in-memory copy must
// match before the failure path records FAILED.
func (b *BatchSummary) RevertCompletion() {
	if b.Status != CalculationStatusCompleted {
		return
	}
	b.Status = CalculationStatusCalculating
	b.ResultUri = nil
	b.CompletedAt = nil
}

// Fail moves any non-terminal state to FAILED. Failing an already-FAILED
// batch is a no-op so crash-retry paths stay idempotent.
func (b *BatchSummary) Fail(message string) error {
	if b.Status == CalculationStatusFailed {
		return nil
	}
	if b.Status == CalculationStatusCompleted {
		return fmt.Errorf("batch %s is COMPLETED; cannot fail", b.BatchId)
	}
	now := time.Now().UTC()
	b.Status = CalculationStatusFailed
	b.ErrorMessage = &message
	b.CompletedAt = &now
	return nil
}

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// CreateBatchSummary inserts the PENDING row. Returns created=false when the
// batch_id already exists (duplicate event; caller should skip safely).
func CreateBatchSummary(ctx context.Context, b *BatchSummary) (created bool, err error) {
	db := config.GetDB()
	if db == nil {
		return false, errors.New("db is nil")
	}
	if err := db.WithContext(ctx).Create(b).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// BatchSummaryExists is the pre-insert idempotency check.
func BatchSummaryExists(ctx context.Context, batchId string) (bool, error) {
	db := config.GetDB()
	if db == nil {
		return false, errors.New("db is nil")
	}
	var count int64
	if err := db.WithContext(ctx).Model(&BatchSummary{}).
		Where("batch_id = ?", batchId).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// PersistBatchStatus writes the current state of the summary row on its own
// connection, outside any pipeline transaction, so a later rollback cannot
// erase a FAILED marker or recorded progress. Optimistic version check.
func PersistBatchStatus(ctx context.Context, b *BatchSummary) error {
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}
	res := db.WithContext(ctx).Model(&BatchSummary{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]interface{}{
			"status":                b.Status,
			"total_exposures":       b.TotalExposures,
			"skipped_records":       b.SkippedRecords,
			"total_amount_eur":      b.TotalAmountEur,
			"italy_count":           b.ItalyCount,
			"eu_count":              b.EuCount,
			"non_eu_count":          b.NonEuCount,
			"herfindahl_geographic": b.HerfindahlGeographic,
			"herfindahl_sector":     b.HerfindahlSector,
			"result_uri":            b.ResultUri,
			"error_message":         b.ErrorMessage,
			"started_at":            b.StartedAt,
			"completed_at":          b.CompletedAt,
			"version":               b.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleBatchSummary
	}
	b.Version++
	return nil
}

// CompleteBatchWithEvent saves the COMPLETED summary and stages the outbox
// event in one transaction, so the event exists iff the completion committed.
func CompleteBatchWithEvent(ctx context.Context, b *BatchSummary, event *RiskEventRecord) error {
	db := config.GetDB()
	if db == nil {
		return errors.New("db is nil")
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BatchSummary{}).
			Where("id = ? AND version = ?", b.ID, b.Version).
			Updates(map[string]interface{}{
				"status":                b.Status,
				"total_amount_eur":      b.TotalAmountEur,
				"italy_count":           b.ItalyCount,
				"eu_count":              b.EuCount,
				"non_eu_count":          b.NonEuCount,
				"herfindahl_geographic": b.HerfindahlGeographic,
				"herfindahl_sector":     b.HerfindahlSector,
				"result_uri":            b.ResultUri,
				"completed_at":          b.CompletedAt,
				"version":               b.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStaleBatchSummary
		}
		return WriteRiskEventRecord(tx, event)
	})
	if err != nil {
		return err
	}
	b.Version++
	return nil
}

func GetBatchSummary(ctx context.Context, batchId string) (*BatchSummary, error) {
	db := config.GetDB()
	if db == nil {
		return nil, errors.New("db is nil")
	}
	var result BatchSummary
	if err := db.WithContext(ctx).Where("batch_id = ?", batchId).First(&result).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &result, nil
}
