package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/petitpapa86/riskcalc_backend/config"
	"github.com/petitpapa86/riskcalc_backend/models"
	"github.com/petitpapa86/riskcalc_backend/utils"
	"github.com/sirupsen/logrus"
)

// BatchStore is the persistence seam between the pipeline and the database.
type BatchStore interface {
	Exists(ctx context.Context, batchId string) (bool, error)
	Create(ctx context.Context, b *models.BatchSummary) (bool, error)
	PersistStatus(ctx context.Context, b *models.BatchSummary) error
	CompleteWithEvent(ctx context.Context, b *models.BatchSummary, event *models.RiskEventRecord) error
	StageEvent(ctx context.Context, event *models.RiskEventRecord) error
}

type gormBatchStore struct{}

func (gormBatchStore) Exists(ctx context.Context, batchId string) (bool, error) {
	return models.BatchSummaryExists(ctx, batchId)
}

func (gormBatchStore) Create(ctx context.Context, b *models.BatchSummary) (bool, error) {
	return models.CreateBatchSummary(ctx, b)
}

func (gormBatchStore) PersistStatus(ctx context.Context, b *models.BatchSummary) error {
	return models.PersistBatchStatus(ctx, b)
}

func (gormBatchStore) CompleteWithEvent(ctx context.Context, b *models.BatchSummary, event *models.RiskEventRecord) error {
	return models.CompleteBatchWithEvent(ctx, b, event)
}

func (gormBatchStore) StageEvent(ctx context.Context, event *models.RiskEventRecord) error {
	return models.StageRiskEvent(ctx, event)
}

// CalculationPipeline wires the full batch flow:
// idempotency guard -> download -> streaming parse -> chunked convert+classify
// -> aggregate -> store result -> complete + outbox event.
//
// Status transitions persist immediately on their own connection; only the
// final COMPLETED save shares a transaction with the outbox write.
type CalculationPipeline struct {
	Logger      *logrus.Logger
	Ingestor    *FileIngestor
	Chunks      *ChunkProcessor
	Store       ResultStore
	Batches     BatchStore
	StrictCount bool
}

func NewCalculationPipeline(logger *logrus.Logger) *CalculationPipeline {
	rates := NewRateResolver(NewCurrencyAPIProviderFromEnv(logger), logger)
	return &CalculationPipeline{
		Logger:      logger,
		Ingestor:    NewFileIngestor(logger),
		Chunks:      NewChunkProcessor(rates, NewClassifierFromEnv(), logger),
		Store:       NewResultStoreFromEnv(),
		Batches:     gormBatchStore{},
		StrictCount: strings.EqualFold(strings.TrimSpace(os.Getenv("STRICT_EXPOSURE_COUNT")), "true"),
	}
}

// ProcessBatchIngested handles one ingestion notification end to end.
// Returns nil when the message must be acked (success, duplicate, poisoned,
// or failure already recorded on the batch); an error means "retry me".
func (p *CalculationPipeline) ProcessBatchIngested(ctx context.Context, m config.BatchIngestedMessage) error {
	cmd, err := CommandFromMessage(m)
	if err != nil {
		// Poisoned or stale: ack/drop to avoid retry loops.
		p.Logger.WithFields(logrus.Fields{
			"field":    "CalculationPipeline",
			"batch_id": m.BatchId,
			"bank_id":  m.BankId,
		}).Warn("dropping invalid ingestion event: " + err.Error())
		return nil
	}

	ctx = utils.SetBatchIdInContext(ctx, cmd.BatchId)
	ctx = utils.SetBankIdInContext(ctx, cmd.BankId)
	if cmd.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, cmd.CorrelationId)
	}

	// Idempotency: existence check first, unique constraint as backstop.
	exists, err := p.Batches.Exists(ctx, cmd.BatchId)
	if err != nil {
		return err
	}
	if exists {
		p.Logger.WithFields(logrus.Fields{
			"field":    "CalculationPipeline",
			"batch_id": cmd.BatchId,
		}).Info("batch already processed; skipping duplicate event")
		return nil
	}

	summary := models.NewBatchSummary(cmd.BatchId, cmd.BankId, cmd.BankName, cmd.CorrelationId)
	created, err := p.Batches.Create(ctx, summary)
	if err != nil {
		return err
	}
	if !created {
		// Lost the insert race to a concurrent duplicate. Skip safely.
		return nil
	}

	if err := p.runPipeline(ctx, cmd, summary); err != nil {
		return p.failBatch(ctx, cmd, summary, err)
	}
	return nil
}

func (p *CalculationPipeline) runPipeline(ctx context.Context, cmd *CalculateRiskMetricsCommand, summary *models.BatchSummary) error {
	started := time.Now()

	if err := summary.StartDownload(); err != nil {
		return NewPipelineError(ErrKindUnexpected, "state", err)
	}
	if err := p.Batches.PersistStatus(ctx, summary); err != nil {
		return NewPipelineError(ErrKindTransient, "state", err)
	}

	ingested, err := p.Ingestor.Ingest(ctx, cmd.BatchId, cmd.SourceUri)
	if err != nil {
		return err
	}
	downloadDone := time.Now()

	if len(ingested.Exposures) == 0 {
		return NewPipelineError(ErrKindBusinessRule, "parse", errors.New("batch contains no valid exposures"))
	}
	if int64(len(ingested.Exposures))+ingested.Skipped != cmd.ExpectedExposures {
		mismatch := fmt.Errorf("expected %d exposures, parsed %d (skipped %d)",
			cmd.ExpectedExposures, len(ingested.Exposures), ingested.Skipped)
		if p.StrictCount {
			return NewPipelineError(ErrKindBusinessRule, "parse", mismatch)
		}
		p.Logger.WithFields(logrus.Fields{
			"field":    "CalculationPipeline",
			"batch_id": cmd.BatchId,
		}).Warn("exposure count mismatch: " + mismatch.Error())
	}

	if err := summary.StartCalculation(int64(len(ingested.Exposures)), ingested.Skipped); err != nil {
		return NewPipelineError(ErrKindUnexpected, "state", err)
	}
	if err := p.Batches.PersistStatus(ctx, summary); err != nil {
		return NewPipelineError(ErrKindTransient, "state", err)
	}

	valueDate := time.Now().UTC()
	calculated, err := p.Chunks.Process(ctx, cmd.BatchId, ingested.Exposures, valueDate)
	if err != nil {
		return err
	}
	analysis := AnalyzePortfolio(calculated)

	calculatedAt := time.Now().UTC()
	doc, err := BuildResultDocument(cmd, calculated, analysis, calculatedAt)
	if err != nil {
		return NewPipelineError(ErrKindUnexpected, "serialize", err)
	}
	resultUri, err := p.Store.Store(ctx, cmd.BatchId, doc)
	if err != nil {
		return err
	}

	if err := summary.Complete(
		analysis.TotalAmountEur,
		analysis.HerfindahlGeographic,
		analysis.HerfindahlSector,
		analysis.Geographic[models.GeographicRegionItaly].Count,
		analysis.Geographic[models.GeographicRegionEUOther].Count,
		analysis.Geographic[models.GeographicRegionNonEuropean].Count,
		resultUri,
	); err != nil {
		return NewPipelineError(ErrKindUnexpected, "state", err)
	}

	event, err := buildCompletedEvent(cmd, summary, analysis, calculatedAt)
	if err != nil {
		return NewPipelineError(ErrKindUnexpected, "serialize", err)
	}
	// Final save + outbox event commit together. If the save fails the row is
	// still CALCULATING in the DB, so undo the in-memory transition before the
	// failure path records FAILED.
	if err := p.Batches.CompleteWithEvent(ctx, summary, event); err != nil {
		summary.RevertCompletion()
		return NewPipelineError(ErrKindTransient, "complete", err)
	}

	p.Logger.WithFields(logrus.Fields{
		"field":        "CalculationPipeline",
		"batch_id":     cmd.BatchId,
		"bank_id":      cmd.BankId,
		"exposures":    len(calculated),
		"skipped":      ingested.Skipped,
		"total_eur":    analysis.TotalAmountEur.String(),
		"hhi_geo":      analysis.HerfindahlGeographic.String(),
		"hhi_sector":   analysis.HerfindahlSector.String(),
		"geo_level":    ConcentrationLevel(analysis.HerfindahlGeographic),
		"sector_level": ConcentrationLevel(analysis.HerfindahlSector),
		"download_ms":  downloadDone.Sub(started).Milliseconds(),
		"total_ms":     time.Since(started).Milliseconds(),
		"result_uri":   resultUri,
	}).Info("batch calculation completed")
	return nil
}

// failBatch records FAILED durably and stages the failed event. The FAILED
// write happens outside any pipeline transaction so it survives rollback.
// Returns nil so the message is acked: a FAILED batch is terminal.
func (p *CalculationPipeline) failBatch(ctx context.Context, cmd *CalculateRiskMetricsCommand, summary *models.BatchSummary, cause error) error {
	kind := KindOf(cause)
	stage := StageOf(cause)

	p.Logger.WithFields(logrus.Fields{
		"field":    "CalculationPipeline",
		"batch_id": cmd.BatchId,
		"bank_id":  cmd.BankId,
		"stage":    stage,
		"kind":     string(kind),
	}).Error("batch calculation failed: " + cause.Error())

	if err := summary.Fail(cause.Error()); err != nil {
		// COMPLETED cannot be failed; nothing more to record.
		p.Logger.WithFields(logrus.Fields{
			"field":    "CalculationPipeline",
			"batch_id": cmd.BatchId,
		}).Error("could not mark batch failed: " + err.Error())
		return nil
	}
	if err := p.Batches.PersistStatus(ctx, summary); err != nil {
		// Could not persist the terminal state; retry the message.
		return err
	}

	event, err := buildFailedEvent(cmd, stage, kind, cause)
	if err == nil {
		err = p.Batches.StageEvent(ctx, event)
	}
	if err != nil {
		p.Logger.WithFields(logrus.Fields{
			"field":    "CalculationPipeline",
			"batch_id": cmd.BatchId,
		}).Error("could not stage failed event: " + err.Error())
	}
	return nil
}

type riskCalculationCompletedPayload struct {
	BatchId              string  `json:"batch_id"`
	BankId               string  `json:"bank_id"`
	TotalExposures       int64   `json:"total_exposures"`
	SkippedRecords       int64   `json:"skipped_records"`
	TotalAmountEur       float64 `json:"total_amount_eur"`
	HerfindahlGeographic float64 `json:"herfindahl_geographic"`
	HerfindahlSector     float64 `json:"herfindahl_sector"`
	ResultUri            string  `json:"result_uri"`
	CalculatedAt         string  `json:"calculated_at"`
}

type riskCalculationFailedPayload struct {
	BatchId      string `json:"batch_id"`
	BankId       string `json:"bank_id"`
	Stage        string `json:"stage"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
}

func buildCompletedEvent(cmd *CalculateRiskMetricsCommand, summary *models.BatchSummary, analysis *PortfolioAnalysis, calculatedAt time.Time) (*models.RiskEventRecord, error) {
	resultUri := ""
	if summary.ResultUri != nil {
		resultUri = *summary.ResultUri
	}
	payload, err := json.Marshal(riskCalculationCompletedPayload{
		BatchId:              cmd.BatchId,
		BankId:               cmd.BankId,
		TotalExposures:       summary.TotalExposures,
		SkippedRecords:       summary.SkippedRecords,
		TotalAmountEur:       analysis.TotalAmountEur.InexactFloat64(),
		HerfindahlGeographic: analysis.HerfindahlGeographic.InexactFloat64(),
		HerfindahlSector:     analysis.HerfindahlSector.InexactFloat64(),
		ResultUri:            resultUri,
		CalculatedAt:         calculatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	return &models.RiskEventRecord{
		BatchId:       cmd.BatchId,
		BankId:        cmd.BankId,
		EventType:     models.EventTypeRiskCalculationCompleted,
		OccurredAt:    calculatedAt,
		Payload:       payload,
		CorrelationId: cmd.CorrelationId,
	}, nil
}

func buildFailedEvent(cmd *CalculateRiskMetricsCommand, stage string, kind ErrorKind, cause error) (*models.RiskEventRecord, error) {
	payload, err := json.Marshal(riskCalculationFailedPayload{
		BatchId:      cmd.BatchId,
		BankId:       cmd.BankId,
		Stage:        stage,
		ErrorKind:    string(kind),
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		return nil, err
	}
	return &models.RiskEventRecord{
		BatchId:       cmd.BatchId,
		BankId:        cmd.BankId,
		EventType:     models.EventTypeRiskCalculationFailed,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
		CorrelationId: cmd.CorrelationId,
	}, nil
}
