package workflow

import (
	"context"
	"time"

	"github.com/petitpapa86/riskcalc_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CalculatedExposure is an exposure after conversion and classification.
// PercentageOfTotal is filled in by the aggregation step.
type CalculatedExposure struct {
	ExposureId        string
	InstrumentId      string
	CounterpartyRef   string
	OriginalAmount    decimal.Decimal
	OriginalCurrency  string
	EurAmount         decimal.Decimal
	ExchangeRateUsed  decimal.Decimal
	Country           string
	Region            models.GeographicRegion
	Sector            models.EconomicSector
	PercentageOfTotal decimal.Decimal
}

// ChunkProcessor runs conversion + classification over fixed-size chunks so
// progress is observable and rate lookups amortize across a chunk.
type ChunkProcessor struct {
	Rates      *RateResolver
	Classifier *Classifier
	Logger     *logrus.Logger
	ChunkSize  int
}

func NewChunkProcessor(rates *RateResolver, classifier *Classifier, logger *logrus.Logger) *ChunkProcessor {
	size := intFromEnv("CHUNK_SIZE", 1000)
	if size <= 0 {
		size = 1000
	}
	return &ChunkProcessor{
		Rates:      rates,
		Classifier: classifier,
		Logger:     logger,
		ChunkSize:  size,
	}
}

// Process converts every record exactly once, preserving input order.
// A conversion failure aborts the whole batch.
func (p *ChunkProcessor) Process(ctx context.Context, batchId string, records []ExposureRecord, valueDate time.Time) ([]CalculatedExposure, error) {
	out := make([]CalculatedExposure, 0, len(records))
	started := time.Now()

	for chunkStart := 0; chunkStart < len(records); chunkStart += p.ChunkSize {
		end := chunkStart + p.ChunkSize
		if end > len(records) {
			end = len(records)
		}
		chunkStarted := time.Now()

		for _, rec := range records[chunkStart:end] {
			eur, rate, err := p.Rates.ConvertToEur(ctx, rec.Amount, rec.Currency, valueDate)
			if err != nil {
				return nil, err
			}
			out = append(out, CalculatedExposure{
				ExposureId:       rec.ExposureId,
				InstrumentId:     rec.InstrumentId,
				CounterpartyRef:  rec.CounterpartyRef,
				OriginalAmount:   rec.Amount,
				OriginalCurrency: rec.Currency,
				EurAmount:        eur,
				ExchangeRateUsed: rate,
				Country:          rec.CountryCode,
				Region:           p.Classifier.Region(rec.CountryCode),
				Sector:           p.Classifier.Sector(rec.Sector),
			})
		}

		if p.Logger != nil {
			size := end - chunkStart
			elapsed := time.Since(chunkStarted)
			throughput := 0.0
			if secs := elapsed.Seconds(); secs > 0 {
				throughput = float64(size) / secs
			}
			p.Logger.WithFields(logrus.Fields{
				"field":          "ChunkProcessor",
				"batch_id":       batchId,
				"chunk":          chunkStart / p.ChunkSize,
				"size":           size,
				"duration_ms":    elapsed.Milliseconds(),
				"throughput_rps": throughput,
				"processed":      len(out),
				"total":          len(records),
				"elapsed_ms":     time.Since(started).Milliseconds(),
			}).Info("chunk processed")
		}
	}
	return out, nil
}
