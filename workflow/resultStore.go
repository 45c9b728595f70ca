package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/petitpapa86/riskcalc_backend/models"
	"github.com/petitpapa86/riskcalc_backend/utils"
)

// Result document JSON schema. Field names are part of the downstream
// contract; do not rename.
type ResultDocument struct {
	BatchId             string           `json:"batch_id"`
	CalculatedAt        time.Time        `json:"calculated_at"`
	BankId              string           `json:"bank_id"`
	BankName            string           `json:"bank_name"`
	Summary             ResultSummary    `json:"summary"`
	CalculatedExposures []ResultExposure `json:"calculated_exposures"`
}

type ResultSummary struct {
	TotalExposures       int                  `json:"total_exposures"`
	TotalAmountEur       float64              `json:"total_amount_eur"`
	GeographicBreakdown  GeographicBreakdown  `json:"geographic_breakdown"`
	SectorBreakdown      map[string]ShareJSON `json:"sector_breakdown"`
	ConcentrationIndices ConcentrationJSON    `json:"concentration_indices"`
}

type GeographicBreakdown struct {
	Italy ShareJSON `json:"italy"`
	EU    ShareJSON `json:"eu"`
	NonEU ShareJSON `json:"non_eu"`
}

type ShareJSON struct {
	AmountEur  float64 `json:"amount_eur"`
	Percentage float64 `json:"percentage"`
	Count      int64   `json:"count"`
}

type ConcentrationJSON struct {
	HerfindahlGeographic float64 `json:"herfindahl_geographic"`
	HerfindahlSector     float64 `json:"herfindahl_sector"`
}

type ResultExposure struct {
	InstrumentId      string  `json:"instrument_id"`
	CounterpartyRef   string  `json:"counterparty_ref"`
	OriginalAmount    float64 `json:"original_amount"`
	OriginalCurrency  string  `json:"original_currency"`
	EurAmount         float64 `json:"eur_amount"`
	ExchangeRateUsed  float64 `json:"exchange_rate_used"`
	PercentageOfTotal float64 `json:"percentage_of_total"`
	Country           string  `json:"country"`
	GeographicRegion  string  `json:"geographic_region"`
	EconomicSector    string  `json:"economic_sector"`
}

var sectorKeys = map[models.EconomicSector]string{
	models.EconomicSectorRetailMortgage: "retail_mortgage",
	models.EconomicSectorSovereign:      "sovereign",
	models.EconomicSectorCorporate:      "corporate",
	models.EconomicSectorBanking:        "banking",
	models.EconomicSectorOther:          "other",
}

func shareJSON(s Share) ShareJSON {
	return ShareJSON{
		AmountEur:  s.Amount.InexactFloat64(),
		Percentage: s.Percentage.InexactFloat64(),
		Count:      s.Count,
	}
}

// BuildResultDocument renders the final JSON document for a batch.
func BuildResultDocument(cmd *CalculateRiskMetricsCommand, exposures []CalculatedExposure, analysis *PortfolioAnalysis, calculatedAt time.Time) ([]byte, error) {
	doc := ResultDocument{
		BatchId:      cmd.BatchId,
		CalculatedAt: calculatedAt.UTC(),
		BankId:       cmd.BankId,
		BankName:     cmd.BankName,
		Summary: ResultSummary{
			TotalExposures: len(exposures),
			TotalAmountEur: analysis.TotalAmountEur.InexactFloat64(),
			GeographicBreakdown: GeographicBreakdown{
				Italy: shareJSON(analysis.Geographic[models.GeographicRegionItaly]),
				EU:    shareJSON(analysis.Geographic[models.GeographicRegionEUOther]),
				NonEU: shareJSON(analysis.Geographic[models.GeographicRegionNonEuropean]),
			},
			SectorBreakdown: map[string]ShareJSON{},
			ConcentrationIndices: ConcentrationJSON{
				HerfindahlGeographic: analysis.HerfindahlGeographic.InexactFloat64(),
				HerfindahlSector:     analysis.HerfindahlSector.InexactFloat64(),
			},
		},
		CalculatedExposures: make([]ResultExposure, 0, len(exposures)),
	}

	for sector, share := range analysis.Sector {
		doc.Summary.SectorBreakdown[sectorKeys[sector]] = shareJSON(share)
	}

	for _, e := range exposures {
		doc.CalculatedExposures = append(doc.CalculatedExposures, ResultExposure{
			InstrumentId:      e.InstrumentId,
			CounterpartyRef:   e.CounterpartyRef,
			OriginalAmount:    e.OriginalAmount.InexactFloat64(),
			OriginalCurrency:  e.OriginalCurrency,
			EurAmount:         e.EurAmount.InexactFloat64(),
			ExchangeRateUsed:  e.ExchangeRateUsed.InexactFloat64(),
			PercentageOfTotal: e.PercentageOfTotal.InexactFloat64(),
			Country:           e.Country,
			GeographicRegion:  string(e.Region),
			EconomicSector:    string(e.Sector),
		})
	}

	return json.Marshal(doc)
}

// ResultStore persists the rendered document and returns its URI.
type ResultStore interface {
	Store(ctx context.Context, batchId string, doc []byte) (string, error)
}

// GCSResultStore writes to the configured GCS bucket.
type GCSResultStore struct {
	Prefix string
}

func (s *GCSResultStore) Store(ctx context.Context, batchId string, doc []byte) (string, error) {
	objectName := fmt.Sprintf("%s/%s.json", s.Prefix, batchId)
	if err := utils.UploadBytesToGCS(ctx, objectName, doc, "application/json"); err != nil {
		return "", NewPipelineError(ErrKindStorage, "store", err)
	}
	return fmt.Sprintf("gs://%s/%s", os.Getenv("GCS_BUCKET"), objectName), nil
}

// LocalResultStore writes to a directory on disk (development / tests).
type LocalResultStore struct {
	Dir string
}

func (s *LocalResultStore) Store(ctx context.Context, batchId string, doc []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", NewPipelineError(ErrKindStorage, "store", err)
	}
	path := filepath.Join(s.Dir, batchId+".json")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", NewPipelineError(ErrKindStorage, "store", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return "file://" + abs, nil
}

func NewResultStoreFromEnv() ResultStore {
	switch utils.GetStorageProvider() {
	case utils.StorageProviderLocal:
		dir := os.Getenv("LOCAL_STORAGE_DIR")
		if dir == "" {
			dir = "risk-results"
		}
		return &LocalResultStore{Dir: dir}
	default:
		return &GCSResultStore{Prefix: "risk-results"}
	}
}
