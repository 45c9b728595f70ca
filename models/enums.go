package models

// CalculationStatus is the durable lifecycle of a risk calculation batch.
// PENDING -> DOWNLOADING -> CALCULATING -> COMPLETED
// FAILED is reachable from any non-terminal state.
type CalculationStatus string

const (
	CalculationStatusPending     CalculationStatus = "PENDING"
	CalculationStatusDownloading CalculationStatus = "DOWNLOADING"
	CalculationStatusCalculating CalculationStatus = "CALCULATING"
	CalculationStatusCompleted   CalculationStatus = "COMPLETED"
	CalculationStatusFailed      CalculationStatus = "FAILED"
)

func (s CalculationStatus) IsTerminal() bool {
	return s == CalculationStatusCompleted || s == CalculationStatusFailed
}

type GeographicRegion string

const (
	GeographicRegionItaly       GeographicRegion = "ITALY"
	GeographicRegionEUOther     GeographicRegion = "EU_OTHER"
	GeographicRegionNonEuropean GeographicRegion = "NON_EUROPEAN"
)

type EconomicSector string

const (
	EconomicSectorRetailMortgage EconomicSector = "RETAIL_MORTGAGE"
	EconomicSectorSovereign      EconomicSector = "SOVEREIGN"
	EconomicSectorCorporate      EconomicSector = "CORPORATE"
	EconomicSectorBanking        EconomicSector = "BANKING"
	EconomicSectorOther          EconomicSector = "OTHER"
)

// Outbox publish states (dispatcher-side).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// Outbound event types.
const (
	EventTypeRiskCalculationCompleted = "RiskCalculationCompleted"
	EventTypeRiskCalculationFailed    = "RiskCalculationFailed"
)
