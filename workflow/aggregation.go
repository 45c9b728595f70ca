package workflow

import (
	"github.com/petitpapa86/riskcalc_backend/models"
	"github.com/shopspring/decimal"
)

// Concentration thresholds on the Herfindahl index.
var (
	hhiHighThreshold     = decimal.NewFromFloat(0.25)
	hhiModerateThreshold = decimal.NewFromFloat(0.15)
)

var oneHundred = decimal.NewFromInt(100)

// Share is one breakdown bucket: absolute EUR amount, its percentage of the
// portfolio total (scale 4) and the number of exposures in the bucket.
type Share struct {
	Amount     decimal.Decimal
	Percentage decimal.Decimal
	Count      int64
}

// PortfolioAnalysis is the aggregate view over a batch's calculated exposures.
type PortfolioAnalysis struct {
	TotalAmountEur       decimal.Decimal
	Geographic           map[models.GeographicRegion]Share
	Sector               map[models.EconomicSector]Share
	HerfindahlGeographic decimal.Decimal
	HerfindahlSector     decimal.Decimal
}

// AnalyzePortfolio computes totals, breakdowns and concentration indices,
// and back-fills PercentageOfTotal on every exposure. An empty portfolio
// yields zero totals, empty breakdowns and HHI 0.
func AnalyzePortfolio(exposures []CalculatedExposure) *PortfolioAnalysis {
	analysis := &PortfolioAnalysis{
		TotalAmountEur: decimal.Zero,
		Geographic:     map[models.GeographicRegion]Share{},
		Sector:         map[models.EconomicSector]Share{},
	}

	geoAmounts := map[models.GeographicRegion]decimal.Decimal{}
	sectorAmounts := map[models.EconomicSector]decimal.Decimal{}
	geoCounts := map[models.GeographicRegion]int64{}
	sectorCounts := map[models.EconomicSector]int64{}

	for _, e := range exposures {
		analysis.TotalAmountEur = analysis.TotalAmountEur.Add(e.EurAmount)
		geoAmounts[e.Region] = geoAmounts[e.Region].Add(e.EurAmount)
		sectorAmounts[e.Sector] = sectorAmounts[e.Sector].Add(e.EurAmount)
		geoCounts[e.Region]++
		sectorCounts[e.Sector]++
	}

	if analysis.TotalAmountEur.IsZero() {
		analysis.HerfindahlGeographic = decimal.Zero
		analysis.HerfindahlSector = decimal.Zero
		return analysis
	}

	for region, amount := range geoAmounts {
		analysis.Geographic[region] = Share{
			Amount:     amount,
			Percentage: percentageOf(amount, analysis.TotalAmountEur),
			Count:      geoCounts[region],
		}
	}
	for sector, amount := range sectorAmounts {
		analysis.Sector[sector] = Share{
			Amount:     amount,
			Percentage: percentageOf(amount, analysis.TotalAmountEur),
			Count:      sectorCounts[sector],
		}
	}

	analysis.HerfindahlGeographic = herfindahl(geoAmounts, analysis.TotalAmountEur)
	analysis.HerfindahlSector = herfindahl(sectorAmounts, analysis.TotalAmountEur)

	for i := range exposures {
		exposures[i].PercentageOfTotal = percentageOf(exposures[i].EurAmount, analysis.TotalAmountEur)
	}
	return analysis
}

func percentageOf(amount, total decimal.Decimal) decimal.Decimal {
	return amount.Mul(oneHundred).DivRound(total, 4)
}

// herfindahl is the sum of squared shares over a breakdown; always in [0,1].
func herfindahl[K comparable](amounts map[K]decimal.Decimal, total decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, amount := range amounts {
		share := amount.DivRound(total, 8)
		sum = sum.Add(share.Mul(share))
	}
	return sum.Round(4)
}

// ConcentrationLevel grades an HHI value for logging and the summary row.
func ConcentrationLevel(hhi decimal.Decimal) string {
	switch {
	case hhi.GreaterThanOrEqual(hhiHighThreshold):
		return "high"
	case hhi.GreaterThanOrEqual(hhiModerateThreshold):
		return "moderate"
	default:
		return "low"
	}
}
