package workflow

import (
	"os"
	"strings"

	"github.com/petitpapa86/riskcalc_backend/models"
)

// defaultEUCountries is the EU-27 membership list.
var defaultEUCountries = []string{
	"AT", "BE", "BG", "HR", "CY", "CZ", "DK", "EE", "FI", "FR",
	"DE", "GR", "HU", "IE", "IT", "LV", "LT", "LU", "MT", "NL",
	"PL", "PT", "RO", "SK", "SI", "ES", "SE",
}

// Classifier buckets exposures by geography and sector. Classification is
// total: unknown inputs land in a residual bucket and never fail a batch.
type Classifier struct {
	HomeCountry string
	EUCountries map[string]bool
}

func NewClassifierFromEnv() *Classifier {
	home := strings.ToUpper(strings.TrimSpace(os.Getenv("HOME_COUNTRY")))
	if home == "" {
		home = "IT"
	}

	countries := defaultEUCountries
	if csv := strings.TrimSpace(os.Getenv("EU_COUNTRIES")); csv != "" {
		countries = nil
		for _, c := range strings.Split(csv, ",") {
			if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
				countries = append(countries, c)
			}
		}
	}

	eu := make(map[string]bool, len(countries))
	for _, c := range countries {
		eu[c] = true
	}
	return &Classifier{HomeCountry: home, EUCountries: eu}
}

func (c *Classifier) Region(countryCode string) models.GeographicRegion {
	code := strings.ToUpper(strings.TrimSpace(countryCode))
	switch {
	case code == c.HomeCountry:
		return models.GeographicRegionItaly
	case c.EUCountries[code]:
		return models.GeographicRegionEUOther
	default:
		return models.GeographicRegionNonEuropean
	}
}

func (c *Classifier) Sector(raw string) models.EconomicSector {
	switch models.EconomicSector(strings.ToUpper(strings.TrimSpace(raw))) {
	case models.EconomicSectorRetailMortgage:
		return models.EconomicSectorRetailMortgage
	case models.EconomicSectorSovereign:
		return models.EconomicSectorSovereign
	case models.EconomicSectorCorporate:
		return models.EconomicSectorCorporate
	case models.EconomicSectorBanking:
		return models.EconomicSectorBanking
	default:
		return models.EconomicSectorOther
	}
}
