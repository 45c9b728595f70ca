package models

import (
	"context"
	"errors"
	"time"

	"github.com/petitpapa86/riskcalc_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ExchangeRate is the audit record of every rate fetched from the provider.
// One row per (currency, date); conversions always target EUR.
type ExchangeRate struct {
	ID        int             `gorm:"primary_key" json:"id"`
	Currency  string          `gorm:"size:3;not null;index:uniq_rate,unique" json:"currency"`
	RateDate  time.Time       `gorm:"type:date;not null;index:uniq_rate,unique" json:"rate_date"`
	Rate      decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"rate"`
	Source    string          `gorm:"size:50" json:"source"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// SaveExchangeRate records a fetched rate. Duplicate (currency, date) rows
// are ignored; the first fetch wins.
func SaveExchangeRate(ctx context.Context, currency string, date time.Time, rate decimal.Decimal, source string) error {
	db := config.GetDB()
	if db == nil {
		return nil
	}
	record := ExchangeRate{
		Currency: currency,
		RateDate: date.UTC().Truncate(24 * time.Hour),
		Rate:     rate,
		Source:   source,
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

func GetStoredExchangeRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, bool, error) {
	db := config.GetDB()
	if db == nil {
		return decimal.Zero, false, nil
	}
	var record ExchangeRate
	err := db.WithContext(ctx).
		Where("currency = ? AND rate_date = ?", currency, date.UTC().Truncate(24*time.Hour)).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	return record.Rate, true, nil
}
