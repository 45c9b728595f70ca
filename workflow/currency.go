package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petitpapa86/riskcalc_backend/config"
	"github.com/petitpapa86/riskcalc_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const eurCurrency = "EUR"

// RateProvider fetches the CUR->EUR rate for a value date.
type RateProvider interface {
	FetchRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error)
}

// CurrencyAPIProvider talks to currencyapi.com v3. Uses /latest for today's
// date and /historical otherwise.
type CurrencyAPIProvider struct {
	BaseURL     string
	APIKey      string
	Client      *http.Client
	MaxAttempts int
	Logger      *logrus.Logger
}

func NewCurrencyAPIProviderFromEnv(logger *logrus.Logger) *CurrencyAPIProvider {
	baseURL := strings.TrimSpace(os.Getenv("CURRENCY_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.currencyapi.com/v3"
	}
	timeout := 10 * time.Second
	if ms := intFromEnv("CURRENCY_API_TIMEOUT_MS", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	return &CurrencyAPIProvider{
		BaseURL:     baseURL,
		APIKey:      os.Getenv("CURRENCY_API_KEY"),
		Client:      &http.Client{Timeout: timeout},
		MaxAttempts: 3,
		Logger:      logger,
	}
}

type currencyAPIResponse struct {
	Data map[string]struct {
		Code  string          `json:"code"`
		Value decimal.Decimal `json:"value"`
	} `json:"data"`
}

func (p *CurrencyAPIProvider) buildURL(currency string, date time.Time) string {
	today := time.Now().UTC().Format("2006-01-02")
	day := date.UTC().Format("2006-01-02")
	if day == today {
		return fmt.Sprintf("%s/latest?apikey=%s&base_currency=%s&currencies=%s",
			p.BaseURL, p.APIKey, currency, eurCurrency)
	}
	return fmt.Sprintf("%s/historical?apikey=%s&date=%s&base_currency=%s&currencies=%s",
		p.BaseURL, p.APIKey, day, currency, eurCurrency)
}

func (p *CurrencyAPIProvider) FetchRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	url := p.buildURL(currency, date)

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		rate, err := p.fetchOnce(ctx, url)
		if err == nil {
			return rate, nil
		}
		lastErr = err
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"field":    "CurrencyAPIProvider",
				"currency": currency,
				"attempt":  attempt,
				"max":      p.MaxAttempts,
			}).Warn("rate fetch attempt failed: " + err.Error())
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	return decimal.Zero, fmt.Errorf("rate fetch failed after %d attempts: %w", p.MaxAttempts, lastErr)
}

func (p *CurrencyAPIProvider) fetchOnce(ctx context.Context, url string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("currency api returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed currencyAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return decimal.Zero, fmt.Errorf("parse currency api response: %w", err)
	}
	data, ok := parsed.Data[eurCurrency]
	if !ok {
		return decimal.Zero, fmt.Errorf("currency api response has no %s rate", eurCurrency)
	}
	if !data.Value.IsPositive() {
		return decimal.Zero, fmt.Errorf("currency api returned non-positive rate %s", data.Value)
	}
	return data.Value, nil
}

// RateResolver converts amounts to EUR. Lookup order: in-process cache,
// Redis shared cache, stored audit rows, provider. Provider results are
// written back to every layer.
type RateResolver struct {
	Provider RateProvider
	Logger   *logrus.Logger
	CacheTTL time.Duration

	mu    sync.RWMutex
	local map[string]decimal.Decimal
}

func NewRateResolver(provider RateProvider, logger *logrus.Logger) *RateResolver {
	ttl := time.Duration(intFromEnv("RATE_CACHE_TTL_SECONDS", 3600)) * time.Second
	return &RateResolver{
		Provider: provider,
		Logger:   logger,
		CacheTTL: ttl,
		local:    map[string]decimal.Decimal{},
	}
}

func rateCacheKey(currency string, date time.Time) string {
	return "rate:" + currency + ":" + date.UTC().Format("2006-01-02")
}

// ResolveRate returns the CUR->EUR rate for the value date.
func (r *RateResolver) ResolveRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == eurCurrency {
		return decimal.NewFromInt(1), nil
	}

	key := rateCacheKey(currency, date)

	r.mu.RLock()
	rate, ok := r.local[key]
	r.mu.RUnlock()
	if ok {
		return rate, nil
	}

	// Redis shared cache is best-effort; a miss or error falls through.
	if val, found, err := config.GetRedisValue(key); err == nil && found {
		if parsed, perr := decimal.NewFromString(val); perr == nil && parsed.IsPositive() {
			r.remember(key, parsed)
			return parsed, nil
		}
	}

	if stored, found, err := models.GetStoredExchangeRate(ctx, currency, date); err == nil && found {
		r.remember(key, stored)
		_ = config.SetRedisValue(key, stored.String(), r.CacheTTL)
		return stored, nil
	}

	rate, err := r.Provider.FetchRate(ctx, currency, date)
	if err != nil {
		return decimal.Zero, NewPipelineError(ErrKindTransient, "currency", err)
	}

	r.remember(key, rate)
	_ = config.SetRedisValue(key, rate.String(), r.CacheTTL)
	if err := models.SaveExchangeRate(ctx, currency, date, rate, "currencyapi"); err != nil && r.Logger != nil {
		r.Logger.WithFields(logrus.Fields{
			"field":    "RateResolver",
			"currency": currency,
		}).Warn("failed to persist fetched rate: " + err.Error())
	}
	return rate, nil
}

// ConvertToEur converts and rounds half-up to 2 decimals.
func (r *RateResolver) ConvertToEur(ctx context.Context, amount decimal.Decimal, currency string, date time.Time) (eur decimal.Decimal, rate decimal.Decimal, err error) {
	rate, err = r.ResolveRate(ctx, currency, date)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return amount.Mul(rate).Round(2), rate, nil
}

func (r *RateResolver) remember(key string, rate decimal.Decimal) {
	r.mu.Lock()
	r.local[key] = rate
	r.mu.Unlock()
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
