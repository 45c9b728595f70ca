package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// NOTE: These tests run without Redis or MySQL; both cache layers are nil-safe
// and report misses, so resolution falls through to the fake provider.

type fakeRateProvider struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (f *fakeRateProvider) FetchRate(ctx context.Context, currency string, date time.Time) (decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.rate, nil
}

func newTestResolver(p RateProvider) *RateResolver {
	return &RateResolver{
		Provider: p,
		CacheTTL: time.Hour,
		local:    map[string]decimal.Decimal{},
	}
}

func TestResolveRate_EurIdentityWithoutProviderCall(t *testing.T) {
	p := &fakeRateProvider{rate: decimal.NewFromFloat(1.1)}
	r := newTestResolver(p)

	rate, err := r.ResolveRate(context.Background(), "EUR", time.Now())
	if err != nil {
		t.Fatalf("ResolveRate(EUR): %v", err)
	}
	if !rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("EUR rate expected 1, got %s", rate)
	}
	if p.calls != 0 {
		t.Fatalf("EUR resolution must not call the provider, got %d calls", p.calls)
	}
}

func TestResolveRate_LocalCacheHitCallsProviderOnce(t *testing.T) {
	p := &fakeRateProvider{rate: decimal.NewFromFloat(0.92)}
	r := newTestResolver(p)
	date := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rate, err := r.ResolveRate(context.Background(), "USD", date)
		if err != nil {
			t.Fatalf("ResolveRate: %v", err)
		}
		if !rate.Equal(decimal.NewFromFloat(0.92)) {
			t.Fatalf("expected 0.92, got %s", rate)
		}
	}
	if p.calls != 1 {
		t.Fatalf("expected exactly 1 provider call, got %d", p.calls)
	}
}

func TestResolveRate_SeparateCacheEntriesPerDate(t *testing.T) {
	p := &fakeRateProvider{rate: decimal.NewFromFloat(0.92)}
	r := newTestResolver(p)

	_, _ = r.ResolveRate(context.Background(), "USD", time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	_, _ = r.ResolveRate(context.Background(), "USD", time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	if p.calls != 2 {
		t.Fatalf("different value dates must not share cache entries, got %d calls", p.calls)
	}
}

func TestResolveRate_ProviderFailureIsTransient(t *testing.T) {
	p := &fakeRateProvider{err: errors.New("provider down")}
	r := newTestResolver(p)

	_, err := r.ResolveRate(context.Background(), "USD", time.Now())
	if err == nil {
		t.Fatal("expected error when provider fails")
	}
	if KindOf(err) != ErrKindTransient {
		t.Fatalf("provider failure should be %s, got %s", ErrKindTransient, KindOf(err))
	}
	if StageOf(err) != "currency" {
		t.Fatalf("expected currency stage, got %s", StageOf(err))
	}
}

func TestConvertToEur_RoundsHalfUpToTwoDecimals(t *testing.T) {
	cases := []struct {
		amount   string
		rate     string
		expected string
	}{
		{"100", "0.92", "92"},
		{"100.555", "1", "100.56"},
		{"100.554", "1", "100.55"},
		{"33.33", "0.915", "30.5"},
		{"1000000", "0.123456", "123456"},
	}
	for _, tc := range cases {
		rate, _ := decimal.NewFromString(tc.rate)
		p := &fakeRateProvider{rate: rate}
		r := newTestResolver(p)

		amount, _ := decimal.NewFromString(tc.amount)
		eur, usedRate, err := r.ConvertToEur(context.Background(), amount, "USD", time.Now())
		if err != nil {
			t.Fatalf("ConvertToEur(%s, %s): %v", tc.amount, tc.rate, err)
		}
		if eur.String() != tc.expected {
			t.Fatalf("ConvertToEur(%s, %s) expected %s, got %s", tc.amount, tc.rate, tc.expected, eur)
		}
		if !usedRate.Equal(rate) {
			t.Fatalf("expected rate %s echoed back, got %s", rate, usedRate)
		}
	}
}

func TestConvertToEur_EurAmountsPassThrough(t *testing.T) {
	p := &fakeRateProvider{}
	r := newTestResolver(p)

	amount := decimal.NewFromFloat(250.75)
	eur, rate, err := r.ConvertToEur(context.Background(), amount, "eur", time.Now())
	if err != nil {
		t.Fatalf("ConvertToEur: %v", err)
	}
	if !eur.Equal(amount) {
		t.Fatalf("EUR amount should pass through, got %s", eur)
	}
	if !rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("EUR rate expected 1, got %s", rate)
	}
}
