package workflow

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

func newTestChunkProcessor(chunkSize int) *ChunkProcessor {
	return &ChunkProcessor{
		Rates:      newTestResolver(&fakeRateProvider{rate: decimal.NewFromFloat(0.9)}),
		Classifier: testClassifier(),
		ChunkSize:  chunkSize,
	}
}

func makeRecords(n int) []ExposureRecord {
	records := make([]ExposureRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, ExposureRecord{
			ExposureId:  fmt.Sprintf("e-%d", i),
			Amount:      decimal.NewFromInt(int64(i + 1)),
			Currency:    "USD",
			CountryCode: "IT",
			Sector:      "CORPORATE",
		})
	}
	return records
}

func TestProcess_EveryRecordExactlyOnceAcrossChunks(t *testing.T) {
	// 7 records with chunk size 3: chunks of 3, 3 and 1.
	records := makeRecords(7)
	p := newTestChunkProcessor(3)

	out, err := p.Process(context.Background(), "batch-1", records, time.Now())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 7 {
		t.Fatalf("expected 7 calculated exposures, got %d", len(out))
	}
	for i, e := range out {
		if e.ExposureId != fmt.Sprintf("e-%d", i) {
			t.Fatalf("order broken at %d: got %s", i, e.ExposureId)
		}
	}
}

func TestProcess_ChunkBoundaryExact(t *testing.T) {
	// Record count equal to a multiple of the chunk size.
	records := makeRecords(6)
	p := newTestChunkProcessor(3)

	out, err := p.Process(context.Background(), "batch-1", records, time.Now())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 6 {
		t.Fatalf("expected 6 calculated exposures, got %d", len(out))
	}
}

func TestProcess_LogsPerChunkMetrics(t *testing.T) {
	logger, hook := test.NewNullLogger()
	p := newTestChunkProcessor(3)
	p.Logger = logger

	// 7 records with chunk size 3: chunks of 3, 3 and 1.
	if _, err := p.Process(context.Background(), "batch-1", makeRecords(7), time.Now()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	entries := hook.AllEntries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 chunk log entries, got %d", len(entries))
	}
	expectedSizes := []int{3, 3, 1}
	for i, entry := range entries {
		for _, key := range []string{"chunk", "size", "duration_ms", "throughput_rps", "processed", "total", "elapsed_ms"} {
			if _, ok := entry.Data[key]; !ok {
				t.Fatalf("chunk entry %d missing field %q: %v", i, key, entry.Data)
			}
		}
		if entry.Data["chunk"] != i {
			t.Fatalf("entry %d chunk index expected %d, got %v", i, i, entry.Data["chunk"])
		}
		if entry.Data["size"] != expectedSizes[i] {
			t.Fatalf("entry %d size expected %d, got %v", i, expectedSizes[i], entry.Data["size"])
		}
		if entry.Data["total"] != 7 {
			t.Fatalf("entry %d total expected 7, got %v", i, entry.Data["total"])
		}
	}
	if last := entries[2].Data["processed"]; last != 7 {
		t.Fatalf("final processed expected 7, got %v", last)
	}
}

func TestProcess_ConvertsAndClassifies(t *testing.T) {
	records := []ExposureRecord{
		{ExposureId: "e-1", InstrumentId: "i-1", CounterpartyRef: "c-1", Amount: decimal.NewFromInt(100), Currency: "USD", CountryCode: "US", Sector: "BANKING"},
	}
	p := newTestChunkProcessor(10)

	out, err := p.Process(context.Background(), "batch-1", records, time.Now())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	e := out[0]
	if !e.EurAmount.Equal(decimal.NewFromInt(90)) {
		t.Fatalf("expected 90 EUR, got %s", e.EurAmount)
	}
	if !e.ExchangeRateUsed.Equal(decimal.NewFromFloat(0.9)) {
		t.Fatalf("expected rate 0.9, got %s", e.ExchangeRateUsed)
	}
	if string(e.Region) != "NON_EUROPEAN" {
		t.Fatalf("expected NON_EUROPEAN, got %s", e.Region)
	}
	if string(e.Sector) != "BANKING" {
		t.Fatalf("expected BANKING, got %s", e.Sector)
	}
	if !e.OriginalAmount.Equal(decimal.NewFromInt(100)) || e.OriginalCurrency != "USD" {
		t.Fatalf("original values not preserved: %s %s", e.OriginalAmount, e.OriginalCurrency)
	}
}

func TestProcess_ConversionFailureAborts(t *testing.T) {
	records := makeRecords(3)
	p := &ChunkProcessor{
		Rates:      newTestResolver(&fakeRateProvider{err: fmt.Errorf("provider down")}),
		Classifier: testClassifier(),
		ChunkSize:  2,
	}

	_, err := p.Process(context.Background(), "batch-1", records, time.Now())
	if err == nil {
		t.Fatal("expected conversion failure to abort the batch")
	}
	if KindOf(err) != ErrKindTransient {
		t.Fatalf("expected %s, got %s", ErrKindTransient, KindOf(err))
	}
}

func TestProcess_EmptyInput(t *testing.T) {
	p := newTestChunkProcessor(100)
	out, err := p.Process(context.Background(), "batch-1", nil, time.Now())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no output, got %d", len(out))
	}
}
