package workflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestIngestor() *FileIngestor {
	return &FileIngestor{
		Client:         &http.Client{Timeout: 5 * time.Second},
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

const validBatchDoc = `{
	"batch_id": "batch-1",
	"exposures": [
		{"exposure_id": "e-1", "instrument_id": "i-1", "counterparty_ref": "c-1", "amount": 100.50, "currency": "EUR", "country_code": "IT", "sector": "CORPORATE"},
		{"exposure_id": "e-2", "instrument_id": "i-2", "counterparty_ref": "c-2", "amount": 250, "currency": "USD", "country_code": "US", "sector": "BANKING"}
	]
}`

func TestIngest_ParsesExposures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(validBatchDoc))
	}))
	defer srv.Close()

	result, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.Exposures) != 2 {
		t.Fatalf("expected 2 exposures, got %d", len(result.Exposures))
	}
	if result.Skipped != 0 {
		t.Fatalf("expected 0 skipped, got %d", result.Skipped)
	}
	if result.Exposures[0].ExposureId != "e-1" || result.Exposures[1].Currency != "USD" {
		t.Fatalf("exposures parsed out of order: %+v", result.Exposures)
	}
}

func TestIngest_RetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(validBatchDoc))
	}))
	defer srv.Close()

	result, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err != nil {
		t.Fatalf("Ingest after retries: %v", err)
	}
	if len(result.Exposures) != 2 {
		t.Fatalf("expected 2 exposures, got %d", len(result.Exposures))
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected 3 download attempts, got %d", got)
	}
}

func TestIngest_ExhaustedRetriesFailTransient(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if KindOf(err) != ErrKindTransient {
		t.Fatalf("download failure should be %s, got %s", ErrKindTransient, KindOf(err))
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
}

func TestIngest_MalformedElementsSkippedAndCounted(t *testing.T) {
	doc := `{
		"exposures": [
			{"exposure_id": "e-1", "amount": 100, "currency": "EUR", "country_code": "IT", "sector": "CORPORATE"},
			{"exposure_id": "", "amount": 50, "currency": "EUR", "country_code": "IT", "sector": "CORPORATE"},
			{"exposure_id": "e-3", "amount": -10, "currency": "EUR", "country_code": "IT", "sector": "CORPORATE"},
			{"exposure_id": "e-4", "amount": 10, "currency": "EURO", "country_code": "IT", "sector": "CORPORATE"},
			{"exposure_id": "e-5", "amount": "not-a-number", "currency": "EUR", "country_code": "IT", "sector": "CORPORATE"},
			{"exposure_id": "e-6", "amount": 75, "currency": "USD", "country_code": "US", "sector": "BANKING"}
		]
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc))
	}))
	defer srv.Close()

	result, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.Exposures) != 2 {
		t.Fatalf("expected 2 valid exposures, got %d", len(result.Exposures))
	}
	if result.Skipped != 4 {
		t.Fatalf("expected 4 skipped, got %d", result.Skipped)
	}
	if result.Exposures[0].ExposureId != "e-1" || result.Exposures[1].ExposureId != "e-6" {
		t.Fatalf("wrong survivors: %+v", result.Exposures)
	}
}

func TestIngest_TruncatedDocumentIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"exposures": [{"exposure_id": "e-1", "amount": 100, "curr`))
	}))
	defer srv.Close()

	_, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err == nil {
		t.Fatal("truncated document should be fatal")
	}
	if KindOf(err) != ErrKindDeserialization {
		t.Fatalf("expected %s, got %s", ErrKindDeserialization, KindOf(err))
	}
}

func TestIngest_MissingExposuresFieldIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"batch_id": "batch-1", "metadata": {"rows": 10}}`))
	}))
	defer srv.Close()

	_, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err == nil {
		t.Fatal("document without exposures field should be fatal")
	}
	if KindOf(err) != ErrKindDeserialization {
		t.Fatalf("expected %s, got %s", ErrKindDeserialization, KindOf(err))
	}
}

func TestIngest_NonObjectRootIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1, 2, 3]`))
	}))
	defer srv.Close()

	_, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err == nil {
		t.Fatal("array root should be fatal")
	}
	if KindOf(err) != ErrKindDeserialization {
		t.Fatalf("expected %s, got %s", ErrKindDeserialization, KindOf(err))
	}
}

func TestHeapDeltaMB(t *testing.T) {
	const mb = 1024 * 1024
	cases := []struct {
		name     string
		start    uint64
		peak     uint64
		expected uint64
	}{
		{"no growth", 100 * mb, 100 * mb, 0},
		{"peak below baseline", 200 * mb, 100 * mb, 0},
		{"growth in whole megabytes", 0, 600 * mb, 600},
		{"sub-megabyte growth rounds down", 100 * mb, 100*mb + 512*1024, 0},
	}
	for _, tc := range cases {
		if got := heapDeltaMB(tc.start, tc.peak); got != tc.expected {
			t.Fatalf("%s: heapDeltaMB(%d, %d) expected %d, got %d", tc.name, tc.start, tc.peak, tc.expected, got)
		}
	}
}

func TestIngest_EmptyExposuresArrayIsValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"exposures": []}`))
	}))
	defer srv.Close()

	result, err := newTestIngestor().Ingest(context.Background(), "batch-1", srv.URL)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(result.Exposures) != 0 || result.Skipped != 0 {
		t.Fatalf("expected empty result, got %d/%d", len(result.Exposures), result.Skipped)
	}
}
