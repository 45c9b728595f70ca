package workflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petitpapa86/riskcalc_backend/config"
	"github.com/petitpapa86/riskcalc_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
)

// fakeBatchStore keeps all batch state in memory so the orchestrator's
// decision logic runs without MySQL.
type fakeBatchStore struct {
	existing    map[string]bool
	created     []*models.BatchSummary
	statuses    []models.CalculationStatus
	staged      []*models.RiskEventRecord
	completeErr error
}

func newFakeBatchStore() *fakeBatchStore {
	return &fakeBatchStore{existing: map[string]bool{}}
}

func (s *fakeBatchStore) Exists(ctx context.Context, batchId string) (bool, error) {
	return s.existing[batchId], nil
}

func (s *fakeBatchStore) Create(ctx context.Context, b *models.BatchSummary) (bool, error) {
	if s.existing[b.BatchId] {
		return false, nil
	}
	s.existing[b.BatchId] = true
	s.created = append(s.created, b)
	return true, nil
}

func (s *fakeBatchStore) PersistStatus(ctx context.Context, b *models.BatchSummary) error {
	s.statuses = append(s.statuses, b.Status)
	b.Version++
	return nil
}

func (s *fakeBatchStore) CompleteWithEvent(ctx context.Context, b *models.BatchSummary, event *models.RiskEventRecord) error {
	if s.completeErr != nil {
		return s.completeErr
	}
	s.statuses = append(s.statuses, b.Status)
	s.staged = append(s.staged, event)
	b.Version++
	return nil
}

func (s *fakeBatchStore) StageEvent(ctx context.Context, event *models.RiskEventRecord) error {
	s.staged = append(s.staged, event)
	return nil
}

func (s *fakeBatchStore) lastStatus() models.CalculationStatus {
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

func newTestPipeline(t *testing.T, store *fakeBatchStore) *CalculationPipeline {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return &CalculationPipeline{
		Logger:   logger,
		Ingestor: newTestIngestor(),
		Chunks: &ChunkProcessor{
			Rates:      newTestResolver(&fakeRateProvider{rate: decimal.NewFromInt(1)}),
			Classifier: testClassifier(),
			ChunkSize:  10,
		},
		Store:   &LocalResultStore{Dir: t.TempDir()},
		Batches: store,
	}
}

func ingestedMessage(sourceUri string, expected int64) config.BatchIngestedMessage {
	return config.BatchIngestedMessage{
		BatchId:        "batch-1",
		BankId:         "bank-1",
		BankName:       "Banca di Prova",
		SourceUri:      sourceUri,
		TotalExposures: expected,
		CompletedAt:    time.Now().UTC(),
		CorrelationId:  "corr-1",
	}
}

const twoExposureDoc = `{
	"exposures": [
		{"exposure_id": "e-1", "instrument_id": "i-1", "counterparty_ref": "c-1", "amount": 600, "currency": "EUR", "country_code": "IT", "sector": "CORPORATE"},
		{"exposure_id": "e-2", "instrument_id": "i-2", "counterparty_ref": "c-2", "amount": 400, "currency": "EUR", "country_code": "US", "sector": "BANKING"}
	]
}`

func TestProcessBatchIngested_DuplicateEventSkipped(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(twoExposureDoc))
	}))
	defer srv.Close()

	store := newFakeBatchStore()
	store.existing["batch-1"] = true
	p := newTestPipeline(t, store)

	if err := p.ProcessBatchIngested(context.Background(), ingestedMessage(srv.URL, 2)); err != nil {
		t.Fatalf("duplicate event should ack, got: %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatal("duplicate event must not download anything")
	}
	if len(store.created) != 0 {
		t.Fatal("duplicate event must not create a second summary row")
	}
}

func TestProcessBatchIngested_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoExposureDoc))
	}))
	defer srv.Close()

	store := newFakeBatchStore()
	p := newTestPipeline(t, store)

	if err := p.ProcessBatchIngested(context.Background(), ingestedMessage(srv.URL, 2)); err != nil {
		t.Fatalf("ProcessBatchIngested: %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("expected 1 created summary, got %d", len(store.created))
	}
	summary := store.created[0]
	if summary.Status != models.CalculationStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", summary.Status)
	}
	if summary.ItalyCount != 1 || summary.NonEuCount != 1 || summary.EuCount != 0 {
		t.Fatalf("region counts wrong: italy=%d eu=%d non_eu=%d", summary.ItalyCount, summary.EuCount, summary.NonEuCount)
	}
	if !summary.TotalAmountEur.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("total expected 1000, got %s", summary.TotalAmountEur)
	}
	if summary.ResultUri == nil || !strings.HasPrefix(*summary.ResultUri, "file://") {
		t.Fatalf("result uri not recorded: %v", summary.ResultUri)
	}
	if len(store.staged) != 1 || store.staged[0].EventType != models.EventTypeRiskCalculationCompleted {
		t.Fatalf("expected one completed event, got %+v", store.staged)
	}
}

func TestProcessBatchIngested_EmptyBatchMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"exposures": []}`))
	}))
	defer srv.Close()

	store := newFakeBatchStore()
	p := newTestPipeline(t, store)

	if err := p.ProcessBatchIngested(context.Background(), ingestedMessage(srv.URL, 5)); err != nil {
		t.Fatalf("recorded failure should ack, got: %v", err)
	}

	summary := store.created[0]
	if summary.Status != models.CalculationStatusFailed {
		t.Fatalf("expected FAILED, got %s", summary.Status)
	}
	if store.lastStatus() != models.CalculationStatusFailed {
		t.Fatalf("FAILED was not persisted, last persisted: %s", store.lastStatus())
	}
	if summary.ErrorMessage == nil || !strings.Contains(*summary.ErrorMessage, "no valid exposures") {
		t.Fatalf("error message not recorded: %v", summary.ErrorMessage)
	}
	if len(store.staged) != 1 || store.staged[0].EventType != models.EventTypeRiskCalculationFailed {
		t.Fatalf("expected one failed event, got %+v", store.staged)
	}
}

func TestProcessBatchIngested_CompletionSaveFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoExposureDoc))
	}))
	defer srv.Close()

	store := newFakeBatchStore()
	store.completeErr = errors.New("connection reset during commit")
	p := newTestPipeline(t, store)

	if err := p.ProcessBatchIngested(context.Background(), ingestedMessage(srv.URL, 2)); err != nil {
		t.Fatalf("recorded failure should ack, got: %v", err)
	}

	// The COMPLETED save never committed, so the batch must end up FAILED in
	// the store, not stranded at CALCULATING.
	summary := store.created[0]
	if summary.Status != models.CalculationStatusFailed {
		t.Fatalf("expected FAILED after completion save failure, got %s", summary.Status)
	}
	if store.lastStatus() != models.CalculationStatusFailed {
		t.Fatalf("FAILED was not persisted, last persisted: %s", store.lastStatus())
	}
	if summary.ErrorMessage == nil || !strings.Contains(*summary.ErrorMessage, "connection reset") {
		t.Fatalf("error message not recorded: %v", summary.ErrorMessage)
	}
	if len(store.staged) != 1 || store.staged[0].EventType != models.EventTypeRiskCalculationFailed {
		t.Fatalf("expected one failed event, got %+v", store.staged)
	}
}

func TestProcessBatchIngested_PoisonedEventDropped(t *testing.T) {
	store := newFakeBatchStore()
	p := newTestPipeline(t, store)

	m := ingestedMessage("https://example.com/batch.json", 0)
	if err := p.ProcessBatchIngested(context.Background(), m); err != nil {
		t.Fatalf("poisoned event should ack, got: %v", err)
	}
	if len(store.created) != 0 {
		t.Fatal("poisoned event must not create state")
	}
}
