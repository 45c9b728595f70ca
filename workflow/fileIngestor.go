package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ExposureRecord is one element of the source file's "exposures" array.
type ExposureRecord struct {
	ExposureId      string          `json:"exposure_id"`
	InstrumentId    string          `json:"instrument_id"`
	CounterpartyRef string          `json:"counterparty_ref"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	CountryCode     string          `json:"country_code"`
	Sector          string          `json:"sector"`
	MaturityDate    *string         `json:"maturity_date"`
}

func (e *ExposureRecord) Validate() error {
	if strings.TrimSpace(e.ExposureId) == "" {
		return errors.New("exposure_id is required")
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("exposure %s: amount must be positive", e.ExposureId)
	}
	if len(strings.TrimSpace(e.Currency)) != 3 {
		return fmt.Errorf("exposure %s: currency must be a 3-letter code", e.ExposureId)
	}
	return nil
}

type IngestResult struct {
	Exposures []ExposureRecord
	Skipped   int64
}

// FileIngestor downloads a batch file and streams the exposures array
// element by element so the full document is never held in memory.
type FileIngestor struct {
	Client *http.Client
	Logger *logrus.Logger

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Heap-growth watermark. Zero disables the check.
	MemoryThresholdMB uint64
}

func NewFileIngestor(logger *logrus.Logger) *FileIngestor {
	return &FileIngestor{
		Client:            &http.Client{Timeout: 5 * time.Minute},
		Logger:            logger,
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		MaxBackoff:        10 * time.Second,
		MemoryThresholdMB: uint64(intFromEnv("MEMORY_THRESHOLD_MB", 512)),
	}
}

func (f *FileIngestor) Ingest(ctx context.Context, batchId, sourceUri string) (*IngestResult, error) {
	body, err := f.download(ctx, sourceUri)
	if err != nil {
		return nil, NewPipelineError(ErrKindTransient, "download", err)
	}
	defer body.Close()

	result, err := f.parseExposureStream(ctx, batchId, body)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// download fetches the source file with exponential backoff. Transport
// errors and non-2xx responses both count as retryable attempts.
func (f *FileIngestor) download(ctx context.Context, sourceUri string) (io.ReadCloser, error) {
	backoff := f.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= f.MaxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceUri, nil)
		if err != nil {
			return nil, err
		}

		resp, err := f.Client.Do(req)
		if err == nil {
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return resp.Body, nil
			}
			resp.Body.Close()
			lastErr = fmt.Errorf("download returned status %d", resp.StatusCode)
		} else {
			lastErr = err
		}

		if f.Logger != nil {
			f.Logger.WithFields(logrus.Fields{
				"field":      "FileIngestor",
				"source_uri": sourceUri,
				"attempt":    attempt,
				"max":        f.MaxAttempts,
			}).Warn("download attempt failed: " + lastErr.Error())
		}

		if attempt == f.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.MaxBackoff {
			backoff = f.MaxBackoff
		}
	}
	return nil, fmt.Errorf("download failed after %d attempts: %w", f.MaxAttempts, lastErr)
}

// parseExposureStream walks the top-level object tokens until the
// "exposures" key, then decodes one array element at a time. A malformed
// element is skipped and counted; a malformed document is fatal.
func (f *FileIngestor) parseExposureStream(ctx context.Context, batchId string, r io.Reader) (*IngestResult, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, NewPipelineError(ErrKindDeserialization, "parse", fmt.Errorf("read document start: %w", err))
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, NewPipelineError(ErrKindDeserialization, "parse", errors.New("document root must be a JSON object"))
	}

	var startStats runtime.MemStats
	runtime.ReadMemStats(&startStats)
	peakHeap := startStats.HeapAlloc

	result := &IngestResult{}
	foundExposures := false

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, NewPipelineError(ErrKindDeserialization, "parse", fmt.Errorf("read object key: %w", err))
		}
		key, _ := keyTok.(string)

		if key != "exposures" {
			// Skip the value of any other envelope field.
			var ignored json.RawMessage
			if err := dec.Decode(&ignored); err != nil {
				return nil, NewPipelineError(ErrKindDeserialization, "parse", fmt.Errorf("skip field %q: %w", key, err))
			}
			continue
		}

		foundExposures = true
		arrTok, err := dec.Token()
		if err != nil {
			return nil, NewPipelineError(ErrKindDeserialization, "parse", fmt.Errorf("read exposures start: %w", err))
		}
		if delim, ok := arrTok.(json.Delim); !ok || delim != '[' {
			return nil, NewPipelineError(ErrKindDeserialization, "parse", errors.New("exposures must be an array"))
		}

		for dec.More() {
			select {
			case <-ctx.Done():
				return nil, NewPipelineError(ErrKindTransient, "parse", ctx.Err())
			default:
			}

			// RawMessage decode only fails on broken JSON, which is fatal.
			// Shape/validation problems on a single element are skippable.
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, NewPipelineError(ErrKindDeserialization, "parse", fmt.Errorf("read exposure element: %w", err))
			}

			var record ExposureRecord
			if err := json.Unmarshal(raw, &record); err != nil {
				result.Skipped++
				f.warnSkipped(batchId, len(result.Exposures), err)
				continue
			}
			if err := record.Validate(); err != nil {
				result.Skipped++
				f.warnSkipped(batchId, len(result.Exposures), err)
				continue
			}
			result.Exposures = append(result.Exposures, record)

			if f.MemoryThresholdMB > 0 && len(result.Exposures)%1000 == 0 {
				var stats runtime.MemStats
				runtime.ReadMemStats(&stats)
				if stats.HeapAlloc > peakHeap {
					peakHeap = stats.HeapAlloc
				}
			}
		}
		// Consume ']'.
		if _, err := dec.Token(); err != nil {
			return nil, NewPipelineError(ErrKindDeserialization, "parse", fmt.Errorf("read exposures end: %w", err))
		}
	}

	if !foundExposures {
		return nil, NewPipelineError(ErrKindDeserialization, "parse", errors.New("document has no exposures field"))
	}

	if f.MemoryThresholdMB > 0 {
		var endStats runtime.MemStats
		runtime.ReadMemStats(&endStats)
		if endStats.HeapAlloc > peakHeap {
			peakHeap = endStats.HeapAlloc
		}
		if deltaMB := heapDeltaMB(startStats.HeapAlloc, peakHeap); deltaMB > f.MemoryThresholdMB && f.Logger != nil {
			f.Logger.WithFields(logrus.Fields{
				"field":         "FileIngestor",
				"batch_id":      batchId,
				"heap_delta_mb": deltaMB,
				"heap_peak_mb":  peakHeap / (1024 * 1024),
				"parsed":        len(result.Exposures),
			}).Warn("heap growth exceeded memory threshold during parse")
		}
	}
	return result, nil
}

// heapDeltaMB is the heap growth between the pre-parse baseline and the
// highest sampled allocation, in whole megabytes.
func heapDeltaMB(start, peak uint64) uint64 {
	if peak <= start {
		return 0
	}
	return (peak - start) / (1024 * 1024)
}

func (f *FileIngestor) warnSkipped(batchId string, parsedSoFar int, err error) {
	if f.Logger == nil {
		return
	}
	f.Logger.WithFields(logrus.Fields{
		"field":    "FileIngestor",
		"batch_id": batchId,
		"position": parsedSoFar,
	}).Warn("skipped malformed exposure: " + err.Error())
}
