package main

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/petitpapa86/riskcalc_backend/config"
	"github.com/petitpapa86/riskcalc_backend/utils"
	"github.com/petitpapa86/riskcalc_backend/workflow"
	"github.com/sirupsen/logrus"
)

var (
	batchMutexMap = make(map[string]*sync.Mutex)
	globalMutex   = &sync.Mutex{}
)

// RunCalculationWorkflow starts the pull consumer for batch-ingested events.
// Used when the service runs with a pull subscription instead of (or next to)
// the HTTP push endpoint.
func RunCalculationWorkflow(pipeline *workflow.CalculationPipeline) error {
	logger := config.GetLogger()
	ctx := context.Background()
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}
	topic, err := config.CreateTopicIfNotExists(client, os.Getenv("PUBSUB_INGESTED_TOPIC"))
	if err != nil {
		return err
	}
	sub, err := config.CreateSubscriptionIfNotExists(client, os.Getenv("PUBSUB_INGESTED_SUBSCRIPTION"), topic)
	if err != nil {
		return err
	}
	// Specify the number of concurrent processes
	sub.ReceiveSettings.MaxOutstandingMessages = 10

	// Create a callback function to handle messages.
	callback := func(ctx context.Context, msg *pubsub.Message) {
		m := config.BatchIngestedMessage{}
		err := json.Unmarshal(msg.Data, &m)
		if err != nil {
			config.LogError(logger, "calculationWorker.go", "RunCalculationWorkflow", "Unmarshaling pubsub message", msg.Data, err)
			// Malformed payload will never parse; ack to drop it.
			msg.Ack()
			return
		}

		// Get or create the mutex for the current BatchId
		globalMutex.Lock()
		mutex, exists := batchMutexMap[m.BatchId]
		if !exists {
			mutex = &sync.Mutex{}
			batchMutexMap[m.BatchId] = mutex
		}
		globalMutex.Unlock()

		// Lock the specific batch mutex
		mutex.Lock()
		defer mutex.Unlock()

		if m.CorrelationId == "" {
			m.CorrelationId = msg.ID
		}
		ctx = utils.SetCorrelationIdInContext(ctx, m.CorrelationId)
		if err := pipeline.ProcessBatchIngested(ctx, m); err != nil {
			logger.WithFields(logrus.Fields{
				"field":      "CalculationWorker",
				"batch_id":   m.BatchId,
				"bank_id":    m.BankId,
				"message_id": msg.ID,
			}).Error("pubsub processing failed: " + err.Error())
			msg.Nack()
			return
		}
		msg.Ack()
	}

	// Receive messages.
	go func() {
		err := sub.Receive(ctx, callback)

		if err != nil {
			config.LogError(logger, "calculationWorker.go", "RunCalculationWorkflow", "Failed to receive messages", nil, err)
		}
	}()

	return nil
}
