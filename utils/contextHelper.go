package utils

import (
	"context"

	"github.com/petitpapa86/riskcalc_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyBankId        = appctx.ContextKeyBankId
	ContextKeyBatchId       = appctx.ContextKeyBatchId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

func GetBankIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyBankId)
}

func GetBatchIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyBatchId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetBankIdInContext(ctx context.Context, bankId string) context.Context {
	return appctx.Set(ctx, ContextKeyBankId, bankId)
}

func SetBatchIdInContext(ctx context.Context, batchId string) context.Context {
	return appctx.Set(ctx, ContextKeyBatchId, batchId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
