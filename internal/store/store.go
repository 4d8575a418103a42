package store

import (
	"context"
	"errors"
	"time"

	"depotplan/internal/model"
)

// Store is the persistence interface used by the API server.
type Store interface {
	// Fleet snapshots
	SaveSnapshot(ctx context.Context, depotID string, snap model.FleetSnapshot) (snapshotID string, err error)
	GetSnapshot(ctx context.Context, depotID string) (model.FleetSnapshot, string, error)

	// Optimization runs (immutable once created)
	CreateRun(ctx context.Context, run model.OptimizationRun) (model.OptimizationRun, error)
	GetRun(ctx context.Context, depotID, runID string) (model.OptimizationRun, error)
	ListRuns(ctx context.Context, depotID, kind, cursor string, limit int) ([]model.OptimizationRun, string, error)

	// Audit trail
	InsertAudit(ctx context.Context, rec model.AuditRecord) error
	ListAudit(ctx context.Context, depotID, cursor string, limit int) ([]model.AuditRecord, string, error)

	// Named weight configurations
	GetWeights(ctx context.Context, depotID, ref string) (model.Weights, error)
	SaveWeights(ctx context.Context, depotID, ref string, w model.Weights) error

	// Optimizer config per depot
	GetOptimizerConfig(ctx context.Context, depotID string) (map[string]any, error)
	SaveOptimizerConfig(ctx context.Context, depotID string, cfg map[string]any) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, depotID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, depotID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, depotID, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, depotID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, depotID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, depotID, id string) error
}

var ErrNotFound = errors.New("not found")

type WebhookDelivery struct {
	ID             string
	DepotID        string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}
