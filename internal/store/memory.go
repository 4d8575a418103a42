package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"depotplan/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu          sync.Mutex
	snapshots   map[string]memSnapshot               // depot -> latest snapshot
	runs        map[string]model.OptimizationRun     // id -> run
	runsByDepot map[string][]string                  // depot -> run ids, insertion order
	audits      map[string][]model.AuditRecord       // depot -> audit records
	weights     map[string]map[string]model.Weights  // depot -> ref -> weights
	optCfg      map[string]map[string]any            // depot -> config
	subs        map[string][]model.Subscription      // depot -> subscriptions
	deliveries  map[string]*memDelivery              // id -> delivery state
	delByDepot  map[string][]string                  // depot -> delivery ids
}

type memSnapshot struct {
	ID   string
	Snap model.FleetSnapshot
}

// memDelivery augments WebhookDelivery with scheduling/metrics
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	LatencyMs     int
	DeliveredAt   *time.Time
}

func NewMemory() *Memory {
	return &Memory{
		snapshots:   map[string]memSnapshot{},
		runs:        map[string]model.OptimizationRun{},
		runsByDepot: map[string][]string{},
		audits:      map[string][]model.AuditRecord{},
		weights:     map[string]map[string]model.Weights{},
		optCfg:      map[string]map[string]any{},
		subs:        map[string][]model.Subscription{},
		deliveries:  map[string]*memDelivery{},
		delByDepot:  map[string][]string{},
	}
}

func (m *Memory) SaveSnapshot(ctx context.Context, depotID string, snap model.FleetSnapshot) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.snapshots[depotID] = memSnapshot{ID: id, Snap: snap}
	return id, nil
}

func (m *Memory) GetSnapshot(ctx context.Context, depotID string) (model.FleetSnapshot, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[depotID]
	if !ok {
		return model.FleetSnapshot{}, "", ErrNotFound
	}
	return s.Snap, s.ID, nil
}

func (m *Memory) CreateRun(ctx context.Context, run model.OptimizationRun) (model.OptimizationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.runs[run.ID] = run
	m.runsByDepot[run.DepotID] = append(m.runsByDepot[run.DepotID], run.ID)
	return run, nil
}

func (m *Memory) GetRun(ctx context.Context, depotID, runID string) (model.OptimizationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok || r.DepotID != depotID {
		return model.OptimizationRun{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRuns(ctx context.Context, depotID, kind, cursor string, limit int) ([]model.OptimizationRun, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.runsByDepot[depotID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.OptimizationRun{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		r := m.runs[ids[i]]
		if kind == "" || r.Kind == kind {
			out = append(out, r)
		}
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.audits[rec.DepotID] = append(m.audits[rec.DepotID], rec)
	return nil
}

func (m *Memory) ListAudit(ctx context.Context, depotID, cursor string, limit int) ([]model.AuditRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.audits[depotID]
	start := 0
	if cursor != "" {
		for i, r := range recs {
			if r.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.AuditRecord{}
	var next string
	for i := start; i < len(recs) && len(out) < limit; i++ {
		out = append(out, recs[i])
		next = recs[i].ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) GetWeights(ctx context.Context, depotID, ref string) (model.Weights, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.weights[depotID][ref]
	if !ok {
		return model.Weights{}, ErrNotFound
	}
	return w, nil
}

func (m *Memory) SaveWeights(ctx context.Context, depotID, ref string, w model.Weights) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.weights[depotID] == nil {
		m.weights[depotID] = map[string]model.Weights{}
	}
	m.weights[depotID][ref] = w
	return nil
}

func (m *Memory) GetOptimizerConfig(ctx context.Context, depotID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.optCfg[depotID]
	if !ok {
		return map[string]any{}, nil
	}
	out := map[string]any{}
	for k, v := range cfg {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, depotID string, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optCfg[depotID] = cfg
	return nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub := model.Subscription{
		ID:        uuid.New().String(),
		DepotID:   req.DepotID,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		CreatedAt: time.Now().UTC(),
	}
	m.subs[req.DepotID] = append(m.subs[req.DepotID], sub)
	return sub, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, depotID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Subscription{}
	for _, s := range m.subs[depotID] {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, depotID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[depotID]
	start := 0
	if cursor != "" {
		for i, s := range subs {
			if s.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []model.Subscription{}
	var next string
	for i := start; i < len(subs) && len(out) < limit; i++ {
		out = append(out, subs[i])
		next = subs[i].ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, depotID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[depotID]
	for i, s := range subs {
		if s.ID == id {
			m.subs[depotID] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) EnqueueWebhook(ctx context.Context, depotID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{
		ID: id, DepotID: depotID, SubscriptionID: subscriptionID, EventType: eventType,
		URL: url, Secret: secret, Payload: payload, Status: "pending",
	}, NextAttemptAt: time.Now()}
	m.deliveries[id] = d
	m.delByDepot[depotID] = append(m.delByDepot[depotID], id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, d := range m.deliveries {
		if d.Status == "pending" && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = "delivered"
		now := time.Now()
		d.DeliveredAt = &now
	} else if nextAttemptAt != nil {
		d.Status = "pending"
		d.NextAttemptAt = *nextAttemptAt
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = "failed"
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, depotID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.delByDepot[depotID]
	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	out := []map[string]any{}
	var next string
	for i := start; i < len(ids) && len(out) < limit; i++ {
		d := m.deliveries[ids[i]]
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, map[string]any{
			"id": d.ID, "eventType": d.EventType, "status": d.Status,
			"attempts": d.Attempts, "lastError": d.LastError,
			"responseCode": d.ResponseCode, "latencyMs": d.LatencyMs,
		})
		next = ids[i]
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, depotID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.DepotID != depotID {
		return ErrNotFound
	}
	d.Status = "pending"
	d.NextAttemptAt = time.Now()
	return nil
}
