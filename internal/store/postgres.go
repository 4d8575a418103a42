package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"depotplan/internal/model"
)

// Postgres persists snapshots, runs and webhook state. Snapshot and run
// payloads are stored as jsonb documents; the columns that queries filter on
// (depot, kind, status, timestamps) are first-class.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order. Migrations are
// written to be idempotent (CREATE TABLE IF NOT EXISTS), so re-applying is
// safe.
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		sqlText, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(sqlText)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) SaveSnapshot(ctx context.Context, depotID string, snap model.FleetSnapshot) (string, error) {
	id := uuid.New().String()
	doc, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO fleet_snapshots (id, depot_id, doc, created_at) VALUES ($1,$2,$3,now())`,
		id, depotID, doc)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) GetSnapshot(ctx context.Context, depotID string) (model.FleetSnapshot, string, error) {
	var id string
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id::text, doc FROM fleet_snapshots WHERE depot_id=$1 ORDER BY created_at DESC LIMIT 1`,
		depotID).Scan(&id, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.FleetSnapshot{}, "", ErrNotFound
	}
	if err != nil {
		return model.FleetSnapshot{}, "", err
	}
	var snap model.FleetSnapshot
	if err := json.Unmarshal(doc, &snap); err != nil {
		return model.FleetSnapshot{}, "", err
	}
	return snap, id, nil
}

func (p *Postgres) CreateRun(ctx context.Context, run model.OptimizationRun) (model.OptimizationRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	req, err := json.Marshal(run.Request)
	if err != nil {
		return model.OptimizationRun{}, err
	}
	var res []byte
	if run.Result != nil {
		if res, err = json.Marshal(run.Result); err != nil {
			return model.OptimizationRun{}, err
		}
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO optimization_runs (id, depot_id, kind, target_date, status, request, result, error, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		run.ID, run.DepotID, run.Kind, run.TargetDate, run.Status, req, nullableBytes(res), nullIfEmpty(run.Error), run.CreatedAt)
	if err != nil {
		return model.OptimizationRun{}, err
	}
	return run, nil
}

func (p *Postgres) GetRun(ctx context.Context, depotID, runID string) (model.OptimizationRun, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id::text, depot_id, kind, target_date, status, request, result, COALESCE(error,''), created_at
		 FROM optimization_runs WHERE depot_id=$1 AND id=$2`, depotID, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.OptimizationRun{}, ErrNotFound
	}
	return run, err
}

func (p *Postgres) ListRuns(ctx context.Context, depotID, kind, cursor string, limit int) ([]model.OptimizationRun, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, depot_id, kind, target_date, status, request, result, COALESCE(error,''), created_at
	      FROM optimization_runs WHERE depot_id=$1`
	args := []any{depotID}
	if kind != "" {
		args = append(args, kind)
		q += ` AND kind=$2`
	}
	if cursor != "" {
		args = append(args, cursor)
		q += ` AND id::text > $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY id LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.OptimizationRun{}
	var next string
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, run)
		next = run.ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.OptimizationRun, error) {
	var run model.OptimizationRun
	var req, res []byte
	if err := row.Scan(&run.ID, &run.DepotID, &run.Kind, &run.TargetDate, &run.Status, &req, &res, &run.Error, &run.CreatedAt); err != nil {
		return model.OptimizationRun{}, err
	}
	if err := json.Unmarshal(req, &run.Request); err != nil {
		return model.OptimizationRun{}, err
	}
	if len(res) > 0 {
		run.Result = &model.RunResult{}
		if err := json.Unmarshal(res, run.Result); err != nil {
			return model.OptimizationRun{}, err
		}
	}
	return run, nil
}

func (p *Postgres) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, run_id, depot_id, actor, kind, summary, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		rec.ID, rec.RunID, rec.DepotID, rec.Actor, rec.Kind, summary, rec.CreatedAt)
	return err
}

func (p *Postgres) ListAudit(ctx context.Context, depotID, cursor string, limit int) ([]model.AuditRecord, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, run_id::text, depot_id, actor, kind, summary, created_at FROM audit_records WHERE depot_id=$1`
	args := []any{depotID}
	if cursor != "" {
		args = append(args, cursor)
		q += ` AND id::text > $2`
	}
	args = append(args, limit)
	q += ` ORDER BY id LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.AuditRecord{}
	var next string
	for rows.Next() {
		var rec model.AuditRecord
		var summary []byte
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.DepotID, &rec.Actor, &rec.Kind, &summary, &rec.CreatedAt); err != nil {
			return nil, "", err
		}
		if err := json.Unmarshal(summary, &rec.Summary); err != nil {
			return nil, "", err
		}
		out = append(out, rec)
		next = rec.ID
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, rows.Err()
}

func (p *Postgres) GetWeights(ctx context.Context, depotID, ref string) (model.Weights, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM weight_configs WHERE depot_id=$1 AND ref=$2`, depotID, ref).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Weights{}, ErrNotFound
	}
	if err != nil {
		return model.Weights{}, err
	}
	var w model.Weights
	if err := json.Unmarshal(doc, &w); err != nil {
		return model.Weights{}, err
	}
	return w, nil
}

func (p *Postgres) SaveWeights(ctx context.Context, depotID, ref string, w model.Weights) error {
	doc, err := json.Marshal(w)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO weight_configs (depot_id, ref, doc, updated_at) VALUES ($1,$2,$3,now())
		 ON CONFLICT (depot_id, ref) DO UPDATE SET doc=EXCLUDED.doc, updated_at=now()`,
		depotID, ref, doc)
	return err
}

func (p *Postgres) GetOptimizerConfig(ctx context.Context, depotID string) (map[string]any, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM optimizer_configs WHERE depot_id=$1`, depotID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Postgres) SaveOptimizerConfig(ctx context.Context, depotID string, cfg map[string]any) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO optimizer_configs (depot_id, doc, updated_at) VALUES ($1,$2,now())
		 ON CONFLICT (depot_id) DO UPDATE SET doc=EXCLUDED.doc, updated_at=now()`,
		depotID, doc)
	return err
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	sub := model.Subscription{
		ID:        uuid.New().String(),
		DepotID:   req.DepotID,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		CreatedAt: time.Now().UTC(),
	}
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return model.Subscription{}, err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, depot_id, url, events, secret, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		sub.ID, sub.DepotID, sub.URL, events, sub.Secret, sub.CreatedAt)
	if err != nil {
		return model.Subscription{}, err
	}
	return sub, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, depotID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, depot_id, url, events, COALESCE(secret,''), created_at FROM subscriptions
		 WHERE depot_id=$1 AND (events @> to_jsonb(ARRAY[$2::text]) OR events @> to_jsonb(ARRAY['*']))`,
		depotID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *Postgres) ListSubscriptions(ctx context.Context, depotID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, depot_id, url, events, COALESCE(secret,''), created_at FROM subscriptions WHERE depot_id=$1`
	args := []any{depotID}
	if cursor != "" {
		args = append(args, cursor)
		q += ` AND id::text > $2`
	}
	args = append(args, limit)
	q += ` ORDER BY id LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, "", err
	}
	var next string
	if len(subs) == limit {
		next = subs[len(subs)-1].ID
	}
	return subs, next, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.DepotID, &s.URL, &events, &s.Secret, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(events, &s.Events); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, depotID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE depot_id=$1 AND id=$2`, depotID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnqueueWebhook(ctx context.Context, depotID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, depot_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now())`,
		id, depotID, subscriptionID, eventType, url, secret, payload)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id::text, depot_id, subscription_id::text, event_type, url, COALESCE(secret,''), payload, status, attempts
		 FROM webhook_deliveries WHERE status='pending' AND next_attempt_at <= now()
		 ORDER BY next_attempt_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.DepotID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if success {
		_, err := p.db.ExecContext(ctx,
			`UPDATE webhook_deliveries SET status='delivered', attempts=attempts+1, last_error=$2,
			 response_code=$3, latency_ms=$4, delivered_at=now() WHERE id=$1`,
			id, nullIfEmpty(lastError), responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4, next_attempt_at=$5 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs, nextAttemptAt)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='failed', attempts=attempts+1, last_error=$2, response_code=$3, latency_ms=$4 WHERE id=$1`,
		id, nullIfEmpty(lastError), responseCode, latencyMs)
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, depotID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0)
	      FROM webhook_deliveries WHERE depot_id=$1`
	args := []any{depotID}
	if status != "" {
		args = append(args, status)
		q += ` AND status=$2`
	}
	if cursor != "" {
		args = append(args, cursor)
		q += ` AND id::text > $` + strconv.Itoa(len(args))
	}
	args = append(args, limit)
	q += ` ORDER BY id LIMIT $` + strconv.Itoa(len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var next string
	for rows.Next() {
		var id, eventType, st, lastError string
		var attempts, code, latency int
		if err := rows.Scan(&id, &eventType, &st, &attempts, &lastError, &code, &latency); err != nil {
			return nil, "", err
		}
		out = append(out, map[string]any{
			"id": id, "eventType": eventType, "status": st, "attempts": attempts,
			"lastError": lastError, "responseCode": code, "latencyMs": latency,
		})
		next = id
	}
	if len(out) < limit {
		next = ""
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, depotID, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='pending', next_attempt_at=now() WHERE depot_id=$1 AND id=$2`,
		depotID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

