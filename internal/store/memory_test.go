package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"depotplan/internal/model"
)

func TestMemorySnapshotRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, _, err := m.GetSnapshot(ctx, "depot-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	snap := model.FleetSnapshot{Trainsets: []model.Trainset{{ID: "TS-1"}, {ID: "TS-2"}}}
	id, err := m.SaveSnapshot(ctx, "depot-1", snap)
	if err != nil || id == "" {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	got, gotID, err := m.GetSnapshot(ctx, "depot-1")
	if err != nil || gotID != id {
		t.Fatalf("GetSnapshot: %v (id %s vs %s)", err, gotID, id)
	}
	if len(got.Trainsets) != 2 {
		t.Fatalf("snapshot lost trainsets: %d", len(got.Trainsets))
	}

	// newer snapshot replaces the latest
	id2, _ := m.SaveSnapshot(ctx, "depot-1", model.FleetSnapshot{})
	if _, gotID, _ = m.GetSnapshot(ctx, "depot-1"); gotID != id2 {
		t.Fatalf("latest snapshot not returned: %s", gotID)
	}
}

func TestMemoryRunsImmutableHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	r1, err := m.CreateRun(ctx, model.OptimizationRun{DepotID: "depot-1", Kind: model.RunInduction, Status: "completed"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	r2, _ := m.CreateRun(ctx, model.OptimizationRun{DepotID: "depot-1", Kind: model.RunDeparture, Status: "completed"})
	if r1.ID == r2.ID {
		t.Fatal("runs share an id")
	}

	got, err := m.GetRun(ctx, "depot-1", r1.ID)
	if err != nil || got.Kind != model.RunInduction {
		t.Fatalf("GetRun: %v %+v", err, got)
	}
	if _, err := m.GetRun(ctx, "depot-2", r1.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("run visible across depots: %v", err)
	}

	runs, next, err := m.ListRuns(ctx, "depot-1", "", "", 10)
	if err != nil || len(runs) != 2 || next != "" {
		t.Fatalf("ListRuns: %v, %d, %q", err, len(runs), next)
	}
	byKind, _, _ := m.ListRuns(ctx, "depot-1", model.RunDeparture, "", 10)
	if len(byKind) != 1 || byKind[0].ID != r2.ID {
		t.Fatalf("kind filter broken: %+v", byKind)
	}
}

func TestMemoryWeightsAndConfig(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetWeights(ctx, "depot-1", "default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	w := model.Weights{Fitness: 25, Maintenance: 20, Branding: 10, Mileage: 15, Staff: 15, Stabling: 15}
	if err := m.SaveWeights(ctx, "depot-1", "default", w); err != nil {
		t.Fatalf("SaveWeights: %v", err)
	}
	got, err := m.GetWeights(ctx, "depot-1", "default")
	if err != nil || got != w {
		t.Fatalf("GetWeights: %v %+v", err, got)
	}

	if err := m.SaveOptimizerConfig(ctx, "depot-1", map[string]any{"minBatteryPct": 25.0}); err != nil {
		t.Fatalf("SaveOptimizerConfig: %v", err)
	}
	cfg, err := m.GetOptimizerConfig(ctx, "depot-1")
	if err != nil || cfg["minBatteryPct"] != 25.0 {
		t.Fatalf("GetOptimizerConfig: %v %+v", err, cfg)
	}
}

func TestMemorySubscriptionsAndDeliveries(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sub, err := m.CreateSubscription(ctx, model.SubscriptionRequest{
		DepotID: "depot-1", URL: "https://example.com/hook",
		Events: []string{model.EventRunCompleted}, Secret: "s3cret",
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	subs, _ := m.GetSubscriptionsForEvent(ctx, "depot-1", model.EventRunCompleted)
	if len(subs) != 1 {
		t.Fatalf("want 1 subscription, got %d", len(subs))
	}
	if subs, _ := m.GetSubscriptionsForEvent(ctx, "depot-1", model.EventConflictDetected); len(subs) != 0 {
		t.Fatal("unsubscribed event matched")
	}

	id, err := m.EnqueueWebhook(ctx, "depot-1", sub.ID, model.EventRunCompleted, sub.URL, sub.Secret, []byte(`{}`))
	if err != nil {
		t.Fatalf("EnqueueWebhook: %v", err)
	}
	due, _ := m.FetchDueWebhookDeliveries(ctx, 10)
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("delivery not due: %+v", due)
	}

	// a failed attempt with a backoff keeps it pending but not yet due
	next := time.Now().Add(time.Hour)
	if err := m.MarkWebhookDelivery(ctx, id, false, &next, "boom", 500, 12); err != nil {
		t.Fatalf("MarkWebhookDelivery: %v", err)
	}
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 0 {
		t.Fatalf("backed-off delivery still due: %+v", due)
	}

	if err := m.RetryWebhookDelivery(ctx, "depot-1", id); err != nil {
		t.Fatalf("RetryWebhookDelivery: %v", err)
	}
	if due, _ := m.FetchDueWebhookDeliveries(ctx, 10); len(due) != 1 {
		t.Fatal("retried delivery should be due")
	}

	if err := m.MarkWebhookDelivery(ctx, id, true, nil, "", 200, 8); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	items, _, err := m.ListWebhookDeliveries(ctx, "depot-1", "delivered", "", 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("ListWebhookDeliveries: %v %+v", err, items)
	}
	if items[0]["attempts"] != 3 {
		t.Fatalf("attempts not tracked: %+v", items[0])
	}

	if err := m.DeleteSubscription(ctx, "depot-1", sub.ID); err != nil {
		t.Fatalf("DeleteSubscription: %v", err)
	}
	if err := m.DeleteSubscription(ctx, "depot-1", sub.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}
