package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"depotplan/internal/model"
	"depotplan/internal/store"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	s, err := NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

// testSnapshot builds a two-trainset fleet where both pass every hard
// constraint for a 2025-07-01 service day.
func testSnapshot() model.FleetSnapshot {
	certExpiry := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	eve := time.Date(2025, 6, 30, 20, 0, 0, 0, time.UTC)
	target := time.Date(2025, 7, 1, 8, 0, 0, 0, time.UTC)
	snap := model.FleetSnapshot{
		Trainsets: []model.Trainset{
			{ID: "TS-1", Status: model.StatusOperational, BatteryLevel: 80, MileageKM: 50000, StablingID: "SP-1", ParkingDepth: 1},
			{ID: "TS-2", Status: model.StatusOperational, BatteryLevel: 70, MileageKM: 50000, StablingID: "SP-2", ParkingDepth: 2},
		},
		Certificates: []model.FitnessCertificate{
			{ID: "C-1", TrainsetID: "TS-1", Type: model.CertRollingStock, ExpiresAt: certExpiry, Valid: true},
			{ID: "C-2", TrainsetID: "TS-2", Type: model.CertRollingStock, ExpiresAt: certExpiry, Valid: true},
		},
		StablingPositions: []model.StablingPosition{
			{ID: "SP-1", Track: "T1", Depth: 1, Occupied: true, OccupantID: "TS-1"},
			{ID: "SP-2", Track: "T1", Depth: 2, Occupied: true, OccupantID: "TS-2"},
		},
	}
	// crew on the induction evening plus the service day itself
	for i := 0; i < 6; i++ {
		snap.StaffShifts = append(snap.StaffShifts,
			model.StaffShift{ID: "SH-E" + string(rune('A'+i)), StaffID: "CR-" + string(rune('A'+i)), Status: model.ShiftAvailable, StartAt: eve, EndAt: eve.Add(4 * time.Hour)},
			model.StaffShift{ID: "SH-D" + string(rune('A'+i)), StaffID: "CR-" + string(rune('A'+i)), Status: model.ShiftAvailable, StartAt: target, EndAt: target.Add(8 * time.Hour)},
		)
	}
	return snap
}

func postSnapshot(t *testing.T, s *Server) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"depotId": "d_test", "snapshot": testSnapshot()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/fleet/snapshot", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Depot-Id", "d_test")
	s.SnapshotHandler(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("snapshot: got %d body %s", rr.Code, rr.Body.String())
	}
}

func optimize(t *testing.T, s *Server, kind string, body map[string]any) model.OptimizationRun {
	t.Helper()
	if body == nil {
		body = map[string]any{"depotId": "d_test", "targetDate": "2025-07-01"}
	}
	b, _ := json.Marshal(body)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/optimize/"+kind, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Depot-Id", "d_test")
	if kind == "induction" {
		s.OptimizeInductionHandler(rr, req)
	} else {
		s.OptimizeDeparturesHandler(rr, req)
	}
	if rr.Code != http.StatusOK {
		t.Fatalf("optimize %s: got %d body %s", kind, rr.Code, rr.Body.String())
	}
	var run model.OptimizationRun
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	return run
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	rr := httptest.NewRecorder()
	s.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	s.ReadyHandler(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestSnapshotAndReadiness(t *testing.T) {
	s := newTestServer(t)
	// viewers cannot ingest
	body, _ := json.Marshal(map[string]any{"depotId": "d_test", "snapshot": testSnapshot()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/fleet/snapshot", bytes.NewReader(body))
	req.Header.Set("X-Role", "viewer")
	s.SnapshotHandler(rr, req)
	if rr.Code != 403 {
		t.Fatalf("viewer snapshot: got %d, want 403", rr.Code)
	}

	postSnapshot(t, s)

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/readiness", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.ReadinessHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("readiness: got %d body %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Items []struct {
			TrainsetID string  `json:"trainsetId"`
			Total      float64 `json:"total"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("readiness items: got %d, want 2", len(resp.Items))
	}
	for _, it := range resp.Items {
		if it.Total <= 0 {
			t.Fatalf("trainset %s scored %v, want > 0", it.TrainsetID, it.Total)
		}
	}

	// the stored snapshot is retrievable
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/fleet/snapshot", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.SnapshotHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("get snapshot: got %d", rr.Code)
	}

	// fleet listing carries readiness totals
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/fleet?limit=1", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.FleetHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("fleet: got %d body %s", rr.Code, rr.Body.String())
	}
	var fresp struct {
		Items      []map[string]any `json:"items"`
		NextCursor string           `json:"nextCursor"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &fresp); err != nil {
		t.Fatalf("decode fleet: %v", err)
	}
	if len(fresp.Items) != 1 || fresp.NextCursor != "TS-1" {
		t.Fatalf("fleet page: items=%d next=%q", len(fresp.Items), fresp.NextCursor)
	}
	if _, ok := fresp.Items[0]["readiness"]; !ok {
		t.Fatalf("fleet item missing readiness: %+v", fresp.Items[0])
	}
}

func TestOptimizeInduction(t *testing.T) {
	s := newTestServer(t)
	postSnapshot(t, s)

	run := optimize(t, s, "induction", nil)
	if run.Kind != model.RunInduction || run.Status != "completed" {
		t.Fatalf("run: kind=%s status=%s", run.Kind, run.Status)
	}
	res := run.Result
	if res == nil {
		t.Fatal("run has no result")
	}
	if len(res.Eligible) != 2 || len(res.HardFailures) != 0 {
		t.Fatalf("eligible=%d hardFailures=%d, want 2/0", len(res.Eligible), len(res.HardFailures))
	}
	if len(res.InductionSlots) != 2 {
		t.Fatalf("induction slots: got %d, want 2", len(res.InductionSlots))
	}
	if !res.Feasible {
		t.Fatalf("expected feasible run, conflicts: %+v", res.Conflicts)
	}
	for _, slot := range res.InductionSlots {
		if len(slot.CrewIDs) != 2 {
			t.Fatalf("slot %s crew: got %d, want 2", slot.TrainsetID, len(slot.CrewIDs))
		}
		if slot.StartAt.UTC().Day() != 30 || slot.StartAt.UTC().Hour() < 21 {
			t.Fatalf("slot %s starts %s, want evening of 2025-06-30", slot.TrainsetID, slot.StartAt)
		}
	}

	// run shows up in the index and by id
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/runs?kind=induction", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.RunsIndexHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("runs index: %d", rr.Code)
	}
	var idx struct {
		Items []model.OptimizationRun `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &idx); err != nil || len(idx.Items) != 1 {
		t.Fatalf("runs index items: err=%v n=%d", err, len(idx.Items))
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID, nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.RunByIDHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("run by id: %d", rr.Code)
	}

	// run metrics recorded
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/run-metrics?targetDate=2025-07-01", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.RunMetricsHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("run metrics: %d", rr.Code)
	}
	var mresp struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &mresp); err != nil || len(mresp.Items) == 0 {
		t.Fatalf("run metrics items: err=%v n=%d", err, len(mresp.Items))
	}

	// audit trail recorded
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/audit", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.AuditHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("audit: %d", rr.Code)
	}
	var aresp struct {
		Items []model.AuditRecord `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &aresp); err != nil || len(aresp.Items) != 1 {
		t.Fatalf("audit items: err=%v n=%d", err, len(aresp.Items))
	}
}

func TestOptimizeDepartures(t *testing.T) {
	s := newTestServer(t)
	postSnapshot(t, s)

	run := optimize(t, s, "departures", nil)
	res := run.Result
	if res == nil || len(res.DepartureSlots) != 2 {
		t.Fatalf("departure slots: %+v", res)
	}
	if len(res.ExcessTrainsets) != 0 {
		t.Fatalf("unexpected excess: %v", res.ExcessTrainsets)
	}
	first := res.DepartureSlots[0]
	second := res.DepartureSlots[1]
	if first.TrainsetID != "TS-1" || first.SlotNumber != 1 || first.ShuntingMoves != 0 {
		t.Fatalf("first slot: %+v", first)
	}
	if second.TrainsetID != "TS-2" || second.SlotNumber != 2 || second.ShuntingMoves != 1 {
		t.Fatalf("second slot: %+v", second)
	}
	if first.DepartAt.UTC().Hour() != 6 || first.DepartAt.UTC().Minute() != 0 {
		t.Fatalf("first departure at %s, want 06:00", first.DepartAt)
	}
	if got := second.DepartAt.Sub(first.DepartAt); got != 10*time.Minute {
		t.Fatalf("slot interval: got %s, want 10m", got)
	}
}

func TestOptimizeValidation(t *testing.T) {
	s := newTestServer(t)

	// no snapshot yet
	b, _ := json.Marshal(map[string]any{"depotId": "d_test", "targetDate": "2025-07-01"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/optimize/induction", bytes.NewReader(b))
	req.Header.Set("X-Depot-Id", "d_test")
	s.OptimizeInductionHandler(rr, req)
	if rr.Code != 404 {
		t.Fatalf("no snapshot: got %d, want 404", rr.Code)
	}

	postSnapshot(t, s)

	// malformed date
	b, _ = json.Marshal(map[string]any{"depotId": "d_test", "targetDate": "July 1st"})
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/optimize/induction", bytes.NewReader(b))
	s.OptimizeInductionHandler(rr, req)
	if rr.Code != 400 {
		t.Fatalf("bad date: got %d, want 400", rr.Code)
	}

	// unknown rule override
	b, _ = json.Marshal(map[string]any{
		"depotId": "d_test", "targetDate": "2025-07-01",
		"ruleOverrides": []map[string]any{{"name": "gravity_assist"}},
	})
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/optimize/induction", bytes.NewReader(b))
	s.OptimizeInductionHandler(rr, req)
	if rr.Code != 400 {
		t.Fatalf("unknown rule: got %d, want 400", rr.Code)
	}

	// viewers cannot optimize
	b, _ = json.Marshal(map[string]any{"depotId": "d_test", "targetDate": "2025-07-01"})
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/optimize/induction", bytes.NewReader(b))
	req.Header.Set("X-Role", "viewer")
	s.OptimizeInductionHandler(rr, req)
	if rr.Code != 403 {
		t.Fatalf("viewer optimize: got %d, want 403", rr.Code)
	}
}

func TestOptimizerConfigAndWeights(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/optimizer/config", nil)
	s.OptimizerConfigHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("optimizer config: %d", rr.Code)
	}

	// depot override round-trip
	body := []byte(`{"config":{"departureSlots":12}}`)
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/v1/admin/optimizer/config", bytes.NewReader(body))
	s.AdminOptimizerConfigHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("save config: %d body %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/optimizer/config", nil)
	s.AdminOptimizerConfigHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("get config: %d", rr.Code)
	}

	// named weights round-trip
	wb := []byte(`{"ref":"branding-push","weights":{"fitness":20,"maintenance":20,"branding":25,"mileage":10,"staff":10,"stabling":15}}`)
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/v1/admin/weights", bytes.NewReader(wb))
	s.WeightsHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("save weights: %d body %s", rr.Code, rr.Body.String())
	}
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/weights?ref=branding-push", nil)
	s.WeightsHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("get weights: %d", rr.Code)
	}
	var wresp struct {
		Weights model.Weights `json:"weights"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &wresp); err != nil || wresp.Weights.Branding != 25 {
		t.Fatalf("weights round-trip: err=%v got %+v", err, wresp.Weights)
	}

	// unknown weightsRef rejects the run
	postSnapshot(t, s)
	b, _ := json.Marshal(map[string]any{"depotId": "d_test", "targetDate": "2025-07-01", "weightsRef": "nope"})
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/v1/optimize/induction", bytes.NewReader(b))
	s.OptimizeInductionHandler(rr, req)
	if rr.Code != 400 {
		t.Fatalf("unknown weightsRef: got %d", rr.Code)
	}
}

// faultyStore injects persistence failures around a working store.
type faultyStore struct {
	store.Store
	failRuns  bool
	failAudit bool
}

func (f *faultyStore) CreateRun(ctx context.Context, run model.OptimizationRun) (model.OptimizationRun, error) {
	if f.failRuns {
		return model.OptimizationRun{}, errors.New("runs table unavailable")
	}
	return f.Store.CreateRun(ctx, run)
}

func (f *faultyStore) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	if f.failAudit {
		return errors.New("audit table unavailable")
	}
	return f.Store.InsertAudit(ctx, rec)
}

func TestRunSurvivesStoreFailures(t *testing.T) {
	s := newTestServer(t)
	postSnapshot(t, s)
	fs := &faultyStore{Store: s.Store, failRuns: true, failAudit: true}
	s.Store = fs

	// the optimizer already did its work; a broken runs table must not
	// throw the result away
	run := optimize(t, s, "induction", nil)
	if run.ID != "" {
		t.Fatalf("unpersisted run must not carry an id, got %q", run.ID)
	}
	if run.Error == "" {
		t.Fatal("expected an error note on the unpersisted run")
	}
	if run.Result == nil || len(run.Result.InductionSlots) != 2 {
		t.Fatalf("computed result dropped: %+v", run.Result)
	}

	// an audit write failure alone must not surface to the caller either
	fs.failRuns = false
	run = optimize(t, s, "induction", nil)
	if run.ID == "" || run.Error != "" {
		t.Fatalf("run should persist when only the audit write fails: id=%q err=%q", run.ID, run.Error)
	}
}

func TestSubscriptionsCRUD(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"url":"https://hooks.example/depot","events":["run.completed"]}`)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/subscriptions", bytes.NewReader(body))
	req.Header.Set("X-Depot-Id", "d_test")
	s.SubscriptionsHandler(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create subscription: %d body %s", rr.Code, rr.Body.String())
	}
	var sub model.Subscription
	if err := json.Unmarshal(rr.Body.Bytes(), &sub); err != nil || sub.ID == "" {
		t.Fatalf("decode subscription: err=%v sub=%+v", err, sub)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.SubscriptionsHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("list subscriptions: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.SubscriptionByIDHandler(rr, req)
	if rr.Code != 204 {
		t.Fatalf("delete subscription: %d", rr.Code)
	}

	// webhook deliveries admin list works on an empty queue
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/v1/admin/webhook-deliveries", nil)
	req.Header.Set("X-Depot-Id", "d_test")
	s.WebhookDeliveriesHandler(rr, req)
	if rr.Code != 200 {
		t.Fatalf("list deliveries: %d", rr.Code)
	}
}

func TestRunCompletedReachesSubscribers(t *testing.T) {
	s := newTestServer(t)
	postSnapshot(t, s)

	ch := s.Broker.Subscribe("d_test")
	defer s.Broker.Unsubscribe("d_test", ch)

	optimize(t, s, "induction", nil)

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == model.EventRunCompleted {
				if evt.Data["kind"].(string) != model.RunInduction {
					t.Fatalf("event kind: %+v", evt.Data)
				}
				return
			}
		case <-deadline:
			t.Fatal("no run.completed event on depot topic")
		}
	}
}
