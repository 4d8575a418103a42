package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"depotplan/internal/config"
	"depotplan/internal/metrics"
	"depotplan/internal/model"
	"depotplan/internal/opt"
	"depotplan/internal/readiness"
)

// SnapshotHandler handles POST/GET /v1/fleet/snapshot
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.CanPlan() {
			writeProblem(w, 403, "Forbidden", "planner or admin required", r.URL.Path)
			return
		}
		var req struct {
			DepotID  string              `json:"depotId"`
			Snapshot model.FleetSnapshot `json:"snapshot"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.DepotID == "" {
			_, req.DepotID = s.withDepot(r)
		}
		if len(req.Snapshot.Trainsets) == 0 {
			writeProblem(w, http.StatusBadRequest, "Empty snapshot", "at least one trainset required", r.URL.Path)
			return
		}
		id, err := s.Store.SaveSnapshot(r.Context(), req.DepotID, req.Snapshot)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save snapshot failed", err.Error(), r.URL.Path)
			return
		}
		s.Readiness.Replace(req.DepotID, readiness.FleetReadiness(req.Snapshot, time.Now().UTC()))
		writeJSON(w, http.StatusAccepted, map[string]any{
			"snapshotId": id,
			"trainsets":  len(req.Snapshot.Trainsets),
		})
	case http.MethodGet:
		_, depot := s.withDepot(r)
		snap, id, err := s.Store.GetSnapshot(r.Context(), depot)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "No snapshot", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"snapshotId": id, "snapshot": snap})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// FleetHandler handles GET /v1/fleet
func (s *Server) FleetHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/fleet" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, depot := s.withDepot(r)
	snap, _, err := s.Store.GetSnapshot(r.Context(), depot)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "No snapshot", err.Error(), r.URL.Path)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	start := 0
	if cursor != "" {
		for i, ts := range snap.Trainsets {
			if ts.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	items := []map[string]any{}
	var next string
	for i := start; i < len(snap.Trainsets) && len(items) < limit; i++ {
		ts := snap.Trainsets[i]
		if status != "" && ts.Status != status {
			continue
		}
		item := map[string]any{"trainset": ts}
		if b, ok := s.Readiness.Get(depot, ts.ID); ok {
			item["readiness"] = b.Total
			item["category"] = b.Category
		}
		items = append(items, item)
		next = ts.ID
	}
	if len(items) < limit {
		next = ""
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// ReadinessHandler handles GET /v1/readiness
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, depot := s.withDepot(r)
	items := s.Readiness.ListByDepot(depot)
	if len(items) == 0 {
		// cold cache (e.g. after restart): rescore the stored snapshot
		snap, _, err := s.Store.GetSnapshot(r.Context(), depot)
		if err != nil {
			writeProblem(w, http.StatusNotFound, "No snapshot", "ingest a fleet snapshot first", r.URL.Path)
			return
		}
		breakdowns := readiness.FleetReadiness(snap, time.Now().UTC())
		s.Readiness.Replace(depot, breakdowns)
		items = s.Readiness.ListByDepot(depot)
	}
	sorted := map[string]readiness.Breakdown{}
	for _, b := range items {
		sorted[b.TrainsetID] = b
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": readiness.SortByTotal(sorted)})
}

// OptimizeInductionHandler handles POST /v1/optimize/induction
func (s *Server) OptimizeInductionHandler(w http.ResponseWriter, r *http.Request) {
	s.runOptimization(w, r, model.RunInduction)
}

// OptimizeDeparturesHandler handles POST /v1/optimize/departures
func (s *Server) OptimizeDeparturesHandler(w http.ResponseWriter, r *http.Request) {
	s.runOptimization(w, r, model.RunDeparture)
}

func (s *Server) runOptimization(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanPlan() {
		writeProblem(w, 403, "Forbidden", "planner or admin required", r.URL.Path)
		return
	}
	if !s.limits.allow(p.Depot) {
		writeProblem(w, http.StatusTooManyRequests, "Rate limited", "too many optimization requests", r.URL.Path)
		return
	}
	var req model.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if err := validateRunRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid run request", err.Error(), r.URL.Path)
		return
	}
	if req.DepotID == "" {
		_, req.DepotID = s.withDepot(r)
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = p.Actor
	}

	snap, _, err := s.Store.GetSnapshot(r.Context(), req.DepotID)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "No snapshot", "ingest a fleet snapshot before optimizing", r.URL.Path)
		return
	}

	weights, err := s.resolveWeights(r.Context(), &req)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Unknown weightsRef", err.Error(), r.URL.Path)
		return
	}

	target := targetDate(&req)
	started := time.Now()
	hopts := opt.Options{
		MinBatteryPct:   s.Cfg.Scoring.MinBatteryPct,
		MaxMileageDevKM: s.Cfg.Scoring.MaxMileageDevKM,
		Weights:         weights,
		TargetDate:      target,
	}
	h := opt.Hierarchical(snap, req.TrainsetIDs, hopts)

	result := model.RunResult{
		Success:      true,
		Eligible:     h.Eligible,
		HardFailures: h.HardFailures,
		Conflicts:    h.Conflicts,
	}

	switch kind {
	case model.RunInduction:
		rules, err := s.rulesFromConfig().WithOverrides(req.RuleOverrides)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid ruleOverrides", err.Error(), r.URL.Path)
			return
		}
		iopts := s.inductionOptions(target)
		iopts.Rules = rules
		ires := opt.Induction(snap, eligibleIDs(h.Eligible), iopts)
		result.InductionSlots = ires.Slots
		result.Conflicts = append(result.Conflicts, ires.Unschedulable...)
		result.Violations = ires.Violations
		result.Objective = ires.Objective
		result.Iterations = ires.Iterations
		result.Feasible = len(ires.Unschedulable) == 0 && len(h.Eligible) > 0
	case model.RunDeparture:
		dres := opt.Departures(s.departureCandidates(snap, h.Eligible), opt.DepartureOptions{
			Holiday:        req.Holiday,
			RegularSlots:   s.Cfg.Departure.RegularSlots,
			HolidaySlots:   s.Cfg.Departure.HolidaySlots,
			FirstDeparture: firstDeparture(s.Cfg, target),
			Interval:       time.Duration(s.Cfg.Departure.IntervalMinutes) * time.Minute,
			TargetDate:     target,
		})
		result.DepartureSlots = dres.Slots
		result.ExcessTrainsets = dres.Excess
		result.Objective = dres.Objective
		result.Iterations = dres.Iterations
		result.Feasible = len(h.Eligible) > 0
		if len(dres.Excess) > 0 {
			result.Conflicts = append(result.Conflicts, model.Conflict{
				Type:        model.ConflictUnschedulable,
				Description: fmt.Sprintf("%d trainsets beyond departure capacity (excess capacity)", len(dres.Excess)),
				TrainsetIDs: dres.Excess,
			})
		}
	}
	result.ExecutionMs = time.Since(started).Milliseconds()

	run, err := s.Store.CreateRun(r.Context(), model.OptimizationRun{
		DepotID:    req.DepotID,
		Kind:       kind,
		TargetDate: target.Format("2006-01-02"),
		Status:     "completed",
		Request:    req,
		Result:     &result,
	})
	if err != nil {
		// an optimization that computed is still worth returning; the caller
		// gets the result with an empty run id and an error note
		log.Printf("persist run failed depot=%s kind=%s: %v", req.DepotID, kind, err)
		run = model.OptimizationRun{
			DepotID:    req.DepotID,
			Kind:       kind,
			TargetDate: target.Format("2006-01-02"),
			Status:     "completed",
			Request:    req,
			Result:     &result,
			Error:      "run not persisted: " + err.Error(),
			CreatedAt:  time.Now().UTC(),
		}
	}
	for i := range result.Conflicts {
		result.Conflicts[i].RunID = run.ID
	}

	if err := s.Store.InsertAudit(r.Context(), model.AuditRecord{
		RunID:   run.ID,
		DepotID: req.DepotID,
		Actor:   req.TriggeredBy,
		Kind:    kind,
		Summary: map[string]int{
			"eligible":     len(h.Eligible),
			"hardFailures": len(h.HardFailures),
			"scheduled":    len(result.InductionSlots) + len(result.DepartureSlots),
			"conflicts":    len(result.Conflicts),
		},
	}); err != nil {
		log.Printf("audit write failed run=%s depot=%s: %v", run.ID, req.DepotID, err)
	}

	opt.RecordMetrics(req.DepotID, run.TargetDate, kind, opt.Metrics{
		Feasible:      result.Feasible,
		Objective:     result.Objective,
		Scheduled:     len(result.InductionSlots) + len(result.DepartureSlots),
		Unscheduled:   len(result.ExcessTrainsets),
		Conflicts:     len(result.Conflicts),
		Iterations:    result.Iterations,
		ExecutionMs:   result.ExecutionMs,
		EligibleCount: len(h.Eligible),
		HardFailures:  len(h.HardFailures),
	})
	metrics.OptimizationRuns.WithLabelValues(kind, run.Status).Inc()
	metrics.RunDuration.WithLabelValues(kind).Observe(float64(result.ExecutionMs) / 1000.0)

	s.publishRunEvents(r.Context(), run, result)

	writeJSON(w, http.StatusOK, run)
}

// publishRunEvents fans a completed run out to webhooks, SSE and WS
// subscribers. Events go to both the run topic and the depot topic.
func (s *Server) publishRunEvents(ctx context.Context, run model.OptimizationRun, result model.RunResult) {
	completed := map[string]any{
		"runId":      run.ID,
		"depotId":    run.DepotID,
		"kind":       run.Kind,
		"targetDate": run.TargetDate,
		"feasible":   result.Feasible,
		"objective":  result.Objective,
		"scheduled":  len(result.InductionSlots) + len(result.DepartureSlots),
		"conflicts":  len(result.Conflicts),
	}
	s.Pub.Emit(ctx, run.DepotID, model.EventRunCompleted, completed)
	evt := SSEEvent{Type: model.EventRunCompleted, Data: completed}
	s.Broker.Publish(run.ID, evt)
	s.Broker.Publish(run.DepotID, evt)

	for _, c := range result.Conflicts {
		metrics.ConflictsDetected.WithLabelValues(c.Type).Inc()
		data := map[string]any{
			"runId":       run.ID,
			"depotId":     run.DepotID,
			"type":        c.Type,
			"description": c.Description,
			"trainsetIds": c.TrainsetIDs,
			"positionId":  c.PositionID,
		}
		s.Pub.Emit(ctx, run.DepotID, model.EventConflictDetected, data)
		cevt := SSEEvent{Type: model.EventConflictDetected, Data: data}
		s.Broker.Publish(run.ID, cevt)
		s.Broker.Publish(run.DepotID, cevt)
	}
}

// resolveWeights picks, in order: inline weights, a stored named set, the
// config defaults.
func (s *Server) resolveWeights(ctx context.Context, req *model.RunRequest) (model.Weights, error) {
	if req.Weights != nil {
		return *req.Weights, nil
	}
	if req.WeightsRef != "" {
		w, err := s.Store.GetWeights(ctx, req.DepotID, req.WeightsRef)
		if err != nil {
			return model.Weights{}, fmt.Errorf("weightsRef %q: %v", req.WeightsRef, err)
		}
		return w, nil
	}
	return s.Cfg.Weights, nil
}

// rulesFromConfig materializes the rule set with config-tuned parameters.
func (s *Server) rulesFromConfig() opt.RuleSet {
	ic := s.Cfg.Induction
	startMin, err := config.ClockMinutes(ic.PowerStartClock)
	if err != nil {
		startMin = 5*60 + 30
	}
	endMin, err := config.ClockMinutes(ic.PowerEndClock)
	if err != nil {
		endMin = 23*60 + 30
	}
	return opt.RuleSet{Rules: []opt.Rule{
		opt.PlatformExclusivityRule{Buffer: time.Duration(ic.BufferMinutes) * time.Minute, Penalty: 50},
		opt.HeadwayMinimumRule{MinSeparation: time.Duration(ic.HeadwaySec) * time.Second, Penalty: 10},
		opt.CrewRestRule{MinRest: time.Duration(ic.CrewRestHours) * time.Hour, Penalty: 30},
		opt.SafetyMarginRule{MinCheck: time.Duration(ic.SafetyMinutes) * time.Minute, Penalty: 15},
		opt.PowerBlockWindowRule{StartMinute: startMin, EndMinute: endMin, Penalty: 40},
	}}
}

// inductionOptions builds the scheduling window: induction happens the
// evening before the target service day.
func (s *Server) inductionOptions(target time.Time) opt.InductionOptions {
	ic := s.Cfg.Induction
	eve := target.UTC().AddDate(0, 0, -1)
	y, m, d := eve.Date()
	return opt.InductionOptions{
		WindowStart:  time.Date(y, m, d, ic.StartHour, 0, 0, 0, time.UTC),
		WindowEnd:    time.Date(y, m, d, ic.EndHour, 0, 0, 0, time.UTC),
		Tick:         time.Duration(ic.TickMinutes) * time.Minute,
		SlotDuration: time.Duration(ic.SlotMinutes) * time.Minute,
		Platforms:    ic.Platforms,
		CrewPerSlot:  ic.CrewPerSlot,
	}
}

// departureCandidates pairs each eligible trainset with its readiness total
// and parking position. Position falls back to the stabling slot depth, then
// to the front of the track.
func (s *Server) departureCandidates(snap model.FleetSnapshot, eligible []model.RankedTrainset) []opt.DepartureCandidate {
	byID := map[string]model.Trainset{}
	for _, ts := range snap.Trainsets {
		byID[ts.ID] = ts
	}
	depth := map[string]int{}
	for _, sp := range snap.StablingPositions {
		depth[sp.ID] = sp.Depth
	}
	scored := readiness.FleetReadiness(snap, time.Now().UTC())
	out := make([]opt.DepartureCandidate, 0, len(eligible))
	for _, e := range eligible {
		ts := byID[e.TrainsetID]
		pos := ts.ParkingDepth
		if pos <= 0 {
			pos = depth[ts.StablingID]
		}
		if pos <= 0 {
			pos = 1
		}
		total := e.Total
		if b, ok := scored[e.TrainsetID]; ok {
			total = b.Total
		}
		out = append(out, opt.DepartureCandidate{TrainsetID: e.TrainsetID, Readiness: total, ParkingPosition: pos})
	}
	return out
}

func eligibleIDs(eligible []model.RankedTrainset) []string {
	ids := make([]string, 0, len(eligible))
	for _, e := range eligible {
		ids = append(ids, e.TrainsetID)
	}
	return ids
}

func firstDeparture(cfg config.Config, target time.Time) time.Time {
	min, err := config.ClockMinutes(cfg.Departure.FirstDeparture)
	if err != nil {
		min = 6 * 60
	}
	y, m, d := target.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(time.Duration(min) * time.Minute)
}

// RunsIndexHandler handles GET /v1/runs
func (s *Server) RunsIndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/runs" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, depot := s.withDepot(r)
	kind := r.URL.Query().Get("kind")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListRuns(r.Context(), depot, kind, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List runs failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

// RunByIDHandler handles GET /v1/runs/{id} and GET /v1/runs/{id}/events/stream
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.TrimPrefix(path, "/v1/runs/")
	if rest == path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if len(parts) > 2 && parts[1] == "events" && parts[2] == "stream" {
		// SSE for run events
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		// subscribe
		ch := s.Broker.Subscribe(id)
		defer s.Broker.Unsubscribe(id, ch)
		// initial heartbeat
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"runId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
		flusher.Flush()
		// stream loop
		notify := r.Context().Done()
		for {
			select {
			case <-notify:
				return
			case evt := <-ch:
				b, _ := json.Marshal(evt.Data)
				fmt.Fprintf(w, "event: %s\n", evt.Type)
				fmt.Fprintf(w, "data: %s\n\n", string(b))
				flusher.Flush()
			case <-time.After(15 * time.Second):
				fmt.Fprintf(w, "event: heartbeat\n")
				fmt.Fprintf(w, "data: {\"runId\":\"%s\",\"ts\":\"%s\"}\n\n", id, time.Now().Format(time.RFC3339))
				flusher.Flush()
			}
		}
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	_, depot := s.withDepot(r)
	run, err := s.Store.GetRun(r.Context(), depot, id)
	if err != nil {
		writeProblem(w, http.StatusNotFound, "Run not found", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// OptimizerConfigHandler returns effective optimizer configuration
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/optimizer/config" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	defaults := map[string]any{
		"weights":   s.Cfg.Weights,
		"scoring":   map[string]any{"minBatteryPct": s.Cfg.Scoring.MinBatteryPct, "maxMileageDevKm": s.Cfg.Scoring.MaxMileageDevKM},
		"induction": s.Cfg.Induction,
		"departure": s.Cfg.Departure,
	}
	// overlay depot config if present
	p := s.getPrincipal(r)
	cfg, _ := s.Store.GetOptimizerConfig(r.Context(), p.Depot)
	if cfg != nil {
		// merge cfg into defaults
		for k, v := range cfg {
			defaults[k] = v
		}
	}
	writeJSON(w, 200, map[string]any{"defaults": defaults})
}

// Admin get/set optimizer depot config
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/optimizer/config" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, _ := s.Store.GetOptimizerConfig(r.Context(), p.Depot)
		if cfg == nil {
			cfg = map[string]any{}
		}
		writeJSON(w, 200, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct {
			Config map[string]any `json:"config"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Config == nil {
			writeProblem(w, 400, "Missing config", "", r.URL.Path)
			return
		}
		if err := s.Store.SaveOptimizerConfig(r.Context(), p.Depot, body.Config); err != nil {
			writeProblem(w, 500, "Save failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WeightsHandler handles GET/PUT /v1/admin/weights for named weight sets
func (s *Server) WeightsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/weights" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		ref := r.URL.Query().Get("ref")
		if ref == "" {
			writeProblem(w, 400, "Missing ref", "", r.URL.Path)
			return
		}
		ws, err := s.Store.GetWeights(r.Context(), p.Depot, ref)
		if err != nil {
			writeProblem(w, 404, "Weights not found", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"ref": ref, "weights": ws})
	case http.MethodPut:
		var body struct {
			Ref     string         `json:"ref"`
			Weights *model.Weights `json:"weights"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeProblem(w, 400, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Ref == "" || body.Weights == nil {
			writeProblem(w, 400, "Missing ref or weights", "", r.URL.Path)
			return
		}
		if err := s.Store.SaveWeights(r.Context(), p.Depot, body.Ref, *body.Weights); err != nil {
			writeProblem(w, 500, "Save weights failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		p := s.getPrincipal(r)
		if !p.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Missing url or events", "", r.URL.Path)
			return
		}
		if req.DepotID == "" {
			req.DepotID = p.Depot
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		// Admin list
		p := s.getPrincipal(r)
		if !p.IsAdmin() {
			writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
			return
		}
		cursor := r.URL.Query().Get("cursor")
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			fmt.Sscanf(v, "%d", &limit)
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), p.Depot, cursor, limit)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Subscription delete (admin)
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/subscriptions/") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if err := s.Store.DeleteSubscription(r.Context(), p.Depot, id); err != nil {
		writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(204)
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	// Check DB connectivity when using Postgres store
	type pinger interface{ Ping(ctx context.Context) error }
	if pg, ok := s.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()
		if err := pg.Ping(ctx); err != nil {
			writeProblem(w, 503, "Not Ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}

// Admin: webhook deliveries list and retry
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(405)
		return
	}
	status := r.URL.Query().Get("status")
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), p.Depot, status, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}

func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/") || !strings.HasSuffix(r.URL.Path, "/retry") {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(405)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if err := s.Store.RetryWebhookDelivery(r.Context(), p.Depot, id); err != nil {
		writeProblem(w, 500, "Retry delivery failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 202, map[string]int{"accepted": 1})
}

// Admin run metrics by kind
func (s *Server) RunMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/run-metrics" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	target := r.URL.Query().Get("targetDate")
	if target == "" {
		writeProblem(w, 400, "Missing targetDate", "", r.URL.Path)
		return
	}
	kind := r.URL.Query().Get("kind")
	ms := opt.GetMetrics(p.Depot, target)
	items := []map[string]any{}
	for k, m := range ms {
		if kind != "" && k != kind {
			continue
		}
		items = append(items, map[string]any{
			"kind":          k,
			"feasible":      m.Feasible,
			"objective":     m.Objective,
			"scheduled":     m.Scheduled,
			"unscheduled":   m.Unscheduled,
			"conflicts":     m.Conflicts,
			"iterations":    m.Iterations,
			"executionMs":   m.ExecutionMs,
			"eligibleCount": m.EligibleCount,
			"hardFailures":  m.HardFailures,
		})
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

// Admin audit trail
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/audit" || r.Method != http.MethodGet {
		writeProblem(w, 404, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path)
		return
	}
	cursor := r.URL.Query().Get("cursor")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	items, next, err := s.Store.ListAudit(r.Context(), p.Depot, cursor, limit)
	if err != nil {
		writeProblem(w, 500, "List audit failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items, "nextCursor": next})
}
