package opt

import (
	"strings"
	"testing"
	"time"

	"depotplan/internal/model"
)

var hNow = time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC)
var hTarget = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func validCert(ts string, days int) model.FitnessCertificate {
	return model.FitnessCertificate{ID: "cert-" + ts, TrainsetID: ts, Type: model.CertRollingStock, ExpiresAt: hNow.AddDate(0, 0, days), Valid: true}
}

func availableShifts(n int, day time.Time) []model.StaffShift {
	out := make([]model.StaffShift, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.StaffShift{
			ID: string(rune('a' + i)), StaffID: string(rune('A' + i)),
			Status: model.ShiftAvailable,
			StartAt: day.Add(5 * time.Hour), EndAt: day.Add(13 * time.Hour),
		})
	}
	return out
}

func baseSnapshot() model.FleetSnapshot {
	return model.FleetSnapshot{
		Trainsets: []model.Trainset{
			{ID: "TS-1", Status: model.StatusOperational, BatteryLevel: 90, MileageKM: 50000, StablingID: "SP-1"},
			{ID: "TS-2", Status: model.StatusOperational, BatteryLevel: 80, MileageKM: 52000, StablingID: "SP-2"},
		},
		Certificates: []model.FitnessCertificate{validCert("TS-1", 60), validCert("TS-2", 60)},
		StablingPositions: []model.StablingPosition{
			{ID: "SP-1", Occupied: true, OccupantID: "TS-1"},
			{ID: "SP-2", Occupied: true, OccupantID: "TS-2"},
		},
		StaffShifts: availableShifts(6, hTarget),
	}
}

func TestHierarchicalHardFilterCollectsAllReasons(t *testing.T) {
	snap := baseSnapshot()
	snap.Trainsets = append(snap.Trainsets, model.Trainset{
		ID: "TS-3", Status: model.StatusMaintenance, BatteryLevel: 10, StablingID: "SP-9",
	})
	snap.JobCards = append(snap.JobCards, model.JobCard{ID: "J-1", TrainsetID: "TS-3", Priority: model.JobCritical, Status: model.JobPending})

	res := Hierarchical(snap, nil, Options{Now: hNow, TargetDate: hTarget})

	if len(res.HardFailures) != 1 {
		t.Fatalf("want 1 hard failure, got %d", len(res.HardFailures))
	}
	hf := res.HardFailures[0]
	if hf.TrainsetID != "TS-3" {
		t.Fatalf("wrong trainset failed: %s", hf.TrainsetID)
	}
	// no cert, open critical job, low battery, no stabling: all four reasons
	if len(hf.Reasons) != 4 {
		t.Fatalf("want all 4 failing reasons, got %v", hf.Reasons)
	}
	if !strings.Contains(hf.Reasons[0], "certificate") {
		t.Fatalf("reason order not fixed: %v", hf.Reasons)
	}
	if len(res.Eligible) != 2 {
		t.Fatalf("want 2 eligible, got %d", len(res.Eligible))
	}
	for _, e := range res.Eligible {
		if e.TrainsetID == "TS-3" {
			t.Fatal("hard-failed trainset must never be soft-scored")
		}
	}
}

func TestHierarchicalSubsetRestriction(t *testing.T) {
	res := Hierarchical(baseSnapshot(), []string{"TS-2"}, Options{Now: hNow, TargetDate: hTarget})
	if len(res.Eligible) != 1 || res.Eligible[0].TrainsetID != "TS-2" {
		t.Fatalf("subset not honored: %+v", res.Eligible)
	}
}

func TestHierarchicalSubScores(t *testing.T) {
	snap := baseSnapshot()
	snap.JobCards = []model.JobCard{
		{ID: "J-1", TrainsetID: "TS-2", Priority: model.JobHigh, Status: model.JobPending},
	}
	snap.WeatherReadings = []model.WeatherReading{{ID: "w1", RecordedAt: hNow.Add(-time.Hour), Severity: 30}}
	snap.CongestionReadings = []model.CongestionReading{
		{ID: "c1", Level: 20}, {ID: "c2", Level: 40},
	}
	snap.CalendarEvents = []model.CalendarEvent{{ID: "e1", Date: hTarget, RidershipMultiplier: 1.5}}

	res := Hierarchical(snap, nil, Options{Now: hNow, TargetDate: hTarget})
	if len(res.Eligible) != 2 {
		t.Fatalf("want 2 eligible, got %d", len(res.Eligible))
	}
	byID := map[string]model.RankedTrainset{}
	for _, e := range res.Eligible {
		byID[e.TrainsetID] = e
	}

	s1, s2 := byID["TS-1"].SubScores, byID["TS-2"].SubScores
	if s1[ScoreFitness] != 100 {
		t.Fatalf("60d cert should score 100, got %.2f", s1[ScoreFitness])
	}
	if s1[ScoreMaintenance] != 100 || s2[ScoreMaintenance] != 70 {
		t.Fatalf("maintenance: want 100/70, got %.0f/%.0f", s1[ScoreMaintenance], s2[ScoreMaintenance])
	}
	if s1[ScoreWeather] != 70 {
		t.Fatalf("weather 100-30=70, got %.0f", s1[ScoreWeather])
	}
	if s1[ScoreCongestion] != 70 {
		t.Fatalf("congestion 100-avg(20,40)=70, got %.0f", s1[ScoreCongestion])
	}
	if s1[ScoreDemand] != 120 {
		t.Fatalf("high-ridership event should score 120, got %.0f", s1[ScoreDemand])
	}
	if s1[ScoreStabling] != 100 {
		t.Fatalf("self-occupied position should score 100, got %.0f", s1[ScoreStabling])
	}
	if s1[ScoreStaff] != 100 {
		t.Fatalf("all shifts available should score 100, got %.0f", s1[ScoreStaff])
	}
	if s1[ScoreBranding] != 50 {
		t.Fatalf("no contract should score neutral 50, got %.0f", s1[ScoreBranding])
	}

	// identical contextual scores, so the open high job must rank TS-2 below TS-1
	if res.Eligible[0].TrainsetID != "TS-1" {
		t.Fatalf("ranking wrong: %s first", res.Eligible[0].TrainsetID)
	}
	if byID["TS-1"].Total <= byID["TS-2"].Total {
		t.Fatalf("totals not ordered: %.2f vs %.2f", byID["TS-1"].Total, byID["TS-2"].Total)
	}
}

func TestHierarchicalWeightedTotal(t *testing.T) {
	snap := model.FleetSnapshot{
		Trainsets:         []model.Trainset{{ID: "TS-1", BatteryLevel: 100, MileageKM: 1000, StablingID: "SP-1"}},
		Certificates:      []model.FitnessCertificate{validCert("TS-1", 120)},
		StablingPositions: []model.StablingPosition{{ID: "SP-1", Occupied: true, OccupantID: "TS-1"}},
		StaffShifts:       availableShifts(4, hTarget),
	}
	w := model.Weights{Fitness: 25, Maintenance: 20, Branding: 10, Mileage: 15, Staff: 15, Stabling: 15}
	res := Hierarchical(snap, nil, Options{Now: hNow, TargetDate: hTarget, Weights: w})
	if len(res.Eligible) != 1 {
		t.Fatalf("want 1 eligible, got %d", len(res.Eligible))
	}
	// fitness 100, maintenance 100, branding 50, mileage 100 (sole trainset
	// sits on the fleet average), staff 100, stabling 100; weather, demand,
	// congestion default to 100 each
	want := (100*25+100*20+50*10+100*15+100*15+100*15)/100.0 + 300.0/30
	if got := res.Eligible[0].Total; got != want {
		t.Fatalf("total: want %.2f, got %.2f", want, got)
	}
}

func TestHierarchicalConflicts(t *testing.T) {
	snap := baseSnapshot()
	// both eligible trainsets claim SP-1; SP-2 is freed so TS-2 still
	// clears the hard stabling check
	snap.Trainsets[1].StablingID = "SP-1"
	snap.StablingPositions[1] = model.StablingPosition{ID: "SP-2", Occupied: false}
	// only 2 available crew for 2 eligible trainsets, need 6
	snap.StaffShifts = availableShifts(2, hTarget)

	res := Hierarchical(snap, nil, Options{Now: hNow, TargetDate: hTarget})
	if len(res.Conflicts) != 2 {
		t.Fatalf("want stabling + staff conflicts, got %+v", res.Conflicts)
	}
	var sawStabling, sawStaff bool
	for _, c := range res.Conflicts {
		switch c.Type {
		case model.ConflictStabling:
			sawStabling = true
			if c.PositionID != "SP-1" || len(c.TrainsetIDs) != 2 {
				t.Fatalf("bad stabling conflict: %+v", c)
			}
		case model.ConflictStaffShortage:
			sawStaff = true
		}
	}
	if !sawStabling || !sawStaff {
		t.Fatalf("missing conflict type: %+v", res.Conflicts)
	}
}
