package opt

import (
	"testing"
	"time"

	"depotplan/internal/model"
)

var winStart = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func cand(id, platform string, start time.Time, dur time.Duration) Candidate {
	return Candidate{TrainsetID: id, Platform: platform, StartAt: start, EndAt: start.Add(dur)}
}

func committed(id, platform string, start time.Time, dur time.Duration) Schedule {
	return Schedule{}.Commit(model.InductionSlot{TrainsetID: id, Platform: platform, StartAt: start, EndAt: start.Add(dur)})
}

func TestPlatformExclusivityBuffer(t *testing.T) {
	r := PlatformExclusivityRule{Buffer: 5 * time.Minute, Penalty: 50}
	sched := committed("TS-1", "P1", winStart, 20*time.Minute)

	// ends 09:20, buffer to 09:25
	if ev := r.Evaluate(cand("TS-2", "P1", winStart.Add(22*time.Minute), 20*time.Minute), sched, Env{}); ev.Satisfied {
		t.Fatalf("expected violation inside buffer, got satisfied: %s", ev.Reason)
	}
	if ev := r.Evaluate(cand("TS-2", "P1", winStart.Add(25*time.Minute), 20*time.Minute), sched, Env{}); !ev.Satisfied {
		t.Fatalf("expected pass at buffer boundary, got: %s", ev.Reason)
	}
	// other platform never conflicts
	if ev := r.Evaluate(cand("TS-2", "P2", winStart, 20*time.Minute), sched, Env{}); !ev.Satisfied {
		t.Fatalf("expected pass on different platform, got: %s", ev.Reason)
	}
	if !r.Hard() {
		t.Fatal("platform exclusivity must gate")
	}
}

func TestHeadwayMinimum(t *testing.T) {
	r := HeadwayMinimumRule{MinSeparation: 180 * time.Second, Penalty: 10}
	sched := committed("TS-1", "P1", winStart, 20*time.Minute)

	if ev := r.Evaluate(cand("TS-2", "P2", winStart.Add(60*time.Second), 20*time.Minute), sched, Env{}); ev.Satisfied {
		t.Fatalf("60s separation should violate 180s headway: %s", ev.Reason)
	}
	if ev := r.Evaluate(cand("TS-2", "P2", winStart.Add(181*time.Second), 20*time.Minute), sched, Env{}); !ev.Satisfied {
		t.Fatalf("181s separation should pass: %s", ev.Reason)
	}
	// identical start time reads as the same slot and is exempt
	if ev := r.Evaluate(cand("TS-2", "P2", winStart, 20*time.Minute), sched, Env{}); !ev.Satisfied {
		t.Fatalf("zero separation should be exempt: %s", ev.Reason)
	}
	if r.Hard() {
		t.Fatal("headway is penalty-only")
	}
}

func TestCrewRest(t *testing.T) {
	r := CrewRestRule{MinRest: 8 * time.Hour, Penalty: 30}
	env := Env{LastShiftEnd: map[string]time.Time{
		"CR-1": winStart.Add(-10 * time.Hour),
		"CR-2": winStart.Add(-3 * time.Hour),
	}}
	c := cand("TS-1", "P1", winStart, 20*time.Minute)

	c.CrewIDs = []string{"CR-1"}
	if ev := r.Evaluate(c, Schedule{}, env); !ev.Satisfied {
		t.Fatalf("10h rest should pass: %s", ev.Reason)
	}
	c.CrewIDs = []string{"CR-1", "CR-2"}
	if ev := r.Evaluate(c, Schedule{}, env); ev.Satisfied {
		t.Fatal("3h rest should violate")
	}
	// crew with no shift history is unconstrained
	c.CrewIDs = []string{"CR-9"}
	if ev := r.Evaluate(c, Schedule{}, env); !ev.Satisfied {
		t.Fatalf("unknown crew should pass: %s", ev.Reason)
	}
}

func TestPowerBlockWindow(t *testing.T) {
	r := PowerBlockWindowRule{StartMinute: 5*60 + 30, EndMinute: 23*60 + 30, Penalty: 40}
	day := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	if ev := r.Evaluate(cand("TS-1", "P1", day.Add(4*time.Hour), 20*time.Minute), Schedule{}, Env{}); ev.Satisfied {
		t.Fatal("04:00 start is outside the power window")
	}
	if ev := r.Evaluate(cand("TS-1", "P1", day.Add(6*time.Hour), 20*time.Minute), Schedule{}, Env{}); !ev.Satisfied {
		t.Fatalf("06:00 start should pass: %s", ev.Reason)
	}
}

func TestSafetyMargin(t *testing.T) {
	r := SafetyMarginRule{MinCheck: 10 * time.Minute, Penalty: 15}
	if ev := r.Evaluate(cand("TS-1", "P1", winStart, 5*time.Minute), Schedule{}, Env{}); ev.Satisfied {
		t.Fatal("5m slot cannot fit a 10m check")
	}
	if ev := r.Evaluate(cand("TS-1", "P1", winStart, 20*time.Minute), Schedule{}, Env{}); !ev.Satisfied {
		t.Fatalf("20m slot should pass: %s", ev.Reason)
	}
}

func TestWithOverrides(t *testing.T) {
	rs, err := DefaultRules().WithOverrides([]model.RuleOverride{
		{Name: RuleHeadwayMinimum, Params: map[string]float64{"minSeparationSec": 300}, Penalty: 25},
	})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	var hw HeadwayMinimumRule
	found := false
	for _, r := range rs.Rules {
		if h, ok := r.(HeadwayMinimumRule); ok {
			hw, found = h, true
		}
	}
	if !found {
		t.Fatal("headway rule missing after override")
	}
	if hw.MinSeparation != 300*time.Second || hw.Penalty != 25 {
		t.Fatalf("override not applied: %+v", hw)
	}

	if _, err := DefaultRules().WithOverrides([]model.RuleOverride{{Name: "no_such_rule"}}); err == nil {
		t.Fatal("unknown rule name must error")
	}
	if _, err := DefaultRules().WithOverrides([]model.RuleOverride{
		{Name: RuleCrewRest, Params: map[string]float64{"bogus": 1}},
	}); err == nil {
		t.Fatal("unknown parameter must error")
	}
}

func TestScheduleCommitCopies(t *testing.T) {
	s1 := Schedule{}
	s2 := s1.Commit(model.InductionSlot{TrainsetID: "TS-1"})
	if len(s1.Slots) != 0 {
		t.Fatal("commit mutated the original schedule")
	}
	s3 := s2.Commit(model.InductionSlot{TrainsetID: "TS-2"})
	if len(s2.Slots) != 1 || len(s3.Slots) != 2 {
		t.Fatalf("unexpected slot counts: %d, %d", len(s2.Slots), len(s3.Slots))
	}
}
