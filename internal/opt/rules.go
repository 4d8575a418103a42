package opt

import (
	"fmt"
	"math"
	"time"

	"depotplan/internal/model"
)

// Constraint rule names. Rules are data: parameters and penalties can be
// overridden per run, but the set of rules is closed.
const (
	RulePlatformExclusivity = "platform_exclusivity"
	RuleHeadwayMinimum      = "headway_minimum"
	RuleCrewRest            = "crew_rest"
	RuleSafetyMargin        = "safety_margin"
	RulePowerBlockWindow    = "power_block_window"
)

// Candidate is one prospective (trainset, platform, time window, crew)
// assignment under evaluation.
type Candidate struct {
	TrainsetID string
	Platform   string
	StartAt    time.Time
	EndAt      time.Time
	CrewIDs    []string
}

// Schedule is the explicit accumulator of already-committed induction slots.
// It is threaded through the greedy loop as a value so partial schedules can
// be seeded directly in tests.
type Schedule struct {
	Slots []model.InductionSlot
}

// Commit returns a new Schedule with the slot appended.
func (s Schedule) Commit(slot model.InductionSlot) Schedule {
	out := Schedule{Slots: make([]model.InductionSlot, 0, len(s.Slots)+1)}
	out.Slots = append(out.Slots, s.Slots...)
	out.Slots = append(out.Slots, slot)
	return out
}

// Env carries contextual data rules need beyond the schedule itself.
type Env struct {
	// LastShiftEnd maps a crew member to the end of their most recent
	// recorded shift.
	LastShiftEnd map[string]time.Time
}

// Rule is one named constraint. Hard rules gate acceptance; soft rules only
// contribute penalty. Every evaluation carries a reason, satisfied or not.
type Rule interface {
	Name() string
	Hard() bool
	Evaluate(c Candidate, sched Schedule, env Env) model.ConstraintEvaluation
}

// PlatformExclusivityRule rejects overlap (plus buffer) with committed slots
// on the same platform. Hard.
type PlatformExclusivityRule struct {
	Buffer  time.Duration
	Penalty float64
}

func (r PlatformExclusivityRule) Name() string { return RulePlatformExclusivity }
func (r PlatformExclusivityRule) Hard() bool   { return true }

func (r PlatformExclusivityRule) Evaluate(c Candidate, sched Schedule, _ Env) model.ConstraintEvaluation {
	for _, s := range sched.Slots {
		if s.Platform != c.Platform {
			continue
		}
		if c.StartAt.Before(s.EndAt.Add(r.Buffer)) && s.StartAt.Before(c.EndAt.Add(r.Buffer)) {
			return eval(r, false, fmt.Sprintf("platform %s occupied by %s between %s and %s (buffer %s)",
				c.Platform, s.TrainsetID, s.StartAt.Format("15:04"), s.EndAt.Format("15:04"), r.Buffer))
		}
	}
	return eval(r, true, fmt.Sprintf("platform %s free at %s", c.Platform, c.StartAt.Format("15:04")))
}

// HeadwayMinimumRule wants start times separated by a minimum gap from every
// other committed start. Zero separation means the same tick and is exempt.
// Soft: violation costs penalty but does not reject.
type HeadwayMinimumRule struct {
	MinSeparation time.Duration
	Penalty       float64
}

func (r HeadwayMinimumRule) Name() string { return RuleHeadwayMinimum }
func (r HeadwayMinimumRule) Hard() bool   { return false }

func (r HeadwayMinimumRule) Evaluate(c Candidate, sched Schedule, _ Env) model.ConstraintEvaluation {
	for _, s := range sched.Slots {
		sep := c.StartAt.Sub(s.StartAt)
		if sep < 0 {
			sep = -sep
		}
		if sep == 0 {
			continue
		}
		if sep <= r.MinSeparation {
			return eval(r, false, fmt.Sprintf("start %s within %s of %s's start, need more than %s",
				c.StartAt.Format("15:04"), sep, s.TrainsetID, r.MinSeparation))
		}
	}
	return eval(r, true, fmt.Sprintf("headway above %s from all committed starts", r.MinSeparation))
}

// CrewRestRule requires each assigned crew member to have had a minimum rest
// period since their last recorded shift end. Hard.
type CrewRestRule struct {
	MinRest time.Duration
	Penalty float64
}

func (r CrewRestRule) Name() string { return RuleCrewRest }
func (r CrewRestRule) Hard() bool   { return true }

func (r CrewRestRule) Evaluate(c Candidate, _ Schedule, env Env) model.ConstraintEvaluation {
	for _, crew := range c.CrewIDs {
		end, ok := env.LastShiftEnd[crew]
		if !ok {
			continue
		}
		rest := c.StartAt.Sub(end)
		if rest < r.MinRest {
			return eval(r, false, fmt.Sprintf("crew %s has %.1fh rest since last shift, need %.1fh",
				crew, rest.Hours(), r.MinRest.Hours()))
		}
	}
	return eval(r, true, fmt.Sprintf("all assigned crew rested at least %.1fh", r.MinRest.Hours()))
}

// SafetyMarginRule wants the slot long enough for a pre-departure check
// window. Soft.
type SafetyMarginRule struct {
	MinCheck time.Duration
	Penalty  float64
}

func (r SafetyMarginRule) Name() string { return RuleSafetyMargin }
func (r SafetyMarginRule) Hard() bool   { return false }

func (r SafetyMarginRule) Evaluate(c Candidate, _ Schedule, _ Env) model.ConstraintEvaluation {
	dur := c.EndAt.Sub(c.StartAt)
	if dur < r.MinCheck {
		return eval(r, false, fmt.Sprintf("slot duration %s leaves no %s pre-departure check window", dur, r.MinCheck))
	}
	return eval(r, true, fmt.Sprintf("slot duration %s covers %s check window", dur, r.MinCheck))
}

// PowerBlockWindowRule requires the slot start to fall inside the depot power
// availability window. Hard.
type PowerBlockWindowRule struct {
	// Window bounds as minutes after local midnight.
	StartMinute int
	EndMinute   int
	Penalty     float64
}

func (r PowerBlockWindowRule) Name() string { return RulePowerBlockWindow }
func (r PowerBlockWindowRule) Hard() bool   { return true }

func (r PowerBlockWindowRule) Evaluate(c Candidate, _ Schedule, _ Env) model.ConstraintEvaluation {
	m := c.StartAt.Hour()*60 + c.StartAt.Minute()
	if m < r.StartMinute || m > r.EndMinute {
		return eval(r, false, fmt.Sprintf("start %s outside power block window %s-%s",
			c.StartAt.Format("15:04"), minuteClock(r.StartMinute), minuteClock(r.EndMinute)))
	}
	return eval(r, true, fmt.Sprintf("start %s within power block window", c.StartAt.Format("15:04")))
}

func minuteClock(m int) string { return fmt.Sprintf("%02d:%02d", m/60, m%60) }

func eval(r Rule, ok bool, reason string) model.ConstraintEvaluation {
	pen := 0.0
	if !ok {
		pen = rulePenalty(r)
	}
	return model.ConstraintEvaluation{Rule: r.Name(), Satisfied: ok, Hard: r.Hard(), Penalty: pen, Reason: reason}
}

func rulePenalty(r Rule) float64 {
	switch v := r.(type) {
	case PlatformExclusivityRule:
		return v.Penalty
	case HeadwayMinimumRule:
		return v.Penalty
	case CrewRestRule:
		return v.Penalty
	case SafetyMarginRule:
		return v.Penalty
	case PowerBlockWindowRule:
		return v.Penalty
	default:
		return 0
	}
}

// RuleSet is the immutable rule collection for one run.
type RuleSet struct {
	Rules []Rule
}

// DefaultRules returns the standard five rules with default parameters:
// 5 min platform buffer, 180 s headway, 8 h crew rest, 10 min safety check,
// 05:30-23:30 power block.
func DefaultRules() RuleSet {
	return RuleSet{Rules: []Rule{
		PlatformExclusivityRule{Buffer: 5 * time.Minute, Penalty: 50},
		HeadwayMinimumRule{MinSeparation: 180 * time.Second, Penalty: 10},
		CrewRestRule{MinRest: 8 * time.Hour, Penalty: 30},
		SafetyMarginRule{MinCheck: 10 * time.Minute, Penalty: 15},
		PowerBlockWindowRule{StartMinute: 5*60 + 30, EndMinute: 23*60 + 30, Penalty: 40},
	}}
}

// WithOverrides returns a copy of the set with per-rule parameter overrides
// applied. Unknown rule names or parameters are an error so a typo cannot
// silently relax a constraint.
func (rs RuleSet) WithOverrides(ovs []model.RuleOverride) (RuleSet, error) {
	out := RuleSet{Rules: append([]Rule(nil), rs.Rules...)}
	for _, ov := range ovs {
		found := false
		for i, r := range out.Rules {
			if r.Name() != ov.Name {
				continue
			}
			nr, err := overrideRule(r, ov)
			if err != nil {
				return RuleSet{}, err
			}
			out.Rules[i] = nr
			found = true
			break
		}
		if !found {
			return RuleSet{}, fmt.Errorf("unknown rule %q", ov.Name)
		}
	}
	return out, nil
}

func overrideRule(r Rule, ov model.RuleOverride) (Rule, error) {
	getDur := func(params map[string]float64, key string, unit time.Duration, cur time.Duration) time.Duration {
		if v, ok := params[key]; ok {
			return time.Duration(v * float64(unit))
		}
		return cur
	}
	switch v := r.(type) {
	case PlatformExclusivityRule:
		if err := allowKeys(ov.Params, "bufferMinutes"); err != nil {
			return nil, err
		}
		v.Buffer = getDur(ov.Params, "bufferMinutes", time.Minute, v.Buffer)
		if ov.Penalty > 0 {
			v.Penalty = ov.Penalty
		}
		return v, nil
	case HeadwayMinimumRule:
		if err := allowKeys(ov.Params, "minSeparationSec"); err != nil {
			return nil, err
		}
		v.MinSeparation = getDur(ov.Params, "minSeparationSec", time.Second, v.MinSeparation)
		if ov.Penalty > 0 {
			v.Penalty = ov.Penalty
		}
		return v, nil
	case CrewRestRule:
		if err := allowKeys(ov.Params, "minRestHours"); err != nil {
			return nil, err
		}
		v.MinRest = getDur(ov.Params, "minRestHours", time.Hour, v.MinRest)
		if ov.Penalty > 0 {
			v.Penalty = ov.Penalty
		}
		return v, nil
	case SafetyMarginRule:
		if err := allowKeys(ov.Params, "minCheckMinutes"); err != nil {
			return nil, err
		}
		v.MinCheck = getDur(ov.Params, "minCheckMinutes", time.Minute, v.MinCheck)
		if ov.Penalty > 0 {
			v.Penalty = ov.Penalty
		}
		return v, nil
	case PowerBlockWindowRule:
		if err := allowKeys(ov.Params, "startMinute", "endMinute"); err != nil {
			return nil, err
		}
		if m, ok := ov.Params["startMinute"]; ok {
			v.StartMinute = int(math.Round(m))
		}
		if m, ok := ov.Params["endMinute"]; ok {
			v.EndMinute = int(math.Round(m))
		}
		if ov.Penalty > 0 {
			v.Penalty = ov.Penalty
		}
		return v, nil
	default:
		return nil, fmt.Errorf("rule %q does not accept overrides", ov.Name)
	}
}

func allowKeys(params map[string]float64, allowed ...string) error {
	for k := range params {
		ok := false
		for _, a := range allowed {
			if k == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unknown parameter %q (allowed: %v)", k, allowed)
		}
	}
	return nil
}

// EvaluateAll runs every rule in the set against a candidate.
func (rs RuleSet) EvaluateAll(c Candidate, sched Schedule, env Env) []model.ConstraintEvaluation {
	out := make([]model.ConstraintEvaluation, 0, len(rs.Rules))
	for _, r := range rs.Rules {
		out = append(out, r.Evaluate(c, sched, env))
	}
	return out
}

// HardSatisfied reports whether every hard rule in the evaluation list
// passed. Soft violations never reject, only penalize.
func HardSatisfied(evals []model.ConstraintEvaluation) bool {
	for _, e := range evals {
		if e.Hard && !e.Satisfied {
			return false
		}
	}
	return true
}

// PenaltySum adds the penalties of all violated rules.
func PenaltySum(evals []model.ConstraintEvaluation) float64 {
	var sum float64
	for _, e := range evals {
		if !e.Satisfied {
			sum += e.Penalty
		}
	}
	return sum
}
