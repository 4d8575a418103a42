package opt

import (
	"fmt"
	"math"
	"sort"
	"time"

	"depotplan/internal/model"
)

// InductionOptions tunes the greedy induction scheduler.
type InductionOptions struct {
	WindowStart  time.Time     // first admissible induction start
	WindowEnd    time.Time     // no induction may begin at or after this
	Tick         time.Duration // candidate start granularity, default 15m
	SlotDuration time.Duration // default 20m
	Platforms    []string
	CrewPerSlot  int // default 2
	Rules        RuleSet
	Now          time.Time
}

func (o InductionOptions) withDefaults() InductionOptions {
	if o.Now.IsZero() {
		o.Now = time.Now().UTC()
	}
	if o.WindowStart.IsZero() {
		o.WindowStart = o.Now.Truncate(time.Hour).Add(time.Hour)
	}
	if o.WindowEnd.IsZero() || !o.WindowEnd.After(o.WindowStart) {
		o.WindowEnd = o.WindowStart.Add(4 * time.Hour)
	}
	if o.Tick <= 0 {
		o.Tick = 15 * time.Minute
	}
	if o.SlotDuration <= 0 {
		o.SlotDuration = 20 * time.Minute
	}
	if len(o.Platforms) == 0 {
		o.Platforms = []string{"P1", "P2"}
	}
	if o.CrewPerSlot <= 0 {
		o.CrewPerSlot = 2
	}
	if len(o.Rules.Rules) == 0 {
		o.Rules = DefaultRules()
	}
	return o
}

// InductionResult carries the committed schedule plus everything that could
// not be placed.
type InductionResult struct {
	Slots         []model.InductionSlot
	Unschedulable []model.Conflict
	Violations    []model.ConstraintEvaluation
	Iterations    int
	Objective     float64
	ExecutionMs   int64
}

// Induction assigns induction slots to trainsets in descending priority
// order. Each trainset either gets the first start/platform combination that
// satisfies all gating rules, or is recorded as unschedulable. The schedule
// accumulator is threaded explicitly through every decision.
func Induction(snap model.FleetSnapshot, trainsetIDs []string, opts InductionOptions) InductionResult {
	start := time.Now()
	opts = opts.withDefaults()
	ix := newSnapshotIndex(snap)

	tsByID := map[string]model.Trainset{}
	for _, ts := range snap.Trainsets {
		tsByID[ts.ID] = ts
	}

	type prioritized struct {
		ts       model.Trainset
		priority float64
	}
	ordered := make([]prioritized, 0, len(trainsetIDs))
	for _, id := range trainsetIDs {
		ts, ok := tsByID[id]
		if !ok {
			continue
		}
		ordered = append(ordered, prioritized{ts: ts, priority: inductionPriority(ts, ix, opts.Now)})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].priority != ordered[j].priority {
			return ordered[i].priority > ordered[j].priority
		}
		return ordered[i].ts.ID < ordered[j].ts.ID
	})

	crew := availableCrew(ix.shifts, opts.WindowStart)
	env := Env{LastShiftEnd: lastShiftEnds(ix.shifts)}

	var res InductionResult
	sched := Schedule{}
	crewCursor := 0
	for _, p := range ordered {
		crewIDs := peekCrew(crew, crewCursor, opts.CrewPerSlot)
		cand, score, evals, iters := RankCandidates(p.ts.ID, p.priority, crewIDs, sched, env, opts)
		res.Iterations += iters
		if cand == nil {
			res.Unschedulable = append(res.Unschedulable, model.Conflict{
				Type:        model.ConflictUnschedulable,
				Description: fmt.Sprintf("trainset %s: no feasible slot", p.ts.ID),
				TrainsetIDs: []string{p.ts.ID},
			})
			res.Violations = append(res.Violations, evals...)
			continue
		}
		crewCursor += len(cand.CrewIDs)
		sched = sched.Commit(model.InductionSlot{
			TrainsetID:  cand.TrainsetID,
			Platform:    cand.Platform,
			StartAt:     cand.StartAt,
			EndAt:       cand.EndAt,
			CrewIDs:     cand.CrewIDs,
			Score:       score,
			Evaluations: evals,
		})
		res.Objective += score
	}
	res.Slots = sched.Slots
	res.ExecutionMs = time.Since(start).Milliseconds()
	return res
}

// RankCandidates scans every start tick and platform and keeps the
// best-scoring candidate whose gating rules all pass, where a candidate's
// score is the trainset priority minus the summed penalties of violated
// soft rules. It is a pure function: the schedule and environment are
// inputs, never mutated. Returns the winner (nil if no candidate clears the
// gating rules), its score, the winner's evaluations (or the last rejected
// candidate's failures for diagnostics), and the number of candidates
// examined.
func RankCandidates(trainsetID string, priority float64, crewIDs []string, sched Schedule, env Env, opts InductionOptions) (*Candidate, float64, []model.ConstraintEvaluation, int) {
	var (
		best      *Candidate
		bestScore float64
		bestEvals []model.ConstraintEvaluation
		lastFails []model.ConstraintEvaluation
	)
	iters := 0
	for at := opts.WindowStart; at.Before(opts.WindowEnd); at = at.Add(opts.Tick) {
		for _, platform := range opts.Platforms {
			iters++
			c := Candidate{
				TrainsetID: trainsetID,
				Platform:   platform,
				StartAt:    at,
				EndAt:      at.Add(opts.SlotDuration),
				CrewIDs:    crewIDs,
			}
			if busy := crewOverlap(sched, c.CrewIDs, c.StartAt, c.EndAt); busy != "" {
				lastFails = []model.ConstraintEvaluation{{
					Rule:      "crew_single_assignment",
					Hard:      true,
					Satisfied: false,
					Reason:    fmt.Sprintf("crew %s already committed to an overlapping slot", busy),
				}}
				continue
			}
			evals := opts.Rules.EvaluateAll(c, sched, env)
			if !HardSatisfied(evals) {
				lastFails = failedOnly(evals)
				continue
			}
			score := priority - PenaltySum(evals)
			if best == nil || score > bestScore {
				cc := c
				best, bestScore, bestEvals = &cc, score, evals
			}
		}
	}
	if best == nil {
		return nil, 0, lastFails, iters
	}
	return best, bestScore, bestEvals, iters
}

// crewOverlap reports the first crew member already committed to a slot that
// intersects [start, end). A member can work consecutive slots, never two at
// once.
func crewOverlap(sched Schedule, crewIDs []string, start, end time.Time) string {
	for _, s := range sched.Slots {
		if !s.StartAt.Before(end) || !start.Before(s.EndAt) {
			continue
		}
		for _, id := range crewIDs {
			for _, committed := range s.CrewIDs {
				if id == committed {
					return id
				}
			}
		}
	}
	return ""
}

func failedOnly(evals []model.ConstraintEvaluation) []model.ConstraintEvaluation {
	var out []model.ConstraintEvaluation
	for _, e := range evals {
		if !e.Satisfied {
			out = append(out, e)
		}
	}
	return out
}

// inductionPriority orders trainsets for the greedy pass: everyone starts at
// 100, with bonuses for imminent certificate expiry, open critical work and
// low battery.
func inductionPriority(ts model.Trainset, ix *snapshotIndex, now time.Time) float64 {
	p := 100.0

	minDays := math.MaxFloat64
	for _, c := range ix.certs[ts.ID] {
		if !c.Valid {
			continue
		}
		d := c.ExpiresAt.Sub(now).Hours() / 24
		if d > 0 && d < minDays {
			minDays = d
		}
	}
	switch {
	case minDays < 7:
		p += 30
	case minDays < 14:
		p += 20
	case minDays < 30:
		p += 10
	}

	for _, j := range ix.jobs[ts.ID] {
		if j.Priority == model.JobCritical && j.Status != model.JobCompleted {
			p += 20
		}
	}

	if ts.BatteryLevel < 30 {
		p += 15
	}
	return p
}

func availableCrew(shifts []model.StaffShift, day time.Time) []string {
	seen := map[string]bool{}
	var ids []string
	for _, sh := range shifts {
		if sh.Status != model.ShiftAvailable || !sameDay(sh.StartAt, day) {
			continue
		}
		if seen[sh.StaffID] {
			continue
		}
		seen[sh.StaffID] = true
		ids = append(ids, sh.StaffID)
	}
	sort.Strings(ids)
	return ids
}

// lastShiftEnds maps each staff member to the end of their most recent
// non-available shift, feeding the crew rest rule.
func lastShiftEnds(shifts []model.StaffShift) map[string]time.Time {
	out := map[string]time.Time{}
	for _, sh := range shifts {
		if sh.Status == model.ShiftAvailable {
			continue
		}
		if prev, ok := out[sh.StaffID]; !ok || sh.EndAt.After(prev) {
			out[sh.StaffID] = sh.EndAt
		}
	}
	return out
}

// peekCrew returns up to n distinct crew from the rotating pool without
// consuming them. The caller advances the cursor only after a slot is
// committed. When the pool is smaller than n the slot runs short-handed
// rather than listing the same member twice.
func peekCrew(pool []string, cursor, n int) []string {
	if len(pool) == 0 {
		return nil
	}
	out := make([]string, 0, n)
	seen := map[string]bool{}
	for i := 0; i < len(pool) && len(out) < n; i++ {
		id := pool[(cursor+i)%len(pool)]
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
