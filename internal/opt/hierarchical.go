// Package opt implements the scheduling and scoring engine: the three-pass
// hierarchical constraint optimizer, the induction slot optimizer and the
// departure slot scheduler. All entry points are pure functions over a fleet
// snapshot; nothing here touches storage.
package opt

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"depotplan/internal/model"
)

// Sub-score keys reported per eligible trainset.
const (
	ScoreFitness     = "fitness"
	ScoreMaintenance = "maintenance"
	ScoreBranding    = "branding"
	ScoreMileage     = "mileage"
	ScoreStaff       = "staff"
	ScoreStabling    = "stabling"
	ScoreWeather     = "weather"
	ScoreDemand      = "demand"
	ScoreCongestion  = "congestion"
)

// Options tunes the hierarchical passes. Zero values fall back to defaults.
type Options struct {
	MinBatteryPct     float64 // hard floor, default 20
	MaxMileageDevKM   float64 // soft normalization, default 5000
	FitnessHorizonDay float64 // days-to-expiry treated as fully fit, default 60
	Weights           model.Weights
	TargetDate        time.Time
	Now               time.Time
}

func (o Options) withDefaults() Options {
	if o.MinBatteryPct <= 0 {
		o.MinBatteryPct = 20
	}
	if o.MaxMileageDevKM <= 0 {
		o.MaxMileageDevKM = 5000
	}
	if o.FitnessHorizonDay <= 0 {
		o.FitnessHorizonDay = 60
	}
	if o.Weights == (model.Weights{}) {
		o.Weights = DefaultWeights()
	}
	if o.Now.IsZero() {
		o.Now = time.Now().UTC()
	}
	if o.TargetDate.IsZero() {
		o.TargetDate = o.Now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	return o
}

// DefaultWeights sum to 100 by convention.
func DefaultWeights() model.Weights {
	return model.Weights{Fitness: 25, Maintenance: 20, Branding: 10, Mileage: 15, Staff: 15, Stabling: 15}
}

// HierarchicalResult is the outcome of the three passes plus conflict
// detection. Every input trainset lands in exactly one of Eligible or
// HardFailures.
type HierarchicalResult struct {
	Eligible     []model.RankedTrainset
	HardFailures []model.HardConstraintFailure
	Conflicts    []model.Conflict
	ExecutionMs  int64
}

// Hierarchical runs hard filtering, predictive soft scoring and weighted
// business ranking over the snapshot, optionally restricted to a trainset-id
// subset.
func Hierarchical(snap model.FleetSnapshot, subset []string, opts Options) HierarchicalResult {
	start := time.Now()
	opts = opts.withDefaults()
	idx := newSnapshotIndex(snap)

	fleet := snap.Trainsets
	if len(subset) > 0 {
		want := map[string]bool{}
		for _, id := range subset {
			want[id] = true
		}
		filtered := make([]model.Trainset, 0, len(subset))
		for _, ts := range fleet {
			if want[ts.ID] {
				filtered = append(filtered, ts)
			}
		}
		fleet = filtered
	}

	// Pass 1: hard constraints, all failing reasons collected.
	var res HierarchicalResult
	survivors := make([]model.Trainset, 0, len(fleet))
	for _, ts := range fleet {
		reasons := hardConstraintReasons(ts, idx, opts)
		if len(reasons) > 0 {
			res.HardFailures = append(res.HardFailures, model.HardConstraintFailure{TrainsetID: ts.ID, Reasons: reasons})
			continue
		}
		survivors = append(survivors, ts)
	}

	// Pass 2: independent predictive sub-scores, computed per trainset in
	// parallel. The ranking step below stays sequential.
	fleetAvg := averageMileage(snap.Trainsets)
	scores := make([]map[string]float64, len(survivors))
	var wg sync.WaitGroup
	for i, ts := range survivors {
		wg.Add(1)
		go func(i int, ts model.Trainset) {
			defer wg.Done()
			scores[i] = softScores(ts, idx, fleetAvg, opts)
		}(i, ts)
	}
	wg.Wait()

	// Pass 3: weighted business ranking.
	w := opts.Weights
	for i, ts := range survivors {
		s := scores[i]
		total := (s[ScoreFitness]*w.Fitness + s[ScoreMaintenance]*w.Maintenance + s[ScoreBranding]*w.Branding +
			s[ScoreMileage]*w.Mileage + s[ScoreStaff]*w.Staff + s[ScoreStabling]*w.Stabling) / 100
		total += (s[ScoreWeather] + s[ScoreDemand] + s[ScoreCongestion]) / 30
		res.Eligible = append(res.Eligible, model.RankedTrainset{
			TrainsetID: ts.ID,
			Total:      math.Round(total*100) / 100,
			SubScores:  s,
		})
	}
	sort.Slice(res.Eligible, func(i, j int) bool {
		if res.Eligible[i].Total != res.Eligible[j].Total {
			return res.Eligible[i].Total > res.Eligible[j].Total
		}
		return res.Eligible[i].TrainsetID < res.Eligible[j].TrainsetID
	})

	res.Conflicts = detectConflicts(survivors, idx, opts)
	res.ExecutionMs = time.Since(start).Milliseconds()
	return res
}

// snapshotIndex pre-groups snapshot records by trainset id.
type snapshotIndex struct {
	certs     map[string][]model.FitnessCertificate
	jobs      map[string][]model.JobCard
	contracts []model.BrandingContract
	positions map[string]model.StablingPosition
	shifts    []model.StaffShift
	weather   []model.WeatherReading
	events    []model.CalendarEvent
	congest   []model.CongestionReading
	freeSlots int
}

func newSnapshotIndex(snap model.FleetSnapshot) *snapshotIndex {
	ix := &snapshotIndex{
		certs:     map[string][]model.FitnessCertificate{},
		jobs:      map[string][]model.JobCard{},
		contracts: snap.Contracts,
		positions: map[string]model.StablingPosition{},
		shifts:    snap.StaffShifts,
		weather:   snap.WeatherReadings,
		events:    snap.CalendarEvents,
		congest:   snap.CongestionReadings,
	}
	for _, c := range snap.Certificates {
		ix.certs[c.TrainsetID] = append(ix.certs[c.TrainsetID], c)
	}
	for _, j := range snap.JobCards {
		ix.jobs[j.TrainsetID] = append(ix.jobs[j.TrainsetID], j)
	}
	for _, p := range snap.StablingPositions {
		ix.positions[p.ID] = p
		if !p.Occupied {
			ix.freeSlots++
		}
	}
	return ix
}

// hardConstraintReasons evaluates the fixed-order hard constraints and
// returns every failing reason, not just the first.
func hardConstraintReasons(ts model.Trainset, ix *snapshotIndex, opts Options) []string {
	var reasons []string

	hasValidCert := false
	for _, c := range ix.certs[ts.ID] {
		if c.Valid && c.ExpiresAt.After(opts.Now) {
			hasValidCert = true
			break
		}
	}
	if !hasValidCert {
		reasons = append(reasons, "no valid fitness certificate")
	}

	for _, j := range ix.jobs[ts.ID] {
		if j.Priority == model.JobCritical && j.Status != model.JobCompleted {
			reasons = append(reasons, fmt.Sprintf("critical job card %s is %s", j.ID, j.Status))
		}
	}

	if ts.BatteryLevel < opts.MinBatteryPct {
		reasons = append(reasons, fmt.Sprintf("battery %.0f%% below minimum %.0f%%", ts.BatteryLevel, opts.MinBatteryPct))
	}

	occupiesOwn := false
	if p, ok := ix.positions[ts.StablingID]; ok && p.OccupantID == ts.ID {
		occupiesOwn = true
	}
	if !occupiesOwn && ix.freeSlots == 0 {
		reasons = append(reasons, "no stabling position occupied or available")
	}

	return reasons
}

// softScores computes the nine independent predictive estimates for one
// surviving trainset. These are standalone signals, not composed.
func softScores(ts model.Trainset, ix *snapshotIndex, fleetAvg float64, opts Options) map[string]float64 {
	s := map[string]float64{}

	// fitness: proportion of the horizon left on the tightest valid cert
	minDays := math.MaxFloat64
	for _, c := range ix.certs[ts.ID] {
		if !c.Valid {
			continue
		}
		d := c.ExpiresAt.Sub(opts.Now).Hours() / 24
		if d < minDays {
			minDays = d
		}
	}
	if minDays == math.MaxFloat64 {
		s[ScoreFitness] = 0
	} else {
		s[ScoreFitness] = clamp(minDays/opts.FitnessHorizonDay*100, 0, 100)
	}

	// maintenance: urgent (critical or high, open) jobs each cost 30
	urgent := 0
	for _, j := range ix.jobs[ts.ID] {
		if j.Status == model.JobCompleted {
			continue
		}
		if j.Priority == model.JobCritical || j.Priority == model.JobHigh {
			urgent++
		}
	}
	s[ScoreMaintenance] = clamp(100-30*float64(urgent), 0, 100)

	s[ScoreBranding] = brandingUrgency(ts.ID, ix.contracts, opts.Now)
	s[ScoreMileage] = mileageDeviationScore(ts.MileageKM, fleetAvg, opts.MaxMileageDevKM)
	s[ScoreStaff] = staffAvailabilityScore(ix.shifts, opts.TargetDate)

	// stabling: 100 in a free or self-occupied position, 70 when the
	// assigned position is taken by someone else, 50 with no assignment
	switch p, ok := ix.positions[ts.StablingID]; {
	case ok && (!p.Occupied || p.OccupantID == ts.ID):
		s[ScoreStabling] = 100
	case ok:
		s[ScoreStabling] = 70
	default:
		s[ScoreStabling] = 50
	}

	// weather: latest reading's severity counts against
	s[ScoreWeather] = 100
	if n := len(ix.weather); n > 0 {
		latest := ix.weather[0]
		for _, wr := range ix.weather[1:] {
			if wr.RecordedAt.After(latest.RecordedAt) {
				latest = wr
			}
		}
		s[ScoreWeather] = clamp(100-latest.Severity, 0, 100)
	}

	// demand: a high-ridership calendar event on the target date boosts
	s[ScoreDemand] = 100
	for _, ev := range ix.events {
		if sameDay(ev.Date, opts.TargetDate) && ev.RidershipMultiplier >= 1.2 {
			s[ScoreDemand] = 120
			break
		}
	}

	// congestion: average recent depot congestion counts against
	s[ScoreCongestion] = 100
	if n := len(ix.congest); n > 0 {
		var sum float64
		for _, c := range ix.congest {
			sum += c.Level
		}
		s[ScoreCongestion] = clamp(100-sum/float64(n), 0, 100)
	}

	return s
}

// brandingUrgency scores how much a trainset's contracts still need it:
// the fraction of contract time already elapsed, plus a bonus for
// high-priority advertisers. No contract reads as a neutral 50.
func brandingUrgency(trainsetID string, contracts []model.BrandingContract, now time.Time) float64 {
	var best float64
	found := false
	for _, c := range contracts {
		covers := false
		for _, id := range c.TrainsetIDs {
			if id == trainsetID {
				covers = true
				break
			}
		}
		if !covers {
			continue
		}
		found = true
		score := 50.0
		if !c.StartDate.IsZero() && c.EndDate.After(c.StartDate) {
			total := c.EndDate.Sub(c.StartDate).Hours()
			elapsed := now.Sub(c.StartDate).Hours()
			score = clamp(elapsed/total*100, 0, 100)
		}
		if c.Priority == "high" {
			score += 10
		}
		if score > best {
			best = score
		}
	}
	if !found {
		return 50
	}
	return best
}

// mileageDeviationScore normalizes deviation from the fleet average by a
// configured maximum deviation. Kept distinct from the readiness scorer's
// mileage formula, which divides by the raw fleet average.
func mileageDeviationScore(km, fleetAvg, maxDev float64) float64 {
	dev := math.Abs(km - fleetAvg)
	return clamp(100-dev/maxDev*100, 0, 100)
}

// staffAvailabilityScore is the share of target-day shifts marked available,
// capped at 100. Neutral 50 with no shift data.
func staffAvailabilityScore(shifts []model.StaffShift, targetDate time.Time) float64 {
	total, avail := 0, 0
	for _, sh := range shifts {
		if !sameDay(sh.StartAt, targetDate) {
			continue
		}
		total++
		if sh.Status == model.ShiftAvailable {
			avail++
		}
	}
	if total == 0 {
		return 50
	}
	return clamp(float64(avail)/float64(total)*100, 0, 100)
}

// detectConflicts flags double-booked stabling positions among eligible
// trainsets and next-day staff shortages. Conflicts are reported, never
// auto-resolved.
func detectConflicts(eligible []model.Trainset, ix *snapshotIndex, opts Options) []model.Conflict {
	var out []model.Conflict
	byPos := map[string][]string{}
	for _, ts := range eligible {
		if ts.StablingID == "" {
			continue
		}
		byPos[ts.StablingID] = append(byPos[ts.StablingID], ts.ID)
	}
	posIDs := make([]string, 0, len(byPos))
	for id := range byPos {
		posIDs = append(posIDs, id)
	}
	sort.Strings(posIDs)
	for _, id := range posIDs {
		ids := byPos[id]
		if len(ids) > 1 {
			sort.Strings(ids)
			out = append(out, model.Conflict{
				Type:        model.ConflictStabling,
				Description: fmt.Sprintf("stabling position %s claimed by %d trainsets", id, len(ids)),
				TrainsetIDs: ids,
				PositionID:  id,
			})
		}
	}

	avail := 0
	for _, sh := range ix.shifts {
		if sameDay(sh.StartAt, opts.TargetDate) && sh.Status == model.ShiftAvailable {
			avail++
		}
	}
	if need := 3 * len(eligible); len(eligible) > 0 && avail < need {
		out = append(out, model.Conflict{
			Type:        model.ConflictStaffShortage,
			Description: fmt.Sprintf("%d crew available for %s, need %d for %d eligible trainsets", avail, opts.TargetDate.Format("2006-01-02"), need, len(eligible)),
		})
	}
	return out
}

func averageMileage(fleet []model.Trainset) float64 {
	if len(fleet) == 0 {
		return 0
	}
	var sum float64
	for _, ts := range fleet {
		sum += ts.MileageKM
	}
	return sum / float64(len(fleet))
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
