package opt

import (
	"sort"
	"time"

	"depotplan/internal/model"
)

// DepartureOptions tunes the departure slot scheduler.
type DepartureOptions struct {
	Holiday        bool
	RegularSlots   int           // default 10
	HolidaySlots   int           // default 15
	FirstDeparture time.Time     // default 06:00 on the target date
	Interval       time.Duration // default 10m
	TargetDate     time.Time
}

func (o DepartureOptions) withDefaults() DepartureOptions {
	if o.RegularSlots <= 0 {
		o.RegularSlots = 10
	}
	if o.HolidaySlots <= 0 {
		o.HolidaySlots = 15
	}
	if o.Interval <= 0 {
		o.Interval = 10 * time.Minute
	}
	if o.TargetDate.IsZero() {
		o.TargetDate = time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
	if o.FirstDeparture.IsZero() {
		y, m, d := o.TargetDate.UTC().Date()
		o.FirstDeparture = time.Date(y, m, d, 6, 0, 0, 0, time.UTC)
	}
	return o
}

func (o DepartureOptions) slotCount() int {
	if o.Holiday {
		return o.HolidaySlots
	}
	return o.RegularSlots
}

// DepartureCandidate is one service-cleared trainset entering the departure
// draft: its readiness total and how deep it is parked (position 1 departs
// without moving anyone).
type DepartureCandidate struct {
	TrainsetID      string
	Readiness       float64
	ParkingPosition int
}

// DepartureResult is the filled timetable plus whatever did not fit.
type DepartureResult struct {
	Slots       []model.DepartureSlot
	Excess      []string
	Objective   float64
	Iterations  int
	ExecutionMs int64
}

// ScoreDeparture is the fixed slot-assignment objective. The coefficients
// are load-bearing; downstream dashboards decompose scores by these exact
// terms, so do not retune them here.
func ScoreDeparture(readiness float64, slotNumber, parkingPosition int) float64 {
	if parkingPosition < 1 {
		parkingPosition = 1
	}
	score := readiness*1000 + float64(slotNumber)*readiness*10 + 800/float64(parkingPosition)
	if slotNumber <= 3 {
		score += 2000
	}
	return score - 5000*float64(shuntingMoves(parkingPosition))
}

func shuntingMoves(parkingPosition int) int {
	if parkingPosition <= 1 {
		return 0
	}
	return parkingPosition - 1
}

// Departures fills departure slots greedily: slots ascending, and for each
// slot the highest-scoring unassigned trainset. Trainsets left over once the
// slots run out are excess capacity, not a failure.
func Departures(cands []DepartureCandidate, opts DepartureOptions) DepartureResult {
	start := time.Now()
	opts = opts.withDefaults()

	pool := append([]DepartureCandidate(nil), cands...)
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].Readiness != pool[j].Readiness {
			return pool[i].Readiness > pool[j].Readiness
		}
		return pool[i].TrainsetID < pool[j].TrainsetID
	})

	var res DepartureResult
	assigned := make([]bool, len(pool))
	for slot := 1; slot <= opts.slotCount(); slot++ {
		bestIdx, bestScore := -1, 0.0
		for i, c := range pool {
			if assigned[i] {
				continue
			}
			res.Iterations++
			s := ScoreDeparture(c.Readiness, slot, c.ParkingPosition)
			if bestIdx == -1 || s > bestScore {
				bestIdx, bestScore = i, s
			}
		}
		if bestIdx == -1 {
			break
		}
		assigned[bestIdx] = true
		c := pool[bestIdx]
		res.Slots = append(res.Slots, model.DepartureSlot{
			TrainsetID:    c.TrainsetID,
			SlotNumber:    slot,
			DepartAt:      opts.FirstDeparture.Add(time.Duration(slot-1) * opts.Interval),
			Score:         bestScore,
			ShuntingMoves: shuntingMoves(c.ParkingPosition),
		})
		res.Objective += bestScore
	}
	for i, c := range pool {
		if !assigned[i] {
			res.Excess = append(res.Excess, c.TrainsetID)
		}
	}
	res.ExecutionMs = time.Since(start).Milliseconds()
	return res
}
