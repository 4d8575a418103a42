// Package readiness reduces per-trainset operational records into a single
// comparable 0-100 score plus a coarse category.
package readiness

import (
	"fmt"
	"math"
	"sort"
	"time"

	"depotplan/internal/model"
)

// Categories, from worst to best.
const (
	CategoryBlocked     = "involuntary-block"
	CategoryMaintenance = "maintenance"
	CategoryStandby     = "standby"
	CategoryService     = "service"
)

// Status indicators derived from the category.
const (
	StatusGo      = "go"
	StatusCaution = "caution"
	StatusNoGo    = "no-go"
)

// Sub-score weights.
const (
	weightFitness  = 0.3
	weightJobCard  = 0.3
	weightBranding = 0.1
	weightMileage  = 0.2
	weightCleaning = 0.1
)

// Breakdown is the scored view of one trainset.
type Breakdown struct {
	TrainsetID      string   `json:"trainsetId"`
	Fitness         float64  `json:"fitness"`
	JobCard         float64  `json:"jobCard"`
	Branding        float64  `json:"branding"`
	Mileage         float64  `json:"mileage"`
	Cleaning        float64  `json:"cleaning"`
	Total           float64  `json:"total"`
	Status          string   `json:"status"`
	Category        string   `json:"category"`
	BlockingReasons []string `json:"blockingReasons,omitempty"`
}

// Inputs collects the records relevant to one trainset.
type Inputs struct {
	Certificates   []model.FitnessCertificate
	JobCards       []model.JobCard
	Contracts      []model.BrandingContract
	MileageRecords []model.MileageRecord
	CleaningSlots  []model.CleaningSlot
	FleetAvgKM     float64
}

// Score computes the readiness breakdown for one trainset. Pure function of
// its inputs; identical inputs yield identical output.
func Score(ts model.Trainset, in Inputs, now time.Time) Breakdown {
	b := Breakdown{TrainsetID: ts.ID}

	fitness, blocked, reasons := fitnessScore(in.Certificates, now)
	b.Fitness = fitness
	b.BlockingReasons = reasons

	b.JobCard = jobCardScore(in.JobCards)
	b.Branding = brandingScore(ts.ID, in.Contracts)
	b.Mileage = mileageScore(ts.MileageKM, in.FleetAvgKM, len(in.MileageRecords))
	b.Cleaning = cleaningScore(in.CleaningSlots, now)

	openCritical := false
	for _, j := range in.JobCards {
		if j.Status != model.JobCompleted && j.Priority == model.JobCritical {
			openCritical = true
			b.BlockingReasons = append(b.BlockingReasons, fmt.Sprintf("open critical job card %s", j.ID))
		}
	}

	if blocked {
		// Invalid certificate is a hard floor; nothing offsets it.
		b.Total = 0
		b.Category = CategoryBlocked
		b.Status = StatusNoGo
		return b
	}

	total := weightFitness*b.Fitness + weightJobCard*b.JobCard + weightBranding*b.Branding +
		weightMileage*b.Mileage + weightCleaning*b.Cleaning
	b.Total = math.Round(total*100) / 100

	switch {
	case openCritical || b.Total < 50:
		b.Category = CategoryMaintenance
		b.Status = StatusNoGo
	case b.Total < 70:
		b.Category = CategoryStandby
		b.Status = StatusCaution
	default:
		b.Category = CategoryService
		b.Status = StatusGo
	}
	return b
}

// fitnessScore maps the worst certificate's days-to-expiry onto a
// piecewise-linear curve: 100 at >=60 days through breakpoints 80/60/40 at
// 30/14/7 days, then linear to 0 at expiry. Any expired or invalid
// certificate floors the score at 0 and blocks the trainset outright.
func fitnessScore(certs []model.FitnessCertificate, now time.Time) (float64, bool, []string) {
	if len(certs) == 0 {
		return 0, true, []string{"no fitness certificates on record"}
	}
	var reasons []string
	minDays := math.MaxFloat64
	for _, c := range certs {
		days := c.ExpiresAt.Sub(now).Hours() / 24
		if !c.Valid {
			reasons = append(reasons, fmt.Sprintf("%s certificate %s marked invalid", c.Type, c.ID))
			continue
		}
		if days <= 0 {
			reasons = append(reasons, fmt.Sprintf("%s certificate %s expired %.0f days ago", c.Type, c.ID, -days))
			continue
		}
		if days < minDays {
			minDays = days
		}
	}
	if len(reasons) > 0 {
		return 0, true, reasons
	}
	return interpolateExpiry(minDays), false, nil
}

func interpolateExpiry(days float64) float64 {
	type point struct{ days, score float64 }
	curve := []point{{0, 0}, {7, 40}, {14, 60}, {30, 80}, {60, 100}}
	if days >= 60 {
		return 100
	}
	for i := len(curve) - 1; i > 0; i-- {
		lo, hi := curve[i-1], curve[i]
		if days >= lo.days {
			frac := (days - lo.days) / (hi.days - lo.days)
			return lo.score + frac*(hi.score-lo.score)
		}
	}
	return 0
}

// jobCardScore is 100 minus 30 per open critical, 15 per open high, 5 per
// open normal or low priority job, floored at 0.
func jobCardScore(jobs []model.JobCard) float64 {
	score := 100.0
	for _, j := range jobs {
		if j.Status == model.JobCompleted {
			continue
		}
		switch j.Priority {
		case model.JobCritical:
			score -= 30
		case model.JobHigh:
			score -= 15
		default:
			score -= 5
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// brandingScore is the exposure compliance ratio across the trainset's
// contracts, or 100 when it carries none.
func brandingScore(trainsetID string, contracts []model.BrandingContract) float64 {
	var required, accumulated float64
	for _, c := range contracts {
		for _, id := range c.TrainsetIDs {
			if id == trainsetID {
				required += c.RequiredHours
				accumulated += c.AccumulatedHours
				break
			}
		}
	}
	if required <= 0 {
		return 100
	}
	return math.Min(100, accumulated/required*100)
}

// mileageScore rewards staying close to the fleet average. This deliberately
// normalizes by the raw fleet average; the optimizer's deviation score uses
// a configured maximum deviation instead.
func mileageScore(km, fleetAvg float64, recordCount int) float64 {
	if recordCount == 0 || fleetAvg <= 0 {
		return 80
	}
	dev := math.Abs(km-fleetAvg) / fleetAvg * 100
	return 100 - math.Min(100, dev)
}

// cleaningScore starts at 100, drops 40 for an overdue pending slot and a
// further 20 at each of 7, 14 and 30 days since the last completed cleaning.
func cleaningScore(slots []model.CleaningSlot, now time.Time) float64 {
	if len(slots) == 0 {
		return 70
	}
	score := 100.0
	var lastCompleted time.Time
	for _, s := range slots {
		if s.Status == model.JobPending && s.ScheduledFor.Before(now) {
			score -= 40
			break
		}
	}
	for _, s := range slots {
		if s.Status == model.JobCompleted && s.CompletedAt != nil && s.CompletedAt.After(lastCompleted) {
			lastCompleted = *s.CompletedAt
		}
	}
	if !lastCompleted.IsZero() {
		days := now.Sub(lastCompleted).Hours() / 24
		for _, edge := range []float64{7, 14, 30} {
			if days > edge {
				score -= 20
			}
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// FleetReadiness scores every trainset in the snapshot in one pass.
func FleetReadiness(snap model.FleetSnapshot, now time.Time) map[string]Breakdown {
	avg := FleetAverageMileage(snap.Trainsets)
	certsBy := map[string][]model.FitnessCertificate{}
	for _, c := range snap.Certificates {
		certsBy[c.TrainsetID] = append(certsBy[c.TrainsetID], c)
	}
	jobsBy := map[string][]model.JobCard{}
	for _, j := range snap.JobCards {
		jobsBy[j.TrainsetID] = append(jobsBy[j.TrainsetID], j)
	}
	mileageBy := map[string][]model.MileageRecord{}
	for _, m := range snap.MileageRecords {
		mileageBy[m.TrainsetID] = append(mileageBy[m.TrainsetID], m)
	}
	cleaningBy := map[string][]model.CleaningSlot{}
	for _, c := range snap.CleaningSlots {
		cleaningBy[c.TrainsetID] = append(cleaningBy[c.TrainsetID], c)
	}
	out := make(map[string]Breakdown, len(snap.Trainsets))
	for _, ts := range snap.Trainsets {
		out[ts.ID] = Score(ts, Inputs{
			Certificates:   certsBy[ts.ID],
			JobCards:       jobsBy[ts.ID],
			Contracts:      snap.Contracts,
			MileageRecords: mileageBy[ts.ID],
			CleaningSlots:  cleaningBy[ts.ID],
			FleetAvgKM:     avg,
		}, now)
	}
	return out
}

// FleetAverageMileage returns the mean cumulative mileage across trainsets.
func FleetAverageMileage(fleet []model.Trainset) float64 {
	if len(fleet) == 0 {
		return 0
	}
	var sum float64
	for _, ts := range fleet {
		sum += ts.MileageKM
	}
	return sum / float64(len(fleet))
}

// SortByTotal returns breakdowns ordered by descending total score, ties
// broken by trainset id for stable output.
func SortByTotal(m map[string]Breakdown) []Breakdown {
	out := make([]Breakdown, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].TrainsetID < out[j].TrainsetID
	})
	return out
}
