package api

import (
	"fmt"
	"time"

	"depotplan/internal/model"
	"depotplan/internal/opt"
)

func validateRunRequest(req *model.RunRequest) error {
	if req.TargetDate != "" {
		if _, err := time.Parse("2006-01-02", req.TargetDate); err != nil {
			return fmt.Errorf("targetDate must be YYYY-MM-DD: %v", err)
		}
	}
	if req.Weights != nil {
		w := req.Weights
		for name, v := range map[string]float64{
			"fitness": w.Fitness, "maintenance": w.Maintenance, "branding": w.Branding,
			"mileage": w.Mileage, "staff": w.Staff, "stabling": w.Stabling,
		} {
			if v < 0 {
				return fmt.Errorf("weight %s must be >= 0", name)
			}
		}
	}
	if len(req.RuleOverrides) > 0 {
		// Reject unknown rule names and parameters up front rather than
		// deep inside a run.
		if _, err := opt.DefaultRules().WithOverrides(req.RuleOverrides); err != nil {
			return fmt.Errorf("invalid ruleOverrides: %v", err)
		}
	}
	if req.WeightsRef != "" && req.Weights != nil {
		return fmt.Errorf("weights and weightsRef are mutually exclusive")
	}
	return nil
}

// targetDate resolves the request's target service date, defaulting to
// tomorrow (UTC).
func targetDate(req *model.RunRequest) time.Time {
	if req.TargetDate != "" {
		t, err := time.Parse("2006-01-02", req.TargetDate)
		if err == nil {
			return t
		}
	}
	return time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
}
