package opt

import "sync"

// Metrics summarizes one completed optimization run for the admin surface.
type Metrics struct {
	Feasible      bool    `json:"feasible"`
	Objective     float64 `json:"objective"`
	Scheduled     int     `json:"scheduled"`
	Unscheduled   int     `json:"unscheduled"`
	Conflicts     int     `json:"conflicts"`
	Iterations    int     `json:"iterations"`
	ExecutionMs   int64   `json:"executionMs"`
	EligibleCount int     `json:"eligibleCount"`
	HardFailures  int     `json:"hardFailures"`
}

type key struct {
	Depot      string
	TargetDate string
	Kind       string
}

var (
	mu    sync.Mutex
	store = map[key]Metrics{}
)

// RecordMetrics stores the latest metrics for a (depot, date, kind) cell,
// replacing any previous run's.
func RecordMetrics(depot, targetDate, kind string, m Metrics) {
	mu.Lock()
	store[key{Depot: depot, TargetDate: targetDate, Kind: kind}] = m
	mu.Unlock()
}

// GetMetrics returns the per-kind metrics recorded for a depot and date.
func GetMetrics(depot, targetDate string) map[string]Metrics {
	mu.Lock()
	defer mu.Unlock()
	out := map[string]Metrics{}
	for k, v := range store {
		if k.Depot == depot && k.TargetDate == targetDate {
			out[k.Kind] = v
		}
	}
	return out
}
