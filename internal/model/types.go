package model

import "time"

// Input records. Supplied by external systems, read-only to the engine.

// Trainset operational status values.
const (
	StatusOperational  = "operational"
	StatusMaintenance  = "maintenance"
	StatusStandby      = "standby"
	StatusOutOfService = "out_of_service"
)

type Trainset struct {
	ID               string  `json:"id"`
	Number           string  `json:"number,omitempty"`
	Status           string  `json:"status"`
	BatteryLevel     float64 `json:"batteryLevel"`
	MileageKM        float64 `json:"mileageKm"`
	OperationalHours float64 `json:"operationalHours"`
	StablingID       string  `json:"stablingId,omitempty"`
	// ParkingDepth is the number of trainsets that must move before this
	// one can leave its siding (1 = front of track).
	ParkingDepth int `json:"parkingDepth,omitempty"`
}

// Fitness certificate types.
const (
	CertRollingStock = "rolling_stock"
	CertSignalling   = "signalling"
	CertTelecom      = "telecom"
)

type FitnessCertificate struct {
	ID         string    `json:"id"`
	TrainsetID string    `json:"trainsetId"`
	Type       string    `json:"type"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Valid      bool      `json:"valid"`
}

// Job card priorities and statuses.
const (
	JobCritical = "critical"
	JobHigh     = "high"
	JobNormal   = "normal"
	JobLow      = "low"

	JobPending    = "pending"
	JobScheduled  = "scheduled"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
)

type JobCard struct {
	ID          string `json:"id"`
	TrainsetID  string `json:"trainsetId"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
}

type BrandingContract struct {
	ID               string    `json:"id"`
	Advertiser       string    `json:"advertiser,omitempty"`
	TrainsetIDs      []string  `json:"trainsetIds"`
	Priority         string    `json:"priority,omitempty"` // high, normal
	RequiredHours    float64   `json:"requiredHours"`
	AccumulatedHours float64   `json:"accumulatedHours"`
	StartDate        time.Time `json:"startDate,omitempty"`
	EndDate          time.Time `json:"endDate,omitempty"`
}

type MileageRecord struct {
	ID         string    `json:"id"`
	TrainsetID string    `json:"trainsetId"`
	RecordedAt time.Time `json:"recordedAt"`
	KM         float64   `json:"km"`
}

// CleaningSlot statuses share the job card lifecycle values.
type CleaningSlot struct {
	ID           string     `json:"id"`
	TrainsetID   string     `json:"trainsetId"`
	Status       string     `json:"status"`
	ScheduledFor time.Time  `json:"scheduledFor"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

type StablingPosition struct {
	ID         string `json:"id"`
	Track      string `json:"track,omitempty"`
	Slot       int    `json:"slot,omitempty"`
	Depth      int    `json:"depth,omitempty"`
	Occupied   bool   `json:"occupied"`
	OccupantID string `json:"occupantId,omitempty"`
}

// Staff shift statuses.
const (
	ShiftAvailable = "available"
	ShiftAssigned  = "assigned"
	ShiftOff       = "off"
)

type StaffShift struct {
	ID      string    `json:"id"`
	StaffID string    `json:"staffId"`
	Name    string    `json:"name,omitempty"`
	Status  string    `json:"status"`
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt"`
}

type WeatherReading struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recordedAt"`
	Condition  string    `json:"condition,omitempty"`
	Severity   float64   `json:"severity"` // 0..100
}

type CalendarEvent struct {
	ID                  string    `json:"id"`
	Date                time.Time `json:"date"`
	Name                string    `json:"name,omitempty"`
	RidershipMultiplier float64   `json:"ridershipMultiplier"`
}

type CongestionReading struct {
	ID         string    `json:"id"`
	RecordedAt time.Time `json:"recordedAt"`
	Level      float64   `json:"level"` // 0..100
}

// FleetSnapshot bundles every input record family for one depot. A run reads
// one snapshot up front and never re-reads, so results reflect a single
// best-effort view of the data.
type FleetSnapshot struct {
	Trainsets          []Trainset           `json:"trainsets"`
	Certificates       []FitnessCertificate `json:"certificates,omitempty"`
	JobCards           []JobCard            `json:"jobCards,omitempty"`
	Contracts          []BrandingContract   `json:"contracts,omitempty"`
	MileageRecords     []MileageRecord      `json:"mileageRecords,omitempty"`
	CleaningSlots      []CleaningSlot       `json:"cleaningSlots,omitempty"`
	StablingPositions  []StablingPosition   `json:"stablingPositions,omitempty"`
	StaffShifts        []StaffShift         `json:"staffShifts,omitempty"`
	WeatherReadings    []WeatherReading     `json:"weatherReadings,omitempty"`
	CalendarEvents     []CalendarEvent      `json:"calendarEvents,omitempty"`
	CongestionReadings []CongestionReading  `json:"congestionReadings,omitempty"`
}

// RuleOverride is the wire form of a constraint rule parameter set. The
// engine converts overrides into typed rule values at run start; unknown
// names are rejected during validation.
type RuleOverride struct {
	Name    string             `json:"name"`
	Penalty float64            `json:"penalty,omitempty"`
	Params  map[string]float64 `json:"params,omitempty"`
}

// Weights are the business ranking weights. By convention they sum to 100;
// this is not enforced.
type Weights struct {
	Fitness     float64 `json:"fitness" yaml:"fitness"`
	Maintenance float64 `json:"maintenance" yaml:"maintenance"`
	Branding    float64 `json:"branding" yaml:"branding"`
	Mileage     float64 `json:"mileage" yaml:"mileage"`
	Staff       float64 `json:"staff" yaml:"staff"`
	Stabling    float64 `json:"stabling" yaml:"stabling"`
}

// RunRequest is the caller-supplied parameter set for one optimization run.
type RunRequest struct {
	DepotID       string         `json:"depotId,omitempty"`
	TargetDate    string         `json:"targetDate"`
	TrainsetIDs   []string       `json:"trainsetIds,omitempty"`
	Holiday       bool           `json:"holiday,omitempty"`
	RuleOverrides []RuleOverride `json:"ruleOverrides,omitempty"`
	WeightsRef    string         `json:"weightsRef,omitempty"`
	Weights       *Weights       `json:"weights,omitempty"`
	TriggeredBy   string         `json:"triggeredBy,omitempty"`
}

// ConstraintEvaluation records the outcome of one rule check against one
// candidate slot. A reason is always present, satisfied or not.
type ConstraintEvaluation struct {
	Rule      string  `json:"rule"`
	Satisfied bool    `json:"satisfied"`
	Hard      bool    `json:"hard"`
	Penalty   float64 `json:"penalty"`
	Reason    string  `json:"reason"`
}

// Output records. Written once per run, never mutated.

type InductionSlot struct {
	ID          string                 `json:"id"`
	RunID       string                 `json:"runId,omitempty"`
	TrainsetID  string                 `json:"trainsetId"`
	Platform    string                 `json:"platform"`
	StartAt     time.Time              `json:"startAt"`
	EndAt       time.Time              `json:"endAt"`
	CrewIDs     []string               `json:"crewIds,omitempty"`
	Score       float64                `json:"score"`
	Evaluations []ConstraintEvaluation `json:"evaluations,omitempty"`
}

type DepartureSlot struct {
	ID            string    `json:"id"`
	RunID         string    `json:"runId,omitempty"`
	TrainsetID    string    `json:"trainsetId"`
	SlotNumber    int       `json:"slotNumber"`
	DepartAt      time.Time `json:"departAt"`
	Score         float64   `json:"score"`
	ShuntingMoves int       `json:"shuntingMoves"`
}

// Conflict types.
const (
	ConflictStabling      = "stabling_conflict"
	ConflictStaffShortage = "staff_shortage"
	ConflictUnschedulable = "unschedulable"
)

type Conflict struct {
	ID          string   `json:"id,omitempty"`
	RunID       string   `json:"runId,omitempty"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	TrainsetIDs []string `json:"trainsetIds,omitempty"`
	PositionID  string   `json:"positionId,omitempty"`
}

type HardConstraintFailure struct {
	TrainsetID string   `json:"trainsetId"`
	Reasons    []string `json:"reasons"`
}

// RankedTrainset is one entry of the eligible list after the weighted
// business ranking pass.
type RankedTrainset struct {
	TrainsetID string             `json:"trainsetId"`
	Total      float64            `json:"total"`
	SubScores  map[string]float64 `json:"subScores"`
}

// Run kinds.
const (
	RunInduction = "induction"
	RunDeparture = "departure"
)

// RunResult is the full outcome of one optimization run.
type RunResult struct {
	Success         bool                    `json:"success"`
	Feasible        bool                    `json:"feasible"`
	Objective       float64                 `json:"objective"`
	Eligible        []RankedTrainset        `json:"eligible,omitempty"`
	HardFailures    []HardConstraintFailure `json:"hardConstraintFailures,omitempty"`
	InductionSlots  []InductionSlot         `json:"inductionSlots,omitempty"`
	DepartureSlots  []DepartureSlot         `json:"departureSlots,omitempty"`
	ExcessTrainsets []string                `json:"excessTrainsets,omitempty"`
	Conflicts       []Conflict              `json:"conflicts,omitempty"`
	Violations      []ConstraintEvaluation  `json:"violations,omitempty"`
	ExecutionMs     int64                   `json:"executionTimeMs"`
	Iterations      int                     `json:"iterations"`
}

// OptimizationRun is the immutable history record persisted after each run.
type OptimizationRun struct {
	ID         string     `json:"id"`
	DepotID    string     `json:"depotId"`
	Kind       string     `json:"kind"`
	TargetDate string     `json:"targetDate"`
	Status     string     `json:"status"` // completed, failed
	Request    RunRequest `json:"request"`
	Result     *RunResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Webhook event types.
const (
	EventRunCompleted     = "run.completed"
	EventConflictDetected = "conflict.detected"
)

// SubscriptionRequest is the wire form for registering a webhook endpoint.
type SubscriptionRequest struct {
	DepotID string   `json:"depotId,omitempty"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Secret  string   `json:"secret,omitempty"`
}

type Subscription struct {
	ID        string    `json:"id"`
	DepotID   string    `json:"depotId"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditRecord notes who triggered a run and what came out of it.
type AuditRecord struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId"`
	DepotID   string         `json:"depotId"`
	Actor     string         `json:"actor"`
	Kind      string         `json:"kind"`
	Summary   map[string]int `json:"summary"`
	CreatedAt time.Time      `json:"createdAt"`
}
