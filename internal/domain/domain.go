package domain

// JobStatus is the escrow state of a job.
type JobStatus string

const (
	StatusNone      JobStatus = "NONE"
	StatusOpen      JobStatus = "OPEN"
	StatusLocked    JobStatus = "LOCKED"
	StatusCompleted JobStatus = "COMPLETED"
	StatusDisputed  JobStatus = "DISPUTED"
	StatusRefunded  JobStatus = "REFUNDED"
)

// Terminal reports whether no further transition can leave the status.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// SettlementState tracks a settlement whose ledger confirmation has not been observed.
type SettlementState string

const (
	SettlementNone                SettlementState = "none"
	SettlementPendingConfirmation SettlementState = "pending_confirmation"
	SettlementNeedsReconciliation SettlementState = "needs_reconciliation"
)

type Coordinates struct {
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	AccuracyMeters float64  `json:"accuracy_m,omitempty"`
}

// Missing reports whether either axis is absent.
func (c *Coordinates) Missing() bool {
	return c == nil || c.Latitude == nil || c.Longitude == nil
}

type VerificationPlan struct {
	Category               string   `json:"category,omitempty"`
	ExpectedTransformation string   `json:"expected_transformation,omitempty"`
	Checklist              []string `json:"checklist,omitempty"`
	QualityIndicators      []string `json:"quality_indicators,omitempty"`
	CommonMistakes         []string `json:"common_mistakes,omitempty"`
}

type Job struct {
	ID             int64            `json:"id"`
	Title          string           `json:"title"`
	Description    string           `json:"description,omitempty"`
	Client         string           `json:"client"`
	Worker         *string          `json:"worker,omitempty"`
	Amount         int64            `json:"amount"`
	FeeBps         int              `json:"fee_bps"`
	Fee            *int64           `json:"fee,omitempty"`
	Net            *int64           `json:"net,omitempty"`
	ReferenceMedia []string         `json:"reference_media,omitempty"`
	ProofMedia     []string         `json:"proof_media,omitempty"`
	Plan           VerificationPlan `json:"plan"`
	Location       Coordinates      `json:"location"`
	Status         JobStatus        `json:"status" enum:"NONE,OPEN,LOCKED,COMPLETED,DISPUTED,REFUNDED"`
	Attempts       int              `json:"attempts"`
	Settlement     SettlementState  `json:"settlement" enum:"none,pending_confirmation,needs_reconciliation"`
	PendingOp      string           `json:"pending_op,omitempty"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
}

type DisputeStatus string

const (
	DisputePending     DisputeStatus = "PENDING"
	DisputeUnderReview DisputeStatus = "UNDER_REVIEW"
	DisputeResolved    DisputeStatus = "RESOLVED"
)

type Resolution string

const (
	ResolutionApproved Resolution = "APPROVED"
	ResolutionRefunded Resolution = "REFUNDED"
)

type Dispute struct {
	ID         string          `json:"id"`
	JobID      int64           `json:"job_id"`
	RaisedBy   string          `json:"raised_by"`
	Reason     string          `json:"reason"`
	Automatic  bool            `json:"automatic"`
	Verdict    *DecisionResult `json:"verdict,omitempty"`
	Status     DisputeStatus   `json:"status" enum:"PENDING,UNDER_REVIEW,RESOLVED"`
	Resolver   string          `json:"resolver,omitempty"`
	Resolution Resolution      `json:"resolution,omitempty"`
	Notes      string          `json:"notes,omitempty"`
	CreatedAt  string          `json:"created_at" format:"date-time"`
	ResolvedAt string          `json:"resolved_at,omitempty"`
}

type ProximityTier string

const (
	TierExcellent  ProximityTier = "excellent"
	TierGood       ProximityTier = "good"
	TierAcceptable ProximityTier = "acceptable"
	TierFailed     ProximityTier = "failed"
	TierMissing    ProximityTier = "missing"
)

type ProximityResult struct {
	Matched        bool          `json:"matched"`
	DistanceMeters *float64      `json:"distance_m,omitempty"`
	Confidence     float64       `json:"confidence"`
	Tier           ProximityTier `json:"tier"`
	Reasoning      string        `json:"reasoning"`
}

type Verdict string

const (
	VerdictApproved         Verdict = "APPROVED"
	VerdictNeedsImprovement Verdict = "NEEDS_IMPROVEMENT"
	VerdictRejected         Verdict = "REJECTED"
)

// Hard-fail categories.
const (
	CategoryGPSLocationFailed   = "GPS_LOCATION_FAILED"
	CategoryNoWorkDetected      = "NO_WORK_DETECTED"
	CategoryEvidenceUnavailable = "EVIDENCE_UNAVAILABLE"
)

type ScoreBreakdown struct {
	GPS            float64 `json:"gps"`
	Visual         float64 `json:"visual"`
	Transformation float64 `json:"transformation"`
	Coverage       float64 `json:"coverage"`
	Requirements   float64 `json:"requirements"`
}

type DecisionResult struct {
	JobID              int64           `json:"job_id"`
	Attempt            int             `json:"attempt"`
	Verdict            Verdict         `json:"verdict" enum:"APPROVED,NEEDS_IMPROVEMENT,REJECTED"`
	Score              float64         `json:"score"`
	Breakdown          ScoreBreakdown  `json:"breakdown"`
	Category           string          `json:"category,omitempty"`
	Issues             []string        `json:"issues,omitempty"`
	Suggestions        []string        `json:"suggestions,omitempty"`
	PaymentRecommended bool            `json:"payment_recommended"`
	CanResubmit        bool            `json:"can_resubmit"`
	EvidenceFallback   bool            `json:"evidence_fallback,omitempty"`
	Proximity          ProximityResult `json:"proximity"`
	CreatedAt          string          `json:"created_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an actor on the HTTP surface. Only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
