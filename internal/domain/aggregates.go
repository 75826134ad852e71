package domain

import "time"

// Job is the top-level unit of review work for one changelist + version.
type Job struct {
	JobID          string
	IdempotencyKey string
	ChangelistID   string
	ReviewVersion  int
	Status         JobStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResultRef      string
}

// WorkItem is a unit of queued work belonging to a job's stage.
type WorkItem struct {
	WorkID         string
	JobID          string
	Stage          Stage
	Payload        []byte
	Status         WorkItemStatus
	Priority       int
	RunAt          time.Time
	ClaimedBy      string
	LeaseExpiresAt time.Time
	AttemptCount   int
	LastErrorClass ErrorClass
	CreatedAt      time.Time
	StartedAt      time.Time
	UpdatedAt      time.Time
}

// Finding is one validated review finding surviving ResultValidator.
type Finding struct {
	ID         string
	Severity   Severity
	Category   Category
	Title      string
	File       string
	Line       int
	EndLine    int
	Message    string
	Suggestion string
	Confidence Confidence
	RuleID     string
}

// ReviewResult is the validated, transient shape returned by ResultValidator.
type ReviewResult struct {
	SchemaVersion string
	PromptVersion string
	Findings      []Finding
	Summary       string
	Meta          map[string]any
}

// OutboxEntry is a durable per-recipient delivery intent.
type OutboxEntry struct {
	JobID          string
	ChangelistID   string
	Recipient      string
	ReviewVersion  int
	Status         OutboxStatus
	NotificationID string
	NotifiedAt     *time.Time
	AttemptCount   int
	LastError      string
	UpdatedAt      time.Time
}

// DeadLetter is a durable record of a job's terminal failure.
type DeadLetter struct {
	DLID                   string
	JobID                  string
	Stage                  Stage
	ErrorClass             ErrorClass
	LastStack              string
	SanitizedContext       map[string]string
	FirstFailureAt         time.Time
	LastFailureAt          time.Time
	AttemptCount           int
	Status                 DeadLetterStatus
	RemediationEvidenceRef string
}

// AuditEntry is one row of the durable audit trail, recording a state
// transition for after-the-fact triage independent of application logs.
type AuditEntry struct {
	ID        int64
	JobID     string
	Event     string
	Detail    string
	CreatedAt time.Time
}

// Diagnostic is a single machine-readable validator diagnostic record.
type Diagnostic struct {
	Code      string
	FindingID string
	Field     string
	Detail    string
}

// RetryPolicy bounds the retry behavior for a single stage.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches spec.md §4.6: 5 attempts inclusive of the
// first, 1s initial delay, 2x multiplier, 60s cap, full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     60 * time.Second,
	}
}
