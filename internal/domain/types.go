// Package domain holds the entities of the email dispatch engine: jobs,
// batches, workers, send records, retry tasks, and rate counters.
package domain

import "time"

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobRetrying   JobStatus = "retrying"
)

// JobKind distinguishes the origin of a Job for reporting purposes.
type JobKind string

const (
	JobKindCampaign      JobKind = "campaign"
	JobKindAutomation    JobKind = "automation"
	JobKindTransactional JobKind = "transactional"
)

// BatchStatus is the lifecycle state of a Batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
	WorkerError   WorkerStatus = "error"
)

// SendStatus is the lifecycle state of a SendRecord. Open/click/bounce/complaint
// transitions are driven by external collaborators (webhooks); the dispatcher
// itself only ever writes queued, sent, or failed.
type SendStatus string

const (
	SendQueued    SendStatus = "queued"
	SendSent      SendStatus = "sent"
	SendFailed    SendStatus = "failed"
	SendBounced   SendStatus = "bounced"
	SendComplaint SendStatus = "complained"
	SendOpened    SendStatus = "opened"
	SendClicked   SendStatus = "clicked"
)

// RetryTaskStatus is the lifecycle state of a RetryTask.
type RetryTaskStatus string

const (
	RetryPending    RetryTaskStatus = "pending"
	RetryProcessing RetryTaskStatus = "processing"
	RetryCompleted  RetryTaskStatus = "completed"
	RetryFailed     RetryTaskStatus = "failed"
	RetryAbandoned  RetryTaskStatus = "abandoned"
)

// RateWindow is the unit of a rate-limit accounting window.
type RateWindow string

const (
	WindowMinute RateWindow = "minute"
	WindowHour   RateWindow = "hour"
)

// Recipient is one addressee of a campaign. It is input to job submission and
// is not persisted as its own row; it is frozen into the owning Batch.
type Recipient struct {
	ID            string         `json:"id"`
	Email         string         `json:"email" validate:"required,email"`
	DisplayName   string         `json:"displayName,omitempty"`
	CustomFields  map[string]any `json:"customFields,omitempty"`
}

// Template is the minimal shape the dispatcher needs from campaign authoring:
// a subject, an HTML body, and an optional plaintext alternative. Variable
// expansion operates on Subject and HTML/Text independently.
type Template struct {
	Subject string `json:"subject" validate:"required"`
	HTML    string `json:"html" validate:"required"`
	Text    string `json:"text,omitempty"`
}

// Sender identifies the from/reply-to address pair used for an envelope.
type Sender struct {
	From     string `json:"from" validate:"required,email"`
	ReplyTo  string `json:"replyTo,omitempty"`
}

// JobSpec is the inbound shape accepted by Queue.Submit.
type JobSpec struct {
	TenantID    string      `json:"tenantId" validate:"required"`
	CampaignID  string      `json:"campaignId" validate:"required"`
	Kind        JobKind     `json:"kind" validate:"required,oneof=campaign automation transactional"`
	Priority    int         `json:"priority"`
	Template    Template    `json:"template" validate:"required"`
	Sender      Sender      `json:"sender" validate:"required"`
	Tags        []string    `json:"tags,omitempty"`
	Recipients  []Recipient `json:"recipients" validate:"required,min=1,dive"`
	BatchSize   int         `json:"batchSize,omitempty"`
	MaxRetries  int         `json:"maxRetries,omitempty"`
	ScheduledAt *time.Time  `json:"scheduledAt,omitempty"`
}

// Job is the unit of work submitted for one campaign send.
type Job struct {
	ID             string
	TenantID       string
	CampaignID     string
	Priority       int
	Status         JobStatus
	Kind           JobKind
	Template       Template
	Sender         Sender
	Tags           []string
	BatchSize      int
	TotalRecipients int
	ProcessedCount int
	FailedCount    int
	RetryCount     int
	MaxRetries     int
	ScheduledAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
	ErrorMessage   *string
	OwnerWorkerID  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Batch is a contiguous slice of a Job's recipients, the unit of work a
// Worker claims. Index is 1-based and monotonic per Job.
type Batch struct {
	ID           string
	JobID        string
	Index        int
	Recipients   []Recipient
	Status       BatchStatus
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Sent         int
	Failed       int
	ErrorMessage *string
}

// WorkerMetrics holds the rolling performance figures reported for a Worker.
type WorkerMetrics struct {
	AvgProcessingTime time.Duration
	SuccessRate       float64
	ThroughputPerHour float64
}

// Worker is one concurrent executor that claims and processes batches.
type Worker struct {
	ID                 string
	Name               string
	Status             WorkerStatus
	CurrentJobID       *string
	MaxConcurrentJobs  int
	RateLimitPerMinute int
	RateLimitPerHour   int
	LastHeartbeat      time.Time
	LastJobStartedAt   *time.Time
	LastJobCompletedAt *time.Time
	TotalJobsProcessed int
	TotalEmailsSent    int
	TotalErrors        int
	ConsecutiveFailures int
	Metrics            WorkerMetrics
}

// SendRecord is the per-recipient outcome of attempting delivery through the
// Provider. Opens/clicks/bounces/complaints are set by external collaborators;
// the dispatcher only ever writes queued -> sent|failed.
type SendRecord struct {
	ID                string
	TenantID          string
	CampaignID        string
	JobID             string
	RecipientID       string
	Email             string
	Status            SendStatus
	ProviderMessageID *string
	SentAt            *time.Time
	ErrorMessage      *string
}

// RetryTask is a scheduled, per-recipient re-attempt created on transient
// failure.
type RetryTask struct {
	ID             string
	OriginalJobID  string
	SendRecordID   string
	Attempt        int
	MaxAttempts    int
	NextAttemptAt  time.Time
	Status         RetryTaskStatus
	ErrorMessage   *string
}

// RateCounter is one (workerId, window, windowStart) accounting row.
type RateCounter struct {
	WorkerID    string
	Window      RateWindow
	WindowStart time.Time
	Count       int
}

// SystemStats is the aggregate view read by Manager and Monitor each tick.
type SystemStats struct {
	PendingBatches    int
	ProcessingBatches int
	IdleWorkers       int
	BusyWorkers       int
	OfflineWorkers    int
	PendingJobs       int
	AvgThroughput     float64
}
