package domain

import "time"

// JobStatus is the lifecycle state of a background ETL job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsActive reports whether progress updates are still expected.
func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobRunning
}

// ETLProgressSnapshot is the last known progress of a tracked job.
type ETLProgressSnapshot struct {
	JobID               string     `json:"job_id"`
	Progress            float64    `json:"progress"`
	CurrentStep         string     `json:"current_step"`
	Status              JobStatus  `json:"status"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ProgressEvent is the payload of a "progress" stream event.
type ProgressEvent struct {
	JobID                   string  `json:"job_id"`
	Progress                float64 `json:"progress"`
	CurrentStep             string  `json:"current_step"`
	Status                  string  `json:"status"`
	EstimatedCompletionTime *string `json:"estimated_completion_time,omitempty"`
	ErrorMessage            *string `json:"error_message,omitempty"`
}

// CompleteEvent is the payload of a "complete" stream event.
type CompleteEvent struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
