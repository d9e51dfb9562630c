package interfaces

import (
	"context"
	"time"
)

// ScheduleStatus describes one registered template schedule
type ScheduleStatus struct {
	TemplateID string     `json:"templateId"`
	Schedule   string     `json:"schedule"`
	NextRun    *time.Time `json:"nextRun,omitempty"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
	LastJobID  string     `json:"lastJobId,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
}

// SchedulerService starts template runs on their cron schedules
type SchedulerService interface {
	TemplateListener

	// Start loads every active scheduled template and starts the cron loop
	Start(ctx context.Context) error

	Stop() error

	GetSchedules() []*ScheduleStatus
}
