package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/interfaces"
	"github.com/ternarybob/licitometro/internal/models"
)

// JobStarter starts template runs; implemented by the job orchestrator
type JobStarter interface {
	Start(ctx context.Context, templateID string, trigger models.JobTrigger) (*models.Job, error)
	HasActiveJob(templateID string) bool
}

// scheduleEntry is one registered template schedule
type scheduleEntry struct {
	templateID string
	schedule   string
	cronID     cron.EntryID
	lastRun    *time.Time
	lastJobID  string
	lastError  string
}

// Service implements interfaces.SchedulerService on robfig/cron
type Service struct {
	templates interfaces.TemplateStorage
	starter   JobStarter
	cron      *cron.Cron
	logger    arbor.ILogger

	mu      sync.Mutex // protects entries and running
	entries map[string]*scheduleEntry
	running bool
	ctx     context.Context
}

// NewService creates a new scheduler service
func NewService(templates interfaces.TemplateStorage, starter JobStarter, logger arbor.ILogger) *Service {
	return &Service{
		templates: templates,
		starter:   starter,
		cron:      cron.New(),
		logger:    logger,
		entries:   make(map[string]*scheduleEntry),
		ctx:       context.Background(),
	}
}

var _ interfaces.SchedulerService = (*Service)(nil)

// Start registers every active scheduled template and starts the cron loop
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.mu.Unlock()

	templates, err := s.templates.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	for _, t := range templates {
		if err := s.register(t); err != nil {
			// An unparseable schedule must not keep the rest from running
			s.logger.Warn().
				Err(err).
				Str("template_id", t.ID).
				Str("schedule", t.Schedule).
				Msg("Skipping template schedule")
		}
	}

	s.mu.Lock()
	s.running = true
	count := len(s.entries)
	s.mu.Unlock()

	s.cron.Start()

	s.logger.Info().
		Int("schedules", count).
		Msg("Scheduler started")
	return nil
}

// Stop halts the cron loop and waits for in-flight triggers
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// TemplateSaved re-registers the template's schedule
func (s *Service) TemplateSaved(template *models.Template) {
	s.unregister(template.ID)
	if err := s.register(template); err != nil {
		s.logger.Warn().
			Err(err).
			Str("template_id", template.ID).
			Msg("Failed to register template schedule")
	}
}

// TemplateDeleted drops the template's schedule
func (s *Service) TemplateDeleted(templateID string) {
	s.unregister(templateID)
}

// register adds a cron entry for an active template with a schedule
func (s *Service) register(template *models.Template) error {
	if !template.Active || template.Schedule == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	templateID := template.ID
	cronID, err := s.cron.AddFunc(template.Schedule, func() {
		s.fire(templateID)
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", template.Schedule, err)
	}

	s.entries[templateID] = &scheduleEntry{
		templateID: templateID,
		schedule:   template.Schedule,
		cronID:     cronID,
	}

	s.logger.Debug().
		Str("template_id", templateID).
		Str("schedule", template.Schedule).
		Msg("Template schedule registered")
	return nil
}

func (s *Service) unregister(templateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[templateID]
	if !ok {
		return
	}
	s.cron.Remove(entry.cronID)
	delete(s.entries, templateID)

	s.logger.Debug().
		Str("template_id", templateID).
		Msg("Template schedule removed")
}

// fire starts a scheduled run. A template that is still busy is skipped until the next tick.
func (s *Service) fire(templateID string) {
	now := time.Now()

	var job *models.Job
	var err error
	if s.starter.HasActiveJob(templateID) {
		err = models.ErrAlreadyRunning
	} else {
		// Start still rejects a job admitted since the check
		job, err = s.starter.Start(s.ctx, templateID, models.JobTriggerScheduled)
	}

	s.mu.Lock()
	if entry, ok := s.entries[templateID]; ok {
		entry.lastRun = &now
		if err != nil {
			entry.lastError = err.Error()
		} else {
			entry.lastError = ""
			entry.lastJobID = job.ID
		}
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		s.logger.Info().
			Str("template_id", templateID).
			Str("job_id", job.ID).
			Msg("Scheduled run started")
	case errors.Is(err, models.ErrAlreadyRunning):
		s.logger.Info().
			Str("template_id", templateID).
			Msg("Scheduled run skipped, previous run still active")
	default:
		s.logger.Warn().
			Err(err).
			Str("template_id", templateID).
			Msg("Scheduled run failed to start")
	}
}

// GetSchedules returns every registered schedule ordered by template id
func (s *Service) GetSchedules() []*interfaces.ScheduleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*interfaces.ScheduleStatus, 0, len(s.entries))
	for _, entry := range s.entries {
		status := &interfaces.ScheduleStatus{
			TemplateID: entry.templateID,
			Schedule:   entry.schedule,
			LastJobID:  entry.lastJobID,
			LastError:  entry.lastError,
		}
		if entry.lastRun != nil {
			t := *entry.lastRun
			status.LastRun = &t
		}
		if next := s.nextRun(entry); !next.IsZero() {
			status.NextRun = &next
		}
		result = append(result, status)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TemplateID < result[j].TemplateID
	})
	return result
}

// nextRun reads the next activation from the cron entry, or computes it when the
// loop has not started yet
func (s *Service) nextRun(entry *scheduleEntry) time.Time {
	if e := s.cron.Entry(entry.cronID); e.Valid() && !e.Next.IsZero() {
		return e.Next
	}
	schedule, err := models.ParseSchedule(entry.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}
