package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/models"
)

// runner drives one job. It is the only writer of job; every change is published
// to the run as a fresh snapshot.
type runner struct {
	o       *Orchestrator
	run     *run
	job     *models.Job
	logger  arbor.ILogger
	started time.Time
	done    bool
}

// execute is the body of a runner goroutine
func (o *Orchestrator) execute(r *run, job *models.Job) {
	rn := &runner{
		o:      o,
		run:    r,
		job:    job.Clone(),
		logger: o.logger.WithCorrelationId(job.ID),
	}

	defer common.Recover(rn.logger, "recon-runner-"+job.ID, func(p interface{}) {
		rn.fail(fmt.Sprintf("runner panic: %v", p))
	})

	if err := o.pool.acquire(o.ctx, r.stop, job.Priority); err != nil {
		if errors.Is(err, errStopped) {
			rn.finish(models.JobStatusCancelled, "", models.ErrCancelled.Error()+" before start")
			return
		}
		rn.fail("interrupted by shutdown")
		return
	}
	defer o.pool.release()

	rn.execute(o.ctx)
}

func (rn *runner) execute(ctx context.Context) {
	rn.started = time.Now()
	started := rn.started
	rn.job.Status = models.JobStatusRunning
	rn.job.StartedAt = &started
	rn.job.Progress.CurrentStatus = "resolving template"
	rn.publish()

	rn.logger.Info().
		Str("job_id", rn.job.ID).
		Str("template_id", rn.job.TemplateID).
		Msg("Job running")

	template, err := rn.o.templates.GetTemplate(ctx, rn.job.TemplateID)
	if err != nil {
		rn.fail(fmt.Sprintf("template not available: %v", err))
		return
	}
	if err := template.Validate(); err != nil {
		rn.fail(fmt.Sprintf("template is invalid: %v", err))
		return
	}

	p := &pipeline{
		template:   template,
		extraction: rn.o.extraction,
		transforms: rn.o.transforms,
		policy:     rn.o.policy,
		logger:     rn.logger,
	}

	rn.job.Progress.CurrentStatus = "discovering items"
	rn.publish()

	candidates, err := p.discover(ctx)
	if err != nil {
		if ctx.Err() != nil {
			rn.fail("interrupted by shutdown")
			return
		}
		rn.fail(err.Error())
		return
	}
	if len(candidates) == 0 {
		rn.fail("no candidate items found")
		return
	}

	rn.job.Progress.TotalFound = len(candidates)
	rn.job.Progress.CurrentStatus = fmt.Sprintf("processing 0 of %d", len(candidates))
	rn.publish()

	for i, pageURL := range candidates {
		if rn.run.stopRequested() {
			break
		}
		if ctx.Err() != nil {
			rn.fail("interrupted by shutdown")
			return
		}

		result := p.process(ctx, pageURL)
		rn.record(ctx, p, pageURL, result)

		rn.job.Progress.CurrentStatus = fmt.Sprintf("processed %d of %d", i+1, len(candidates))
		rn.tick()
	}

	switch {
	case rn.run.stopRequested() && rn.job.Progress.Processed < rn.job.Progress.TotalFound:
		rn.finish(models.JobStatusCancelled, "", models.ErrCancelled.Error())
	case rn.job.Progress.Errors > 0:
		rn.finish(models.JobStatusCompleted, models.JobOutcomePartial, "")
	default:
		rn.finish(models.JobStatusCompleted, models.JobOutcomeSuccess, "")
	}
}

// record folds one item result into the counters and persists saved items
func (rn *runner) record(ctx context.Context, p *pipeline, pageURL string, result *itemResult) {
	progress := &rn.job.Progress

	progress.Errors += len(result.Errors)
	for _, msg := range result.Errors {
		rn.addRecentError(msg)
	}

	if result.Skipped() {
		progress.Skipped++
		rn.logger.Debug().
			Str("url", pageURL).
			Strs("missing", result.MissingRequired).
			Msg("Item skipped")
		return
	}

	record := &models.Record{
		ID:          common.NewRecordID(),
		JobID:       rn.job.ID,
		TemplateID:  rn.job.TemplateID,
		SourceURL:   pageURL,
		Values:      result.Values,
		ContentHash: models.HashValues(result.Values),
		ExtractedAt: time.Now(),
	}
	if err := rn.o.records.AppendRecord(ctx, record); err != nil {
		progress.Skipped++
		progress.Errors++
		rn.addRecentError(summarize(pageURL, "record", err))
		rn.logger.Error().Err(err).Str("url", pageURL).Msg("Failed to store extracted record")
		return
	}

	progress.Saved++
	progress.LastSavedSummary = p.savedSummary(pageURL, result.Values)
}

func (rn *runner) addRecentError(msg string) {
	limit := rn.o.config.RecentErrors
	if limit <= 0 {
		limit = 10
	}
	errs := append(rn.job.Progress.RecentErrors, msg)
	if len(errs) > limit {
		errs = append([]string{}, errs[len(errs)-limit:]...)
	}
	rn.job.Progress.RecentErrors = errs
}

// tick counts one processed item and recomputes the derived statistics
func (rn *runner) tick() {
	progress := &rn.job.Progress
	progress.Processed++
	computeRates(progress, time.Since(rn.started))
	rn.publish()
}

func computeRates(progress *models.ProgressSnapshot, elapsed time.Duration) {
	total := progress.TotalFound
	if total < 1 {
		total = 1
	}
	progress.PercentComplete = float64(progress.Processed) / float64(total) * 100
	progress.ElapsedSeconds = elapsed.Seconds()
	if elapsed > 0 {
		progress.ItemsPerMinute = float64(progress.Processed) / elapsed.Minutes()
	}
	if progress.Processed > 0 {
		progress.SuccessRate = float64(progress.Saved) / float64(progress.Processed) * 100
	}
}

func (rn *runner) publish() {
	rn.run.publish(rn.job)
}

func (rn *runner) fail(message string) {
	rn.finish(models.JobStatusFailed, "", message)
}

func (rn *runner) finish(status models.JobStatus, outcome models.JobOutcome, message string) {
	if rn.done {
		return
	}
	rn.done = true
	rn.o.finish(rn.run, rn.job, status, outcome, message, rn.logger)
}
