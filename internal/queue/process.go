package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"mailqueue/internal/db"
	"mailqueue/internal/metrics"
	"mailqueue/internal/models"
	"mailqueue/internal/session"
)

// ProcessJob runs one attempt of job.
//
// The returned error is non-nil only when the job could not be claimed, for
// example because another caller moved it out of pending first. Failures
// after the claim are folded into the result and drive the retry policy.
func (p *Processor) ProcessJob(ctx context.Context, job *models.Job, sess *session.Session) (models.ProcessResult, error) {
	result := models.ProcessResult{JobID: job.ID}
	log := p.log.With(zap.String("job_id", job.ID))

	err := p.jobs.UpdateJobProgress(ctx, job.ID, db.Progress{
		Status: models.JobProcessing,
		From:   []models.JobStatus{models.JobPending},
		At:     p.now(),
	})
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	metrics.JobInFlight.Set(1)
	defer metrics.JobInFlight.Set(0)

	sess.SetCurrentJob(ctx, job)
	defer sess.ClearCurrentJob(ctx)

	log.Info("processing job", zap.String("subject", job.Subject), zap.Int("attempt", job.RetryCount+1))

	batch, total, err := p.attempt(ctx, job)
	if err != nil {
		result.Error = err.Error()
		p.fail(ctx, log, job, err)
		sess.RecordOutcome(ctx, true)
		return result, nil
	}

	result.Total = total
	result.Sent = batch.Successful
	result.Failed = batch.Failed

	err = p.jobs.UpdateJobProgress(ctx, job.ID, db.Progress{
		Status: models.JobCompleted,
		Sent:   batch.Successful,
		Failed: batch.Failed,
		Total:  &total,
		At:     p.now(),
	})
	if err != nil {
		// Emails are already out; retrying would send them twice.
		log.Error("failed to mark job completed", zap.Error(err))
		result.Error = err.Error()
		sess.RecordOutcome(ctx, true)
		return result, nil
	}

	result.Success = true
	metrics.Jobs.WithLabelValues(metrics.OutcomeCompleted).Inc()
	sess.RecordOutcome(ctx, false)
	log.Info("job completed",
		zap.Int("total", total),
		zap.Int("sent", batch.Successful),
		zap.Int("failed", batch.Failed),
	)
	return result, nil
}

// attempt resolves recipients and dispatches. Panics become errors.
func (p *Processor) attempt(ctx context.Context, job *models.Job) (batch models.BatchEmailResult, total int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
		}
	}()

	contacts, err := p.resolver.Resolve(ctx, job.ListIDs)
	if err != nil {
		return batch, 0, err
	}
	if len(contacts) == 0 {
		return batch, 0, &models.NoRecipientsError{ListIDs: job.ListIDs}
	}

	total = len(contacts)
	if err := p.jobs.UpdateJobProgress(ctx, job.ID, db.Progress{
		Status: models.JobProcessing,
		Total:  &total,
		At:     p.now(),
	}); err != nil {
		return batch, total, err
	}

	msgs := make([]models.OutboundMessage, len(contacts))
	for i, c := range contacts {
		msgs[i] = models.OutboundMessage{
			From:    p.from,
			To:      c.Email,
			Subject: job.Subject,
			HTML:    job.HTMLContent,
			Text:    job.TextContent,
		}
	}

	return p.dispatcher.SendBatch(ctx, msgs, p.chunkSize), total, nil
}

// fail applies the retry policy after a failed attempt: the retry count is
// bumped and re-read, then the job goes back to pending or, once retries are
// exhausted, to error.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, job *models.Job, cause error) {
	if err := p.jobs.IncrementRetryCount(ctx, job.ID, p.now()); err != nil {
		log.Error("failed to increment retry count", zap.Error(err))
	}

	current, err := p.jobs.GetJob(ctx, job.ID)
	if err != nil {
		log.Error("failed to reload job after failure", zap.Error(err))
		fallback := *job
		fallback.RetryCount++
		current = &fallback
	}

	next := models.JobPending
	outcome := metrics.OutcomeRetry
	if current.RetryCount >= current.MaxRetries {
		next = models.JobError
		outcome = metrics.OutcomeError
	}

	err = p.jobs.UpdateJobProgress(ctx, job.ID, db.Progress{
		Status:       next,
		ErrorMessage: cause.Error(),
		At:           p.now(),
	})
	if err != nil {
		log.Error("failed to record job failure", zap.Error(err), zap.NamedError("cause", cause))
		return
	}

	metrics.Jobs.WithLabelValues(outcome).Inc()
	log.Warn("job attempt failed",
		zap.Error(cause),
		zap.String("next_status", string(next)),
		zap.Int("retry_count", current.RetryCount),
		zap.Int("max_retries", current.MaxRetries),
	)
}
