package status

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mahirjain10/go-transcoder/internal/jobstore"
	"github.com/mahirjain10/go-transcoder/internal/types"
	"github.com/mahirjain10/go-transcoder/internal/utils"
)

// Tracker records each job transition in the job store and publishes it as an event.
// Neither failure stops the job, both are logged.
type Tracker struct {
	store     jobstore.Store
	publisher Publisher
	logger    logrus.FieldLogger
}

func NewTracker(store jobstore.Store, publisher Publisher, logger logrus.FieldLogger) *Tracker {
	return &Tracker{store: store, publisher: publisher, logger: logger}
}

// Update saves and publishes data. taskArns is only set by the dispatcher at launch.
// A transition that would move the stored job backwards is dropped, e.g. a
// LAUNCHED written after the worker already reported RUNNING.
func (t *Tracker) Update(ctx context.Context, data *types.StatusData, taskArns ...string) {
	record := utils.RecordFromStatus(data)
	record.TaskArns = taskArns

	log := t.logger.WithFields(logrus.Fields{"job_id": data.JobID, "bucket": data.Bucket, "key": data.Key, "status": data.Status})
	prev, err := t.store.Get(ctx, types.JobParameters{Bucket: data.Bucket, Key: data.Key})
	if err != nil {
		log.WithError(err).Warn("[status] failed to read job record")
	}
	if prev != nil && prev.JobID == data.JobID && !types.Advances(prev.Status, data.Status) {
		log.WithField("stored_status", prev.Status).Debug("[status] ignoring stale transition")
		return
	}
	if err := t.store.Save(ctx, record); err != nil {
		log.WithError(err).Warn("[status] failed to save job record")
	}
	if err := t.publisher.Publish(ctx, utils.InitStatusMessage(data)); err != nil {
		log.WithError(err).Warn("[status] failed to publish status event")
	}
}

// Finish records the terminal state of a job and releases its in-flight lock.
func (t *Tracker) Finish(ctx context.Context, outcome types.JobOutcome) {
	t.Update(ctx, utils.OutcomeStatusData(outcome))
	if err := t.store.Release(ctx, outcome.Params, outcome.JobID); err != nil {
		t.logger.WithError(err).WithField("job_id", outcome.JobID).Warn("[status] failed to release job lock")
	}
}

// Abort records a job that failed before any rendition ran.
func (t *Tracker) Abort(ctx context.Context, jobID string, params types.JobParameters, err error) {
	t.Update(ctx, utils.InitStatusData(jobID, params, types.FAILED, err.Error()))
	if err := t.store.Release(ctx, params, jobID); err != nil {
		t.logger.WithError(err).WithField("job_id", jobID).Warn("[status] failed to release job lock")
	}
}
