package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mahirjain10/go-transcoder/internal/jobstore"
	"github.com/mahirjain10/go-transcoder/internal/notification"
	"github.com/mahirjain10/go-transcoder/internal/report"
	"github.com/mahirjain10/go-transcoder/internal/status"
	"github.com/mahirjain10/go-transcoder/internal/types"
	"github.com/mahirjain10/go-transcoder/internal/utils"
)

// Queue is the notification queue as the dispatcher sees it.
type Queue interface {
	Receive(ctx context.Context) ([]types.QueueMessage, error)
	Delete(ctx context.Context, msg types.QueueMessage) error
	HasDeadLetter() bool
	DeadLetter(ctx context.Context, msg types.QueueMessage) error
	Requeue(ctx context.Context, msg types.QueueMessage, delay time.Duration) error
}

// Launcher starts one isolated worker for a job.
type Launcher interface {
	Launch(ctx context.Context, req types.LaunchRequest) (types.LaunchReceipt, error)
}

type Decoder interface {
	Decode(body string) (notification.Event, error)
}

type Options struct {
	// LockTTL bounds how long a launched job blocks relaunching the same upload.
	LockTTL time.Duration
	// MaxReceiveCount above which a message is dead-lettered. Zero disables it.
	MaxReceiveCount   int
	ReceiveErrorDelay time.Duration
	// RequeueDelay is how soon a message whose launch failed is redelivered.
	RequeueDelay time.Duration
}

type Dispatcher struct {
	queue    Queue
	launcher Launcher
	decoder  Decoder
	store    jobstore.Store
	tracker  *status.Tracker
	reporter report.Reporter
	logger   logrus.FieldLogger
	opts     Options
	newJobID func() string
}

func NewDispatcher(q Queue, launcher Launcher, decoder Decoder, store jobstore.Store, tracker *status.Tracker, reporter report.Reporter, logger logrus.FieldLogger, opts Options) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		launcher: launcher,
		decoder:  decoder,
		store:    store,
		tracker:  tracker,
		reporter: reporter,
		logger:   logger,
		opts:     opts,
		newJobID: uuid.NewString,
	}
}

// Run drains the queue one message at a time until ctx is cancelled.
// Per-message failures are logged and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("[dispatcher] polling for messages")
	for {
		if ctx.Err() != nil {
			d.logger.Info("[dispatcher] shutting down...")
			return nil
		}

		msgs, err := d.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("[dispatcher] shutting down...")
				return nil
			}
			d.logger.WithError(err).Error("[dispatcher] failed to receive messages")
			d.reporter.Capture(err, map[string]string{"stage": "receive"})
			if !sleep(ctx, d.opts.ReceiveErrorDelay) {
				return nil
			}
			continue
		}
		if len(msgs) == 0 {
			d.logger.Debug("[dispatcher] no message in queue")
			continue
		}

		for _, msg := range msgs {
			if ctx.Err() != nil {
				break
			}
			if err := d.HandleMessage(ctx, msg); err != nil {
				d.logger.WithError(err).WithField("message_id", msg.ID).Error("[dispatcher] error processing message")
				var procErr types.ProcessingError
				if errors.As(err, &procErr) && procErr.Requeue {
					d.requeue(context.WithoutCancel(ctx), msg)
				}
			}
		}
	}
}

// HandleMessage routes one message and deletes it only when handling completed.
// A returned types.ProcessingError means the message was left on the queue.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg types.QueueMessage) error {
	log := d.logger.WithFields(logrus.Fields{"message_id": msg.ID, "receive_count": msg.ReceiveCount})
	log.WithField("body", msg.Body).Info("[dispatcher] message received")

	// the step in flight finishes even when shutdown starts
	stepCtx := context.WithoutCancel(ctx)

	if d.isPoison(msg) {
		return d.deadLetter(stepCtx, log, msg)
	}

	event, err := d.decoder.Decode(msg.Body)
	if err != nil {
		d.reporter.Capture(err, map[string]string{"stage": "decode", "message_id": msg.ID})
		return types.ProcessingError{Err: fmt.Errorf("decode message %s: %w", msg.ID, err)}
	}

	switch e := event.(type) {
	case notification.HealthCheckEvent:
		log.WithField("event", e.Event).Info("[dispatcher] discarding test event")
		return d.ack(stepCtx, log, msg)

	case notification.StorageChangeEvent:
		var errs []error
		for _, record := range e.Records {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			if err := d.launch(stepCtx, log, record); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return types.ProcessingError{Err: fmt.Errorf("message %s: %w", msg.ID, errors.Join(errs...)), Requeue: true}
		}
		return d.ack(stepCtx, log, msg)

	default:
		return types.ProcessingError{Err: fmt.Errorf("%w: unhandled event %T", types.ErrMalformedPayload, event)}
	}
}

func (d *Dispatcher) launch(ctx context.Context, log logrus.FieldLogger, record types.ChangeRecord) error {
	params := record.Params()
	jobID := d.newJobID()
	log = log.WithFields(logrus.Fields{
		"event_name": record.EventName,
		"bucket":     params.Bucket,
		"key":        params.Key,
		"sequencer":  params.Sequencer,
		"job_id":     jobID,
	})

	acquired, holder, err := d.store.Acquire(ctx, params, jobID, d.opts.LockTTL)
	switch {
	case err != nil:
		// duplicates are the lesser evil, launch without the lock
		log.WithError(err).Warn("[dispatcher] job store unavailable, launching without duplicate check")
	case !acquired:
		if !d.takeOverStale(ctx, log, params, jobID, holder) {
			log.WithField("running_job_id", holder).Info("[dispatcher] job already in flight, skipping duplicate launch")
			return nil
		}
		acquired = true
	}

	receipt, err := d.launcher.Launch(ctx, types.LaunchRequest{JobID: jobID, Params: params})
	if err != nil {
		if acquired {
			if relErr := d.store.Release(ctx, params, jobID); relErr != nil {
				log.WithError(relErr).Warn("[dispatcher] failed to release job lock")
			}
		}
		d.reporter.Capture(err, map[string]string{"stage": "launch", "bucket": params.Bucket, "key": params.Key})
		return err
	}

	d.tracker.Update(ctx, utils.InitStatusData(jobID, params, types.LAUNCHED, ""), receipt.TaskArns...)
	log.WithField("task_arns", receipt.TaskArns).Info("[dispatcher] transcode task launched")
	return nil
}

// takeOverStale replaces a lock whose holder already reached a terminal status
// but never released it, e.g. a worker that could not reach the store.
func (d *Dispatcher) takeOverStale(ctx context.Context, log logrus.FieldLogger, params types.JobParameters, jobID, holder string) bool {
	rec, err := d.store.Get(ctx, params)
	if err != nil {
		log.WithError(err).Warn("[dispatcher] failed to read job record")
		return false
	}
	if rec == nil || rec.JobID != holder || !types.IsTerminal(rec.Status) {
		return false
	}
	if err := d.store.Release(ctx, params, holder); err != nil {
		log.WithError(err).Warn("[dispatcher] failed to release stale job lock")
		return false
	}
	ok, _, err := d.store.Acquire(ctx, params, jobID, d.opts.LockTTL)
	if err != nil || !ok {
		return false
	}
	log.WithFields(logrus.Fields{"stale_job_id": holder, "stale_status": rec.Status}).Warn("[dispatcher] stale job lock, taking over")
	return true
}

func (d *Dispatcher) requeue(ctx context.Context, msg types.QueueMessage) {
	if err := d.queue.Requeue(ctx, msg, d.opts.RequeueDelay); err != nil {
		d.logger.WithError(err).WithField("message_id", msg.ID).Warn("[dispatcher] failed to requeue message")
		return
	}
	d.logger.WithFields(logrus.Fields{"message_id": msg.ID, "delay": d.opts.RequeueDelay}).Info("[dispatcher] message requeued")
}

func (d *Dispatcher) ack(ctx context.Context, log logrus.FieldLogger, msg types.QueueMessage) error {
	if err := d.queue.Delete(ctx, msg); err != nil {
		d.reporter.Capture(err, map[string]string{"stage": "delete", "message_id": msg.ID})
		return err
	}
	log.Info("[dispatcher] message deleted from queue")
	return nil
}

func (d *Dispatcher) isPoison(msg types.QueueMessage) bool {
	return d.opts.MaxReceiveCount > 0 && msg.ReceiveCount > d.opts.MaxReceiveCount && d.queue.HasDeadLetter()
}

func (d *Dispatcher) deadLetter(ctx context.Context, log logrus.FieldLogger, msg types.QueueMessage) error {
	log.Warnf("[dispatcher] message received %d times, moving it to the dead letter queue", msg.ReceiveCount)
	if err := d.queue.DeadLetter(ctx, msg); err != nil {
		d.reporter.Capture(err, map[string]string{"stage": "dead_letter", "message_id": msg.ID})
		return types.ProcessingError{Err: err}
	}
	return d.ack(ctx, log, msg)
}

// sleep waits for d or until ctx is done. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
