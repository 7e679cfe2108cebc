package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mahirjain10/go-transcoder/config"
	"github.com/mahirjain10/go-transcoder/internal/aws"
	"github.com/mahirjain10/go-transcoder/internal/jobstore"
	"github.com/mahirjain10/go-transcoder/internal/logger"
	"github.com/mahirjain10/go-transcoder/internal/notification"
	"github.com/mahirjain10/go-transcoder/internal/queue"
	"github.com/mahirjain10/go-transcoder/internal/report"
	"github.com/mahirjain10/go-transcoder/internal/status"
	"github.com/mahirjain10/go-transcoder/internal/transcoder"
	"github.com/mahirjain10/go-transcoder/internal/types"
	"github.com/mahirjain10/go-transcoder/internal/utils"
)

var version = "dev"

var errJobFailed = errors.New("transcode job failed")

type App struct {
	config    *config.Config
	logger    *logrus.Logger
	store     jobstore.Store
	publisher status.Publisher
	tracker   *status.Tracker
	reporter  report.Reporter

	dispatcher *queue.Dispatcher
	worker     *transcoder.Worker
}

// NewApp creates and initializes a new App instance with the dependencies of mode
func NewApp(ctx context.Context, mode string) (*App, error) {
	envConfig, err := config.InitializeEnvs(mode)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize environment config: %w", err)
	}
	log := logger.New(envConfig.LogLevel, envConfig.LogFormat)
	app := &App{config: envConfig, logger: log}

	app.reporter, err = report.New(envConfig.SentryDSN, envConfig.Env, version)
	if err != nil {
		return nil, err
	}

	awsConfig, err := config.InitializeAws(ctx, envConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AWS config: %w", err)
	}

	storeKind := envConfig.JobStore
	if envConfig.Mode == config.ModeWorker && storeKind == jobstore.KindPebble {
		// the pebble store lives on the dispatcher's disk
		log.Warn("[app] pebble job store is local to the dispatcher, worker runs without it")
		storeKind = jobstore.KindNone
	}
	app.store, err = jobstore.Open(ctx, jobstore.Options{
		Kind:          storeKind,
		RedisAddr:     envConfig.RedisAddr,
		RedisPassword: envConfig.RedisPassword,
		RedisDB:       envConfig.RedisDB,
		PebblePath:    envConfig.PebblePath,
		RecordTTL:     envConfig.JobLockTTL * 12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}

	if envConfig.RabbitMqURL != "" {
		publisher, err := status.NewRabbitMqPublisher(envConfig.RabbitMqURL, envConfig.RabbitMqExchange)
		if err != nil {
			app.store.Close()
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
		}
		app.publisher = publisher
	} else {
		app.publisher = status.LogPublisher{Logger: log}
	}
	app.tracker = status.NewTracker(app.store, app.publisher, log)

	switch envConfig.Mode {
	case config.ModeDispatcher:
		d := envConfig.Dispatcher
		sqsService := aws.NewSQSService(aws.NewSQSClient(awsConfig), d.QueueURL, d.DeadLetterQueueURL, d.WaitSeconds)
		ecsService := aws.NewECSService(aws.NewECSClient(awsConfig), aws.TaskTemplate{
			Cluster:        d.ClusterARN,
			TaskDefinition: d.TaskDefinition,
			ContainerName:  d.ContainerName,
			SecurityGroups: d.SecurityGroups,
			Subnets:        d.Subnets,
		})
		app.dispatcher = queue.NewDispatcher(sqsService, ecsService, notification.NewDecoder(d.DecodeObjectKeys),
			app.store, app.tracker, app.reporter, log, queue.Options{
				LockTTL:           envConfig.JobLockTTL,
				MaxReceiveCount:   d.MaxReceiveCount,
				ReceiveErrorDelay: d.ReceiveErrorDelay,
				RequeueDelay:      d.RequeueDelay,
			})

	case config.ModeWorker:
		w := envConfig.Worker
		s3Service := aws.NewS3Service(aws.NewS3Client(awsConfig), w.UploadBucketName, w.FetchTimeout, w.UploadTimeout)
		ffmpeg := transcoder.NewFFmpeg(w.FFmpegPath)
		app.worker, err = transcoder.NewWorker(s3Service, ffmpeg, s3Service, w.Resolutions, w.NestBySource, transcoder.Options{
			WorkDir:          w.WorkDir,
			RenditionTimeout: w.RenditionTimeout,
			MaxParallel:      w.MaxParallel,
			Poster: transcoder.PosterOptions{
				Enabled: w.PosterEnabled,
				Width:   w.PosterWidth,
				Height:  w.PosterHeight,
				At:      w.PosterAt,
				Timeout: w.RenditionTimeout,
			},
		}, log)
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

// Close gracefully shuts down the application
func (a *App) Close() {
	if err := a.publisher.Close(); err != nil {
		a.logger.WithError(err).Warn("[app] error closing status publisher")
	}
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("[app] error closing job store")
	}
	a.reporter.Flush()
}

func (a *App) Run(ctx context.Context) error {
	if a.config.Mode == config.ModeDispatcher {
		return a.dispatcher.Run(ctx)
	}
	return a.runJob(ctx)
}

// runJob runs the single job this worker task was launched for.
func (a *App) runJob(ctx context.Context) error {
	w := a.config.Worker
	params := types.JobParameters{Bucket: w.BucketName, Key: w.Key, Sequencer: w.Sequencer}
	jobID := w.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	// the terminal status is recorded even after a shutdown signal
	statusCtx := context.WithoutCancel(ctx)

	a.tracker.Update(statusCtx, utils.InitStatusData(jobID, params, types.RUNNING, ""))

	outcome, err := a.worker.Run(ctx, jobID, params)
	if err != nil {
		a.reporter.Capture(err, map[string]string{"stage": "fetch", "bucket": params.Bucket, "key": params.Key})
		a.tracker.Abort(statusCtx, jobID, params, err)
		return err
	}
	a.tracker.Finish(statusCtx, outcome)

	if !outcome.Succeeded() {
		err := fmt.Errorf("%w: %s: failed renditions %v: %s", errJobFailed, params, outcome.Failed(), utils.FirstRenditionError(outcome))
		a.reporter.Capture(err, map[string]string{"stage": "render", "bucket": params.Bucket, "key": params.Key})
		return err
	}
	return nil
}

func main() {
	mode := flag.String("mode", "", "dispatcher or worker (default $APP_MODE)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, *mode)
	if err != nil {
		logrus.Fatalf("Failed to initialize application: %v", err)
	}
	app.logger.WithField("mode", app.config.Mode).Info("Application initialized successfully")

	err = app.Run(ctx)
	app.Close()
	if err != nil {
		app.logger.WithError(err).Error("Application stopped with error")
		os.Exit(1)
	}
}
