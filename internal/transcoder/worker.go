package transcoder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mahirjain10/go-transcoder/internal/types"
	"github.com/mahirjain10/go-transcoder/internal/utils"
)

// Fetcher downloads the source object to a local path.
type Fetcher interface {
	Fetch(ctx context.Context, bucket, key, dst string) (int64, error)
}

type Options struct {
	WorkDir string
	// RenditionTimeout is the deadline of each pipeline. A pipeline that has
	// not reported by then is recorded as failed and no longer waited on.
	RenditionTimeout time.Duration
	// MaxParallel caps concurrent pipelines. Zero runs every resolution at once.
	MaxParallel int
	Poster      PosterOptions
}

// Worker runs one transcode job: fetch, fan out one pipeline per resolution, join.
type Worker struct {
	fetcher     Fetcher
	encoder     Encoder
	uploader    Uploader
	pipeline    *Pipeline
	resolutions []types.Resolution
	opts        Options
	logger      logrus.FieldLogger
}

func NewWorker(fetcher Fetcher, encoder Encoder, uploader Uploader, resolutions []types.Resolution, nestBySource bool, opts Options, logger logrus.FieldLogger) (*Worker, error) {
	if err := types.ValidateResolutions(resolutions); err != nil {
		return nil, err
	}
	return &Worker{
		fetcher:     fetcher,
		encoder:     encoder,
		uploader:    uploader,
		pipeline:    NewPipeline(encoder, uploader, nestBySource, logger),
		resolutions: resolutions,
		opts:        opts,
		logger:      logger,
	}, nil
}

// Run returns an error only when the source could not be fetched. Rendition
// failures are reported in the outcome. The work dir is removed before returning.
func (w *Worker) Run(ctx context.Context, jobID string, params types.JobParameters) (types.JobOutcome, error) {
	outcome := types.JobOutcome{JobID: jobID, Params: params}
	log := w.logger.WithFields(logrus.Fields{"job_id": jobID, "bucket": params.Bucket, "key": params.Key})

	if params.Bucket == "" || params.Key == "" {
		return outcome, fmt.Errorf("%w: bucket and key are required", types.ErrFetchFailed)
	}

	dirName := jobID
	if dirName == "" {
		dirName = "job"
	}
	workDir := filepath.Join(w.opts.WorkDir, dirName)
	defer func() {
		if err := utils.CleanupAll(workDir); err != nil {
			log.WithError(err).Warn("[worker] cleanup failed")
		}
	}()

	sourcePath, err := utils.PathUtil(workDir, utils.SourceFileName(params.Key))
	if err != nil {
		return outcome, fmt.Errorf("%w: %v", types.ErrFetchFailed, err)
	}
	source := Source{Params: params, Path: sourcePath, Dir: workDir}

	start := time.Now()
	size, err := w.fetcher.Fetch(ctx, params.Bucket, params.Key, source.Path)
	if err != nil {
		return outcome, err
	}
	log.WithFields(logrus.Fields{"bytes": size, "took": time.Since(start).Round(time.Millisecond)}).Info("[worker] source downloaded")

	outcome.Results = w.renderAll(ctx, source)

	if w.opts.Poster.Enabled {
		outcome.Poster = w.renderPoster(ctx, source)
		if outcome.Poster.Err != nil {
			log.WithError(outcome.Poster.Err).Warn("[worker] poster failed")
		}
	}

	if outcome.Succeeded() {
		log.WithField("outputs", outcome.OutputKeys()).Info("[worker] all renditions uploaded")
	} else {
		log.WithField("failed", outcome.Failed()).Error("[worker] job finished with failed renditions")
	}
	return outcome, nil
}

// renderAll is the fan-out/join. Results keep the configured resolution order,
// one slot per goroutine.
func (w *Worker) renderAll(ctx context.Context, source Source) []types.RenditionResult {
	results := make([]types.RenditionResult, len(w.resolutions))

	var g errgroup.Group
	if w.opts.MaxParallel > 0 {
		g.SetLimit(w.opts.MaxParallel)
	}
	for i, resolution := range w.resolutions {
		i, resolution := i, resolution
		g.Go(func() error {
			results[i] = w.renderWithDeadline(ctx, source, resolution)
			return nil
		})
	}
	g.Wait()
	return results
}

func (w *Worker) renderWithDeadline(parent context.Context, source Source, resolution types.Resolution) types.RenditionResult {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if w.opts.RenditionTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, w.opts.RenditionTimeout)
	}
	defer cancel()

	done := make(chan types.RenditionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failed(resolution, w.pipeline.OutputKey(source.Params, resolution.OutputName()),
					fmt.Errorf("%w: %s: panic: %v", types.ErrEncodeFailed, resolution.Name, r))
			}
		}()
		done <- w.pipeline.Render(ctx, source, resolution)
	}()

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		kind := types.ErrRenditionTimeout
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = ctx.Err()
		}
		err := fmt.Errorf("%w: %s: no result after %s", kind, resolution.Name, w.opts.RenditionTimeout)
		w.logger.WithError(err).WithField("resolution", resolution.Name).Error("[worker] rendition abandoned")
		return failed(resolution, w.pipeline.OutputKey(source.Params, resolution.OutputName()), err)
	}
}

func failed(resolution types.Resolution, key string, err error) types.RenditionResult {
	return types.RenditionResult{Resolution: resolution, OutputKey: key, Status: types.RenditionFailure, Err: err}
}
