package transcoder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mahirjain10/go-transcoder/internal/types"
	"github.com/mahirjain10/go-transcoder/internal/utils"
)

const videoContentType = "video/mp4"

// Uploader puts a local file into the destination bucket.
type Uploader interface {
	Upload(ctx context.Context, key, filePath, contentType string) error
}

// Source is the fully downloaded original every pipeline reads from.
type Source struct {
	Params types.JobParameters
	Path   string
	// Dir is the job's work dir, where pipelines write their outputs.
	Dir string
}

// Pipeline encodes one resolution and uploads it.
type Pipeline struct {
	encoder      Encoder
	uploader     Uploader
	nestBySource bool
	logger       logrus.FieldLogger
}

func NewPipeline(encoder Encoder, uploader Uploader, nestBySource bool, logger logrus.FieldLogger) *Pipeline {
	return &Pipeline{encoder: encoder, uploader: uploader, nestBySource: nestBySource, logger: logger}
}

// OutputKey is the destination object key for name, e.g. "video-360p.mp4",
// or "uploads/clip42/video-360p.mp4" when outputs are nested by source.
func (p *Pipeline) OutputKey(params types.JobParameters, name string) string {
	if p.nestBySource {
		return utils.SourceStem(params.Key) + "/" + name
	}
	return name
}

// Render always returns a result. Failures carry ErrEncodeFailed,
// ErrUploadFailed or ErrRenditionTimeout.
func (p *Pipeline) Render(ctx context.Context, source Source, resolution types.Resolution) types.RenditionResult {
	start := time.Now()
	result := types.RenditionResult{
		Resolution: resolution,
		OutputKey:  p.OutputKey(source.Params, resolution.OutputName()),
	}
	log := p.logger.WithFields(logrus.Fields{"resolution": resolution.Name, "size": resolution.Size()})

	fail := func(kind error, err error) types.RenditionResult {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = types.ErrRenditionTimeout
		}
		result.Status = types.RenditionFailure
		result.Err = fmt.Errorf("%w: %s: %v", kind, resolution.Name, err)
		result.Duration = time.Since(start)
		log.WithError(result.Err).Error("[pipeline] rendition failed")
		return result
	}

	output := filepath.Join(source.Dir, resolution.OutputName())
	log.Info("[pipeline] encoding")
	if err := p.encoder.Encode(ctx, source.Path, output, resolution); err != nil {
		return fail(types.ErrEncodeFailed, err)
	}

	if err := p.uploader.Upload(ctx, result.OutputKey, output, videoContentType); err != nil {
		return fail(types.ErrUploadFailed, err)
	}
	if err := utils.RemoveLocal(source.Dir, resolution.OutputName()); err != nil {
		log.WithError(err).Warn("[pipeline] failed to remove local rendition")
	}

	result.Status = types.RenditionSuccess
	result.Duration = time.Since(start)
	log.WithFields(logrus.Fields{"key": result.OutputKey, "took": result.Duration.Round(time.Millisecond)}).Infof("Uploaded %s!", resolution.OutputName())
	return result
}
