package transcoder

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

const (
	posterFrameName   = "poster-frame.png"
	posterName        = "poster.jpg"
	posterContentType = "image/jpeg"
)

type PosterOptions struct {
	Enabled bool
	Width   int
	Height  int
	// At is the offset into the source the frame is taken from.
	At      time.Duration
	Timeout time.Duration
}

// renderPoster grabs one frame of the source, fits it into the poster box and uploads it.
func (w *Worker) renderPoster(parent context.Context, source Source) *types.PosterResult {
	ctx := parent
	if w.opts.Poster.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, w.opts.Poster.Timeout)
		defer cancel()
	}

	result := &types.PosterResult{OutputKey: w.pipeline.OutputKey(source.Params, posterName)}

	frame := filepath.Join(source.Dir, posterFrameName)
	if err := w.encoder.ExtractFrame(ctx, source.Path, frame, w.opts.Poster.At); err != nil {
		result.Err = err
		return result
	}

	img, err := imaging.Open(frame)
	if err != nil {
		result.Err = fmt.Errorf("failed to decode frame: %w", err)
		return result
	}
	thumb := imaging.Fit(img, w.opts.Poster.Width, w.opts.Poster.Height, imaging.Lanczos)

	output := filepath.Join(source.Dir, posterName)
	if err := imaging.Save(thumb, output, imaging.JPEGQuality(85)); err != nil {
		result.Err = fmt.Errorf("failed to encode poster: %w", err)
		return result
	}

	if err := w.uploader.Upload(ctx, result.OutputKey, output, posterContentType); err != nil {
		result.Err = err
	}
	return result
}
