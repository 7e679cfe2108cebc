package transcoder

import (
	"context"
	"errors"
	"image/color"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

// fakeEncoder writes Width*Height/100 bytes per rendition so outputs are distinguishable by size.
type fakeEncoder struct {
	mu      sync.Mutex
	encoded []string
	fail    map[string]error
	// hang blocks the named resolutions until release is closed, ignoring ctx.
	hang    map[string]bool
	release chan struct{}
	frame   error
}

func (e *fakeEncoder) Encode(ctx context.Context, input, output string, resolution types.Resolution) error {
	if _, err := os.Stat(input); err != nil {
		return err
	}
	if e.hang[resolution.Name] {
		<-e.release
		return errors.New("released")
	}
	if err := e.fail[resolution.Name]; err != nil {
		return err
	}
	e.mu.Lock()
	e.encoded = append(e.encoded, resolution.Name)
	e.mu.Unlock()
	return os.WriteFile(output, make([]byte, resolution.Width*resolution.Height/100), 0o644)
}

func (e *fakeEncoder) ExtractFrame(ctx context.Context, input, output string, at time.Duration) error {
	if e.frame != nil {
		return e.frame
	}
	return imaging.Save(imaging.New(640, 360, color.NRGBA{R: 200, A: 255}), output)
}

type upload struct {
	key         string
	size        int64
	contentType string
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads map[string]upload
	fail    map[string]error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{uploads: map[string]upload{}}
}

func (u *fakeUploader) Upload(ctx context.Context, key, filePath, contentType string) error {
	if err := u.fail[key]; err != nil {
		return err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads[key] = upload{key: key, size: info.Size(), contentType: contentType}
	return nil
}

type fakeFetcher struct {
	err     error
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, bucket, key, dst string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.fetched = append(f.fetched, bucket+"/"+key)
	data := []byte("not really a video")
	return int64(len(data)), os.WriteFile(dst, data, 0o644)
}

func testLogger(t *testing.T) logrus.FieldLogger {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	return logger
}
