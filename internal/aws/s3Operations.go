package aws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/mahirjain10/go-transcoder/internal/types"
)

type downloader interface {
	Download(ctx context.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*manager.Downloader)) (int64, error)
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// Creating Dependency
type S3Service struct {
	downloader    downloader
	uploader      uploader
	uploadBucket  string
	fetchTimeout  time.Duration
	uploadTimeout time.Duration
}

// Using Constructor Pattern to initalize our s3Service
func NewS3Service(client *s3.Client, uploadBucket string, fetchTimeout time.Duration, uploadTimeout time.Duration) *S3Service {
	return &S3Service{
		downloader:    manager.NewDownloader(client),
		uploader:      manager.NewUploader(client),
		uploadBucket:  uploadBucket,
		fetchTimeout:  fetchTimeout,
		uploadTimeout: uploadTimeout,
	}
}

// Fetch downloads bucket/key into dst in full. A partially written dst is removed.
// Every failure wraps types.ErrFetchFailed.
func (service *S3Service) Fetch(ctx context.Context, bucket, key, dst string) (int64, error) {
	if service.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, service.fetchTimeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(dst), os.ModePerm); err != nil {
		return 0, fmt.Errorf("%w: failed to create directories: %v", types.ErrFetchFailed, err)
	}
	outFile, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create file: %v", types.ErrFetchFailed, err)
	}

	n, err := service.downloader.Download(ctx, outFile, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	closeErr := outFile.Close()
	if err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: object %s/%s does not exist: %v", types.ErrFetchFailed, bucket, key, err)
		}
		return 0, fmt.Errorf("%w: couldn't download object %s/%s: %v", types.ErrFetchFailed, bucket, key, err)
	}
	return n, nil
}

// Upload puts the local file at filePath into the upload bucket under key.
func (service *S3Service) Upload(parentCtx context.Context, key, filePath, contentType string) error {
	ctx := parentCtx
	if service.uploadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, service.uploadTimeout)
		defer cancel()
	}

	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", types.ErrUploadFailed, filePath, err)
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket:            aws.String(service.uploadBucket),
		Key:               aws.String(key),
		Body:              file,
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
	}
	if _, err := service.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("%w: put %s/%s: %v", types.ErrUploadFailed, service.uploadBucket, key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}
