package s3io

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// api is the subset of the S3 client the store uses; narrowed for tests.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Store transfers objects into the bucket an upload session points at.
type Store struct {
	client api
	bucket string

	partSize     int64
	concurrency  int
	partAttempts int
	retryDelay   time.Duration

	logger *slog.Logger
}

// New builds a store for the given session. partSize and concurrency govern
// multipart transfers.
func New(sess Session, partSize int64, concurrency int, logger *slog.Logger) *Store {
	return &Store{
		client:       newClient(sess),
		bucket:       sess.Bucket,
		partSize:     partSize,
		concurrency:  concurrency,
		partAttempts: 3,
		retryDelay:   time.Second,
		logger:       logger,
	}
}

// ObjectURL returns the store path for a key, as referenced in
// normalization requests.
func (s *Store) ObjectURL(key string) string {
	return "s3://" + s.bucket + "/" + key
}

// Put uploads a small object in a single request.
func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, metadata map[string]string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PutMultipart uploads a large object in fixed-size parts. Parts transfer
// concurrently; the completion call always lists them in ascending part
// order. On any part failure the multipart session is aborted so the store
// does not retain an orphaned partial object.
func (s *Store) PutMultipart(ctx context.Context, key string, r io.ReaderAt, size int64, metadata map[string]string) error {
	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	numParts := int((size + s.partSize - 1) / s.partSize)
	s.logger.Debug("multipart upload started", "key", key, "parts", numParts, "size", size)

	partCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed []types.CompletedPart
		firstErr  error
	)
	sem := make(chan struct{}, s.concurrency)
	for part := 1; part <= numParts; part++ {
		offset := int64(part-1) * s.partSize
		length := s.partSize
		if offset+length > size {
			length = size - offset
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(part int, offset, length int64) {
			defer wg.Done()
			defer func() { <-sem }()
			etag, err := s.uploadPart(partCtx, key, uploadID, part, r, offset, length)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			completed = append(completed, types.CompletedPart{
				ETag:       aws.String(etag),
				PartNumber: aws.Int32(int32(part)),
			})
		}(part, offset, length)
	}
	wg.Wait()

	if firstErr != nil {
		// Abandon the session explicitly; use the parent context because
		// partCtx was cancelled to stop the remaining workers.
		if _, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		}); abortErr != nil {
			s.logger.Warn("abort multipart upload failed", "key", key, "error", abortErr)
		}
		return fmt.Errorf("multipart upload of %s: %w", key, firstErr)
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})
	return s.complete(ctx, key, uploadID, completed)
}

// uploadPart transfers one part with bounded retries. A fresh section
// reader is taken per attempt so a partially consumed body never leaks into
// a retry.
func (s *Store) uploadPart(ctx context.Context, key, uploadID string, part int, r io.ReaderAt, offset, length int64) (string, error) {
	var lastErr error
	for attempt := 0; attempt < s.partAttempts; attempt++ {
		if attempt > 0 {
			s.logger.Warn("retrying part upload", "key", key, "part", part, "attempt", attempt+1, "error", lastErr)
			select {
			case <-time.After(s.retryDelay * time.Duration(1<<(attempt-1))):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(int32(part)),
			Body:          io.NewSectionReader(r, offset, length),
			ContentLength: aws.Int64(length),
		})
		if err == nil {
			return aws.ToString(out.ETag), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("part %d failed after %d attempts: %w", part, s.partAttempts, lastErr)
}

// complete commits the part list. Completion is idempotent: if the store
// reports the upload session gone but the object exists, a previous
// completion already succeeded and this call reports success.
func (s *Store) complete(ctx context.Context, key, uploadID string, parts []types.CompletedPart) error {
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err == nil {
		return nil
	}
	var gone *types.NoSuchUpload
	if errors.As(err, &gone) {
		if _, headErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); headErr == nil {
			return nil
		}
	}
	return fmt.Errorf("complete multipart upload for %s: %w", key, err)
}
