package s3io

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 implements the api interface in memory, with per-call failure hooks.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	parts     map[int][]byte
	completed []types.CompletedPart
	aborted   bool

	putErr      error
	partErr     func(part int, attempt int) error
	completeErr error
	partCalls   map[int]int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:   map[string][]byte{},
		parts:     map[int][]byte{},
		partCalls: map[int]int{},
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	part := int(aws.ToInt32(in.PartNumber))
	f.mu.Lock()
	f.partCalls[part]++
	attempt := f.partCalls[part]
	f.mu.Unlock()
	if f.partErr != nil {
		if err := f.partErr(part, attempt); err != nil {
			return nil, err
		}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.parts[part] = data
	f.mu.Unlock()
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", part))}, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = in.MultipartUpload.Parts
	var assembled []byte
	for _, p := range f.completed {
		assembled = append(assembled, f.parts[int(aws.ToInt32(p.PartNumber))]...)
	}
	f.objects[aws.ToString(in.Key)] = assembled
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = true
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("not found")
	}
	return &s3.HeadObjectOutput{}, nil
}

func newTestStore(client api) *Store {
	return &Store{
		client:       client,
		bucket:       "test-bucket",
		partSize:     4,
		concurrency:  2,
		partAttempts: 3,
		retryDelay:   time.Millisecond,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestObjectURL(t *testing.T) {
	t.Parallel()

	s := newTestStore(newFakeS3())
	if got := s.ObjectURL("uploads/a.geojson"); got != "s3://test-bucket/uploads/a.geojson" {
		t.Errorf("ObjectURL() = %q", got)
	}
}

func TestPut(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	s := newTestStore(fake)
	body := []byte("payload")
	if err := s.Put(context.Background(), "uploads/a.geojson", bytes.NewReader(body), int64(len(body)), map[string]string{"upload-id": "u1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if !bytes.Equal(fake.objects["uploads/a.geojson"], body) {
		t.Error("stored object differs from input")
	}
}

func TestPutMultipartSplitsAndOrdersParts(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	s := newTestStore(fake)
	// 10 bytes at partSize 4 gives parts of 4, 4 and 2 bytes.
	payload := []byte("0123456789")
	if err := s.PutMultipart(context.Background(), "uploads/big.bin", bytes.NewReader(payload), int64(len(payload)), nil); err != nil {
		t.Fatalf("PutMultipart() error: %v", err)
	}

	if len(fake.completed) != 3 {
		t.Fatalf("completed parts = %d, want 3", len(fake.completed))
	}
	for i, p := range fake.completed {
		if got := aws.ToInt32(p.PartNumber); got != int32(i+1) {
			t.Errorf("completion part[%d] = %d, want ascending order", i, got)
		}
	}
	if !bytes.Equal(fake.objects["uploads/big.bin"], payload) {
		t.Errorf("assembled object = %q, want %q", fake.objects["uploads/big.bin"], payload)
	}
}

func TestPutMultipartRetriesTransientPartFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.partErr = func(part, attempt int) error {
		if part == 2 && attempt == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	s := newTestStore(fake)
	payload := []byte("0123456789")
	if err := s.PutMultipart(context.Background(), "uploads/big.bin", bytes.NewReader(payload), int64(len(payload)), nil); err != nil {
		t.Fatalf("PutMultipart() error: %v", err)
	}
	if fake.partCalls[2] != 2 {
		t.Errorf("part 2 attempts = %d, want 2 (one retry)", fake.partCalls[2])
	}
	if !bytes.Equal(fake.objects["uploads/big.bin"], payload) {
		t.Error("assembled object differs after retried part")
	}
}

func TestPutMultipartAbortsOnPersistentFailure(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.partErr = func(part, attempt int) error {
		if part == 2 {
			return errors.New("access denied")
		}
		return nil
	}
	s := newTestStore(fake)
	payload := []byte("0123456789")
	err := s.PutMultipart(context.Background(), "uploads/big.bin", bytes.NewReader(payload), int64(len(payload)), nil)
	if err == nil {
		t.Fatal("PutMultipart() succeeded, want error")
	}
	if !strings.Contains(err.Error(), "access denied") {
		t.Errorf("error %q does not carry the part failure", err)
	}
	if !fake.aborted {
		t.Error("multipart session was not aborted after failure")
	}
	if _, ok := fake.objects["uploads/big.bin"]; ok {
		t.Error("object exists despite failed upload")
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	t.Parallel()

	// A lost completion response followed by a transport-level retry hits a
	// session that no longer exists; the object being present means the
	// first completion landed.
	fake := newFakeS3()
	fake.completeErr = &types.NoSuchUpload{}
	fake.objects["uploads/big.bin"] = []byte("already there")
	s := newTestStore(fake)

	payload := []byte("0123456789")
	if err := s.PutMultipart(context.Background(), "uploads/big.bin", bytes.NewReader(payload), int64(len(payload)), nil); err != nil {
		t.Fatalf("PutMultipart() error: %v, want success when the object already exists", err)
	}
}

func TestCompleteFailsWhenSessionGoneAndObjectMissing(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.completeErr = &types.NoSuchUpload{}
	s := newTestStore(fake)

	payload := []byte("0123456789")
	err := s.PutMultipart(context.Background(), "uploads/big.bin", bytes.NewReader(payload), int64(len(payload)), nil)
	if err == nil {
		t.Fatal("PutMultipart() succeeded, want error when neither session nor object exists")
	}
}
