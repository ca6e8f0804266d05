package s3archive_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/history/s3archive"
	"github.com/MrWong99/voxline/internal/transcript"
)

// fakeBucket is an in-memory S3 bucket. PageSize > 0 forces paginated
// listings.
type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	PageSize  int
	PutError  error
	HeadError error

	listCalls int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (f *fakeBucket) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.PutError != nil {
		return nil, f.PutError
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if aws.ToInt64(in.ContentLength) != int64(len(body)) {
		return nil, errors.New("content length mismatch")
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Key)] = body
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	body, ok := f.objects[aws.ToString(in.Key)]
	f.mu.Unlock()
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeBucket) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start = sort.SearchStrings(keys, aws.ToString(in.ContinuationToken))
	}
	end := len(keys)
	if f.PageSize > 0 && start+f.PageSize < end {
		end = start + f.PageSize
	}

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeBucket) HeadBucket(_ context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.HeadError != nil {
		return nil, f.HeadError
	}
	if aws.ToString(in.Bucket) == "" {
		return nil, errors.New("missing bucket")
	}
	return &s3.HeadBucketOutput{}, nil
}

func makeRecord(id string, at time.Time, text string) history.Record {
	entries := []transcript.Entry{{Role: transcript.RoleUser, Text: text, Timestamp: "0:01"}}
	return history.NewRecord(id, at, at.Add(5*time.Second), entries)
}

var t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

func TestNewWithClient_Validation(t *testing.T) {
	t.Parallel()

	if _, err := s3archive.NewWithClient(newFakeBucket(), "", "p"); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestNew_BuildsClient(t *testing.T) {
	t.Parallel()

	s, err := s3archive.New(s3archive.Config{
		Bucket:          "voice",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	})
	if err != nil || s == nil {
		t.Fatalf("New = %v, %v", s, err)
	}

	c := s3archive.NewClient(s3archive.Config{Endpoint: "http://127.0.0.1:9000"})
	opts := c.Options()
	if opts.Region != "auto" || !opts.UsePathStyle || aws.ToString(opts.BaseEndpoint) != "http://127.0.0.1:9000" {
		t.Errorf("options = region %q path-style %v endpoint %q", opts.Region, opts.UsePathStyle, aws.ToString(opts.BaseEndpoint))
	}

	c = s3archive.NewClient(s3archive.Config{Region: "eu-west-1"})
	if c.Options().Region != "eu-west-1" || c.Options().UsePathStyle {
		t.Errorf("aws options = %+v", c.Options())
	}
}

func TestStore_SaveGet(t *testing.T) {
	t.Parallel()

	bucket := newFakeBucket()
	s, _ := s3archive.NewWithClient(bucket, "voice", "history")
	ctx := context.Background()

	if err := s.Save(ctx, makeRecord("c1", t0, "Hello")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := bucket.objects["history/c1.json"]; !ok {
		t.Errorf("objects = %v, want key history/c1.json", bucket.objects)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Summary != "Hello" || got.Duration != 5 || !got.Date.Equal(t0) {
		t.Errorf("Get = %+v", got)
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("Get(nope) err = %v, want ErrNotFound", err)
	}
}

func TestStore_SaveRejectsBadID(t *testing.T) {
	t.Parallel()

	s, _ := s3archive.NewWithClient(newFakeBucket(), "voice", "")
	for _, id := range []string{"", "a/b"} {
		if err := s.Save(context.Background(), makeRecord(id, t0, "x")); err == nil {
			t.Errorf("Save(%q): expected error", id)
		}
	}
}

func TestStore_SaveUploadError(t *testing.T) {
	t.Parallel()

	bucket := newFakeBucket()
	bucket.PutError = errors.New("access denied")
	s, _ := s3archive.NewWithClient(bucket, "voice", "")
	err := s.Save(context.Background(), makeRecord("c1", t0, "x"))
	if !errors.Is(err, bucket.PutError) {
		t.Errorf("err = %v, want wrapped upload error", err)
	}
}

func TestStore_ListPaginatesAndSorts(t *testing.T) {
	t.Parallel()

	bucket := newFakeBucket()
	bucket.PageSize = 2
	s, _ := s3archive.NewWithClient(bucket, "voice", "history/")
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c", "d", "e"} {
		if err := s.Save(ctx, makeRecord(id, t0.Add(time.Duration(i)*time.Minute), "line "+id)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	bucket.objects["history/notes.txt"] = []byte("ignored")
	bucket.objects["history/nested/x.json"] = []byte("{}")
	bucket.objects["history/broken.json"] = []byte("{")
	bucket.objects["other/z.json"] = []byte("{}")

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"e", "d", "c", "b", "a"}
	if len(list) != len(want) {
		t.Fatalf("List = %d records, want %d", len(list), len(want))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Errorf("list[%d] = %q, want %q", i, list[i].ID, id)
		}
	}
	if bucket.listCalls < 3 {
		t.Errorf("listCalls = %d, want paginated listing", bucket.listCalls)
	}

	got, err := history.Search(ctx, s, "LINE C")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c" {
		t.Errorf("Search = %+v", got)
	}
}

func TestStore_ListEmpty(t *testing.T) {
	t.Parallel()

	s, _ := s3archive.NewWithClient(newFakeBucket(), "voice", "")
	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list == nil || len(list) != 0 {
		t.Errorf("List = %#v, want empty non-nil", list)
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	bucket := newFakeBucket()
	s, _ := s3archive.NewWithClient(bucket, "voice", "")
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	bucket.HeadError = &s3types.NotFound{}
	var nf *s3types.NotFound
	if err := s.Ping(context.Background()); !errors.As(err, &nf) {
		t.Errorf("Ping err = %v, want wrapped NotFound", err)
	}
}
