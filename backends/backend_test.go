package backends

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/go-cmp/cmp"

	"github.com/richardartoul/scriptdesk/pkg/locking"
)

// fakeS3 is an in-memory S3API good enough for prefix/delimiter listing.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := make(map[string]bool)

	keys := make([]string, 0, len(f.objects))
	for key := range f.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				common := prefix + rest[:i+len(delimiter)]
				if !seen[common] {
					seen[common] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(common)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	disk, err := NewDisk(t.TempDir(), locking.NewMemLock(), logger)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}
	bucket, err := NewS3WithClient(newFakeS3(), "scriptdesk", "caches")
	if err != nil {
		t.Fatalf("NewS3WithClient failed: %v", err)
	}

	return map[string]Backend{
		"memory": NewMemory(),
		"disk":   disk,
		"s3":     bucket,
		"debug":  NewDebug(NewMemory(), logger),
	}
}

func TestBackendRecords(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if _, miss, err := b.Get(ctx, "static-v1", "ab12"); err != nil || !miss {
				t.Fatalf("expected miss on empty backend, got miss=%v err=%v", miss, err)
			}

			if err := b.Put(ctx, "static-v1", "ab12", []byte("first")); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			if err := b.Put(ctx, "static-v1", "ab12", []byte("second")); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			if err := b.Put(ctx, "static-v1", "cd34", []byte("other")); err != nil {
				t.Fatalf("put failed: %v", err)
			}

			data, miss, err := b.Get(ctx, "static-v1", "ab12")
			if err != nil || miss {
				t.Fatalf("expected hit, got miss=%v err=%v", miss, err)
			}
			if string(data) != "second" {
				t.Fatalf("expected overwritten record, got %q", data)
			}

			ids, err := b.List(ctx, "static-v1")
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if diff := cmp.Diff([]string{"ab12", "cd34"}, ids); diff != "" {
				t.Errorf("unexpected ids (-want +got):\n%s", diff)
			}

			if err := b.Delete(ctx, "static-v1", "ab12"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if _, miss, _ := b.Get(ctx, "static-v1", "ab12"); !miss {
				t.Fatal("expected miss after delete")
			}
			if err := b.Delete(ctx, "static-v1", "ab12"); err != nil {
				t.Fatalf("deleting a missing record should succeed, got %v", err)
			}
		})
	}
}

func TestBackendCaches(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.CreateCache(ctx, "offline-v2"); err != nil {
				t.Fatalf("create failed: %v", err)
			}
			if err := b.CreateCache(ctx, "offline-v2"); err != nil {
				t.Fatalf("re-create failed: %v", err)
			}
			if err := b.Put(ctx, "dynamic-v1", "ef56", []byte("x")); err != nil {
				t.Fatalf("put failed: %v", err)
			}

			names, err := b.Caches(ctx)
			if err != nil {
				t.Fatalf("caches failed: %v", err)
			}
			if diff := cmp.Diff([]string{"dynamic-v1", "offline-v2"}, names); diff != "" {
				t.Errorf("unexpected caches (-want +got):\n%s", diff)
			}

			ids, err := b.List(ctx, "offline-v2")
			if err != nil || len(ids) != 0 {
				t.Fatalf("expected empty cache, got %v, %v", ids, err)
			}

			if err := b.DeleteCache(ctx, "dynamic-v1"); err != nil {
				t.Fatalf("delete cache failed: %v", err)
			}
			if _, miss, _ := b.Get(ctx, "dynamic-v1", "ef56"); !miss {
				t.Fatal("expected records to go with their cache")
			}
			names, _ = b.Caches(ctx)
			if diff := cmp.Diff([]string{"offline-v2"}, names); diff != "" {
				t.Errorf("unexpected caches after delete (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBackendRejectsUnsafeNames(t *testing.T) {
	ctx := context.Background()
	for name, b := range testBackends(t) {
		for _, bad := range []string{"", "../etc", "a/b", ".hidden"} {
			if err := b.Put(ctx, bad, "id", nil); err == nil {
				t.Errorf("%s: expected cache name %q to be rejected", name, bad)
			}
			if err := b.Put(ctx, "ok", bad, nil); err == nil {
				t.Errorf("%s: expected id %q to be rejected", name, bad)
			}
		}
	}
}

func TestDiskLayout(t *testing.T) {
	dir := t.TempDir()
	d, err := NewDisk(dir, nil, nil)
	if err != nil {
		t.Fatalf("NewDisk failed: %v", err)
	}
	if err := d.Put(context.Background(), "static-v1", "abcdef", []byte("x")); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if got := d.recordPath("static-v1", "abcdef"); !strings.HasSuffix(got, "static-v1/ab/v1-abcdef") {
		t.Errorf("unexpected record path %s", got)
	}
}

func TestS3RequiresBucket(t *testing.T) {
	if _, err := NewS3WithClient(newFakeS3(), "", ""); err == nil {
		t.Fatal("expected missing bucket to fail")
	}
}
