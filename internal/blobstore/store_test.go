package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "memory", cfg: Config{Driver: DriverMemory}},
		{name: "default driver is s3", cfg: Config{Bucket: "lockup-reports", S3Client: &fakeS3Client{}}},
		{name: "unsupported driver", cfg: Config{Driver: "gcs"}, wantErr: true},
		{name: "s3 missing bucket", cfg: Config{Driver: DriverS3, S3Client: &fakeS3Client{}}, wantErr: true},
		{name: "s3 missing client", cfg: Config{Driver: DriverS3, Bucket: "lockup-reports"}, wantErr: true},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, err := New(tc.cfg)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				if store != nil {
					t.Fatalf("expected nil store on error")
				}
				return
			}
			if err != nil || store == nil {
				t.Fatalf("New: store=%v err=%v", store, err)
			}
		})
	}
}

type refundReport struct {
	TransferID string `json:"transferId"`
	Reason     string `json:"reason"`
}

func TestMemoryStore_ReportsAreImmutable(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory, Prefix: "/lockup/reports/"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	want := refundReport{TransferID: "0x01", Reason: "receiver frozen"}
	if err := PutJSON(ctx, store, "refund-failures/0x01/0.json", want, map[string]string{" report-type ": " refund_failure "}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	if err := PutJSON(ctx, store, "refund-failures/0x01/0.json", refundReport{Reason: "other"}, nil); !errors.Is(err, ErrExists) {
		t.Fatalf("second write: expected ErrExists, got %v", err)
	}

	var got refundReport
	if err := GetJSON(ctx, store, "/refund-failures/0x01/0.json", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("report mismatch (-want +got):\n%s", diff)
	}

	obj, err := store.Get(ctx, "refund-failures/0x01/0.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.ContentType != "application/json" || obj.Metadata["report-type"] != "refund_failure" || obj.LastModified.IsZero() {
		t.Fatalf("unexpected object: %+v", obj)
	}

	obj.Data[0] = 'X'
	obj.Metadata["report-type"] = "changed"
	again, err := store.Get(ctx, "refund-failures/0x01/0.json")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again.Data[0] != '{' || again.Metadata["report-type"] != "refund_failure" {
		t.Fatalf("stored object was mutated through a returned copy")
	}

	if err := store.Put(ctx, "refund-failures/0x01/0.json", []byte(`{}`), PutOptions{}); err != nil {
		t.Fatalf("plain Put must overwrite: %v", err)
	}
	if _, err := store.Get(ctx, "refund-failures/0x02/0.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := GetJSON(ctx, store, "refund-failures/0x01/missing.json", &got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetJSON missing: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	t.Parallel()

	store := newMemoryStore("ops", defaultMaxGetSize)
	ctx := context.Background()
	for _, key := range []string{"seize/2.json", "seize/1.json", "outcome-conflicts/a/0.json"} {
		if err := store.Put(ctx, key, []byte(`{}`), PutOptions{}); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := store.List(ctx, "seize/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"seize/1.json", "seize/2.json"}, keys); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}
	all, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 || all[0] != "outcome-conflicts/a/0.json" {
		t.Fatalf("List all: got %v", all)
	}
}

func TestMemoryStore_MaxGetSize(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Driver: DriverMemory, MaxGetSize: 4})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := store.Put(context.Background(), "big.json", []byte(`{"a":1}`), PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := store.Get(context.Background(), "big.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestCleanKey(t *testing.T) {
	t.Parallel()

	for _, key := range []string{"", "   ", " seize/1.json", "\x00bad", "a\nb", "seize/../secrets", "./x"} {
		if _, err := cleanKey(key, false); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("cleanKey(%q): expected ErrInvalidKey, got %v", key, err)
		}
	}
	if got, err := cleanKey("/seize/1.json", false); err != nil || got != "seize/1.json" {
		t.Fatalf("cleanKey leading slash: got %q err %v", got, err)
	}
	if got, err := cleanKey("", true); err != nil || got != "" {
		t.Fatalf("empty prefix: got %q err %v", got, err)
	}

	store := newMemoryStore("", defaultMaxGetSize)
	if err := store.Put(context.Background(), "seize/../x", nil, PutOptions{}); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("Put: expected ErrInvalidKey, got %v", err)
	}
	if _, err := store.List(context.Background(), "bad\x00"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("List: expected ErrInvalidKey, got %v", err)
	}
}

func TestS3Store_PutGet(t *testing.T) {
	t.Parallel()

	modified := time.Unix(1_700_000_000, 0).UTC()
	client := &fakeS3Client{
		putFn: func(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			if aws.ToString(in.Bucket) != "lockup-reports" || aws.ToString(in.Key) != "ops/seize/7.json" {
				t.Fatalf("unexpected target: %s/%s", aws.ToString(in.Bucket), aws.ToString(in.Key))
			}
			if aws.ToString(in.ContentType) != "application/json" || aws.ToString(in.IfNoneMatch) != "*" {
				t.Fatalf("unexpected put headers: ct=%q ifNoneMatch=%q", aws.ToString(in.ContentType), aws.ToString(in.IfNoneMatch))
			}
			if in.Metadata["report-type"] != "seize" {
				t.Fatalf("metadata: %v", in.Metadata)
			}
			return &s3.PutObjectOutput{}, nil
		},
		getFn: func(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			if aws.ToString(in.Key) != "ops/seize/7.json" {
				t.Fatalf("get key: %q", aws.ToString(in.Key))
			}
			return &s3.GetObjectOutput{
				Body:         io.NopCloser(strings.NewReader(`{"transferId":"0x07","reason":"ok"}`)),
				ContentType:  aws.String("application/json"),
				LastModified: aws.Time(modified),
			}, nil
		},
	}
	store, err := New(Config{Driver: DriverS3, Bucket: "lockup-reports", Prefix: "ops/", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := PutJSON(ctx, store, "seize/7.json", refundReport{TransferID: "0x07"}, map[string]string{"report-type": "seize"}); err != nil {
		t.Fatalf("PutJSON: %v", err)
	}
	obj, err := store.Get(ctx, "seize/7.json")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if obj.Key != "seize/7.json" || !obj.LastModified.Equal(modified) {
		t.Fatalf("unexpected object: %+v", obj)
	}
	var r refundReport
	if err := GetJSON(ctx, store, "seize/7.json", &r); err != nil || r.TransferID != "0x07" {
		t.Fatalf("GetJSON: %+v %v", r, err)
	}
}

func TestS3Store_ErrorMapping(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		putFn: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			return nil, fakeAPIError{code: "PreconditionFailed"}
		},
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return nil, fakeAPIError{code: "NoSuchKey"}
		},
	}
	store, err := New(Config{Bucket: "lockup-reports", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := store.Put(ctx, "seize/1.json", []byte("{}"), PutOptions{CreateOnly: true}); !errors.Is(err, ErrExists) {
		t.Fatalf("create-only: expected ErrExists, got %v", err)
	}
	if err := store.Put(ctx, "seize/1.json", []byte("{}"), PutOptions{}); err == nil || errors.Is(err, ErrExists) {
		t.Fatalf("plain put: expected a plain error, got %v", err)
	}
	if _, err := store.Get(ctx, "seize/1.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: expected ErrNotFound, got %v", err)
	}
}

func TestS3Store_GetTooLarge(t *testing.T) {
	t.Parallel()

	client := &fakeS3Client{
		getFn: func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("this payload is too large"))}, nil
		},
	}
	store, err := New(Config{Bucket: "lockup-reports", S3Client: client, MaxGetSize: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := store.Get(context.Background(), "seize/3.json"); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestS3Store_ListPaginates(t *testing.T) {
	t.Parallel()

	calls := 0
	client := &fakeS3Client{
		listFn: func(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
			calls++
			if got := aws.ToString(in.Prefix); got != "ops/refund-failures/" {
				t.Fatalf("prefix: got %q", got)
			}
			if calls == 1 {
				return &s3.ListObjectsV2Output{
					Contents:              []s3types.Object{{Key: aws.String("ops/refund-failures/b/0.json")}},
					IsTruncated:           aws.Bool(true),
					NextContinuationToken: aws.String("next"),
				}, nil
			}
			if got := aws.ToString(in.ContinuationToken); got != "next" {
				t.Fatalf("continuation token: got %q", got)
			}
			return &s3.ListObjectsV2Output{
				Contents:    []s3types.Object{{Key: aws.String("ops/refund-failures/a/0.json")}, {Key: aws.String("elsewhere/x.json")}},
				IsTruncated: aws.Bool(false),
			}, nil
		},
	}
	store, err := New(Config{Bucket: "lockup-reports", Prefix: "ops", S3Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	keys, err := store.List(context.Background(), "refund-failures/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff([]string{"refund-failures/a/0.json", "refund-failures/b/0.json"}, keys); diff != "" {
		t.Fatalf("List mismatch (-want +got):\n%s", diff)
	}
	if calls != 2 {
		t.Fatalf("list calls: got %d want 2", calls)
	}
}

type fakeS3Client struct {
	putFn  func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getFn  func(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	listFn func(context.Context, *s3.ListObjectsV2Input, ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

func (f *fakeS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putFn == nil {
		return &s3.PutObjectOutput{}, nil
	}
	return f.putFn(ctx, in, opts...)
}

func (f *fakeS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetObject call")
	}
	return f.getFn(ctx, in, opts...)
}

func (f *fakeS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listFn == nil {
		return &s3.ListObjectsV2Output{}, nil
	}
	return f.listFn(ctx, in, opts...)
}

type fakeAPIError struct {
	code string
}

func (f fakeAPIError) ErrorCode() string             { return f.code }
func (f fakeAPIError) ErrorMessage() string          { return f.code }
func (f fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }
func (f fakeAPIError) Error() string                 { return "api error " + f.code }
