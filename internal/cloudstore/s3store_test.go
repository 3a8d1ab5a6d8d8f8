package cloudstore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 serves canned listings; version pages are returned in order so
// pagination can be exercised.
type fakeS3 struct {
	objects      []types.Object
	versionPages []*s3.ListObjectVersionsOutput
	versionErr   error
	versionCalls int
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var out []types.Object
	for _, o := range f.objects {
		if strings.HasPrefix(aws.ToString(o.Key), aws.ToString(in.Prefix)) {
			out = append(out, o)
		}
	}
	return &s3.ListObjectsV2Output{Contents: out, IsTruncated: aws.Bool(false)}, nil
}

func (f *fakeS3) ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	if f.versionErr != nil {
		return nil, f.versionErr
	}
	if f.versionCalls >= len(f.versionPages) {
		return &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}, nil
	}
	page := f.versionPages[f.versionCalls]
	f.versionCalls++
	return page, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, errors.New("no metadata")
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, errors.New("not served")
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return nil, errors.New("not served")
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	return nil, errors.New("not served")
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return nil, errors.New("not served")
}

func newFakeS3Store(t *testing.T, api s3API) *S3Store {
	t.Helper()
	return &S3Store{
		client:      api,
		bucket:      "marks",
		prefix:      "sync/",
		cacheDir:    t.TempDir(),
		downloading: make(map[string]struct{}),
	}
}

func TestS3StoreListFlagsMultiVersionObjects(t *testing.T) {
	now := time.Now()
	api := &fakeS3{
		objects: []types.Object{
			{Key: aws.String("sync/a.kml"), Size: aws.Int64(10), ETag: aws.String(`"e1"`), LastModified: aws.Time(now)},
			{Key: aws.String("sync/b.kml"), Size: aws.Int64(20), ETag: aws.String(`"e2"`), LastModified: aws.Time(now)},
		},
		versionPages: []*s3.ListObjectVersionsOutput{{
			Versions: []types.ObjectVersion{
				{Key: aws.String("sync/a.kml"), VersionId: aws.String("v1")},
				{Key: aws.String("sync/a.kml"), VersionId: aws.String("v2")},
				{Key: aws.String("sync/b.kml"), VersionId: aws.String("v1")},
				// trash residents never count, however many versions
				{Key: aws.String("sync/trash/old.kml"), VersionId: aws.String("v1")},
				{Key: aws.String("sync/trash/old.kml"), VersionId: aws.String("v2")},
			},
			IsTruncated: aws.Bool(false),
		}},
	}
	s := newFakeS3Store(t, api)

	entries, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)

	byName := make(map[string]*Entry)
	for _, e := range entries {
		byName[e.Name] = e
	}
	assert.True(t, byName["a.kml"].HasConflicts, "two retained versions must surface as a conflict")
	assert.False(t, byName["b.kml"].HasConflicts)
}

func TestS3StoreConflictSweepPaginates(t *testing.T) {
	api := &fakeS3{
		versionPages: []*s3.ListObjectVersionsOutput{
			{
				Versions:            []types.ObjectVersion{{Key: aws.String("sync/split.kml"), VersionId: aws.String("v1")}},
				IsTruncated:         aws.Bool(true),
				NextKeyMarker:       aws.String("sync/split.kml"),
				NextVersionIdMarker: aws.String("v1"),
			},
			{
				Versions:    []types.ObjectVersion{{Key: aws.String("sync/split.kml"), VersionId: aws.String("v2")}},
				IsTruncated: aws.Bool(false),
			},
		},
	}
	s := newFakeS3Store(t, api)

	conflicted, err := s.conflictedNames(context.Background())
	require.NoError(t, err)
	assert.Contains(t, conflicted, "split.kml")
	assert.Equal(t, 2, api.versionCalls)
}

func TestS3StoreListPropagatesVersionSweepFailure(t *testing.T) {
	api := &fakeS3{versionErr: errors.New("listing denied")}
	s := newFakeS3Store(t, api)

	_, err := s.List(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}
