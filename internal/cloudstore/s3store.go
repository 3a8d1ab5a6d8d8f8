package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/openmaps/marksync/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	trashPrefix = "trash/"

	// modification dates ride along as object metadata, since S3's own
	// LastModified is the upload time, not the file's
	mtimeMetaKey = "mtime"

	headConcurrency = 8
	probeTimeout    = 10 * time.Second
	etagSidecarExt  = ".etag"
)

// S3Options configures an S3-backed cloud store.
type S3Options struct {
	Bucket    string
	Region    string
	Prefix    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// s3API is the slice of the S3 client surface the store uses, carved out so
// tests can substitute a fake.
type s3API interface {
	s3.ListObjectsV2APIClient
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectVersions(ctx context.Context, in *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
}

// S3Store is a Store over an S3-compatible bucket. Items live under a root
// prefix, trashed items under "<prefix>trash/", and concurrent versions come
// from the bucket's object versioning. Downloaded content is materialized
// into a local cache directory; an item counts as downloaded when its cached
// copy matches the object's ETag.
type S3Store struct {
	client   s3API
	bucket   string
	prefix   string
	cacheDir string

	rootMu sync.Mutex
	root   string // cached after first successful probe

	dlMu        sync.Mutex
	downloading map[string]struct{}
}

var _ Store = (*S3Store)(nil)

func NewS3Store(ctx context.Context, opts S3Options, cacheDir string) (*S3Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
		Timeout: 30 * time.Second,
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	prefix := opts.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	if err := utils.EnsureDir(cacheDir); err != nil {
		return nil, fmt.Errorf("ensure cache dir: %w", err)
	}

	return &S3Store{
		client:      client,
		bucket:      opts.Bucket,
		prefix:      prefix,
		cacheDir:    cacheDir,
		downloading: make(map[string]struct{}),
	}, nil
}

func (s *S3Store) Capabilities() Capabilities {
	return Capabilities{
		CanEnumerateTrash:    true,
		CanEnumerateVersions: true,
	}
}

func (s *S3Store) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	return err == nil
}

func (s *S3Store) Root(ctx context.Context) (string, error) {
	s.rootMu.Lock()
	defer s.rootMu.Unlock()

	if s.root != "" {
		return s.root, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if _, err := s.client.HeadBucket(probeCtx, &s3.HeadBucketInput{Bucket: &s.bucket}); err != nil {
		return "", fmt.Errorf("%w: s3://%s: %v", ErrRootNotFound, s.bucket, err)
	}

	s.root = "s3://" + path.Join(s.bucket, s.prefix)
	return s.root, nil
}

func (s *S3Store) List(ctx context.Context) ([]*Entry, error) {
	objects, err := s.listPrefix(ctx, s.prefix)
	if err != nil {
		return nil, err
	}
	conflicted, err := s.conflictedNames(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(objects))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headConcurrency)

	for _, obj := range objects {
		key := aws.ToString(obj.Key)
		name := strings.TrimPrefix(key, s.prefix)
		if name == "" || strings.Contains(name, "/") {
			// trash and anything nested is out of the flat listing
			continue
		}

		obj := obj
		g.Go(func() error {
			entry := &Entry{
				Name:       name,
				Size:       aws.ToInt64(obj.Size),
				ETag:       cleanETag(aws.ToString(obj.ETag)),
				ModifiedAt: aws.ToTime(obj.LastModified),
			}
			if mtime, ok := s.headMtime(gctx, key); ok {
				entry.ModifiedAt = mtime
			}
			entry.Download = s.downloadStatus(name, entry.ETag)
			_, entry.HasConflicts = conflicted[name]

			mu.Lock()
			entries = append(entries, entry)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *S3Store) TrashEntries(ctx context.Context) ([]*Entry, error) {
	objects, err := s.listPrefix(ctx, s.prefix+trashPrefix)
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(objects))
	for _, obj := range objects {
		name := strings.TrimPrefix(aws.ToString(obj.Key), s.prefix+trashPrefix)
		if name == "" {
			continue
		}
		entries = append(entries, &Entry{
			Name:       name,
			Size:       aws.ToInt64(obj.Size),
			ETag:       cleanETag(aws.ToString(obj.ETag)),
			ModifiedAt: aws.ToTime(obj.LastModified),
			Removed:    true,
			Download:   Downloaded,
		})
	}
	return entries, nil
}

// StartDownload fetches the object into the cache directory. The next List
// reports the item as downloaded once the cached ETag matches.
func (s *S3Store) StartDownload(ctx context.Context, name string) error {
	s.dlMu.Lock()
	if _, busy := s.downloading[name]; busy {
		s.dlMu.Unlock()
		return nil
	}
	s.downloading[name] = struct{}{}
	s.dlMu.Unlock()

	defer func() {
		s.dlMu.Lock()
		delete(s.downloading, name)
		s.dlMu.Unlock()
	}()

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()

	mtime := aws.ToTime(resp.LastModified)
	if t, ok := parseMtimeMeta(resp.Metadata); ok {
		mtime = t
	}

	cached := filepath.Join(s.cacheDir, name)
	if err := utils.WriteFileAtomic(cached, resp.Body, mtime); err != nil {
		return fmt.Errorf("cache %s: %w", name, err)
	}

	etag := cleanETag(aws.ToString(resp.ETag))
	return os.WriteFile(cached+etagSidecarExt, []byte(etag), 0o644)
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, *Entry, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, nil, fmt.Errorf("open %s: %w", name, err)
	}

	mtime := aws.ToTime(resp.LastModified)
	if t, ok := parseMtimeMeta(resp.Metadata); ok {
		mtime = t
	}

	return resp.Body, &Entry{
		Name:       name,
		Size:       aws.ToInt64(resp.ContentLength),
		ETag:       cleanETag(aws.ToString(resp.ETag)),
		ModifiedAt: mtime,
		Download:   Downloaded,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, name string, r io.Reader, modTime time.Time) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    aws.String(s.prefix + name),
		Body:   r,
		Metadata: map[string]string{
			mtimeMetaKey: strconv.FormatInt(modTime.Unix(), 10),
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// Trash copies the object under the trash prefix and deletes the original.
// A stale same-named trash entry is deleted first so the trash never holds
// two items with the same name.
func (s *S3Store) Trash(ctx context.Context, name string) error {
	key := s.prefix + name
	trashKey := s.prefix + trashPrefix + name

	// DeleteObject is idempotent, so this also covers the no-stale-entry case.
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &trashKey,
	}); err != nil {
		return fmt.Errorf("drop stale trash entry %s: %w", name, err)
	}

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        &trashKey,
		CopySource: aws.String(s.bucket + "/" + key),
	}); err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil // already gone
		}
		return fmt.Errorf("trash %s: %w", name, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}); err != nil {
		return fmt.Errorf("trash %s: %w", name, err)
	}
	return nil
}

func (s *S3Store) Versions(ctx context.Context, name string) ([]*Version, error) {
	key := s.prefix + name
	resp, err := s.client.ListObjectVersions(ctx, &s3.ListObjectVersionsInput{
		Bucket: &s.bucket,
		Prefix: &key,
	})
	if err != nil {
		return nil, fmt.Errorf("list versions for %s: %w", name, err)
	}

	var versions []*Version
	for _, v := range resp.Versions {
		if aws.ToString(v.Key) != key {
			continue
		}
		versions = append(versions, &Version{
			ID:         aws.ToString(v.VersionId),
			Size:       aws.ToInt64(v.Size),
			ModifiedAt: aws.ToTime(v.LastModified),
		})
	}
	return versions, nil
}

func (s *S3Store) ResolveVersions(ctx context.Context, name string, keepID string) error {
	key := s.prefix + name

	if _, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &s.bucket,
		Key:        &key,
		CopySource: aws.String(s.bucket + "/" + key + "?versionId=" + keepID),
	}); err != nil {
		return fmt.Errorf("promote version %s of %s: %w", keepID, name, err)
	}

	versions, err := s.Versions(ctx, name)
	if err != nil {
		return err
	}
	for _, v := range versions {
		if v.ID == keepID {
			continue
		}
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:    &s.bucket,
			Key:       &key,
			VersionId: aws.String(v.ID),
		}); err != nil {
			return fmt.Errorf("discard version %s of %s: %w", v.ID, name, err)
		}
	}
	return nil
}

// conflictedNames sweeps the bucket's version index once per listing and
// reports names carrying more than one retained version. On an unversioned
// bucket every key has a single version and the map stays empty.
func (s *S3Store) conflictedNames(ctx context.Context) (map[string]struct{}, error) {
	counts := make(map[string]int)
	input := &s3.ListObjectVersionsInput{
		Bucket: &s.bucket,
		Prefix: aws.String(s.prefix),
	}
	for {
		resp, err := s.client.ListObjectVersions(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("%w: list versions s3://%s/%s: %v", ErrUnavailable, s.bucket, s.prefix, err)
		}
		for _, v := range resp.Versions {
			name := strings.TrimPrefix(aws.ToString(v.Key), s.prefix)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			counts[name]++
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		input.KeyMarker = resp.NextKeyMarker
		input.VersionIdMarker = resp.NextVersionIdMarker
	}

	conflicted := make(map[string]struct{})
	for name, n := range counts {
		if n > 1 {
			conflicted[name] = struct{}{}
		}
	}
	return conflicted, nil
}

func (s *S3Store) listPrefix(ctx context.Context, prefix string) ([]types.Object, error) {
	var objects []types.Object
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list s3://%s/%s: %v", ErrUnavailable, s.bucket, prefix, err)
		}
		objects = append(objects, page.Contents...)
	}
	return objects, nil
}

func (s *S3Store) headMtime(ctx context.Context, key string) (time.Time, bool) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return time.Time{}, false
	}
	return parseMtimeMeta(resp.Metadata)
}

func (s *S3Store) downloadStatus(name, etag string) DownloadStatus {
	s.dlMu.Lock()
	_, busy := s.downloading[name]
	s.dlMu.Unlock()
	if busy {
		return Downloading
	}

	sidecar, err := os.ReadFile(filepath.Join(s.cacheDir, name) + etagSidecarExt)
	if err == nil && string(sidecar) == etag {
		return Downloaded
	}
	return NotDownloaded
}

func parseMtimeMeta(meta map[string]string) (time.Time, bool) {
	raw, ok := meta[mtimeMetaKey]
	if !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func cleanETag(etag string) string {
	return strings.ReplaceAll(etag, "\"", "")
}
