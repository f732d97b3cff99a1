package s3

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/3leaps/annovault/pkg/blobstore"
)

const backendName = "s3"

// api is the subset of *s3.Client used by Store.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	RestoreObject(ctx context.Context, in *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
}

// Store implements blobstore.Store on S3.
type Store struct {
	client api
	cfg    Config
}

var _ blobstore.Store = (*Store)(nil)

// New creates an S3 blob store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &blobstore.StoreError{Op: "New", Backend: backendName, Bucket: cfg.HotBucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &Store{client: s3.NewFromConfig(awsCfg, s3Opts...), cfg: cfg}, nil
}

func newWithClient(client api, cfg Config) *Store {
	return &Store{client: client, cfg: cfg.withDefaults()}
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion defaults to us-east-1 for AWS S3 only; S3-compatible
// endpoints get no default.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

func (s *Store) Close() error { return nil }

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.HotBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return s.wrapError("Put", s.cfg.HotBucket, key, err)
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.exists(ctx, "Exists", s.cfg.HotBucket, key)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.delete(ctx, "Delete", s.cfg.HotBucket, key)
}

func (s *Store) Archive(ctx context.Context, jobID, hotKey string) (string, error) {
	coldKey := blobstore.ColdKey(s.cfg.ColdPrefix, jobID)

	archived, err := s.exists(ctx, "Archive", s.cfg.ColdBucket, coldKey)
	if err != nil {
		return "", err
	}
	if !archived {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:       aws.String(s.cfg.ColdBucket),
			Key:          aws.String(coldKey),
			CopySource:   aws.String(copySource(s.cfg.HotBucket, hotKey)),
			StorageClass: types.StorageClass(s.cfg.ColdStorageClass),
		})
		if err != nil {
			return "", s.wrapError("Archive", s.cfg.HotBucket, hotKey, err)
		}
	}

	if err := s.delete(ctx, "Archive", s.cfg.HotBucket, hotKey); err != nil {
		return "", err
	}
	return coldKey, nil
}

func (s *Store) InitiateThaw(ctx context.Context, archiveID string, tier blobstore.ThawTier, correlationID string) (string, error) {
	s3Tier := types.TierStandard
	if tier == blobstore.ThawExpedited {
		s3Tier = types.TierExpedited
	}

	_, err := s.client.RestoreObject(ctx, &s3.RestoreObjectInput{
		Bucket: aws.String(s.cfg.ColdBucket),
		Key:    aws.String(archiveID),
		RestoreRequest: &types.RestoreRequest{
			Days:                 aws.Int32(s.cfg.RestoreDays),
			Description:          aws.String(correlationID),
			GlacierJobParameters: &types.GlacierJobParameters{Tier: s3Tier},
		},
	})
	if err != nil && !isAPIErrorCode(err, "RestoreAlreadyInProgress") {
		return "", s.wrapError("InitiateThaw", s.cfg.ColdBucket, archiveID, err)
	}

	// S3 has no thaw job handle; mint one for correlation.
	return uuid.NewString(), nil
}

func (s *Store) ThawStatus(ctx context.Context, archiveID, thawJobID string) (blobstore.ThawState, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.ColdBucket),
		Key:    aws.String(archiveID),
	})
	if err != nil {
		return "", s.wrapError("ThawStatus", s.cfg.ColdBucket, archiveID, err)
	}
	return parseRestoreHeader(out.StorageClass, aws.ToString(out.Restore)), nil
}

func (s *Store) CompleteThaw(ctx context.Context, archiveID, thawJobID, destKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:       aws.String(s.cfg.HotBucket),
		Key:          aws.String(destKey),
		CopySource:   aws.String(copySource(s.cfg.ColdBucket, archiveID)),
		StorageClass: types.StorageClassStandard,
	})
	if err != nil {
		return s.wrapError("CompleteThaw", s.cfg.ColdBucket, archiveID, err)
	}
	return nil
}

func (s *Store) DeleteArchive(ctx context.Context, archiveID string) error {
	return s.delete(ctx, "DeleteArchive", s.cfg.ColdBucket, archiveID)
}

func (s *Store) exists(ctx context.Context, op, bucket, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	wrapped := s.wrapError(op, bucket, key, err)
	if blobstore.IsNotFound(wrapped) {
		return false, nil
	}
	return false, wrapped
}

func (s *Store) delete(ctx context.Context, op, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return nil
	}
	wrapped := s.wrapError(op, bucket, key, err)
	if blobstore.IsNotFound(wrapped) {
		return nil
	}
	return wrapped
}

// parseRestoreHeader interprets the x-amz-restore header, e.g.
// `ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`.
func parseRestoreHeader(class types.StorageClass, restore string) blobstore.ThawState {
	switch {
	case strings.Contains(restore, `ongoing-request="true"`):
		return blobstore.ThawStateInProgress
	case strings.Contains(restore, `ongoing-request="false"`):
		return blobstore.ThawStateReady
	}
	switch class {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
		return blobstore.ThawStateNone
	}
	// Objects outside archival classes are readable without a thaw.
	return blobstore.ThawStateReady
}

// copySource builds the URL-encoded bucket/key form CopyObject expects.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func isAPIErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

// wrapError maps S3 errors onto blobstore sentinels.
func (s *Store) wrapError(op, bucket, key string, err error) error {
	wrapped := &blobstore.StoreError{
		Op:      op,
		Backend: backendName,
		Bucket:  bucket,
		Key:     key,
		Err:     err,
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	var invalidState *types.InvalidObjectState

	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = blobstore.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = blobstore.ErrBucketNotFound
		return wrapped
	case errors.As(err, &invalidState):
		wrapped.Err = blobstore.ErrThawNotReady
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			wrapped.Err = blobstore.ErrNotFound
		case "NoSuchBucket":
			wrapped.Err = blobstore.ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = blobstore.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = blobstore.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = blobstore.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = blobstore.ErrProviderUnavailable
		case "GlacierExpeditedRetrievalNotAvailable", "InsufficientCapacityException":
			wrapped.Err = blobstore.ErrInsufficientCapacity
		case "InvalidObjectState":
			wrapped.Err = blobstore.ErrThawNotReady
		}
		return wrapped
	}

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "NoSuchKey") || strings.Contains(errMsg, "NotFound") || strings.Contains(errMsg, "404"):
		wrapped.Err = blobstore.ErrNotFound
	case strings.Contains(errMsg, "NoSuchBucket"):
		wrapped.Err = blobstore.ErrBucketNotFound
	case strings.Contains(errMsg, "AccessDenied") || strings.Contains(errMsg, "Forbidden") || strings.Contains(errMsg, "403"):
		wrapped.Err = blobstore.ErrAccessDenied
	case strings.Contains(errMsg, "SlowDown") || strings.Contains(errMsg, "Throttling") || strings.Contains(errMsg, "429"):
		wrapped.Err = blobstore.ErrThrottled
	case strings.Contains(errMsg, "ServiceUnavailable") || strings.Contains(errMsg, "503"):
		wrapped.Err = blobstore.ErrProviderUnavailable
	}

	return wrapped
}
