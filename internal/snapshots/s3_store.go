package snapshots

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

const snapshotContentType = "application/json"

// ObjectAPI is the subset of the S3 client used by S3Store.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the S3 snapshot backend.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// S3Store keeps one JSON object per document. The object ETag is the
// compare-and-swap token, enforced with conditional PutObject requests.
type S3Store struct {
	api    ObjectAPI
	bucket string
	prefix string
	clock  func() time.Time
}

type s3Object struct {
	DocumentID  string `json:"document_id"`
	State       []byte `json:"state"`
	StateVector []byte `json:"state_vector"`
	StateHash   string `json:"state_hash"`
	UpdatedAt   int64  `json:"updated_at_s"`
}

// NewS3Client builds an S3 client from the default AWS credential chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var options []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("snapshots: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// NewS3Store constructs an S3Store writing under cfg.Prefix in cfg.Bucket.
func NewS3Store(api ObjectAPI, cfg S3Config, clock func() time.Time) (*S3Store, error) {
	if api == nil {
		return nil, errors.New("snapshots: s3 client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("snapshots: s3 bucket is required")
	}
	if clock == nil {
		clock = time.Now
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Store{api: api, bucket: bucket, prefix: prefix, clock: clock}, nil
}

func (s *S3Store) key(documentID string) string {
	return s.prefix + documentID + ".json"
}

// Load implements Store.
func (s *S3Store) Load(ctx context.Context, documentID string) (Snapshot, error) {
	output, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(documentID)),
	})
	if err != nil {
		if isNotFound(err) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("snapshots: get object: %w", err)
	}
	defer output.Body.Close()

	body, err := io.ReadAll(output.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshots: read object: %w", err)
	}
	var object s3Object
	if err := json.Unmarshal(body, &object); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if HashPayload(object.State) != object.StateHash {
		return Snapshot{}, fmt.Errorf("%w: state hash mismatch for %s", ErrCorrupt, documentID)
	}
	return Snapshot{
		DocumentID:  documentID,
		State:       object.State,
		StateVector: object.StateVector,
		Version:     aws.ToString(output.ETag),
		UpdatedAt:   time.Unix(object.UpdatedAt, 0).UTC(),
	}, nil
}

// Save implements Store.
func (s *S3Store) Save(ctx context.Context, snapshot Snapshot, expectedVersion string) (string, error) {
	body, err := json.Marshal(s3Object{
		DocumentID:  snapshot.DocumentID,
		State:       snapshot.State,
		StateVector: snapshot.StateVector,
		StateHash:   HashPayload(snapshot.State),
		UpdatedAt:   s.clock().UTC().Unix(),
	})
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(snapshot.DocumentID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(snapshotContentType),
	}
	if expectedVersion == NoVersion {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(expectedVersion)
	}
	output, err := s.api.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailure(err) {
			return "", ErrConflict
		}
		return "", fmt.Errorf("snapshots: put object: %w", err)
	}
	return aws.ToString(output.ETag), nil
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func isPreconditionFailure(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	var responseErr *smithyhttp.ResponseError
	if errors.As(err, &responseErr) {
		status := responseErr.HTTPStatusCode()
		return status == http.StatusPreconditionFailed || status == http.StatusConflict
	}
	return false
}
