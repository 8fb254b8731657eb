package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"funnelmetrics/internal/types"
)

// S3PutAPI is the subset of the S3 client used by S3Archive.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes retention archives to one bucket in the Glacier Instant
// Retrieval storage class.
type S3Archive struct {
	api    S3PutAPI
	bucket string
}

func NewS3Archive(api S3PutAPI, bucket string) *S3Archive {
	return &S3Archive{api: api, bucket: bucket}
}

// Upload stores data under key. Keys are written once: if the key already
// exists the earlier upload is kept and Upload reports success, so a run
// that died between upload and delete can be repeated.
func (a *S3Archive) Upload(ctx context.Context, key string, data []byte) error {
	_, err := a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/zstd"),
		StorageClass: s3types.StorageClassGlacierIr,
		IfNoneMatch:  aws.String("*"),
	})
	if err == nil {
		return nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed":
			return nil
		case "NoSuchBucket":
			return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("archive bucket %s does not exist", a.bucket), err)
		}
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("failed to upload archive %s", key), err)
}
