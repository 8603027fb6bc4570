package blobstore

import (
	"context"
	"errors"
	"net/url"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// Constructors for the cloud buckets a segment store usually lives
// in. Each builds a gocloud driver URL and opens it; the blank imports
// above link the drivers in. Credentials come from the provider's
// usual environment (AWS SDK config, application default credentials,
// AZURE_STORAGE_ACCOUNT/AZURE_STORAGE_KEY).

var errBucketRequired = errors.New("blobstore: bucket is required")

func s3URL(bucket, region string) string {
	bucketURL := "s3://" + bucket
	if region != "" {
		bucketURL += "?region=" + url.QueryEscape(region)
	}
	return bucketURL
}

func gcsURL(bucket string) string {
	return "gs://" + bucket
}

func azureURL(container string) string {
	return "azblob://" + container
}

// NewS3 creates a segment store on an Amazon S3 bucket. An empty
// region is inferred by the AWS SDK from the environment.
func NewS3(ctx context.Context, bucket, region, prefix string) (*Store, error) {
	if bucket == "" {
		return nil, errBucketRequired
	}
	return Open(ctx, s3URL(bucket, region), prefix)
}

// NewGCS creates a segment store on a Google Cloud Storage bucket.
func NewGCS(ctx context.Context, bucket, prefix string) (*Store, error) {
	if bucket == "" {
		return nil, errBucketRequired
	}
	return Open(ctx, gcsURL(bucket), prefix)
}

// NewAzure creates a segment store on an Azure Blob Storage container.
func NewAzure(ctx context.Context, container, prefix string) (*Store, error) {
	if container == "" {
		return nil, errBucketRequired
	}
	return Open(ctx, azureURL(container), prefix)
}
