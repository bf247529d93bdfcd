package invoice

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archive keeps a copy of every issued invoice.
type Archive interface {
	Store(ctx context.Context, number string, pdf []byte) (string, error)
}

// PutObjectAPI is the part of the S3 client the archive uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archive struct {
	client PutObjectAPI
	bucket string
	region string
}

func NewS3Archive(client PutObjectAPI, bucket, region string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, region: region}
}

// NewS3ArchiveFromEnv loads credentials from the default AWS chain.
func NewS3ArchiveFromEnv(ctx context.Context, bucket, region string) (*S3Archive, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Archive(s3.NewFromConfig(cfg), bucket, region), nil
}

func ObjectKey(number string) string {
	return fmt.Sprintf("invoices/%s.pdf", number)
}

func (a *S3Archive) Store(ctx context.Context, number string, pdf []byte) (string, error) {
	key := ObjectKey(number)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(pdf),
		ContentType: aws.String("application/pdf"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload invoice %s to S3: %w", number, err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

// NoopArchive is used when no bucket is configured.
type NoopArchive struct{}

func (NoopArchive) Store(context.Context, string, []byte) (string, error) {
	return "", nil
}
