package stores

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/zecode-web/internal/xerrors"
)

// ObjectGetter is the subset of the S3 client used to fetch the catalog.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// LoadS3 fetches and parses the catalog at s3://bucket/key.
func LoadS3(ctx context.Context, client ObjectGetter, bucket, key string) (*Catalog, error) {
	if bucket == "" || key == "" {
		return nil, xerrors.New("bucket and key are required")
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3://%s/%s", bucket, key)
	}
	defer out.Body.Close()

	c, err := ParseCatalog(out.Body)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse s3://%s/%s", bucket, key)
	}
	return c, nil
}
